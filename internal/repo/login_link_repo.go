package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLinkNotConsumable covers unknown, already-used, and expired tokens alike.
var ErrLinkNotConsumable = errors.New("login link not consumable")

// LoginLinkRepo defines the interface for magic-link token operations
type LoginLinkRepo interface {
	Create(ctx context.Context, identifier, tokenHash string, expiresAt time.Time, deviceID, ipHash *string) (uuid.UUID, error)
	Consume(ctx context.Context, tokenHash string) (identifier string, err error)
}

type loginLinkRepo struct {
	db *sql.DB
}

// NewLoginLinkRepo creates a new LoginLinkRepo instance
func NewLoginLinkRepo(db *sql.DB) LoginLinkRepo {
	return &loginLinkRepo{db: db}
}

// Create inserts a new login link row holding only the token's hash.
func (r *loginLinkRepo) Create(ctx context.Context, identifier, tokenHash string, expiresAt time.Time, deviceID, ipHash *string) (uuid.UUID, error) {
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO login_links (identifier, token_hash, expires_at, device_id, ip_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, identifier, tokenHash, expiresAt, deviceID, ipHash).Scan(&idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert login link: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse login link ID: %w", err)
	}
	return id, nil
}

// Consume marks the link used in a single conditional update, so two
// concurrent submissions of the same token resolve to exactly one winner.
// ErrLinkNotConsumable does not reveal whether the token was unknown, already
// used, or expired.
func (r *loginLinkRepo) Consume(ctx context.Context, tokenHash string) (string, error) {
	var identifier string
	err := r.db.QueryRowContext(ctx, `
		UPDATE login_links
		SET used_at = now()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING identifier
	`, tokenHash).Scan(&identifier)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrLinkNotConsumable
		}
		return "", fmt.Errorf("consume login link: %w", err)
	}
	return identifier, nil
}
