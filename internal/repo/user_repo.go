package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forkline/server/internal/model"
	"github.com/google/uuid"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	UpsertByIdentifier(ctx context.Context, identifier string) (model.User, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `
		SELECT id, identifier, created_at, last_login_at
		FROM users
		WHERE id = $1
	`
	var user model.User
	var idStr string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&idStr,
		&user.Identifier,
		&user.CreatedAt,
		&user.LastLoginAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("user not found: %w", err)
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to parse user ID: %w", err)
	}
	return user, nil
}

// UpsertByIdentifier creates the user on first login or bumps last_login_at on
// an existing one, in a single statement so concurrent first logins for the
// same identifier resolve to one row.
func (r *userRepo) UpsertByIdentifier(ctx context.Context, identifier string) (model.User, error) {
	query := `
		INSERT INTO users (identifier, last_login_at)
		VALUES ($1, now())
		ON CONFLICT (identifier) DO UPDATE SET last_login_at = now()
		RETURNING id, identifier, created_at, last_login_at
	`
	var user model.User
	var idStr string
	err := r.db.QueryRowContext(ctx, query, identifier).Scan(
		&idStr,
		&user.Identifier,
		&user.CreatedAt,
		&user.LastLoginAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to upsert user: %w", err)
	}
	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to parse user ID: %w", err)
	}
	return user, nil
}
