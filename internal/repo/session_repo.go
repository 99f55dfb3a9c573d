package repo

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forkline/server/internal/model"
	"github.com/google/uuid"
)

// Session validation failures, ordered by the check that produced them.
// ErrSessionTokenMismatch means a stale or stolen refresh token was replayed
// after rotation; callers should treat it as security-relevant.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionRevoked       = errors.New("session revoked")
	ErrSessionExpired       = errors.New("session expired")
	ErrSessionTokenMismatch = errors.New("session token mismatch")
)

// SessionRepo defines the interface for session repository operations
type SessionRepo interface {
	Create(ctx context.Context, s model.Session) error
	ValidateForRefresh(ctx context.Context, sessionID, userID uuid.UUID, presentedHash string) error
	Rotate(ctx context.Context, sessionID uuid.UUID, oldHash, newHash string, newExpiresAt time.Time) error
	Revoke(ctx context.Context, sessionID uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (model.Session, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

// Create inserts a session row. The caller supplies the ID so the refresh
// token can carry it before the row exists; the row is inserted with its hash
// in one statement, so a hashless session is never observable.
func (r *sessionRepo) Create(ctx context.Context, s model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, refresh_token_hash, device_id, user_agent, ip_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.UserID, s.RefreshTokenHash, s.DeviceID, s.UserAgent, s.IPHash, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ValidateForRefresh applies the checks in a fixed order: existence,
// revocation, expiry, then hash equality.
func (r *sessionRepo) ValidateForRefresh(ctx context.Context, sessionID, userID uuid.UUID, presentedHash string) error {
	var storedHash string
	var ownerStr string
	var expiresAt time.Time
	var revokedAt *time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, refresh_token_hash, expires_at, revoked_at
		FROM sessions
		WHERE id = $1
	`, sessionID).Scan(&ownerStr, &storedHash, &expiresAt, &revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		return fmt.Errorf("query session: %w", err)
	}

	owner, err := uuid.Parse(ownerStr)
	if err != nil {
		return fmt.Errorf("parse session owner: %w", err)
	}
	if owner != userID {
		return ErrSessionNotFound
	}
	if revokedAt != nil {
		return ErrSessionRevoked
	}
	if !expiresAt.After(time.Now()) {
		return ErrSessionExpired
	}
	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) != 1 {
		return ErrSessionTokenMismatch
	}
	return nil
}

// Rotate replaces the stored hash and expiry, conditional on the old hash so
// two concurrent refreshes with the same token resolve to one winner; the
// loser sees ErrSessionTokenMismatch.
func (r *sessionRepo) Rotate(ctx context.Context, sessionID uuid.UUID, oldHash, newHash string, newExpiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET refresh_token_hash = $2, expires_at = $3
		WHERE id = $1 AND refresh_token_hash = $4 AND revoked_at IS NULL
	`, sessionID, newHash, newExpiresAt, oldHash)
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrSessionTokenMismatch
	}
	return nil
}

// Revoke sets revoked_at for the session; once set it is never cleared.
func (r *sessionRepo) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL
	`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAllForUser revokes every active session for a user (theft response)
func (r *sessionRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("revoke all sessions for user: %w", err)
	}
	return nil
}

// GetByID returns the session row regardless of state.
func (r *sessionRepo) GetByID(ctx context.Context, sessionID uuid.UUID) (model.Session, error) {
	var s model.Session
	var idStr, userIDStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, refresh_token_hash, device_id, user_agent, ip_hash, expires_at, revoked_at, created_at
		FROM sessions
		WHERE id = $1
	`, sessionID).Scan(
		&idStr,
		&userIDStr,
		&s.RefreshTokenHash,
		&s.DeviceID,
		&s.UserAgent,
		&s.IPHash,
		&s.ExpiresAt,
		&s.RevokedAt,
		&s.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Session{}, ErrSessionNotFound
		}
		return model.Session{}, fmt.Errorf("query session: %w", err)
	}
	s.ID, _ = uuid.Parse(idStr)
	s.UserID, _ = uuid.Parse(userIDStr)
	return s, nil
}
