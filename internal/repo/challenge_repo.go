package repo

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChallengeOutcome is the result of a verify-and-consume call.
type ChallengeOutcome int

const (
	// ChallengeOK means the code matched and the challenge row was deleted.
	ChallengeOK ChallengeOutcome = iota
	// ChallengeInvalid covers wrong code and no active challenge alike.
	ChallengeInvalid
	// ChallengeLocked means the challenge is locked out; RetryAfter is set.
	ChallengeLocked
)

// ChallengeVerdict carries the outcome plus the lockout's remaining duration.
type ChallengeVerdict struct {
	Outcome    ChallengeOutcome
	RetryAfter time.Duration
}

// ChallengeRepo defines the interface for one-time-code challenge operations
type ChallengeRepo interface {
	Create(ctx context.Context, identifier, codeHash string, expiresAt time.Time, maxAttempts int, deviceID, ipHash *string) (uuid.UUID, error)
	VerifyAndConsume(ctx context.Context, identifier, codeHash string, lockFor time.Duration) (ChallengeVerdict, error)
}

type challengeRepo struct {
	db *sql.DB
}

// NewChallengeRepo creates a new ChallengeRepo instance
func NewChallengeRepo(db *sql.DB) ChallengeRepo {
	return &challengeRepo{db: db}
}

// Create inserts a new challenge row. Older rows for the identifier are left
// in place; the most recent non-expired one is authoritative on verify.
func (r *challengeRepo) Create(ctx context.Context, identifier, codeHash string, expiresAt time.Time, maxAttempts int, deviceID, ipHash *string) (uuid.UUID, error) {
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO login_challenges (identifier, code_hash, expires_at, max_attempts, device_id, ip_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, identifier, codeHash, expiresAt, maxAttempts, deviceID, ipHash).Scan(&idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert challenge: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse challenge ID: %w", err)
	}
	return id, nil
}

// VerifyAndConsume runs the whole verification inside one transaction so two
// concurrent submissions cannot both read the same attempt count: lock the
// latest non-expired challenge row, honor an active lockout, increment
// attempts, lock out past the attempt budget, compare hashes, and delete the
// row on a match. Exactly one concurrent caller can win.
func (r *challengeRepo) VerifyAndConsume(ctx context.Context, identifier, codeHash string, lockFor time.Duration) (ChallengeVerdict, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ChallengeVerdict{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Advisory lock: serialize verifications per identifier so row locking
	// below never deadlocks with concurrent creates.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, identifier); err != nil {
		return ChallengeVerdict{}, fmt.Errorf("advisory lock: %w", err)
	}

	var id string
	var storedHash string
	var lockedUntil *time.Time
	var maxAttempts int
	err = tx.QueryRowContext(ctx, `
		SELECT id, code_hash, locked_until, max_attempts
		FROM login_challenges
		WHERE identifier = $1 AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, identifier).Scan(&id, &storedHash, &lockedUntil, &maxAttempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return ChallengeVerdict{Outcome: ChallengeInvalid}, nil
		}
		return ChallengeVerdict{}, fmt.Errorf("query challenge: %w", err)
	}

	now := time.Now()
	if lockedUntil != nil && lockedUntil.After(now) {
		// Active lockout: fail without touching the attempt count.
		return ChallengeVerdict{Outcome: ChallengeLocked, RetryAfter: lockedUntil.Sub(now)}, nil
	}

	var attempts int
	err = tx.QueryRowContext(ctx, `
		UPDATE login_challenges
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return ChallengeVerdict{}, fmt.Errorf("increment attempts: %w", err)
	}

	if attempts > maxAttempts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE login_challenges SET locked_until = now() + $2::interval WHERE id = $1
		`, id, fmt.Sprintf("%d seconds", int(lockFor.Seconds()))); err != nil {
			return ChallengeVerdict{}, fmt.Errorf("set lockout: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ChallengeVerdict{}, fmt.Errorf("commit: %w", err)
		}
		return ChallengeVerdict{Outcome: ChallengeLocked, RetryAfter: lockFor}, nil
	}

	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(codeHash)) != 1 {
		// Persist the incremented attempt count on mismatch.
		if err := tx.Commit(); err != nil {
			return ChallengeVerdict{}, fmt.Errorf("commit: %w", err)
		}
		return ChallengeVerdict{Outcome: ChallengeInvalid}, nil
	}

	// Exactly one success permitted: the row is gone once consumed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM login_challenges WHERE id = $1`, id); err != nil {
		return ChallengeVerdict{}, fmt.Errorf("consume challenge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ChallengeVerdict{}, fmt.Errorf("commit: %w", err)
	}
	return ChallengeVerdict{Outcome: ChallengeOK}, nil
}
