package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account, keyed by the contact identifier (email or
// phone number) used for passwordless login.
type User struct {
	ID          uuid.UUID
	Identifier  string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// Challenge is a pending one-time numeric code for an identifier. The most
// recently created non-expired row is authoritative; the row is deleted when
// the code is consumed.
type Challenge struct {
	ID          uuid.UUID
	Identifier  string
	CodeHash    string
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	LockedUntil *time.Time
	DeviceID    *string
	IPHash      *string
	CreatedAt   time.Time
}

// LoginLink is a pending single-use magic-link token. UsedAt transitions
// nil -> non-nil exactly once, via an atomic conditional update.
type LoginLink struct {
	ID         uuid.UUID
	Identifier string
	TokenHash  string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	DeviceID   *string
	IPHash     *string
	CreatedAt  time.Time
}

// Session backs refresh-token validity. RefreshTokenHash is replaced on every
// rotation; RevokedAt, once set, is permanent.
type Session struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	RefreshTokenHash string
	DeviceID         *string
	UserAgent        *string
	IPHash           *string
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	CreatedAt        time.Time
}
