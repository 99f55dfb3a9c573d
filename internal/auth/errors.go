package auth

import (
	"errors"
	"fmt"
	"time"
)

// Verification failures are deliberately opaque: callers cannot distinguish a
// wrong code from a missing, expired, or already-used challenge or link.
var (
	ErrChallengeInvalid = errors.New("invalid or expired code")
	ErrLinkInvalid      = errors.New("invalid or expired link")
	ErrTokenInvalid     = errors.New("invalid or expired token")
	ErrRefreshFailed    = errors.New("refresh failed")
	ErrDeliveryFailed   = errors.New("delivery failed")
)

// RateLimitedError reports which tier denied the request and how long until
// its window resets.
type RateLimitedError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s tier), retry in %ds", e.Tier, e.RetryAfterSeconds())
}

// RetryAfterSeconds returns the remaining window time rounded up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int {
	return ceilSeconds(e.RetryAfter)
}

// ChallengeLockedError reports an active attempt lockout on a challenge.
type ChallengeLockedError struct {
	RetryAfter time.Duration
}

func (e *ChallengeLockedError) Error() string {
	return fmt.Sprintf("challenge locked, retry in %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds returns the remaining lockout time rounded up to whole seconds.
func (e *ChallengeLockedError) RetryAfterSeconds() int {
	return ceilSeconds(e.RetryAfter)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
