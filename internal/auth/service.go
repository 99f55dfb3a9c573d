package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/forkline/server/internal/delivery"
	"github.com/forkline/server/internal/model"
	"github.com/forkline/server/internal/repo"
	"github.com/google/uuid"
)

const (
	challengeTTL    = 5 * time.Minute
	linkTTL         = 10 * time.Minute
	maxCodeAttempts = 5
	lockoutDuration = 15 * time.Minute
)

// ClientMeta carries per-request client context into the auth flows.
type ClientMeta struct {
	DeviceID  string
	UserAgent string
	Addr      string
}

// ChallengeReceipt acknowledges a challenge request. DebugCode is populated
// only when the service was composed with the debug capability.
type ChallengeReceipt struct {
	Message   string
	DebugCode string
}

// TokenPair is a freshly issued access/refresh credential pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	User         model.User
}

// AuthService orchestrates the passwordless login flows: request a challenge,
// verify a code or link, and refresh a token pair.
type AuthService struct {
	limiter     *RateLimiter
	challenges  repo.ChallengeRepo
	links       repo.LoginLinkRepo
	sessions    repo.SessionRepo
	users       repo.UserRepo
	tokens      *TokenService
	provider    delivery.Provider
	salt        string
	linkBaseURL string
	debugCodes  bool
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithDebugCodes makes RequestChallenge return the plaintext code in the
// receipt. Only wired into non-production compositions, for automated
// end-to-end tests.
func WithDebugCodes() Option {
	return func(s *AuthService) { s.debugCodes = true }
}

// NewAuthService creates a new auth service
func NewAuthService(
	limiter *RateLimiter,
	challenges repo.ChallengeRepo,
	links repo.LoginLinkRepo,
	sessions repo.SessionRepo,
	users repo.UserRepo,
	tokens *TokenService,
	provider delivery.Provider,
	salt string,
	linkBaseURL string,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		limiter:     limiter,
		challenges:  challenges,
		links:       links,
		sessions:    sessions,
		users:       users,
		tokens:      tokens,
		provider:    provider,
		salt:        salt,
		linkBaseURL: linkBaseURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestChallenge gates on the rate limiter, then issues both a one-time
// code and a magic-link token and delivers them in a single message.
func (s *AuthService) RequestChallenge(ctx context.Context, identifier string, meta ClientMeta) (*ChallengeReceipt, error) {
	if d := s.limiter.CheckAndRecord(meta.Addr, identifier); !d.Allowed {
		return nil, &RateLimitedError{Tier: d.Tier, RetryAfter: d.RetryAfter}
	}

	code, err := GenerateCode()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	linkToken, linkHash, err := GenerateLinkToken()
	if err != nil {
		return nil, fmt.Errorf("generate link token: %w", err)
	}

	now := time.Now()
	deviceID := optional(meta.DeviceID)
	ipHash := optional(HashClientAddr(meta.Addr, s.salt))

	codeHash := HashCode(identifier, code, s.salt)
	if _, err := s.challenges.Create(ctx, identifier, codeHash, now.Add(challengeTTL), maxCodeAttempts, deviceID, ipHash); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	if _, err := s.links.Create(ctx, identifier, linkHash, now.Add(linkTTL), deviceID, ipHash); err != nil {
		return nil, fmt.Errorf("create login link: %w", err)
	}

	body := fmt.Sprintf(
		"Your Forkline login code is %s. It expires in %d minutes.\n\nOr sign in directly: %s?token=%s",
		code, int(challengeTTL.Minutes()), s.linkBaseURL, linkToken,
	)
	if err := s.provider.Send(ctx, identifier, "Your Forkline login code", body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	receipt := &ChallengeReceipt{Message: "code_sent"}
	if s.debugCodes {
		receipt.DebugCode = code
	}
	return receipt, nil
}

// VerifyChallenge checks a submitted one-time code and, on success, logs the
// identifier in.
func (s *AuthService) VerifyChallenge(ctx context.Context, identifier, code string, meta ClientMeta) (*TokenPair, error) {
	verdict, err := s.challenges.VerifyAndConsume(ctx, identifier, HashCode(identifier, code, s.salt), lockoutDuration)
	if err != nil {
		return nil, fmt.Errorf("verify challenge: %w", err)
	}
	switch verdict.Outcome {
	case repo.ChallengeLocked:
		return nil, &ChallengeLockedError{RetryAfter: verdict.RetryAfter}
	case repo.ChallengeInvalid:
		return nil, ErrChallengeInvalid
	}
	return s.completeLogin(ctx, identifier, meta)
}

// VerifyLink consumes a magic-link token and, on success, logs the resolved
// identifier in.
func (s *AuthService) VerifyLink(ctx context.Context, token string, meta ClientMeta) (*TokenPair, error) {
	identifier, err := s.links.Consume(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrLinkNotConsumable) {
			return nil, ErrLinkInvalid
		}
		return nil, fmt.Errorf("consume link: %w", err)
	}
	return s.completeLogin(ctx, identifier, meta)
}

// completeLogin resolves the user, creates the session, and issues the pair.
// The session ID is generated up front so the refresh token can carry it and
// the row is inserted with its hash already set.
func (s *AuthService) completeLogin(ctx context.Context, identifier string, meta ClientMeta) (*TokenPair, error) {
	user, err := s.users.UpsertByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	sessionID := uuid.New()
	refreshToken, refreshExpiry, err := s.tokens.GenerateRefresh(user.ID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	session := model.Session{
		ID:               sessionID,
		UserID:           user.ID,
		RefreshTokenHash: HashToken(refreshToken),
		DeviceID:         optional(meta.DeviceID),
		UserAgent:        optional(meta.UserAgent),
		IPHash:           optional(HashClientAddr(meta.Addr, s.salt)),
		ExpiresAt:        refreshExpiry,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	accessToken, err := s.tokens.GenerateAccess(user.ID, user.Identifier)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user,
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair and rotates the
// session's stored hash. Any failure leaves the session untouched; the
// specific kind is logged but the returned error is uniformly generic.
func (s *AuthService) Refresh(ctx context.Context, presented string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(presented)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	presentedHash := HashToken(presented)
	if err := s.sessions.ValidateForRefresh(ctx, claims.SessionID, claims.UserID, presentedHash); err != nil {
		if errors.Is(err, repo.ErrSessionTokenMismatch) {
			log.Printf("refresh rejected for session %s: token hash mismatch (possible replay of a rotated token)", claims.SessionID)
		} else {
			log.Printf("refresh rejected for session %s: %v", claims.SessionID, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	newRefresh, newExpiry, err := s.tokens.GenerateRefresh(user.ID, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.sessions.Rotate(ctx, claims.SessionID, presentedHash, HashToken(newRefresh), newExpiry); err != nil {
		// A concurrent refresh rotated first; this caller loses.
		log.Printf("refresh rotation lost for session %s: %v", claims.SessionID, err)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	accessToken, err := s.tokens.GenerateAccess(user.ID, user.Identifier)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		User:         user,
	}, nil
}

// Logout revokes the session behind a refresh token. Revoking an already
// revoked session is not an error.
func (s *AuthService) Logout(ctx context.Context, presented string) error {
	claims, err := s.tokens.VerifyRefresh(presented)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if err := s.sessions.Revoke(ctx, claims.SessionID); err != nil {
		if errors.Is(err, repo.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
