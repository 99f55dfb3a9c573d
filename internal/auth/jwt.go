package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token lifetimes. Cookie max-ages in the HTTP layer derive from these.
const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 30 * 24 * time.Hour
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// AccessClaims are the claims of a short-lived access token.
type AccessClaims struct {
	UserID     uuid.UUID `json:"uid"`
	Identifier string    `json:"idn"`
	TokenUse   string    `json:"use"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims of a long-lived refresh token. SessionID ties
// the token to the session row that decides revocation; the token itself is
// stateless and its authority is signature plus expiry only.
type RefreshClaims struct {
	UserID    uuid.UUID `json:"uid"`
	SessionID uuid.UUID `json:"sid"`
	TokenUse  string    `json:"use"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies access and refresh tokens (HS256).
type TokenService struct {
	secret []byte
}

// NewTokenService creates a new token service
func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
	}
}

// GenerateAccess creates a signed access token with a unique jti.
func (s *TokenService) GenerateAccess(userID uuid.UUID, identifier string) (string, error) {
	now := time.Now()
	claims := &AccessClaims{
		UserID:     userID,
		Identifier: identifier,
		TokenUse:   tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// GenerateRefresh creates a signed refresh token bound to a session and
// returns its expiry for the session row.
func (s *TokenService) GenerateRefresh(userID, sessionID uuid.UUID) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(RefreshTokenTTL)
	claims := &RefreshClaims{
		UserID:    userID,
		SessionID: sessionID,
		TokenUse:  tokenUseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccess verifies and parses an access token.
func (s *TokenService) VerifyAccess(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, s.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid || claims.TokenUse != tokenUseAccess {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyRefresh verifies and parses a refresh token. An access token
// presented here fails on the use claim.
func (s *TokenService) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, s.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*RefreshClaims)
	if !ok || !token.Valid || claims.TokenUse != tokenUseRefresh || claims.SessionID == uuid.Nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.secret, nil
}
