package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/forkline/server/internal/auth"
	"github.com/forkline/server/internal/delivery"
	"github.com/forkline/server/internal/middleware"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	secure      bool
}

// NewAuthHandler creates a new auth handler. secure controls the Secure
// attribute on auth cookies and is set for production deployments.
func NewAuthHandler(authService *auth.AuthService, secure bool) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		secure:      secure,
	}
}

// challengeRequestBody is the request body for POST /auth/challenge/request
type challengeRequestBody struct {
	Identifier string `json:"identifier"`
	DeviceID   string `json:"device_id"`
}

// challengeRequestResponse is the JSON response for challenge/request
type challengeRequestResponse struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	DebugCode string `json:"debug_code,omitempty"`
}

// challengeVerifyBody is the request body for POST /auth/challenge/verify.
// Either identifier+code (one-time code) or token (magic link) is submitted.
type challengeVerifyBody struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
	Token      string `json:"token"`
	DeviceID   string `json:"device_id"`
}

// authResponse is the JSON response for a successful verify or refresh
type authResponse struct {
	OK   bool         `json:"ok"`
	User userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
}

// HandleChallengeRequest handles POST /auth/challenge/request
func (h *AuthHandler) HandleChallengeRequest(w http.ResponseWriter, r *http.Request) {
	var req challengeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "BAD_REQUEST", "invalid request body")
		return
	}

	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		respondWithError(w, http.StatusBadRequest, "BAD_REQUEST", "identifier is required")
		return
	}

	receipt, err := h.authService.RequestChallenge(r.Context(), req.Identifier, clientMeta(r, req.DeviceID))
	if err != nil {
		var rateLimited *auth.RateLimitedError
		switch {
		case errors.As(err, &rateLimited):
			respondRateLimited(w, rateLimited.RetryAfterSeconds())
		case errors.Is(err, auth.ErrDeliveryFailed):
			logMasked(req.Identifier, "delivery failed: %v", err)
			respondWithError(w, http.StatusBadGateway, "EMAIL_SEND_FAILED", "could not deliver login code")
		default:
			logMasked(req.Identifier, "challenge request failed: %v", err)
			respondWithError(w, http.StatusInternalServerError, "INTERNAL", "failed to request login code")
		}
		return
	}

	respondJSON(w, http.StatusOK, challengeRequestResponse{
		OK:        true,
		Message:   receipt.Message,
		DebugCode: receipt.DebugCode,
	})
}

// HandleChallengeVerify handles POST /auth/challenge/verify
func (h *AuthHandler) HandleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	var req challengeVerifyBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	req.Identifier = strings.TrimSpace(req.Identifier)
	req.Code = strings.TrimSpace(req.Code)
	req.Token = strings.TrimSpace(req.Token)

	var pair *auth.TokenPair
	var err error
	switch {
	case req.Token != "":
		pair, err = h.authService.VerifyLink(r.Context(), req.Token, clientMeta(r, req.DeviceID))
	case req.Identifier != "" && req.Code != "":
		pair, err = h.authService.VerifyChallenge(r.Context(), req.Identifier, req.Code, clientMeta(r, req.DeviceID))
	default:
		respondWithError(w, http.StatusBadRequest, "BAD_REQUEST", "identifier and code, or token, are required")
		return
	}
	if err != nil {
		var locked *auth.ChallengeLockedError
		if errors.As(err, &locked) {
			respondWithRetry(w, http.StatusTooManyRequests, "CHALLENGE_LOCKED", "too many attempts, try again later", locked.RetryAfterSeconds())
			return
		}
		// One opaque message for wrong, unknown, expired, and used alike.
		logMasked(req.Identifier, "verification failed: %v", err)
		respondWithError(w, http.StatusUnauthorized, "VERIFICATION_FAILED", "verification failed")
		return
	}

	h.setAuthCookies(w, pair)
	respondJSON(w, http.StatusOK, authResponse{
		OK: true,
		User: userResponse{
			ID:         pair.User.ID.String(),
			Identifier: pair.User.Identifier,
		},
	})
}

// HandleRefresh handles POST /auth/token/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie("refresh_token")
	if err != nil || cookie.Value == "" {
		respondWithError(w, http.StatusUnauthorized, "REFRESH_FAILED", "refresh failed")
		return
	}

	pair, err := h.authService.Refresh(r.Context(), cookie.Value)
	if err != nil {
		// The specific kind is logged by the service; the response stays generic.
		respondWithError(w, http.StatusUnauthorized, "REFRESH_FAILED", "refresh failed")
		return
	}

	h.setAuthCookies(w, pair)
	respondJSON(w, http.StatusOK, authResponse{
		OK: true,
		User: userResponse{
			ID:         pair.User.ID.String(),
			Identifier: pair.User.Identifier,
		},
	})
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie("refresh_token")
	if err == nil && cookie.Value != "" {
		if err := h.authService.Logout(r.Context(), cookie.Value); err != nil {
			log.Printf("logout: %v", err)
		}
	}
	h.clearAuthCookies(w)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	respondJSON(w, http.StatusOK, userResponse{
		ID:         user.ID.String(),
		Identifier: user.Identifier,
	})
}

func (h *AuthHandler) setAuthCookies(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     "access_token",
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(auth.AccessTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     "refresh_token",
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   int(auth.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{"access_token", "refresh_token"} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// errorBody is the stable error response shape
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, errorBody{Error: code, Message: message})
}

func respondWithRetry(w http.ResponseWriter, statusCode int, code, message string, retryAfter int) {
	respondJSON(w, statusCode, errorBody{Error: code, Message: message, RetryAfter: retryAfter})
}

func respondRateLimited(w http.ResponseWriter, retryAfter int) {
	respondWithRetry(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", retryAfter)
}

// clientMeta extracts per-request client context
func clientMeta(r *http.Request, deviceID string) auth.ClientMeta {
	return auth.ClientMeta{
		DeviceID:  strings.TrimSpace(deviceID),
		UserAgent: r.UserAgent(),
		Addr:      getClientIP(r),
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Take first IP if multiple
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	return r.RemoteAddr
}

// logMasked logs a message with the identifier masked
func logMasked(identifier, format string, args ...interface{}) {
	log.Printf("identifier "+delivery.MaskIdentifier(identifier)+": "+format, args...)
}
