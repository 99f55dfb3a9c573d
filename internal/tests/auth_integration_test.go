package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkline/server/internal/auth"
	"github.com/forkline/server/internal/config"
	"github.com/forkline/server/internal/db"
	httphandler "github.com/forkline/server/internal/http"
	"github.com/forkline/server/internal/http/handlers"
	"github.com/forkline/server/internal/repo"
	_ "github.com/lib/pq"
)

func TestMain(m *testing.M) {
	// Set env if unset. Do NOT set DATABASE_URL; integration tests skip if missing.
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}
	if os.Getenv("AUTH_SALT") == "" {
		os.Setenv("AUTH_SALT", "test-auth-salt")
	}
	if os.Getenv("AUTH_DEBUG_CODES") == "" {
		os.Setenv("AUTH_DEBUG_CODES", "true")
	}

	code := m.Run()
	os.Exit(code)
}

// testServer holds the server, DB, and capturing provider for integration tests
type testServer struct {
	Server   *httptest.Server
	DB       *sql.DB
	Provider *captureProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	err = RunMigrations(database)
	require.NoError(t, err, "migrations must run successfully")

	userRepo := repo.NewUserRepo(database)
	challengeRepo := repo.NewChallengeRepo(database)
	linkRepo := repo.NewLoginLinkRepo(database)
	sessionRepo := repo.NewSessionRepo(database)

	limiter := auth.NewRateLimiter(nil)
	t.Cleanup(limiter.Close)
	tokens := auth.NewTokenService(cfg.JWTSecret)
	provider := &captureProvider{}

	var opts []auth.Option
	if cfg.DebugCodes {
		opts = append(opts, auth.WithDebugCodes())
	}
	authService := auth.NewAuthService(
		limiter, challengeRepo, linkRepo, sessionRepo, userRepo,
		tokens, provider, cfg.AuthSalt, cfg.LinkBaseURL, opts...,
	)
	authHandler := handlers.NewAuthHandler(authService, cfg.Production)

	router := httphandler.NewRouter(authHandler, tokens, userRepo)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, DB: database, Provider: provider}
}

func (s *testServer) BaseURL() string { return s.Server.URL }

func (s *testServer) TruncateAuth(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateAuthTables(context.Background(), s.DB), "truncate auth tables")
}

// challengeRequestResponse matches POST /auth/challenge/request
type challengeRequestResponse struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	DebugCode string `json:"debug_code"`
}

// authOKResponse matches a successful verify or refresh
type authOKResponse struct {
	OK   bool `json:"ok"`
	User struct {
		ID         string `json:"id"`
		Identifier string `json:"identifier"`
	} `json:"user"`
}

// errorResponse matches the stable error JSON body
type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

var debugCodeRe = regexp.MustCompile(`^\d{6}$`)

// postJSON issues a POST with a fixed client IP (via X-Forwarded-For, so rate
// limit keys are deterministic) and optional cookies; it returns the response
// and its fully read body.
func postJSON(t *testing.T, client *http.Client, url, ip string, payload any, cookies ...*http.Cookie) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", ip)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func requestChallenge(t *testing.T, ts *testServer, identifier, ip string) challengeRequestResponse {
	t.Helper()
	resp, body := postJSON(t, ts.Server.Client(), ts.BaseURL()+"/auth/challenge/request", ip,
		map[string]string{"identifier": identifier, "device_id": "it-device"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "challenge request must succeed; body: %s", body)
	var res challengeRequestResponse
	require.NoError(t, json.Unmarshal(body, &res))
	require.Regexp(t, debugCodeRe, res.DebugCode, "debug code must be a 6-digit string")
	return res
}

func cookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestAuthIntegration(t *testing.T) {
	ts := newTestServer(t)
	baseURL := ts.BaseURL()
	client := ts.Server.Client()

	t.Run("A_HealthCheck", func(t *testing.T) {
		resp, err := client.Get(baseURL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET /health must return 200")
	})

	t.Run("B_RequestChallenge_DebugCode", func(t *testing.T) {
		ts.TruncateAuth(t)
		res := requestChallenge(t, ts, "b@test.dev", "10.1.0.2")
		assert.True(t, res.OK)
		assert.Equal(t, "code_sent", res.Message)

		var challenges, links int
		require.NoError(t, ts.DB.QueryRow(
			"SELECT COUNT(*) FROM login_challenges WHERE identifier = 'b@test.dev'").Scan(&challenges))
		require.NoError(t, ts.DB.QueryRow(
			"SELECT COUNT(*) FROM login_links WHERE identifier = 'b@test.dev'").Scan(&links))
		assert.Equal(t, 1, challenges, "one challenge row per request")
		assert.Equal(t, 1, links, "one login link row per request")
	})

	t.Run("C_WrongCodeIsOpaque", func(t *testing.T) {
		ts.TruncateAuth(t)
		requestChallenge(t, ts, "c@test.dev", "10.1.0.3")

		resp, body := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.3",
			map[string]string{"identifier": "c@test.dev", "code": "000000"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var wrongCode errorResponse
		require.NoError(t, json.Unmarshal(body, &wrongCode))

		// Unknown identifier yields the identical error body: no oracle.
		resp, body = postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.3",
			map[string]string{"identifier": "nobody@test.dev", "code": "000000"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var unknown errorResponse
		require.NoError(t, json.Unmarshal(body, &unknown))
		assert.Equal(t, wrongCode, unknown, "wrong code and unknown identifier must be indistinguishable")
	})

	t.Run("D_LockoutAfterMaxAttempts", func(t *testing.T) {
		ts.TruncateAuth(t)
		res := requestChallenge(t, ts, "d@test.dev", "10.1.0.4")

		for i := 0; i < 5; i++ {
			resp, _ := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.4",
				map[string]string{"identifier": "d@test.dev", "code": "000000"})
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong attempt %d", i+1)
		}

		// The correct code after exhausting the attempt budget still fails.
		resp, body := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.4",
			map[string]string{"identifier": "d@test.dev", "code": res.DebugCode})
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "body: %s", body)
		var res429 errorResponse
		require.NoError(t, json.Unmarshal(body, &res429))
		assert.Equal(t, "CHALLENGE_LOCKED", res429.Error)
		assert.Greater(t, res429.RetryAfter, 0)

		// And stays locked for further submissions.
		resp, _ = postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.4",
			map[string]string{"identifier": "d@test.dev", "code": res.DebugCode})
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	})

	t.Run("E_VerifySuccess", func(t *testing.T) {
		ts.TruncateAuth(t)
		res := requestChallenge(t, ts, "e@test.dev", "10.1.0.5")

		resp, body := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.5",
			map[string]string{"identifier": "e@test.dev", "code": res.DebugCode, "device_id": "it-device"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

		var ok authOKResponse
		require.NoError(t, json.Unmarshal(body, &ok))
		assert.True(t, ok.OK)
		assert.Equal(t, "e@test.dev", ok.User.Identifier)

		access := cookieByName(resp, "access_token")
		require.NotNil(t, access, "access_token cookie must be set")
		assert.Equal(t, 900, access.MaxAge)
		assert.True(t, access.HttpOnly)
		assert.Equal(t, "/", access.Path)
		assert.Equal(t, http.SameSiteLaxMode, access.SameSite)

		refresh := cookieByName(resp, "refresh_token")
		require.NotNil(t, refresh, "refresh_token cookie must be set")
		assert.Equal(t, 2592000, refresh.MaxAge)
		assert.True(t, refresh.HttpOnly)

		// The challenge row is gone, the session row is live.
		var challenges int
		require.NoError(t, ts.DB.QueryRow(
			"SELECT COUNT(*) FROM login_challenges WHERE identifier = 'e@test.dev'").Scan(&challenges))
		assert.Zero(t, challenges, "consumed challenge must be deleted")

		var revoked *string
		require.NoError(t, ts.DB.QueryRow(
			"SELECT revoked_at::text FROM sessions WHERE user_id = $1", ok.User.ID).Scan(&revoked))
		assert.Nil(t, revoked, "fresh session must not be revoked")

		var lastLogin *string
		require.NoError(t, ts.DB.QueryRow(
			"SELECT last_login_at::text FROM users WHERE identifier = 'e@test.dev'").Scan(&lastLogin))
		assert.NotNil(t, lastLogin, "login must stamp last_login_at")
	})

	t.Run("F_ConcurrentVerifyExactlyOnce", func(t *testing.T) {
		ts.TruncateAuth(t)
		res := requestChallenge(t, ts, "f@test.dev", "10.1.0.6")

		payload, err := json.Marshal(map[string]string{"identifier": "f@test.dev", "code": res.DebugCode})
		require.NoError(t, err)

		// No require/assert inside the goroutines; statuses are checked after.
		statuses := make([]int, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				req, err := http.NewRequest(http.MethodPost, baseURL+"/auth/challenge/verify", bytes.NewReader(payload))
				if err != nil {
					return
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Forwarded-For", "10.1.0.6")
				resp, err := client.Do(req)
				if err != nil {
					return
				}
				resp.Body.Close()
				statuses[i] = resp.StatusCode
			}(i)
		}
		wg.Wait()

		successes := 0
		for _, s := range statuses {
			if s == http.StatusOK {
				successes++
			}
		}
		assert.Equal(t, 1, successes, "exactly one of two concurrent verifications may win: %v", statuses)

		var sessions int
		require.NoError(t, ts.DB.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&sessions))
		assert.Equal(t, 1, sessions, "exactly one session may be created")
	})

	t.Run("G_LinkSingleUse", func(t *testing.T) {
		ts.TruncateAuth(t)
		requestChallenge(t, ts, "g@test.dev", "10.1.0.7")

		body := ts.Provider.LastBody()
		idx := strings.LastIndex(body, "token=")
		require.GreaterOrEqual(t, idx, 0, "delivered message must contain the link token")
		token := strings.TrimSpace(body[idx+len("token="):])

		resp, respBody := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.7",
			map[string]string{"token": token})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", respBody)

		var usedAt *string
		require.NoError(t, ts.DB.QueryRow(
			"SELECT used_at::text FROM login_links WHERE identifier = 'g@test.dev'").Scan(&usedAt))
		assert.NotNil(t, usedAt, "consumed link must have used_at set")

		// Second submission of the same token fails opaquely.
		resp, respBody = postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.7",
			map[string]string{"token": token})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "body: %s", respBody)
	})

	t.Run("H_RefreshRotation", func(t *testing.T) {
		ts.TruncateAuth(t)
		res := requestChallenge(t, ts, "h@test.dev", "10.1.0.8")
		resp, _ := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.8",
			map[string]string{"identifier": "h@test.dev", "code": res.DebugCode})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		oldRefresh := cookieByName(resp, "refresh_token")
		require.NotNil(t, oldRefresh)

		resp, body := postJSON(t, client, baseURL+"/auth/token/refresh", "10.1.0.8", nil, oldRefresh)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
		newRefresh := cookieByName(resp, "refresh_token")
		require.NotNil(t, newRefresh)
		assert.NotEqual(t, oldRefresh.Value, newRefresh.Value, "rotation must issue a new refresh token")

		var storedHash string
		require.NoError(t, ts.DB.QueryRow("SELECT refresh_token_hash FROM sessions").Scan(&storedHash))
		assert.Equal(t, auth.HashToken(newRefresh.Value), storedHash, "stored hash must match the rotated token")

		// Replaying the rotated-away token fails and leaves the hash alone.
		resp, body = postJSON(t, client, baseURL+"/auth/token/refresh", "10.1.0.8", nil, oldRefresh)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "body: %s", body)
		var res401 errorResponse
		require.NoError(t, json.Unmarshal(body, &res401))
		assert.Equal(t, "REFRESH_FAILED", res401.Error)

		var afterHash string
		require.NoError(t, ts.DB.QueryRow("SELECT refresh_token_hash FROM sessions").Scan(&afterHash))
		assert.Equal(t, storedHash, afterHash, "failed refresh must not mutate the session")
	})

	t.Run("I_RevokedSessionCannotRefresh", func(t *testing.T) {
		ts.TruncateAuth(t)
		res := requestChallenge(t, ts, "i@test.dev", "10.1.0.9")
		resp, _ := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.1.0.9",
			map[string]string{"identifier": "i@test.dev", "code": res.DebugCode})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		refresh := cookieByName(resp, "refresh_token")
		require.NotNil(t, refresh)

		resp, _ = postJSON(t, client, baseURL+"/auth/logout", "10.1.0.9", nil, refresh)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var revoked *string
		require.NoError(t, ts.DB.QueryRow(
			"SELECT revoked_at::text FROM sessions").Scan(&revoked))
		assert.NotNil(t, revoked, "logout must revoke the session")

		// The JWT is still unexpired, but the session says no.
		resp, body := postJSON(t, client, baseURL+"/auth/token/refresh", "10.1.0.9", nil, refresh)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "body: %s", body)
	})

	t.Run("J_RateLimited", func(t *testing.T) {
		ts.TruncateAuth(t)
		requestChallenge(t, ts, "j@test.dev", "10.1.0.10")

		// Same client address and identifier inside the minute window.
		resp, body := postJSON(t, client, baseURL+"/auth/challenge/request", "10.1.0.10",
			map[string]string{"identifier": "j@test.dev"})
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "body: %s", body)
		var res429 errorResponse
		require.NoError(t, json.Unmarshal(body, &res429))
		assert.Equal(t, "RATE_LIMITED", res429.Error)
		assert.Greater(t, res429.RetryAfter, 0)
		assert.LessOrEqual(t, res429.RetryAfter, 60)
	})
}
