package tests

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAuthE2E walks the whole browser journey on one cookie jar: request a
// code, log in, call a protected route, rotate the pair, log out.
func TestAuthE2E(t *testing.T) {
	ts := newTestServer(t)
	ts.TruncateAuth(t)
	baseURL := ts.BaseURL()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	getMe := func() (int, string) {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/me", nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	// Protected route without a login fails.
	status, _ := getMe()
	require.Equal(t, http.StatusUnauthorized, status)

	// Request a login code.
	res := requestChallenge(t, ts, "e2e@test.dev", "10.2.0.1")

	// Log in with it; the jar picks up both auth cookies.
	resp, body := postJSON(t, client, baseURL+"/auth/challenge/verify", "10.2.0.1",
		map[string]string{"identifier": "e2e@test.dev", "code": res.DebugCode, "device_id": "e2e-device"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	require.NotNil(t, cookieByName(resp, "access_token"))
	require.NotNil(t, cookieByName(resp, "refresh_token"))

	// The access cookie authenticates /me.
	status, meBody := getMe()
	require.Equal(t, http.StatusOK, status, "body: %s", meBody)
	var me struct {
		ID         string `json:"id"`
		Identifier string `json:"identifier"`
	}
	require.NoError(t, json.Unmarshal([]byte(meBody), &me))
	assert.Equal(t, "e2e@test.dev", me.Identifier)

	// Rotate the pair; the jar replaces both cookies.
	resp, body = postJSON(t, client, baseURL+"/auth/token/refresh", "10.2.0.1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	require.NotNil(t, cookieByName(resp, "refresh_token"))

	status, _ = getMe()
	require.Equal(t, http.StatusOK, status, "access must still work after refresh")

	// Log out; cookies are cleared and the session is revoked.
	resp, body = postJSON(t, client, baseURL+"/auth/logout", "10.2.0.1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	status, _ = getMe()
	assert.Equal(t, http.StatusUnauthorized, status, "cleared cookies must not authenticate")

	// And the refresh token cannot be used again.
	resp, body = postJSON(t, client, baseURL+"/auth/token/refresh", "10.2.0.1", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "body: %s", body)
}
