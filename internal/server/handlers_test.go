package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/relay"
)

func TestWebSocketHandler_MethodNotAllowed(t *testing.T) {
	n := newCluster(t).startNode(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, n.url+"/ws", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
	}
}

func TestHealthHandler(t *testing.T) {
	n := newCluster(t).startNode(t, func(cfg *config.Config) { cfg.NodeID = "node-7" })

	resp, err := http.Get(n.url + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestReadyHandler(t *testing.T) {
	n := newCluster(t).startNode(t, nil)

	get := func() (int, readiness) {
		resp, err := http.Get(n.url + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		var body readiness
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["bus"])
	assert.Equal(t, "ok", body.Checks["store"])

	n.bus.SetAvailable(false)
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body.Status)
	assert.NotEqual(t, "ok", body.Checks["bus"])
}

func TestReadyHandler_CountsConnections(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	srv := &Server{cfg: &config.Config{NodeID: "n"}, hub: hub, checks: map[string]Check{
		"directory": func(context.Context) error { return errors.New("unreachable") },
	}, log: zerolog.Nop()}

	rec := httptest.NewRecorder()
	srv.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unreachable", body.Checks["directory"])
	assert.Zero(t, body.Connections)
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{"https://Chat.Example.com", " http://localhost:3000 ", "not a url", ""}, zerolog.Nop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://chat.example.com", true},
		{"HTTPS://CHAT.EXAMPLE.COM", true},
		{"https://chat.example.com/some/path", true},
		{"http://localhost:3000", true},
		{"http://chat.example.com", false},
		{"https://evil.example.com", false},
		{"", false},
		{"not-a-url", false},
		{"http://", false},
		{"ftp://chat.example.com", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, p.check(r), "origin %q", tt.origin)
	}
}

func TestOriginPolicy_Wildcard(t *testing.T) {
	p := newOriginPolicy([]string{"*"}, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	r.Header.Set("Origin", "https://anywhere.example.org")
	assert.True(t, p.check(r))

	r.Header.Del("Origin")
	assert.False(t, p.check(r), "an origin header is still required")
}

func TestWebSocket_DisallowedOriginRejected(t *testing.T) {
	n := newCluster(t).startNode(t, nil)

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := dialWS(t, n.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(3, time.Second)
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "token %d", i)
	}
	assert.False(t, rl.allow())

	now = now.Add(400 * time.Millisecond)
	assert.True(t, rl.allow(), "one token refilled")
	assert.False(t, rl.allow())

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow())
	}
	assert.False(t, rl.allow(), "refill is capped at capacity")
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.Equal(t, float64(1), rl.capacity)
	assert.Equal(t, float64(1), rl.rate)
}

func TestWebSocket_RateLimitedFrameGetsRetryableError(t *testing.T) {
	n := newCluster(t).startNode(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	})
	c := n.dial(t)

	c.emit(relay.InFetchUserSocketID, map[string]string{"targetUserId": "bob"}, "1")
	c.emit(relay.InFetchUserSocketID, map[string]string{"targetUserId": "bob"}, "2")

	var p relay.ErrorPayload
	c.nextInto(relay.EventError, &p)
	assert.True(t, p.Retryable)
	assert.Contains(t, p.Message, "rate limit")
}

func TestWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	n := newCluster(t).startNode(t, func(cfg *config.Config) { cfg.MaxMessageSize = 128 })
	c := n.dial(t)

	c.emit(relay.InTyping, map[string]string{"senderId": strings.Repeat("a", 512)}, "")

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	assert.Error(t, c.conn.ReadJSON(&f))
}

func signToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthenticator(t *testing.T) {
	a := newAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Cookie: "jwt"})
	require.NotNil(t, a)
	assert.Nil(t, newAuthenticator(config.AuthConfig{}), "disabled without a secret")

	bearer := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	bearer.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "alice", time.Minute))
	sub, err := a.subject(bearer)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	cookie := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: "jwt", Value: signToken(t, "s3cret", "bob", time.Minute)})
	sub, err = a.subject(cookie)
	require.NoError(t, err)
	assert.Equal(t, "bob", sub)

	_, err = a.subject(httptest.NewRequest(http.MethodGet, "/ws", http.NoBody))
	assert.ErrorIs(t, err, ErrMissingToken)

	wrongKey := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	wrongKey.Header.Set("Authorization", "Bearer "+signToken(t, "other", "alice", time.Minute))
	_, err = a.subject(wrongKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	expired.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "alice", -time.Minute))
	_, err = a.subject(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	alg := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	alg.Header.Set("Authorization", "Bearer "+unsigned)
	_, err = a.subject(alg)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWebSocket_TokenSubjectBindsUser(t *testing.T) {
	n := newCluster(t).startNode(t, func(cfg *config.Config) {
		cfg.Auth = config.AuthConfig{JWTSecret: "s3cret", Cookie: "jwt"}
	})

	_, resp, err := dialWS(t, n.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "alice", time.Minute))
	c, _, err := dialWS(t, n.wsURL, header)
	require.NoError(t, err)

	reply := c.request(relay.InUserOnline, map[string]string{"userId": "mallory"})
	assert.Equal(t, relay.ErrUserMismatch.Error(), reply.Error)

	reply = c.request(relay.InUserOnline, map[string]string{"userId": "alice"})
	assert.Empty(t, reply.Error)
}
