package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authmesh"
	"github.com/MrEthical07/authmesh/token"
)

func newEngine(t *testing.T, mutate func(*authmesh.Config)) (*authmesh.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	cfg := authmesh.DefaultConfig()
	cfg.Token.LegacySecret = "legacy-secret-0123456789abcdef0123"
	cfg.Token.EnhancedSecret = "enhanced-secret-0123456789abcdef01"
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := authmesh.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, mr
}

func issue(t *testing.T, e *authmesh.Engine, role token.Role, format token.Format) string {
	t.Helper()
	res, err := e.Login(context.Background(), authmesh.LoginRequest{
		UserID: 42,
		Email:  "user@example.com",
		Role:   role,
		Format: format,
	})
	require.NoError(t, err)
	return res.AccessToken
}

func identityHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := CurrentIdentity(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		fmt.Fprintf(w, "%d:%s", res.Identity.UserID, res.Identity.Role)
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) authmesh.ErrorBody {
	t.Helper()
	var body authmesh.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPublicPaths(t *testing.T) {
	e, _ := newEngine(t, nil)
	v := NewValidator(e)

	assert.True(t, v.IsPublic("/health"))
	assert.True(t, v.IsPublic("/static/app.js"))
	assert.True(t, v.IsPublic("/auth/login"))
	assert.False(t, v.IsPublic("/healthcheck"))
	assert.False(t, v.IsPublic("/auth/login/extra"))
	assert.False(t, v.IsPublic("/api/orders"))

	h := v.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderSessionValid))
}

func TestPrefixWildcardPublicPath(t *testing.T) {
	e, _ := newEngine(t, func(c *authmesh.Config) {
		c.Validator.PublicPaths = []string{"/docs*"}
	})
	v := NewValidator(e)
	assert.True(t, v.IsPublic("/docs"))
	assert.True(t, v.IsPublic("/docs/index.html"))
	assert.False(t, v.IsPublic("/health"))
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	e, _ := newEngine(t, nil)
	rec := httptest.NewRecorder()
	Guard(e)(identityHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "false", rec.Header().Get(HeaderSessionValid))
	assert.Equal(t, "false", rec.Header().Get(HeaderDegradedMode))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decodeBody(t, rec)
	assert.Equal(t, "authentication_required", body.Error)
	assert.False(t, body.DegradedMode)
}

func TestMalformedTokenFailsValidation(t *testing.T) {
	e, _ := newEngine(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	Guard(e)(identityHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "false", rec.Header().Get(HeaderSessionValid))
	assert.Equal(t, "false", rec.Header().Get(HeaderDegradedMode))
	assert.Equal(t, "validation_failed", decodeBody(t, rec).Error)
}

func TestBearerAndCookieTokens(t *testing.T) {
	e, _ := newEngine(t, nil)
	enhanced := issue(t, e, token.RoleUser, token.FormatEnhanced)
	legacy := issue(t, e, token.RoleUser, token.FormatLegacy)

	tests := []struct {
		name   string
		setup  func(*http.Request)
		format string
	}{
		{
			name:   "bearer enhanced",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+enhanced) },
			format: "enhanced",
		},
		{
			name:   "lowercase scheme",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "bearer "+legacy) },
			format: "legacy",
		},
		{
			name:   "cookie",
			setup:  func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "access_token", Value: enhanced}) },
			format: "enhanced",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			Guard(e)(identityHandler()).ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "42:user", rec.Body.String())
			assert.Equal(t, "true", rec.Header().Get(HeaderSessionValid))
			assert.Equal(t, "false", rec.Header().Get(HeaderDegradedMode))
			assert.Equal(t, tc.format, rec.Header().Get(HeaderSessionFormat))
		})
	}
}

func TestLoggedOutTokenFailsValidation(t *testing.T) {
	e, _ := newEngine(t, nil)
	tok := issue(t, e, token.RoleUser, token.FormatEnhanced)
	require.NoError(t, e.Logout(context.Background(), tok))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	Guard(e)(identityHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "validation_failed", decodeBody(t, rec).Error)
}

func TestDegradedModeHeaders(t *testing.T) {
	e, mr := newEngine(t, nil)
	tok := issue(t, e, token.RoleUser, token.FormatEnhanced)
	mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	Guard(e)(identityHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderDegradedMode))
}

func TestDegradedRejectPolicy(t *testing.T) {
	e, mr := newEngine(t, func(c *authmesh.Config) {
		c.Validator.DegradedPolicy = authmesh.DegradedReject
	})
	tok := issue(t, e, token.RoleUser, token.FormatEnhanced)
	mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	Guard(e)(identityHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderDegradedMode))
	body := decodeBody(t, rec)
	assert.Equal(t, "service_degraded", body.Error)
	assert.True(t, body.DegradedMode)
	assert.NotContains(t, rec.Body.String(), "redis")
}

func TestRequireRole(t *testing.T) {
	e, _ := newEngine(t, nil)
	user := issue(t, e, token.RoleUser, token.FormatEnhanced)
	admin := issue(t, e, token.RoleAdmin, token.FormatEnhanced)

	h := Guard(e)(RequireRole(token.RoleAdmin)(identityHandler()))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+user)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeBody(t, rec).Error)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCurrentIdentityOutsideValidator(t *testing.T) {
	_, err := CurrentIdentity(httptest.NewRequest(http.MethodGet, "/", nil))
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, authmesh.OutcomeUnauthorized, rej.Outcome)
	assert.ErrorIs(t, err, authmesh.ErrTokenMissing)

	rec := httptest.NewRecorder()
	RequireRole(token.RoleUser)(identityHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteErrorClassifies(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("%w: pool closed", authmesh.ErrDependencyUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pool closed")

	rec = httptest.NewRecorder()
	WriteError(rec, authmesh.ErrTokenExpired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token_expired", decodeBody(t, rec).Error)
}
