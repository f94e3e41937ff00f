package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qms-lifecycle/qms-lifecycle/internal/audit"
	"github.com/qms-lifecycle/qms-lifecycle/internal/auth"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

type fakeUsers map[string]*models.User

func (f fakeUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return f[id], nil
}

var testUsers = fakeUsers{
	"alice":  {ID: "alice", IsActive: true},
	"bob":    {ID: "bob", IsActive: false},
	"broken": nil,
}

func newAuthRouter() *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware(testUsers))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, ActorID(c))
	})
	return r
}

func bearer(t *testing.T, actor string) string {
	t.Helper()
	token, err := auth.GenerateJWT(actor, "", time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

// ---------------------------------------------------------------------------
// AuthMiddleware
// ---------------------------------------------------------------------------

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     func(t *testing.T) string
		wantStatus int
		wantBody   string
	}{
		{"missing header", func(*testing.T) string { return "" }, http.StatusUnauthorized, ""},
		{"wrong scheme", func(*testing.T) string { return "Basic abc" }, http.StatusUnauthorized, ""},
		{"empty token", func(*testing.T) string { return "Bearer   " }, http.StatusUnauthorized, ""},
		{"garbage token", func(*testing.T) string { return "Bearer not-a-jwt" }, http.StatusUnauthorized, ""},
		{"unknown actor", func(t *testing.T) string { return bearer(t, "mallory") }, http.StatusUnauthorized, ""},
		{"inactive actor", func(t *testing.T) string { return bearer(t, "bob") }, http.StatusUnauthorized, ""},
		{"store failure", func(t *testing.T) string { return bearer(t, "broken") }, http.StatusInternalServerError, ""},
		{"valid", func(t *testing.T) string { return bearer(t, "alice") }, http.StatusOK, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}
			w := httptest.NewRecorder()
			newAuthRouter().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestActorID_EmptyWithoutAuth(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, ActorID(c))
}

// ---------------------------------------------------------------------------
// AuditContextMiddleware
// ---------------------------------------------------------------------------

func TestAuditContextMiddleware_AttachesRequestInfo(t *testing.T) {
	var got audit.RequestInfo
	r := gin.New()
	r.Use(RequestIDMiddleware(), AuditContextMiddleware())
	r.POST("/x", func(c *gin.Context) {
		got = audit.RequestInfoFrom(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-77")
	req.Header.Set("User-Agent", "qms-cli/1.0")
	req.RemoteAddr = "10.1.2.3:5555"
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "req-77", got.RequestID)
	assert.Equal(t, "qms-cli/1.0", got.ClientAgent)
	assert.Equal(t, "10.1.2.3", got.ClientIP)
}

// ---------------------------------------------------------------------------
// PermissionCacheMiddleware
// ---------------------------------------------------------------------------

type markerKey struct{}

type fakeCacher struct{ calls int }

func (f *fakeCacher) WithRequestCache(ctx context.Context) context.Context {
	f.calls++
	return context.WithValue(ctx, markerKey{}, f.calls)
}

func TestPermissionCacheMiddleware_FreshCachePerRequest(t *testing.T) {
	cacher := &fakeCacher{}
	var seen []int
	r := gin.New()
	r.Use(PermissionCacheMiddleware(cacher))
	r.GET("/", func(c *gin.Context) {
		seen = append(seen, c.Request.Context().Value(markerKey{}).(int))
	})

	for i := 0; i < 2; i++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, []int{1, 2}, seen)
}

// ---------------------------------------------------------------------------
// SecurityHeadersMiddleware
// ---------------------------------------------------------------------------

func TestSecurityHeadersMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(APISecurityHeadersConfig()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestSecurityHeadersMiddleware_HSTSDisabled(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(SecurityHeadersConfig{}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
	assert.Empty(t, w.Header().Get("Content-Security-Policy"))
}

// ---------------------------------------------------------------------------
// RateLimiter
// ---------------------------------------------------------------------------

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2}, clock)

	ok, _ := rl.Allow("alice")
	assert.True(t, ok)
	ok, _ = rl.Allow("alice")
	assert.True(t, ok)
	ok, wait := rl.Allow("alice")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	ok, _ = rl.Allow("bob")
	assert.True(t, ok, "buckets are per key")

	clock.Advance(time.Second)
	ok, _ = rl.Allow("alice")
	assert.True(t, ok)
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute}, clock)

	rl.Allow("alice")
	rl.Allow("bob")
	assert.Equal(t, 2, rl.Len())

	clock.Advance(2 * time.Minute)
	rl.Allow("carol")
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimitMiddleware(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1}, clock)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ActorIDKey, "alice")
		c.Next()
	}, RateLimitMiddleware(rl))
	r.POST("/w", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/w", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/w", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/w", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/w", nil))
	assert.Equal(t, http.StatusOK, w.Code, "reads are not limited")
}
