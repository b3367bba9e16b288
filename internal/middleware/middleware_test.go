package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/activity-reservation/internal/config"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/utils"
)

const secret = "test-secret"

func ok(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"user_id": c.Get(CtxUserID), "role": c.Get(CtxRole)})
}

func serve(t *testing.T, h echo.HandlerFunc, mw []echo.MiddlewareFunc, authz string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/x", h, mw...)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if authz != "" {
		req.Header.Set(echo.HeaderAuthorization, authz)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, userID uint64, role string, ttl time.Duration) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, userID, role, ttl)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + tok.Token
}

func TestJWTAuth(t *testing.T) {
	var gotID any
	capture := func(c echo.Context) error {
		gotID = c.Get(CtxUserID)
		return ok(c)
	}
	mw := []echo.MiddlewareFunc{JWTAuth(secret)}

	rec := serve(t, capture, mw, bearer(t, 42, model.RoleGuardian, time.Minute))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if id, _ := gotID.(uint64); id != 42 {
		t.Fatalf("expected user_id 42 as uint64, got %#v", gotID)
	}

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage":        "Bearer not.a.jwt",
		"expired":        bearer(t, 42, model.RoleGuardian, -time.Minute),
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			if rec := serve(t, ok, mw, h); rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}

	other, _ := utils.NewAccessToken("other-secret", 1, model.RoleAdmin, time.Minute)
	if rec := serve(t, ok, mw, "Bearer "+other.Token); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a foreign signature, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	mw := []echo.MiddlewareFunc{JWTAuth(secret), RequireRole(model.RoleAdmin)}
	if rec := serve(t, ok, mw, bearer(t, 1, model.RoleAdmin, time.Minute)); rec.Code != http.StatusOK {
		t.Fatalf("expected admin to pass, got %d", rec.Code)
	}
	if rec := serve(t, ok, mw, bearer(t, 1, model.RoleGuardian, time.Minute)); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guardian, got %d", rec.Code)
	}
}

func newLimiter(t *testing.T, capacity int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := config.RateLimit{
		Enabled:        true,
		Capacity:       capacity,
		RefillTokens:   1,
		RefillInterval: time.Second,
		TTL:            time.Minute,
		KeyStrategy:    "ip",
		Prefix:         "rl",
	}
	l := NewRateLimiter(cfg, rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return l, mr
}

func TestRateLimiterBlocksAfterCapacity(t *testing.T) {
	l, _ := newLimiter(t, 3)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	mw := []echo.MiddlewareFunc{l.Middleware()}

	for i := 0; i < 3; i++ {
		if rec := serve(t, ok, mw, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := serve(t, ok, mw, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}

	now = now.Add(time.Second)
	if rec := serve(t, ok, mw, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected a refilled token, got %d", rec.Code)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	l, mr := newLimiter(t, 1)
	mr.Close()
	if rec := serve(t, ok, []echo.MiddlewareFunc{l.Middleware()}, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through when redis is down, got %d", rec.Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	l := NewRateLimiter(config.RateLimit{Enabled: false}, nil, nil)
	if l != nil {
		t.Fatalf("expected nil limiter when disabled")
	}
	if rec := serve(t, ok, []echo.MiddlewareFunc{l.Middleware()}, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
