package router

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/activity-reservation/internal/handler"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/utils"
)

const secret = "router-secret"

func newServer() *echo.Echo {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Validator = handler.NewValidator()
	Register(e, Handlers{
		Health:       handler.Health(),
		Reservations: handler.NewReservationHandler(nil, log),
		Webhook:      handler.NewWebhookHandler(nil, log),
		Admin:        handler.NewAdminHandler(nil, nil, nil, time.UTC, log),
	}, secret, nil)
	return e
}

func TestRoutesRegistered(t *testing.T) {
	want := map[string]bool{
		"GET /healthz":                            false,
		"POST /v1/payments/webhook":               false,
		"POST /v1/reservations":                   false,
		"GET /v1/reservations":                    false,
		"GET /v1/reservations/:id":                false,
		"POST /v1/reservations/:id/cancel":        false,
		"POST /v1/reservations/:id/payment":       false,
		"POST /v1/admin/settlements/generate":     false,
		"POST /v1/admin/settlements/:id/confirm":  false,
		"PATCH /v1/admin/settlements/:id/memo":    false,
		"POST /v1/admin/settlements/:id/payout":   false,
		"POST /v1/admin/payouts/weekly":           false,
		"POST /v1/admin/programs/:id/bulk-cancel": false,
		"POST /v1/admin/bulk-cancel/:id/start":    false,
		"POST /v1/admin/bulk-cancel/:id/retry":    false,
		"GET /v1/admin/bulk-cancel/:id":           false,
		"GET /v1/admin/bulk-cancel/:id/items":     false,
		"POST /v1/admin/capacity/reconcile":       false,
	}
	for _, r := range newServer().Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("expected route %s", k)
		}
	}
}

func TestRoleSeparation(t *testing.T) {
	e := newServer()
	call := func(method, path, role string) int {
		req := httptest.NewRequest(method, path, nil)
		if role != "" {
			tok, err := utils.NewAccessToken(secret, 5, role, time.Minute)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(http.MethodGet, "/v1/reservations", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", code)
	}
	if code := call(http.MethodGet, "/v1/reservations", model.RoleAdmin); code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin on guardian routes, got %d", code)
	}
	if code := call(http.MethodGet, "/v1/admin/bulk-cancel/1", model.RoleGuardian); code != http.StatusForbidden {
		t.Fatalf("expected 403 for guardian on admin routes, got %d", code)
	}
	if code := call(http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("expected public health check, got %d", code)
	}
}
