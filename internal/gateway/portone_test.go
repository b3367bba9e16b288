package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/activity-reservation/internal/config"
)

type fakePortOne struct {
	tokenCalls  atomic.Int32
	cancelBody  map[string]any
	prepareBody map[string]any
	failCancel  bool
}

func (f *fakePortOne) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, code int, resp any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": "", "response": resp})
	}
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				write(w, -1, nil)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/users/getToken", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		write(w, 0, map[string]any{"access_token": "tok-1", "expired_at": time.Now().Add(30 * time.Minute).Unix()})
	})
	mux.HandleFunc("/payments/prepare", authed(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.prepareBody)
		write(w, 0, map[string]any{"merchant_uid": f.prepareBody["merchant_uid"]})
	}))
	mux.HandleFunc("/payments/find/res_1_abc", authed(func(w http.ResponseWriter, r *http.Request) {
		write(w, 0, map[string]any{"imp_uid": "imp_100", "merchant_uid": "res_1_abc", "amount": 50000, "status": "paid"})
	}))
	mux.HandleFunc("/payments/imp_100", authed(func(w http.ResponseWriter, r *http.Request) {
		write(w, 0, map[string]any{"imp_uid": "imp_100", "merchant_uid": "res_1_abc", "amount": 50000, "status": "cancelled"})
	}))
	mux.HandleFunc("/payments/cancel", authed(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.cancelBody)
		if f.failCancel {
			write(w, 1, nil)
			return
		}
		write(w, 0, map[string]any{"imp_uid": "imp_100"})
	}))
	return mux
}

func newPortOne(t *testing.T, f *fakePortOne) *PortOneClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewPortOneClient(config.PG{BaseURL: srv.URL, APIKey: "key", Secret: "secret", Timeout: time.Second})
}

func TestPortOneGetPaymentDetail(t *testing.T) {
	f := &fakePortOne{}
	c := newPortOne(t, f)
	ctx := context.Background()

	d, err := c.GetPaymentDetail(ctx, "res_1_abc")
	if err != nil {
		t.Fatalf("detail by merchant uid: %v", err)
	}
	if d.Amount != 50000 || d.Status != StatusPaid || d.GatewayPaymentID != "imp_100" {
		t.Fatalf("unexpected detail %+v", d)
	}

	d, err = c.GetPaymentDetail(ctx, "imp_100")
	if err != nil {
		t.Fatalf("detail by imp uid: %v", err)
	}
	if d.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", d.Status)
	}
	if n := f.tokenCalls.Load(); n != 1 {
		t.Fatalf("expected token to be cached, got %d token calls", n)
	}
}

func TestPortOnePreRegisterSendsAmount(t *testing.T) {
	f := &fakePortOne{}
	c := newPortOne(t, f)
	reg, err := c.PreRegister(context.Background(), "res_2_x", 30000, "KRW")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if reg.MerchantUID != "res_2_x" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if f.prepareBody["amount"] != float64(30000) {
		t.Fatalf("expected amount 30000, got %v", f.prepareBody["amount"])
	}
}

func TestPortOneRefundErrorCode(t *testing.T) {
	f := &fakePortOne{failCancel: true}
	c := newPortOne(t, f)
	err := c.RequestRefund(context.Background(), "res_1_abc", 25000, "user cancel")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 1 {
		t.Fatalf("expected code 1, got %d", apiErr.Code)
	}
	if f.cancelBody["merchant_uid"] != "res_1_abc" || f.cancelBody["amount"] != float64(25000) {
		t.Fatalf("unexpected cancel body %v", f.cancelBody)
	}
}

func TestNewDisabledGatewayIsNil(t *testing.T) {
	gw, err := New(config.PG{Enabled: false})
	if err != nil || gw != nil {
		t.Fatalf("expected nil gateway, got %v %v", gw, err)
	}
	if _, err := New(config.PG{Enabled: true, Provider: "unknown"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestMidtransStatusMapping(t *testing.T) {
	cases := []struct{ status, fraud, want string }{
		{"settlement", "", StatusPaid},
		{"capture", "accept", StatusPaid},
		{"capture", "challenge", StatusReady},
		{"expire", "", StatusFailed},
		{"cancel", "", StatusCancelled},
		{"pending", "", StatusReady},
	}
	for _, tc := range cases {
		if got := midtransStatus(tc.status, tc.fraud); got != tc.want {
			t.Fatalf("%s/%s: expected %s, got %s", tc.status, tc.fraud, tc.want, got)
		}
	}
	if n, err := parseMidtransAmount("50000.00"); err != nil || n != 50000 {
		t.Fatalf("expected 50000, got %d %v", n, err)
	}
}
