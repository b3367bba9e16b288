// Package gateway talks to the external payment gateway. The service only
// needs three calls from it: register an expected payment, read the
// authoritative payment detail and request a refund.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/iliyamo/activity-reservation/internal/config"
)

// Normalised payment statuses reported by PaymentDetail.
const (
	StatusReady     = "ready"
	StatusPaid      = "paid"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Gateway is the payment collaborator. Webhook payloads are never trusted
// for amount or status; GetPaymentDetail is.
type Gateway interface {
	Provider() string
	PreRegister(ctx context.Context, merchantUID string, amount int64, currency string) (*Registration, error)
	GetPaymentDetail(ctx context.Context, ref string) (*PaymentDetail, error)
	RequestRefund(ctx context.Context, ref string, amount int64, reason string) error
}

// Registration is what the client needs to open the checkout.
type Registration struct {
	MerchantUID string `json:"merchant_uid"`
	Token       string `json:"token,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

type PaymentDetail struct {
	GatewayPaymentID string
	MerchantUID      string
	Amount           int64
	Status           string
}

// APIError is a non-success answer from the gateway.
type APIError struct {
	Provider   string
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error http=%d code=%d: %s", e.Provider, e.HTTPStatus, e.Code, e.Message)
}

// New builds the configured gateway. A disabled gateway yields nil, which
// puts the reservation service into ledger-only refunds.
func New(cfg config.PG) (Gateway, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Provider) {
	case "portone", "iamport":
		if cfg.APIKey == "" || cfg.Secret == "" {
			return nil, fmt.Errorf("portone: PG_API_KEY and PG_API_SECRET are required")
		}
		return NewPortOneClient(cfg), nil
	case "midtrans":
		if cfg.ServerKey == "" {
			return nil, fmt.Errorf("midtrans: PG_SERVER_KEY is required")
		}
		return NewMidtransClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown payment gateway provider %q", cfg.Provider)
	}
}
