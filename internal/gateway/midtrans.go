package gateway

import (
	"context"
	"fmt"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/activity-reservation/internal/config"
)

const providerMidtrans = "midtrans"

// MidtransClient implements Gateway with the Midtrans SDK. Snap opens the
// checkout; the Core API reads status and refunds. Midtrans settles in IDR
// so the currency argument is not forwarded.
type MidtransClient struct {
	snap snap.Client
	core coreapi.Client
}

func NewMidtransClient(cfg config.PG) *MidtransClient {
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}
	c := &MidtransClient{}
	c.snap.New(cfg.ServerKey, env)
	c.core.New(cfg.ServerKey, env)
	return c
}

func (c *MidtransClient) Provider() string { return providerMidtrans }

func (c *MidtransClient) PreRegister(ctx context.Context, merchantUID string, amount int64, currency string) (*Registration, error) {
	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  merchantUID,
			GrossAmt: amount,
		},
	}
	resp, merr := c.snap.CreateTransaction(req)
	if merr != nil {
		return nil, midtransError(merr)
	}
	return &Registration{MerchantUID: merchantUID, Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// GetPaymentDetail looks the transaction up by order id (our merchant uid).
func (c *MidtransClient) GetPaymentDetail(ctx context.Context, ref string) (*PaymentDetail, error) {
	resp, merr := c.core.CheckTransaction(ref)
	if merr != nil {
		return nil, fmt.Errorf("midtrans status %s: %w", ref, midtransError(merr))
	}
	amount, err := parseMidtransAmount(resp.GrossAmount)
	if err != nil {
		return nil, fmt.Errorf("midtrans status %s: %w", ref, err)
	}
	return &PaymentDetail{
		GatewayPaymentID: resp.TransactionID,
		MerchantUID:      resp.OrderID,
		Amount:           amount,
		Status:           midtransStatus(resp.TransactionStatus, resp.FraudStatus),
	}, nil
}

func (c *MidtransClient) RequestRefund(ctx context.Context, ref string, amount int64, reason string) error {
	req := &coreapi.RefundReq{
		RefundKey: fmt.Sprintf("%s-refund-%d", ref, amount),
		Amount:    amount,
		Reason:    reason,
	}
	if _, merr := c.core.RefundTransaction(ref, req); merr != nil {
		return fmt.Errorf("midtrans refund %s: %w", ref, midtransError(merr))
	}
	return nil
}

func midtransError(merr *midtrans.Error) error {
	return &APIError{Provider: providerMidtrans, HTTPStatus: merr.StatusCode, Message: merr.Message}
}

// parseMidtransAmount reads gross_amount ("50000.00") as whole units.
func parseMidtransAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse gross_amount %q: %w", s, err)
	}
	return d.Round(0).IntPart(), nil
}

func midtransStatus(transactionStatus, fraudStatus string) string {
	switch transactionStatus {
	case "settlement":
		return StatusPaid
	case "capture":
		if fraudStatus == "" || fraudStatus == "accept" {
			return StatusPaid
		}
		return StatusReady
	case "deny", "expire", "failure":
		return StatusFailed
	case "cancel", "refund", "partial_refund":
		return StatusCancelled
	default:
		return StatusReady
	}
}
