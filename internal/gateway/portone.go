package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/activity-reservation/internal/config"
)

const providerPortOne = "portone"

// PortOneClient implements Gateway over the PortOne (iamport) REST API.
type PortOneClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// portOneEnvelope wraps every PortOne response; code 0 means success.
type portOneEnvelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

type portOnePayment struct {
	ImpUID      string `json:"imp_uid"`
	MerchantUID string `json:"merchant_uid"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
}

func NewPortOneClient(cfg config.PG) *PortOneClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PortOneClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.Secret,
	}
}

func (c *PortOneClient) Provider() string { return providerPortOne }

// accessToken returns a cached token, refreshing it a minute before expiry.
func (c *PortOneClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp.Add(-time.Minute)) {
		return c.token, nil
	}
	var res struct {
		AccessToken string `json:"access_token"`
		ExpiredAt   int64  `json:"expired_at"`
	}
	body := map[string]string{"imp_key": c.apiKey, "imp_secret": c.apiSecret}
	if err := c.do(ctx, http.MethodPost, "/users/getToken", "", body, &res); err != nil {
		return "", fmt.Errorf("get portone access token: %w", err)
	}
	c.token = res.AccessToken
	c.tokenExp = time.Unix(res.ExpiredAt, 0)
	return c.token, nil
}

func (c *PortOneClient) PreRegister(ctx context.Context, merchantUID string, amount int64, currency string) (*Registration, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"merchant_uid": merchantUID, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/payments/prepare", token, body, nil); err != nil {
		return nil, fmt.Errorf("portone prepare %s: %w", merchantUID, err)
	}
	return &Registration{MerchantUID: merchantUID}, nil
}

// GetPaymentDetail accepts either an imp_uid or a merchant_uid.
func (c *PortOneClient) GetPaymentDetail(ctx context.Context, ref string) (*PaymentDetail, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	path := "/payments/find/" + url.PathEscape(ref)
	if strings.HasPrefix(ref, "imp_") {
		path = "/payments/" + url.PathEscape(ref)
	}
	var p portOnePayment
	if err := c.do(ctx, http.MethodGet, path, token, nil, &p); err != nil {
		return nil, fmt.Errorf("portone payment %s: %w", ref, err)
	}
	return &PaymentDetail{
		GatewayPaymentID: p.ImpUID,
		MerchantUID:      p.MerchantUID,
		Amount:           p.Amount,
		Status:           portOneStatus(p.Status),
	}, nil
}

func (c *PortOneClient) RequestRefund(ctx context.Context, ref string, amount int64, reason string) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{"amount": amount, "reason": reason, "checksum": nil}
	if strings.HasPrefix(ref, "imp_") {
		body["imp_uid"] = ref
	} else {
		body["merchant_uid"] = ref
	}
	if err := c.do(ctx, http.MethodPost, "/payments/cancel", token, body, nil); err != nil {
		return fmt.Errorf("portone cancel %s: %w", ref, err)
	}
	return nil
}

func portOneStatus(s string) string {
	switch s {
	case "paid":
		return StatusPaid
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	default:
		return StatusReady
	}
}

// do sends a JSON request and decodes the envelope's response into out.
func (c *PortOneClient) do(ctx context.Context, method, path, token string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env portOneEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{Provider: providerPortOne, HTTPStatus: resp.StatusCode, Message: string(raw)}
		}
		return fmt.Errorf("decode portone response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Code != 0 {
		return &APIError{Provider: providerPortOne, HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return fmt.Errorf("decode portone response body: %w", err)
		}
	}
	return nil
}
