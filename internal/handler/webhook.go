package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/activity-reservation/internal/service/payment"
)

// EventProcessor is satisfied by *payment.Processor.
type EventProcessor interface {
	HandleEvent(ctx context.Context, ev payment.Event) (*payment.Result, error)
}

// WebhookHandler receives gateway payment notifications.
type WebhookHandler struct {
	processor EventProcessor
	log       *slog.Logger
}

func NewWebhookHandler(p EventProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{processor: p, log: logger}
}

// webhookRequest follows the gateway's notification body. The event ID may
// come in the body or the X-Event-Id header.
type webhookRequest struct {
	EventID     string `json:"event_id"`
	ImpUID      string `json:"imp_uid"`
	MerchantUID string `json:"merchant_uid" validate:"required"`
	Status      string `json:"status" validate:"required"`
}

// Receive handles POST /v1/payments/webhook. A 2xx tells the gateway to
// stop redelivering, so only failures worth retrying return 5xx.
func (h *WebhookHandler) Receive(c echo.Context) error {
	var req webhookRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	eventID := c.Request().Header.Get("X-Event-Id")
	if eventID == "" {
		eventID = req.EventID
	}
	ev := payment.NewEvent("", eventID, req.Status, req.MerchantUID, req.ImpUID)
	res, err := h.processor.HandleEvent(c.Request().Context(), ev)
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.log.InfoContext(c.Request().Context(), "payment webhook handled",
		"event_key", res.EventKey, "outcome", res.Outcome, "payment_id", res.PaymentID)
	return c.JSON(http.StatusOK, res)
}
