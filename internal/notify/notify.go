// Package notify is the outbound notification collaborator. Delivery
// (push, in-app inbox) happens elsewhere; this service only requests it.
package notify

import (
	"context"
	"log/slog"
)

// Notification types sent by the booking engine.
const (
	TypeReservationConfirmed = "RESERVATION_CONFIRMED"
	TypeReservationCancelled = "RESERVATION_CANCELLED"
	TypeProgramCancelled     = "PROGRAM_CANCELLED"
)

type Notification struct {
	UserID uint64            `json:"user_id"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Sender requests delivery of a notification. Callers treat failures as
// best-effort: they log and continue.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Send(context.Context, Notification) error { return nil }

// SendBestEffort sends n and logs a failure instead of returning it.
func SendBestEffort(ctx context.Context, s Sender, logger *slog.Logger, n Notification) {
	if s == nil {
		return
	}
	if err := s.Send(ctx, n); err != nil && logger != nil {
		logger.WarnContext(ctx, "notification not sent", "type", n.Type, "user_id", n.UserID, "error", err)
	}
}
