// Package payment applies gateway payment events. Every event is recorded
// in a dedup ledger inside the same transaction as its domain effect, so a
// redelivered event never applies twice and a failed one leaves no trace.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/gateway"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/notify"
	"github.com/iliyamo/activity-reservation/internal/repository"
)

// Store is the persistence the processor needs. Every call inside HandleEvent
// runs in the one transaction opened by WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error
	MarkWebhookEventProcessed(ctx context.Context, id uint64, result string, at time.Time) error
	GetPaymentByMerchantUID(ctx context.Context, merchantUID string) (*model.Payment, error)
	MarkPaymentPaid(ctx context.Context, id uint64, gatewayPaymentID string, at time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, id uint64, reason string) (bool, error)
	MarkPaymentCancelled(ctx context.Context, id uint64) (bool, error)
	GetReservation(ctx context.Context, id uint64) (*model.Reservation, error)
	ConfirmReservation(ctx context.Context, id uint64) (bool, error)
	GetProgram(ctx context.Context, id uint64) (*model.Program, error)
	UpsertPaymentSettlement(ctx context.Context, ps *model.PaymentSettlement) error
	UpsertAttendance(ctx context.Context, a *model.Attendance) error
}

// Outcome is what an event did, as recorded on its ledger row.
type Outcome string

const (
	OutcomeApplied        Outcome = "APPLIED"
	OutcomeDeduplicated   Outcome = "DEDUPLICATED"
	OutcomeIgnored        Outcome = "IGNORED"
	OutcomeAmountMismatch Outcome = "AMOUNT_MISMATCH"
)

// Failure reasons stored on the payment.
const (
	ReasonAmountMismatch = "AMOUNT_MISMATCH"
	ReasonGatewayFailed  = "GATEWAY_REPORTED_FAILED"
)

// Event is one gateway notification, from the webhook or the queue.
// PaymentRef is our merchant uid.
type Event struct {
	Provider         string
	Type             string
	Key              string
	PaymentRef       string
	GatewayPaymentID string
}

func (e Event) validate() error {
	switch e.Type {
	case gateway.StatusPaid, gateway.StatusFailed, gateway.StatusCancelled:
	default:
		return apperr.Validation(apperr.CodeInvalidEvent, fmt.Sprintf("unsupported event type %q", e.Type))
	}
	if e.Key == "" || e.PaymentRef == "" {
		return apperr.Validation(apperr.CodeInvalidEvent, "event key and payment reference are required")
	}
	return nil
}

// Result is returned to the webhook caller and logged by the consumer.
type Result struct {
	Outcome              Outcome `json:"outcome"`
	EventKey             string  `json:"event_key"`
	PaymentID            uint64  `json:"payment_id,omitempty"`
	ReservationID        uint64  `json:"reservation_id,omitempty"`
	ReservationConfirmed bool    `json:"reservation_confirmed"`
}

// DeriveEventKey returns explicit when the gateway supplied an event id,
// otherwise a digest of the fields that identify the transition.
func DeriveEventKey(explicit, gatewayPaymentID, merchantUID, status string) string {
	if explicit != "" {
		return explicit
	}
	sum := sha256.Sum256([]byte(gatewayPaymentID + ":" + merchantUID + ":" + status))
	return hex.EncodeToString(sum[:])
}

// NewEvent builds an Event from a gateway notification. The key is derived
// when the gateway sent no event id.
func NewEvent(provider, eventID, status, merchantUID, gatewayPaymentID string) Event {
	return Event{
		Provider:         provider,
		Type:             status,
		Key:              DeriveEventKey(eventID, gatewayPaymentID, merchantUID, status),
		PaymentRef:       merchantUID,
		GatewayPaymentID: gatewayPaymentID,
	}
}

// Processor applies gateway payment events exactly once.
type Processor struct {
	store    Store
	gateway  gateway.Gateway
	notifier notify.Sender
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// NewProcessor builds the processor. gw may be nil when no gateway is
// configured; every event is then rejected as unverifiable.
func NewProcessor(store Store, gw gateway.Gateway, notifier notify.Sender, logger *slog.Logger, opts ...Option) *Processor {
	if store == nil {
		panic("nil store passed to payment.NewProcessor")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	p := &Processor{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		log:      logger.With("component", "payment"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// HandleEvent applies ev at most once per (provider, key). The provider is
// always the configured gateway's.
func (p *Processor) HandleEvent(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if p.gateway == nil {
		return nil, apperr.External(apperr.CodeGatewayUnavailable, "no payment gateway configured to verify events", nil)
	}
	// Events are deduplicated under the gateway that verifies them, never
	// under a provider named by the caller.
	if ev.Provider != "" && ev.Provider != p.gateway.Provider() {
		p.log.WarnContext(ctx, "ignoring event provider", "claimed", ev.Provider, "provider", p.gateway.Provider())
	}
	ev.Provider = p.gateway.Provider()

	var (
		result    *Result
		confirmed *model.Reservation
	)
	err := p.store.WithTx(ctx, func(ctx context.Context) error {
		result, confirmed = nil, nil
		row := &model.WebhookEvent{
			Provider:   ev.Provider,
			EventKey:   ev.Key,
			EventType:  ev.Type,
			PaymentRef: ev.PaymentRef,
		}
		if err := p.store.InsertWebhookEvent(ctx, row); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				result = &Result{Outcome: OutcomeDeduplicated, EventKey: ev.Key}
				return nil
			}
			return fmt.Errorf("record event %s: %w", ev.Key, err)
		}

		pay, err := p.store.GetPaymentByMerchantUID(ctx, ev.PaymentRef)
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound(apperr.CodePaymentNotFound, "payment not found for "+ev.PaymentRef)
		}
		if err != nil {
			return err
		}
		ref := ev.GatewayPaymentID
		if ref == "" {
			ref = pay.MerchantUID
		}
		detail, err := p.gateway.GetPaymentDetail(ctx, ref)
		if err != nil {
			return apperr.External(apperr.CodeGatewayUnavailable, "payment gateway lookup failed", err)
		}

		result = &Result{EventKey: ev.Key, PaymentID: pay.ID, ReservationID: pay.ReservationID}
		switch ev.Type {
		case gateway.StatusPaid:
			confirmed, err = p.applyPaid(ctx, pay, detail, result)
		case gateway.StatusFailed:
			err = p.applyFailed(ctx, pay, detail, result)
		case gateway.StatusCancelled:
			err = p.applyCancelled(ctx, pay, detail, result)
		}
		if err != nil {
			return err
		}
		return p.store.MarkWebhookEventProcessed(ctx, row.ID, string(result.Outcome), p.now())
	})
	if err != nil {
		p.log.WarnContext(ctx, "payment event rolled back",
			"provider", ev.Provider, "event_key", ev.Key, "type", ev.Type, "ref", ev.PaymentRef, "error", err)
		return nil, err
	}

	p.log.InfoContext(ctx, "payment event handled",
		"provider", ev.Provider, "event_key", ev.Key, "type", ev.Type, "outcome", result.Outcome,
		"payment_id", result.PaymentID, "reservation_confirmed", result.ReservationConfirmed)
	if confirmed != nil {
		notify.SendBestEffort(ctx, p.notifier, p.log, notify.Notification{
			UserID: confirmed.UserID,
			Type:   notify.TypeReservationConfirmed,
			Title:  "Reservation confirmed",
			Body:   "Your payment was received and your reservation is confirmed.",
			Data:   map[string]string{"reservation_id": strconv.FormatUint(confirmed.ID, 10)},
		})
	}
	return result, nil
}

func (p *Processor) applyPaid(ctx context.Context, pay *model.Payment, detail *gateway.PaymentDetail, result *Result) (*model.Reservation, error) {
	if detail.Amount != pay.Amount {
		if _, err := p.store.MarkPaymentFailed(ctx, pay.ID, ReasonAmountMismatch); err != nil {
			return nil, err
		}
		p.log.WarnContext(ctx, "paid amount does not match",
			"payment_id", pay.ID, "expected", pay.Amount, "reported", detail.Amount)
		result.Outcome = OutcomeAmountMismatch
		return nil, nil
	}
	switch detail.Status {
	case gateway.StatusPaid:
	case gateway.StatusReady:
		// Rolls back the event row too, so the redelivered trigger is not a duplicate.
		return nil, apperr.External(apperr.CodePaymentNotSettled, "gateway has not settled the payment yet", nil)
	default:
		result.Outcome = OutcomeIgnored
		return nil, nil
	}

	now := p.now()
	ok, err := p.store.MarkPaymentPaid(ctx, pay.ID, detail.GatewayPaymentID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		result.Outcome = OutcomeIgnored
		return nil, nil
	}
	result.Outcome = OutcomeApplied

	flipped, err := p.store.ConfirmReservation(ctx, pay.ReservationID)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, nil
	}
	result.ReservationConfirmed = true

	res, err := p.store.GetReservation(ctx, pay.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("load reservation %d: %w", pay.ReservationID, err)
	}
	prog, err := p.store.GetProgram(ctx, res.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("load program %d: %w", res.ProgramID, err)
	}
	if err := p.store.UpsertPaymentSettlement(ctx, &model.PaymentSettlement{
		PaymentID:     pay.ID,
		ReservationID: res.ID,
		InstructorID:  prog.InstructorID,
		Amount:        pay.Amount,
		PaidAt:        now,
	}); err != nil {
		return nil, err
	}
	if err := p.store.UpsertAttendance(ctx, &model.Attendance{
		ReservationID: res.ID,
		UserID:        res.UserID,
		QRToken:       uuid.NewString(),
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// applyFailed never touches the reservation. The gateway's view wins when
// it already reports the payment as paid.
func (p *Processor) applyFailed(ctx context.Context, pay *model.Payment, detail *gateway.PaymentDetail, result *Result) error {
	if detail.Status == gateway.StatusPaid {
		result.Outcome = OutcomeIgnored
		return nil
	}
	ok, err := p.store.MarkPaymentFailed(ctx, pay.ID, ReasonGatewayFailed)
	if err != nil {
		return err
	}
	result.Outcome = OutcomeIgnored
	if ok {
		result.Outcome = OutcomeApplied
	}
	return nil
}

func (p *Processor) applyCancelled(ctx context.Context, pay *model.Payment, detail *gateway.PaymentDetail, result *Result) error {
	if detail.Status == gateway.StatusPaid {
		result.Outcome = OutcomeIgnored
		return nil
	}
	ok, err := p.store.MarkPaymentCancelled(ctx, pay.ID)
	if err != nil {
		return err
	}
	result.Outcome = OutcomeIgnored
	if ok {
		result.Outcome = OutcomeApplied
	}
	return nil
}
