// Package reservation creates, reads and cancels reservations. Seats are
// taken and returned only through the capacity ledger, and every capacity
// change runs under a Redis lock plus a transaction.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/gateway"
	"github.com/iliyamo/activity-reservation/internal/lock"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/notify"
	"github.com/iliyamo/activity-reservation/internal/refund"
	"github.com/iliyamo/activity-reservation/internal/repository"
)

// Store is the persistence the reservation service needs.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProgram(ctx context.Context, id uint64) (*model.Program, error)
	GetSchedule(ctx context.Context, id uint64) (*model.ProgramSchedule, error)
	UpsertSchedule(ctx context.Context, programID uint64, startAt time.Time, capacity int) (*model.ProgramSchedule, error)
	CreateReservation(ctx context.Context, res *model.Reservation) error
	GetReservation(ctx context.Context, id uint64) (*model.Reservation, error)
	ListReservationsByUser(ctx context.Context, userID uint64) ([]model.Reservation, error)
	MarkReservationCancelled(ctx context.Context, id uint64, from model.ReservationStatus, reason string, at time.Time) (bool, error)
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error)
	LockPaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error)
	ApplyRefund(ctx context.Context, id uint64, amount int64, at time.Time) (bool, error)
	MarkPaymentCancelled(ctx context.Context, id uint64) (bool, error)
}

// Capacity takes and returns schedule seats; *capacity.Ledger satisfies it.
type Capacity interface {
	Reserve(ctx context.Context, scheduleID, programID uint64, n int) error
	Release(ctx context.Context, scheduleID, programID uint64, n int) error
}

// Service owns the reservation lifecycle. Capacity changes go through the
// capacity ledger while a distributed lock is held.
type Service struct {
	store    Store
	capacity Capacity
	locker   lock.Locker
	gateway  gateway.Gateway
	mode     refund.Mode
	notifier notify.Sender
	log      *slog.Logger

	now      func() time.Time
	lockTTL  time.Duration
	currency string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now; tests pin refund boundaries with it.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLockTTL sets the lifetime of the program and reservation locks.
func WithLockTTL(ttl time.Duration) Option { return func(s *Service) { s.lockTTL = ttl } }

// WithCurrency sets the currency sent to the gateway on pre-registration.
func WithCurrency(c string) Option { return func(s *Service) { s.currency = c } }

// NewService wires the service. gw may be nil, which selects ledger-only
// refunds for the lifetime of the service.
func NewService(store Store, capacity Capacity, locker lock.Locker, gw gateway.Gateway, notifier notify.Sender, logger *slog.Logger, opts ...Option) *Service {
	if store == nil || capacity == nil || locker == nil {
		panic("reservation.NewService: store, capacity and locker are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Service{
		store:    store,
		capacity: capacity,
		locker:   locker,
		gateway:  gw,
		mode:     refund.ModeFor(gw != nil),
		notifier: notifier,
		log:      logger.With("component", "reservation"),
		now:      time.Now,
		lockTTL:  10 * time.Second,
		currency: "KRW",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Mode reports how cancellations refund money.
func (s *Service) Mode() refund.Mode { return s.mode }

// CreateInput selects the schedule either by ScheduleID or by StartAt. When
// both are absent the program's legacy ScheduleAt is used.
type CreateInput struct {
	UserID           uint64
	ProgramID        uint64
	ScheduleID       *uint64
	StartAt          *time.Time
	ParticipantCount int
}

// Create reserves capacity and stores a PENDING reservation under the
// program lock. Without a schedule id the schedule for start_at is created
// on demand.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Reservation, error) {
	if in.ParticipantCount <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidParticipantCount, "participant_count must be at least 1")
	}
	var created *model.Reservation
	err := lock.WithLock(ctx, s.locker, s.log, lock.ProgramKey(in.ProgramID), s.lockTTL, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context) error {
			prog, err := s.store.GetProgram(ctx, in.ProgramID)
			if errors.Is(err, repository.ErrNotFound) {
				return apperr.NotFound(apperr.CodeProgramNotFound, "program not found")
			}
			if err != nil {
				return fmt.Errorf("load program %d: %w", in.ProgramID, err)
			}
			sched, err := s.resolveSchedule(ctx, prog, in)
			if err != nil {
				return err
			}
			if err := s.capacity.Reserve(ctx, sched.ID, prog.ID, in.ParticipantCount); err != nil {
				return err
			}
			res := &model.Reservation{
				UserID:            in.UserID,
				ProgramID:         prog.ID,
				ProgramScheduleID: sched.ID,
				ParticipantCount:  in.ParticipantCount,
				TotalPrice:        prog.Price * int64(in.ParticipantCount),
				Status:            model.ReservationPending,
			}
			if err := s.store.CreateReservation(ctx, res); err != nil {
				return err
			}
			created = res
			return nil
		})
	})
	if err != nil {
		return nil, lockBusy(err)
	}
	s.log.InfoContext(ctx, "reservation created",
		"reservation_id", created.ID, "schedule_id", created.ProgramScheduleID, "participants", created.ParticipantCount)
	return created, nil
}

func (s *Service) resolveSchedule(ctx context.Context, prog *model.Program, in CreateInput) (*model.ProgramSchedule, error) {
	var sched *model.ProgramSchedule
	if in.ScheduleID != nil {
		got, err := s.store.GetSchedule(ctx, *in.ScheduleID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && got.ProgramID != prog.ID) {
			return nil, apperr.NotFound(apperr.CodeScheduleNotFound, "schedule not found for this program")
		}
		if err != nil {
			return nil, fmt.Errorf("load schedule %d: %w", *in.ScheduleID, err)
		}
		sched = got
	} else {
		startAt := in.StartAt
		if startAt == nil {
			startAt = prog.ScheduleAt
		}
		if startAt == nil {
			return nil, apperr.Validation(apperr.CodeScheduleRequired, "schedule_id or start_at is required")
		}
		got, err := s.store.UpsertSchedule(ctx, prog.ID, *startAt, prog.MaxCapacity)
		if err != nil {
			return nil, err
		}
		sched = got
	}
	if sched.Status == model.ScheduleCancelled {
		return nil, apperr.Conflict(apperr.CodeScheduleCancelled, "schedule is cancelled")
	}
	return sched, nil
}

// Get returns the reservation if userID owns it. Someone else's reservation
// is reported as not found.
func (s *Service) Get(ctx context.Context, id, userID uint64) (*model.Reservation, error) {
	res, err := s.store.GetReservation(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && res.UserID != userID) {
		return nil, apperr.NotFound(apperr.CodeReservationNotFound, "reservation not found")
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// List returns the user's reservations, newest first.
func (s *Service) List(ctx context.Context, userID uint64) ([]model.Reservation, error) {
	out, err := s.store.ListReservationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Reservation{}
	}
	return out, nil
}

// PaymentIntent is returned by PreparePayment. Registration is nil in
// ledger-only mode.
type PaymentIntent struct {
	Payment      *model.Payment        `json:"payment"`
	Registration *gateway.Registration `json:"registration,omitempty"`
	Mode         refund.Mode           `json:"mode"`
}

// PreparePayment creates the reservation's payment (or returns the existing
// one) and registers the expected amount with the gateway.
func (s *Service) PreparePayment(ctx context.Context, reservationID, userID uint64) (*PaymentIntent, error) {
	res, err := s.Get(ctx, reservationID, userID)
	if err != nil {
		return nil, err
	}
	if res.Status != model.ReservationPending {
		return nil, apperr.Conflict(apperr.CodeReservationNotPending, "only pending reservations can be paid")
	}

	pay, err := s.store.GetPaymentByReservation(ctx, res.ID)
	if errors.Is(err, repository.ErrNotFound) {
		pay = &model.Payment{
			ReservationID: res.ID,
			MerchantUID:   newMerchantUID(res.ID),
			Amount:        res.TotalPrice,
			Status:        model.PaymentPending,
		}
		err = s.store.CreatePayment(ctx, pay)
		if errors.Is(err, repository.ErrDuplicate) {
			pay, err = s.store.GetPaymentByReservation(ctx, res.ID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("prepare payment reservation=%d: %w", res.ID, err)
	}

	intent := &PaymentIntent{Payment: pay, Mode: s.mode}
	if s.mode != refund.ModePGRefund || pay.Status != model.PaymentPending {
		return intent, nil
	}
	reg, err := s.gateway.PreRegister(ctx, pay.MerchantUID, pay.Amount, s.currency)
	if err != nil {
		return nil, apperr.External(apperr.CodeGatewayPreRegisterFailed, "payment gateway rejected the registration", err)
	}
	intent.Registration = reg
	return intent, nil
}

func newMerchantUID(reservationID uint64) string {
	return "res_" + strconv.FormatUint(reservationID, 10) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// CancelResult describes what a cancellation did.
type CancelResult struct {
	Reservation     *model.Reservation `json:"reservation"`
	RefundPercent   int                `json:"refund_percent"`
	RefundAmount    int64              `json:"refund_amount"`
	GatewayRefunded bool               `json:"gateway_refunded"`
	Mode            refund.Mode        `json:"refund_mode"`
}

// Cancel is the guardian-initiated cancellation.
func (s *Service) Cancel(ctx context.Context, id, userID uint64, reason string) (*CancelResult, error) {
	result, err := s.cancel(ctx, id, &userID, reason)
	if err != nil {
		return nil, err
	}
	notify.SendBestEffort(ctx, s.notifier, s.log, notify.Notification{
		UserID: userID,
		Type:   notify.TypeReservationCancelled,
		Title:  "Reservation cancelled",
		Body:   fmt.Sprintf("Your reservation was cancelled. Refund: %d", result.RefundAmount),
		Data: map[string]string{
			"reservation_id": strconv.FormatUint(id, 10),
			"refund_amount":  strconv.FormatInt(result.RefundAmount, 10),
		},
	})
	return result, nil
}

// CancelBySystem cancels without an ownership check. Bulk cancellation uses
// it and sends its own notification.
func (s *Service) CancelBySystem(ctx context.Context, id uint64, reason string) (*CancelResult, error) {
	return s.cancel(ctx, id, nil, reason)
}

func (s *Service) cancel(ctx context.Context, id uint64, owner *uint64, reason string) (*CancelResult, error) {
	var result *CancelResult
	err := lock.WithLock(ctx, s.locker, s.log, lock.ReservationKey(id), s.lockTTL, func(ctx context.Context) error {
		now := s.now()
		res, err := s.store.GetReservation(ctx, id)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && owner != nil && res.UserID != *owner) {
			return apperr.NotFound(apperr.CodeReservationNotFound, "reservation not found")
		}
		if err != nil {
			return err
		}
		if err := terminalError(res.Status); err != nil {
			return err
		}
		sched, err := s.store.GetSchedule(ctx, res.ProgramScheduleID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.Invariant(ctx, s.log, "reservation references a missing schedule",
				"reservation_id", res.ID, "schedule_id", res.ProgramScheduleID)
		}
		if err != nil {
			return err
		}

		quote := refund.Compute(res.TotalPrice, sched.StartAt, now)
		pay, err := s.store.GetPaymentByReservation(ctx, res.ID)
		if errors.Is(err, repository.ErrNotFound) {
			pay, err = nil, nil
		}
		if err != nil {
			return err
		}
		var refundAmount int64
		if pay != nil && pay.Status.Refundable() {
			refundAmount = min(quote.Amount, pay.RefundableAmount())
		}

		gatewayRefunded := false
		if refundAmount > 0 && s.mode == refund.ModePGRefund {
			if err := s.gateway.RequestRefund(ctx, pay.MerchantUID, refundAmount, reason); err != nil {
				s.log.WarnContext(ctx, "gateway refund failed", "reservation_id", res.ID, "amount", refundAmount, "error", err)
				return apperr.External(apperr.CodeGatewayRefundFailed, "payment gateway refund failed", err)
			}
			gatewayRefunded = true
		}

		err = s.store.WithTx(ctx, func(ctx context.Context) error {
			// The payment processor does not take the reservation lock. The
			// refund above was priced from pay, so pay must still be current.
			current, err := s.store.LockPaymentByReservation(ctx, res.ID)
			if errors.Is(err, repository.ErrNotFound) {
				current, err = nil, nil
			}
			if err != nil {
				return err
			}
			if !samePayment(pay, current) {
				return apperr.Conflict(apperr.CodeConcurrentUpdate, "payment changed during cancellation")
			}
			ok, err := s.store.MarkReservationCancelled(ctx, res.ID, res.Status, reason, now)
			if err != nil {
				return err
			}
			if !ok {
				latest, err := s.store.GetReservation(ctx, res.ID)
				if err != nil {
					return err
				}
				if terr := terminalError(latest.Status); terr != nil {
					return terr
				}
				return apperr.Conflict(apperr.CodeConcurrentUpdate, "reservation changed during cancellation")
			}
			if err := s.capacity.Release(ctx, sched.ID, res.ProgramID, res.ParticipantCount); err != nil {
				return err
			}
			if pay == nil {
				return nil
			}
			switch {
			case refundAmount > 0:
				ok, err := s.store.ApplyRefund(ctx, pay.ID, refundAmount, now)
				if err != nil {
					return err
				}
				if !ok {
					return apperr.Invariant(ctx, s.log, "refund bookkeeping rejected",
						"payment_id", pay.ID, "amount", refundAmount, "gateway_refunded", gatewayRefunded)
				}
			case pay.Status == model.PaymentPending:
				ok, err := s.store.MarkPaymentCancelled(ctx, pay.ID)
				if err != nil {
					return err
				}
				if !ok {
					return apperr.Conflict(apperr.CodeConcurrentUpdate, "payment changed during cancellation")
				}
			}
			return nil
		})
		if err != nil {
			if gatewayRefunded {
				s.log.ErrorContext(ctx, "local cancellation failed after gateway refund",
					"severity", "critical", "reservation_id", res.ID, "payment_id", pay.ID, "amount", refundAmount, "error", err)
			}
			return err
		}

		res.Status = model.ReservationCancelled
		res.CancelReason = reason
		res.CancelledAt = &now
		result = &CancelResult{
			Reservation:     res,
			RefundPercent:   quote.Percent,
			RefundAmount:    refundAmount,
			GatewayRefunded: gatewayRefunded,
			Mode:            s.mode,
		}
		return nil
	})
	if err != nil {
		return nil, lockBusy(err)
	}
	s.log.InfoContext(ctx, "reservation cancelled",
		"reservation_id", id, "refund_percent", result.RefundPercent, "refund_amount", result.RefundAmount, "mode", s.mode)
	return result, nil
}

// samePayment reports whether the locked row still matches the snapshot the
// refund was computed from.
func samePayment(seen, current *model.Payment) bool {
	if seen == nil || current == nil {
		return seen == nil && current == nil
	}
	return seen.ID == current.ID && seen.Status == current.Status && seen.RefundedAmount == current.RefundedAmount
}

func terminalError(st model.ReservationStatus) error {
	switch st {
	case model.ReservationCancelled:
		return apperr.AlreadyTerminal(apperr.CodeAlreadyCancelled, "reservation is already cancelled")
	case model.ReservationCompleted:
		return apperr.AlreadyTerminal(apperr.CodeAlreadyCompleted, "reservation is already completed")
	}
	return nil
}

func lockBusy(err error) error {
	if errors.Is(err, lock.ErrBusy) {
		return apperr.Wrap(apperr.KindConflict, apperr.CodeLockBusy, "another request holds this resource, retry shortly", err)
	}
	return err
}
