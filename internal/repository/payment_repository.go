package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/activity-reservation/internal/model"
)

// PaymentRepo stores payments, the webhook dedup ledger and per-payment
// settlement lines.
type PaymentRepo struct {
	db *sqlx.DB
}

func NewPaymentRepo(db *sqlx.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentColumns = `id, reservation_id, merchant_uid, gateway_payment_id, amount, refunded_amount, status, failure_reason, paid_at, refunded_at, created_at, updated_at`

// CreatePayment inserts p. A second payment for the same reservation
// returns ErrDuplicate.
func (r *PaymentRepo) CreatePayment(ctx context.Context, p *model.Payment) error {
	now := time.Now().UTC()
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO payments (reservation_id, merchant_uid, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ReservationID, p.MerchantUID, p.Amount, p.Status, now, now)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (r *PaymentRepo) GetPaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error) {
	var p model.Payment
	if err := getOne(ctx, conn(ctx, r.db), &p, `SELECT `+paymentColumns+` FROM payments WHERE reservation_id = ?`, reservationID); err != nil {
		return nil, err
	}
	return &p, nil
}

// LockPaymentByReservation reads the payment with a row lock. It must run
// inside WithTx; the lock is held until the transaction ends.
func (r *PaymentRepo) LockPaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error) {
	var p model.Payment
	if err := getOne(ctx, conn(ctx, r.db), &p, `SELECT `+paymentColumns+` FROM payments WHERE reservation_id = ? FOR UPDATE`, reservationID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) GetPaymentByMerchantUID(ctx context.Context, merchantUID string) (*model.Payment, error) {
	var p model.Payment
	if err := getOne(ctx, conn(ctx, r.db), &p, `SELECT `+paymentColumns+` FROM payments WHERE merchant_uid = ?`, merchantUID); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkPaymentPaid accepts PENDING and FAILED; a paid event may arrive after
// an earlier failed one.
func (r *PaymentRepo) MarkPaymentPaid(ctx context.Context, id uint64, gatewayPaymentID string, at time.Time) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE payments SET status = 'PAID', gateway_payment_id = ?, failure_reason = '', paid_at = ?, updated_at = ? WHERE id = ? AND status IN ('PENDING', 'FAILED')`,
		gatewayPaymentID, at.UTC(), at.UTC(), id))
}

func (r *PaymentRepo) MarkPaymentFailed(ctx context.Context, id uint64, reason string) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE payments SET status = 'FAILED', failure_reason = ?, updated_at = UTC_TIMESTAMP() WHERE id = ? AND status = 'PENDING'`,
		reason, id))
}

func (r *PaymentRepo) MarkPaymentCancelled(ctx context.Context, id uint64) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE payments SET status = 'CANCELLED', updated_at = UTC_TIMESTAMP() WHERE id = ? AND status = 'PENDING'`, id))
}

// ApplyRefund adds amount to refunded_amount and sets PARTIAL_REFUND or
// REFUNDED. status is assigned first because MySQL evaluates SET left to
// right against already-updated columns.
func (r *PaymentRepo) ApplyRefund(ctx context.Context, id uint64, amount int64, at time.Time) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx, `
		UPDATE payments
		SET status = CASE WHEN refunded_amount + ? >= amount THEN 'REFUNDED' ELSE 'PARTIAL_REFUND' END,
		    refunded_amount = refunded_amount + ?,
		    refunded_at = ?,
		    updated_at = ?
		WHERE id = ? AND status IN ('PAID', 'PARTIAL_REFUND') AND refunded_amount + ? <= amount`,
		amount, amount, at.UTC(), at.UTC(), id, amount))
}

// UpsertPaymentSettlement records the earnings line for a confirmed
// payment; repeats are no-ops.
func (r *PaymentRepo) UpsertPaymentSettlement(ctx context.Context, ps *model.PaymentSettlement) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO payment_settlements (payment_id, reservation_id, instructor_id, amount, paid_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payment_id = payment_id`,
		ps.PaymentID, ps.ReservationID, ps.InstructorID, ps.Amount, ps.PaidAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert payment settlement payment=%d: %w", ps.PaymentID, err)
	}
	return nil
}

// InsertWebhookEvent appends (provider, event_key) to the dedup ledger.
// ErrDuplicate means the event was seen before.
func (r *PaymentRepo) InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	now := time.Now().UTC()
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO payment_webhook_events (provider, event_key, event_type, payment_ref, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Provider, ev.EventKey, ev.EventType, ev.PaymentRef, now)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = uint64(id)
	ev.CreatedAt = now
	return nil
}

// MarkWebhookEventProcessed fills the bookkeeping columns; nothing else on
// the ledger row is ever updated.
func (r *PaymentRepo) MarkWebhookEventProcessed(ctx context.Context, id uint64, result string, at time.Time) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE payment_webhook_events SET result = ?, processed_at = ? WHERE id = ?`, result, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark webhook event %d processed: %w", id, err)
	}
	return nil
}
