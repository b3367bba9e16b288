package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/activity-reservation/internal/model"
)

// SettlementRepo stores settlements and payouts. Uniqueness on
// (instructor_id, period_start, period_end) and on payout_key is the only
// concurrency control across instructors.
type SettlementRepo struct {
	db *sqlx.DB
}

func NewSettlementRepo(db *sqlx.DB) *SettlementRepo { return &SettlementRepo{db: db} }

const settlementColumns = `id, instructor_id, period_start, period_end, gross_amount, refund_amount, platform_fee, b2b_commission, net_amount, status, memo, confirmed_at, paid_at, created_at, updated_at`

// ListInstructorRevenue aggregates captured and refunded money per
// instructor for [from, to).
func (r *SettlementRepo) ListInstructorRevenue(ctx context.Context, from, to time.Time) ([]model.InstructorRevenue, error) {
	var out []model.InstructorRevenue
	err := conn(ctx, r.db).SelectContext(ctx, &out, `
		SELECT pr.instructor_id,
		       COALESCE(SUM(CASE WHEN p.paid_at >= ? AND p.paid_at < ? THEN p.amount ELSE 0 END), 0) AS gross_amount,
		       COALESCE(SUM(CASE WHEN p.refunded_at >= ? AND p.refunded_at < ? THEN p.refunded_amount ELSE 0 END), 0) AS refund_amount,
		       COALESCE(SUM(CASE WHEN pr.is_b2b = 1 AND p.paid_at >= ? AND p.paid_at < ? THEN p.amount ELSE 0 END), 0) AS b2b_gross_amount
		FROM payments p
		JOIN reservations r ON r.id = p.reservation_id
		JOIN programs pr ON pr.id = r.program_id
		WHERE p.status IN ('PAID', 'PARTIAL_REFUND', 'REFUNDED')
		GROUP BY pr.instructor_id
		ORDER BY pr.instructor_id`,
		from.UTC(), to.UTC(), from.UTC(), to.UTC(), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("aggregate instructor revenue: %w", err)
	}
	return out, nil
}

// CreateSettlement inserts s as PENDING. ErrDuplicate when the instructor
// already has a settlement for the period.
func (r *SettlementRepo) CreateSettlement(ctx context.Context, s *model.Settlement) error {
	now := time.Now().UTC()
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO settlements (instructor_id, period_start, period_end, gross_amount, refund_amount, platform_fee, b2b_commission, net_amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.InstructorID, s.PeriodStart.UTC(), s.PeriodEnd.UTC(), s.GrossAmount, s.RefundAmount,
		s.PlatformFee, s.B2BCommission, s.NetAmount, s.Status, now, now)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert settlement instructor=%d: %w", s.InstructorID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

func (r *SettlementRepo) GetSettlement(ctx context.Context, id uint64) (*model.Settlement, error) {
	var s model.Settlement
	if err := getOne(ctx, conn(ctx, r.db), &s, `SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSettlementsByStatus lists every settlement when status is empty.
func (r *SettlementRepo) ListSettlementsByStatus(ctx context.Context, status model.SettlementStatus) ([]model.Settlement, error) {
	var out []model.Settlement
	q, args := `SELECT `+settlementColumns+` FROM settlements ORDER BY id`, []any{}
	if status != "" {
		q, args = `SELECT `+settlementColumns+` FROM settlements WHERE status = ? ORDER BY id`, []any{status}
	}
	err := conn(ctx, r.db).SelectContext(ctx, &out, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list settlements status=%s: %w", status, err)
	}
	return out, nil
}

// ConfirmSettlement moves PENDING to CONFIRMED.
func (r *SettlementRepo) ConfirmSettlement(ctx context.Context, id uint64, at time.Time) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE settlements SET status = 'CONFIRMED', confirmed_at = ?, updated_at = ? WHERE id = ? AND status = 'PENDING'`,
		at.UTC(), at.UTC(), id))
}

// MarkSettlementPaid moves CONFIRMED to PAID.
func (r *SettlementRepo) MarkSettlementPaid(ctx context.Context, id uint64, at time.Time) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE settlements SET status = 'PAID', paid_at = ?, updated_at = ? WHERE id = ? AND status = 'CONFIRMED'`,
		at.UTC(), at.UTC(), id))
}

// UpdateSettlementMemo is the one write allowed after PAID.
func (r *SettlementRepo) UpdateSettlementMemo(ctx context.Context, id uint64, memo string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE settlements SET memo = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`, memo, id)
	if err != nil {
		return fmt.Errorf("update memo settlement=%d: %w", id, err)
	}
	return nil
}

// CreatePayout inserts p. ErrDuplicate means the payout key was already
// used by a concurrent or earlier execution.
func (r *SettlementRepo) CreatePayout(ctx context.Context, p *model.Payout) error {
	now := time.Now().UTC()
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO payouts (settlement_id, payout_key, amount, created_at) VALUES (?, ?, ?, ?)`,
		p.SettlementID, p.PayoutKey, p.Amount, now)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert payout settlement=%d: %w", p.SettlementID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	p.CreatedAt = now
	return nil
}
