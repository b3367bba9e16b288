package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/activity-reservation/internal/model"
)

// ReservationRepo provides access to reservations and the attendance rows
// issued on confirmation. Status changes are conditional on the current
// status so that concurrent cancels and confirmations cannot both win.
type ReservationRepo struct {
	db *sqlx.DB
}

func NewReservationRepo(db *sqlx.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, user_id, program_id, program_schedule_id, participant_count, total_price, status, cancel_reason, cancelled_at, created_at, updated_at`

// CreateReservation inserts res and fills its ID and timestamps.
func (r *ReservationRepo) CreateReservation(ctx context.Context, res *model.Reservation) error {
	q := conn(ctx, r.db)
	now := time.Now().UTC()
	result, err := q.ExecContext(ctx, `
		INSERT INTO reservations (user_id, program_id, program_schedule_id, participant_count, total_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.UserID, res.ProgramID, res.ProgramScheduleID, res.ParticipantCount, res.TotalPrice, res.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	res.ID = uint64(id)
	res.CreatedAt = now
	res.UpdatedAt = now
	return nil
}

func (r *ReservationRepo) GetReservation(ctx context.Context, id uint64) (*model.Reservation, error) {
	var res model.Reservation
	if err := getOne(ctx, conn(ctx, r.db), &res, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *ReservationRepo) ListReservationsByUser(ctx context.Context, userID uint64) ([]model.Reservation, error) {
	var out []model.Reservation
	err := conn(ctx, r.db).SelectContext(ctx, &out,
		`SELECT `+reservationColumns+` FROM reservations WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reservations user=%d: %w", userID, err)
	}
	return out, nil
}

// ListActiveReservationsByProgram returns PENDING and CONFIRMED
// reservations in id order.
func (r *ReservationRepo) ListActiveReservationsByProgram(ctx context.Context, programID uint64) ([]model.Reservation, error) {
	var out []model.Reservation
	err := conn(ctx, r.db).SelectContext(ctx, &out,
		`SELECT `+reservationColumns+` FROM reservations WHERE program_id = ? AND status IN ('PENDING', 'CONFIRMED') ORDER BY id`, programID)
	if err != nil {
		return nil, fmt.Errorf("list active reservations program=%d: %w", programID, err)
	}
	return out, nil
}

// MarkReservationCancelled moves the reservation to CANCELLED only while it
// is still in status from, which must be PENDING or CONFIRMED.
func (r *ReservationRepo) MarkReservationCancelled(ctx context.Context, id uint64, from model.ReservationStatus, reason string, at time.Time) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE reservations SET status = 'CANCELLED', cancel_reason = ?, cancelled_at = ?, updated_at = ? WHERE id = ? AND status = ? AND status IN ('PENDING', 'CONFIRMED')`,
		reason, at.UTC(), at.UTC(), id, from))
}

// ConfirmReservation moves PENDING to CONFIRMED.
func (r *ReservationRepo) ConfirmReservation(ctx context.Context, id uint64) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE reservations SET status = 'CONFIRMED', updated_at = UTC_TIMESTAMP() WHERE id = ? AND status = 'PENDING'`, id))
}

// UpsertAttendance issues the check-in row once per reservation; a repeat
// keeps the original token.
func (r *ReservationRepo) UpsertAttendance(ctx context.Context, a *model.Attendance) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO attendances (reservation_id, user_id, qr_token)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE reservation_id = reservation_id`,
		a.ReservationID, a.UserID, a.QRToken)
	if err != nil {
		return fmt.Errorf("upsert attendance reservation=%d: %w", a.ReservationID, err)
	}
	return nil
}
