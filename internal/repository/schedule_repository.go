package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/activity-reservation/internal/model"
)

// ScheduleRepo owns program_schedules.remaining_capacity. Every write to
// that column in this code base is one of the conditional statements below.
type ScheduleRepo struct {
	db *sqlx.DB
}

func NewScheduleRepo(db *sqlx.DB) *ScheduleRepo { return &ScheduleRepo{db: db} }

const scheduleColumns = `id, program_id, start_at, capacity, remaining_capacity, status, created_at, updated_at`

func (r *ScheduleRepo) GetSchedule(ctx context.Context, id uint64) (*model.ProgramSchedule, error) {
	var s model.ProgramSchedule
	if err := getOne(ctx, conn(ctx, r.db), &s, `SELECT `+scheduleColumns+` FROM program_schedules WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSchedule returns the schedule for (programID, startAt), creating it
// with the given capacity when absent. LAST_INSERT_ID(id) makes the
// existing row's id available on the duplicate path.
func (r *ScheduleRepo) UpsertSchedule(ctx context.Context, programID uint64, startAt time.Time, capacity int) (*model.ProgramSchedule, error) {
	q := conn(ctx, r.db)
	res, err := q.ExecContext(ctx, `
		INSERT INTO program_schedules (program_id, start_at, capacity, remaining_capacity, status)
		VALUES (?, ?, ?, ?, 'ACTIVE')
		ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
		programID, startAt.UTC(), capacity, capacity)
	if err != nil {
		return nil, fmt.Errorf("upsert schedule program=%d: %w", programID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetSchedule(ctx, uint64(id))
}

// DecrementCapacity takes n seats if the schedule is ACTIVE and has room.
// false means nothing changed.
func (r *ScheduleRepo) DecrementCapacity(ctx context.Context, scheduleID uint64, n int) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE program_schedules SET remaining_capacity = remaining_capacity - ? WHERE id = ? AND status = 'ACTIVE' AND remaining_capacity >= ?`,
		n, scheduleID, n))
}

// RestoreCapacity returns n seats unless that would exceed capacity.
func (r *ScheduleRepo) RestoreCapacity(ctx context.Context, scheduleID uint64, n int) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE program_schedules SET remaining_capacity = remaining_capacity + ? WHERE id = ? AND remaining_capacity + ? <= capacity`,
		n, scheduleID, n))
}

// ListScheduleUsage returns each schedule with the seat usage of its active
// reservations.
func (r *ScheduleRepo) ListScheduleUsage(ctx context.Context) ([]model.ScheduleUsage, error) {
	var rows []model.ScheduleUsage
	err := conn(ctx, r.db).SelectContext(ctx, &rows, `
		SELECT s.id AS schedule_id, s.program_id, s.capacity, s.remaining_capacity,
		       COALESCE(SUM(CASE WHEN r.status IN ('PENDING', 'CONFIRMED') THEN r.participant_count ELSE 0 END), 0) AS active_participants
		FROM program_schedules s
		LEFT JOIN reservations r ON r.program_schedule_id = s.id
		GROUP BY s.id, s.program_id, s.capacity, s.remaining_capacity
		ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("list schedule usage: %w", err)
	}
	return rows, nil
}

// RepairRemainingCapacity sets remaining_capacity to expected only if it
// still holds the observed value, so a concurrent booking is never
// overwritten.
func (r *ScheduleRepo) RepairRemainingCapacity(ctx context.Context, scheduleID uint64, observed, expected int) (bool, error) {
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx,
		`UPDATE program_schedules SET remaining_capacity = ? WHERE id = ? AND remaining_capacity = ? AND ? BETWEEN 0 AND capacity`,
		expected, scheduleID, observed, expected))
}
