package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/activity-reservation/internal/model"
)

// ProgramRepo reads programs and maintains their reserved_count cache.
// Programs are created and edited by the catalogue service; this repo never
// inserts them.
type ProgramRepo struct {
	db *sqlx.DB
}

func NewProgramRepo(db *sqlx.DB) *ProgramRepo { return &ProgramRepo{db: db} }

const programColumns = `id, instructor_id, title, price, max_capacity, schedule_at, reserved_count, is_b2b, credentials, created_at, updated_at`

func (r *ProgramRepo) GetProgram(ctx context.Context, id uint64) (*model.Program, error) {
	var p model.Program
	if err := getOne(ctx, conn(ctx, r.db), &p, `SELECT `+programColumns+` FROM programs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// AdjustReservedCount moves the informational counter by delta, floored at
// zero. No invariant depends on this value.
func (r *ProgramRepo) AdjustReservedCount(ctx context.Context, programID uint64, delta int) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE programs SET reserved_count = GREATEST(CAST(reserved_count AS SIGNED) + ?, 0) WHERE id = ?`,
		delta, programID)
	if err != nil {
		return fmt.Errorf("adjust reserved_count program=%d: %w", programID, err)
	}
	return nil
}

// RecomputeReservedCount rebuilds the cache from active reservations.
func (r *ProgramRepo) RecomputeReservedCount(ctx context.Context, programID uint64) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE programs p
		SET p.reserved_count = (
			SELECT COALESCE(SUM(r.participant_count), 0)
			FROM reservations r
			WHERE r.program_id = p.id AND r.status IN ('PENDING', 'CONFIRMED')
		)
		WHERE p.id = ?`, programID)
	if err != nil {
		return fmt.Errorf("recompute reserved_count program=%d: %w", programID, err)
	}
	return nil
}
