package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/activity-reservation/internal/model"
)

// BulkCancelRepo stores bulk-cancel jobs and their item snapshots.
type BulkCancelRepo struct {
	db *sqlx.DB
}

func NewBulkCancelRepo(db *sqlx.DB) *BulkCancelRepo { return &BulkCancelRepo{db: db} }

const bulkJobColumns = `id, program_id, reason, requested_by, mode, status, total_count, success_count, failed_count, skipped_count, started_at, finished_at, created_at, updated_at`

const bulkItemColumns = `id, job_id, reservation_id, user_id, participant_count, refund_amount, result, failure_code, failure_message, attempts, processed_at`

// GetRunningBulkCancelJob returns the RUNNING job of a program or
// ErrNotFound.
func (r *BulkCancelRepo) GetRunningBulkCancelJob(ctx context.Context, programID uint64) (*model.BulkCancelJob, error) {
	var j model.BulkCancelJob
	err := getOne(ctx, conn(ctx, r.db), &j,
		`SELECT `+bulkJobColumns+` FROM bulk_cancel_jobs WHERE program_id = ? AND status = 'RUNNING' ORDER BY id LIMIT 1`, programID)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateBulkCancelJob inserts the job and its items; call inside WithTx.
func (r *BulkCancelRepo) CreateBulkCancelJob(ctx context.Context, job *model.BulkCancelJob, items []model.BulkCancelJobItem) error {
	q := conn(ctx, r.db)
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		INSERT INTO bulk_cancel_jobs (program_id, reason, requested_by, mode, status, total_count, failed_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ProgramID, job.Reason, job.RequestedBy, job.Mode, job.Status, job.TotalCount, job.FailedCount, now, now)
	if err != nil {
		return fmt.Errorf("insert bulk cancel job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	job.ID = uint64(id)
	job.CreatedAt = now
	job.UpdatedAt = now
	if len(items) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO bulk_cancel_job_items (job_id, reservation_id, user_id, participant_count, refund_amount, result) VALUES `)
	args := make([]any, 0, len(items)*6)
	for i := range items {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		items[i].JobID = job.ID
		args = append(args, job.ID, items[i].ReservationID, items[i].UserID, items[i].ParticipantCount, items[i].RefundAmount, items[i].Result)
	}
	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert bulk cancel items job=%d: %w", job.ID, err)
	}
	return nil
}

func (r *BulkCancelRepo) GetBulkCancelJob(ctx context.Context, id uint64) (*model.BulkCancelJob, error) {
	var j model.BulkCancelJob
	if err := getOne(ctx, conn(ctx, r.db), &j, `SELECT `+bulkJobColumns+` FROM bulk_cancel_jobs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *BulkCancelRepo) ListBulkCancelJobItems(ctx context.Context, jobID uint64) ([]model.BulkCancelJobItem, error) {
	var out []model.BulkCancelJobItem
	err := conn(ctx, r.db).SelectContext(ctx, &out,
		`SELECT `+bulkItemColumns+` FROM bulk_cancel_job_items WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list bulk cancel items job=%d: %w", jobID, err)
	}
	return out, nil
}

// MarkBulkCancelJobRunning flips the job to RUNNING if its status is one of
// from.
func (r *BulkCancelRepo) MarkBulkCancelJobRunning(ctx context.Context, id uint64, from []model.BulkCancelJobStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(
		`UPDATE bulk_cancel_jobs SET status = 'RUNNING', started_at = ?, finished_at = NULL, updated_at = ? WHERE id = ? AND status IN (?)`,
		at.UTC(), at.UTC(), id, from)
	if err != nil {
		return false, err
	}
	return rowsChanged(conn(ctx, r.db).ExecContext(ctx, query, args...))
}

// UpdateBulkCancelJobItem stores the outcome of one attempt.
func (r *BulkCancelRepo) UpdateBulkCancelJobItem(ctx context.Context, item *model.BulkCancelJobItem) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE bulk_cancel_job_items
		SET result = ?, refund_amount = ?, failure_code = ?, failure_message = ?, attempts = ?, processed_at = ?
		WHERE id = ?`,
		item.Result, item.RefundAmount, item.FailureCode, item.FailureMessage, item.Attempts, item.ProcessedAt, item.ID)
	if err != nil {
		return fmt.Errorf("update bulk cancel item %d: %w", item.ID, err)
	}
	return nil
}

// FinishBulkCancelJob stores the final status and counters.
func (r *BulkCancelRepo) FinishBulkCancelJob(ctx context.Context, job *model.BulkCancelJob) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE bulk_cancel_jobs
		SET status = ?, success_count = ?, failed_count = ?, skipped_count = ?, finished_at = ?, updated_at = UTC_TIMESTAMP()
		WHERE id = ?`,
		job.Status, job.SuccessCount, job.FailedCount, job.SkippedCount, job.FinishedAt, job.ID)
	if err != nil {
		return fmt.Errorf("finish bulk cancel job %d: %w", job.ID, err)
	}
	return nil
}
