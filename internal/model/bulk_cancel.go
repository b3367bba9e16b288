package model

import "time"

type BulkCancelJobStatus string

const (
	BulkJobPending             BulkCancelJobStatus = "PENDING"
	BulkJobRunning             BulkCancelJobStatus = "RUNNING"
	BulkJobCompleted           BulkCancelJobStatus = "COMPLETED"
	BulkJobCompletedWithErrors BulkCancelJobStatus = "COMPLETED_WITH_ERRORS"
	BulkJobFailed              BulkCancelJobStatus = "FAILED"
)

// Finished reports whether the job ended a pass.
func (s BulkCancelJobStatus) Finished() bool {
	return s == BulkJobCompleted || s == BulkJobCompletedWithErrors || s == BulkJobFailed
}

type BulkItemResult string

const (
	BulkItemSuccess BulkItemResult = "SUCCESS"
	// BulkItemFailed doubles as "not yet attempted".
	BulkItemFailed  BulkItemResult = "FAILED"
	BulkItemSkipped BulkItemResult = "SKIPPED"
)

// BulkCancelJob cancels every non-terminal reservation of one program.
type BulkCancelJob struct {
	ID           uint64              `db:"id" json:"id"`
	ProgramID    uint64              `db:"program_id" json:"program_id"`
	Reason       string              `db:"reason" json:"reason"`
	RequestedBy  uint64              `db:"requested_by" json:"requested_by"`
	Mode         string              `db:"mode" json:"mode"`
	Status       BulkCancelJobStatus `db:"status" json:"status"`
	TotalCount   int                 `db:"total_count" json:"total_count"`
	SuccessCount int                 `db:"success_count" json:"success_count"`
	FailedCount  int                 `db:"failed_count" json:"failed_count"`
	SkippedCount int                 `db:"skipped_count" json:"skipped_count"`
	StartedAt    *time.Time          `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time          `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}

// BulkCancelJobItem is one reservation snapshot inside a job.
type BulkCancelJobItem struct {
	ID               uint64         `db:"id" json:"id"`
	JobID            uint64         `db:"job_id" json:"job_id"`
	ReservationID    uint64         `db:"reservation_id" json:"reservation_id"`
	UserID           uint64         `db:"user_id" json:"user_id"`
	ParticipantCount int            `db:"participant_count" json:"participant_count"`
	RefundAmount     int64          `db:"refund_amount" json:"refund_amount"`
	Result           BulkItemResult `db:"result" json:"result"`
	FailureCode      string         `db:"failure_code" json:"failure_code,omitempty"`
	FailureMessage   string         `db:"failure_message" json:"failure_message,omitempty"`
	Attempts         int            `db:"attempts" json:"attempts"`
	ProcessedAt      *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
}
