// Package bulkcancel cancels every live reservation of a program as a
// resumable job. Each reservation is an item with its own outcome, so a
// retry only touches the items that failed.
package bulkcancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/lock"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/notify"
	"github.com/iliyamo/activity-reservation/internal/refund"
	"github.com/iliyamo/activity-reservation/internal/repository"
	"github.com/iliyamo/activity-reservation/internal/service/reservation"
)

// Store is the persistence the engine needs. A job and its item snapshot
// are written in one WithTx call.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProgram(ctx context.Context, id uint64) (*model.Program, error)
	GetSchedule(ctx context.Context, id uint64) (*model.ProgramSchedule, error)
	GetReservation(ctx context.Context, id uint64) (*model.Reservation, error)
	ListActiveReservationsByProgram(ctx context.Context, programID uint64) ([]model.Reservation, error)
	GetRunningBulkCancelJob(ctx context.Context, programID uint64) (*model.BulkCancelJob, error)
	CreateBulkCancelJob(ctx context.Context, job *model.BulkCancelJob, items []model.BulkCancelJobItem) error
	GetBulkCancelJob(ctx context.Context, id uint64) (*model.BulkCancelJob, error)
	ListBulkCancelJobItems(ctx context.Context, jobID uint64) ([]model.BulkCancelJobItem, error)
	MarkBulkCancelJobRunning(ctx context.Context, id uint64, from []model.BulkCancelJobStatus, at time.Time) (bool, error)
	UpdateBulkCancelJobItem(ctx context.Context, item *model.BulkCancelJobItem) error
	FinishBulkCancelJob(ctx context.Context, job *model.BulkCancelJob) error
}

// Canceller is satisfied by *reservation.Service.
type Canceller interface {
	CancelBySystem(ctx context.Context, id uint64, reason string) (*reservation.CancelResult, error)
	Mode() refund.Mode
}

// Engine creates bulk cancel jobs for a program and drives their items to
// a terminal state. One job per program runs at a time.
type Engine struct {
	store     Store
	canceller Canceller
	locker    lock.Locker
	notifier  notify.Sender
	log       *slog.Logger
	now       func() time.Time
	lockTTL   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLockTTL sets how long the per-program job lock is held.
func WithLockTTL(ttl time.Duration) Option { return func(e *Engine) { e.lockTTL = ttl } }

// NewEngine panics when store, canceller or locker is nil.
func NewEngine(store Store, canceller Canceller, locker lock.Locker, notifier notify.Sender, logger *slog.Logger, opts ...Option) *Engine {
	if store == nil || canceller == nil || locker == nil {
		panic("bulkcancel.NewEngine: store, canceller and locker are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	e := &Engine{
		store:     store,
		canceller: canceller,
		locker:    locker,
		notifier:  notifier,
		log:       logger.With("component", "bulkcancel"),
		now:       time.Now,
		lockTTL:   10 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CreateJobInput names the program to cancel. RequestedBy is the acting
// instructor or admin.
type CreateJobInput struct {
	ProgramID   uint64
	Reason      string
	DryRun      bool
	RequestedBy uint64
}

// CreateJobResult carries the persisted job, or only a preview when DryRun
// was requested.
type CreateJobResult struct {
	DryRun          bool                      `json:"dry_run"`
	Job             *model.BulkCancelJob      `json:"job"`
	Items           []model.BulkCancelJobItem `json:"items"`
	EstimatedRefund int64                     `json:"estimated_refund"`
}

// CreateJob snapshots the program's active reservations into a job and its
// items in one transaction. A dry run persists nothing.
func (e *Engine) CreateJob(ctx context.Context, in CreateJobInput) (*CreateJobResult, error) {
	if in.Reason == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "reason is required")
	}
	var out *CreateJobResult
	err := lock.WithLock(ctx, e.locker, e.log, lock.BulkCancelKey(in.ProgramID), e.lockTTL, func(ctx context.Context) error {
		if _, err := e.store.GetProgram(ctx, in.ProgramID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return apperr.NotFound(apperr.CodeProgramNotFound, "program not found")
			}
			return err
		}
		running, err := e.store.GetRunningBulkCancelJob(ctx, in.ProgramID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if running != nil {
			return apperr.Conflict(apperr.CodeJobAlreadyRunning, "a bulk cancel job is already running for this program")
		}

		items, estimate, err := e.snapshot(ctx, in.ProgramID)
		if err != nil {
			return err
		}
		job := &model.BulkCancelJob{
			ProgramID:   in.ProgramID,
			Reason:      in.Reason,
			RequestedBy: in.RequestedBy,
			Mode:        string(e.canceller.Mode()),
			Status:      model.BulkJobPending,
			TotalCount:  len(items),
		}
		out = &CreateJobResult{DryRun: in.DryRun, Job: job, Items: items, EstimatedRefund: estimate}
		if in.DryRun {
			return nil
		}
		return e.store.WithTx(ctx, func(ctx context.Context) error {
			if err := e.store.CreateBulkCancelJob(ctx, job, items); err != nil {
				return fmt.Errorf("create bulk cancel job program=%d: %w", in.ProgramID, err)
			}
			saved, err := e.store.ListBulkCancelJobItems(ctx, job.ID)
			if err != nil {
				return err
			}
			out.Items = nonNil(saved)
			return nil
		})
	})
	if err != nil {
		return nil, busy(err)
	}
	if !in.DryRun {
		e.log.InfoContext(ctx, "bulk cancel job created", "job_id", out.Job.ID, "program_id", in.ProgramID, "items", len(out.Items))
	}
	return out, nil
}

// snapshot lists the live reservations with a refund estimate as of now.
func (e *Engine) snapshot(ctx context.Context, programID uint64) ([]model.BulkCancelJobItem, int64, error) {
	live, err := e.store.ListActiveReservationsByProgram(ctx, programID)
	if err != nil {
		return nil, 0, err
	}
	now := e.now()
	starts := map[uint64]time.Time{}
	items := make([]model.BulkCancelJobItem, 0, len(live))
	var estimate int64
	for _, r := range live {
		startAt, ok := starts[r.ProgramScheduleID]
		if !ok {
			sched, err := e.store.GetSchedule(ctx, r.ProgramScheduleID)
			if err != nil {
				return nil, 0, fmt.Errorf("load schedule %d: %w", r.ProgramScheduleID, err)
			}
			startAt = sched.StartAt
			starts[r.ProgramScheduleID] = startAt
		}
		amount := refund.Compute(r.TotalPrice, startAt, now).Amount
		estimate += amount
		items = append(items, model.BulkCancelJobItem{
			ReservationID:    r.ID,
			UserID:           r.UserID,
			ParticipantCount: r.ParticipantCount,
			RefundAmount:     amount,
			Result:           model.BulkItemFailed,
		})
	}
	return items, estimate, nil
}

// Summary reports one processing pass.
type Summary struct {
	Job            *model.BulkCancelJob `json:"job"`
	Processed      int                  `json:"processed"`
	AlreadyRunning bool                 `json:"already_running"`
}

// StartJob runs a PENDING job to completion. A job that is already running
// is reported, not restarted.
func (e *Engine) StartJob(ctx context.Context, jobID uint64) (*Summary, error) {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status.Finished():
		return nil, apperr.AlreadyTerminal(apperr.CodeJobAlreadyFinished, "bulk cancel job already finished")
	case job.Status == model.BulkJobRunning:
		return &Summary{Job: job, AlreadyRunning: true}, nil
	}
	return e.claimAndRun(ctx, job, []model.BulkCancelJobStatus{model.BulkJobPending})
}

// RetryFailed re-runs exactly the FAILED items of a finished job.
func (e *Engine) RetryFailed(ctx context.Context, jobID uint64) (*Summary, error) {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.BulkJobRunning:
		return &Summary{Job: job, AlreadyRunning: true}, nil
	case model.BulkJobCompleted:
		return nil, apperr.AlreadyTerminal(apperr.CodeJobAlreadyFinished, "bulk cancel job has no failed items")
	case model.BulkJobPending:
		return nil, apperr.Conflict(apperr.CodeJobNotStarted, "bulk cancel job has not been started")
	}
	return e.claimAndRun(ctx, job, []model.BulkCancelJobStatus{model.BulkJobCompletedWithErrors, model.BulkJobFailed})
}

func (e *Engine) claimAndRun(ctx context.Context, job *model.BulkCancelJob, from []model.BulkCancelJobStatus) (*Summary, error) {
	var claimed bool
	err := lock.WithLock(ctx, e.locker, e.log, lock.BulkCancelKey(job.ProgramID), e.lockTTL, func(ctx context.Context) error {
		var err error
		claimed, err = e.store.MarkBulkCancelJobRunning(ctx, job.ID, from, e.now())
		return err
	})
	if err != nil {
		return nil, busy(err)
	}
	if !claimed {
		current, err := e.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == model.BulkJobRunning {
			return &Summary{Job: current, AlreadyRunning: true}, nil
		}
		return nil, apperr.Conflict(apperr.CodeConcurrentUpdate, "bulk cancel job changed concurrently")
	}
	job.Status = model.BulkJobRunning
	return e.run(ctx, job)
}

func (e *Engine) run(ctx context.Context, job *model.BulkCancelJob) (*Summary, error) {
	items, err := e.store.ListBulkCancelJobItems(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	processed := 0
	for i := range items {
		if items[i].Result != model.BulkItemFailed {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		e.process(ctx, job, &items[i])
		processed++
	}

	// The job must leave RUNNING even when ctx was cancelled mid-pass.
	fctx := context.WithoutCancel(ctx)
	finishedAt := e.now()
	job.SuccessCount, job.FailedCount, job.SkippedCount = 0, 0, 0
	for _, it := range items {
		switch it.Result {
		case model.BulkItemSuccess:
			job.SuccessCount++
		case model.BulkItemSkipped:
			job.SkippedCount++
		default:
			job.FailedCount++
		}
	}
	job.Status = finalStatus(job.SuccessCount, job.FailedCount, job.SkippedCount)
	job.FinishedAt = &finishedAt
	if err := e.store.FinishBulkCancelJob(fctx, job); err != nil {
		return nil, fmt.Errorf("finish bulk cancel job %d: %w", job.ID, err)
	}
	e.log.InfoContext(ctx, "bulk cancel pass finished",
		"job_id", job.ID, "status", job.Status, "processed", processed,
		"success", job.SuccessCount, "failed", job.FailedCount, "skipped", job.SkippedCount)
	return &Summary{Job: job, Processed: processed}, nil
}

func finalStatus(success, failed, skipped int) model.BulkCancelJobStatus {
	switch {
	case failed == 0:
		return model.BulkJobCompleted
	case success+skipped > 0:
		return model.BulkJobCompletedWithErrors
	default:
		return model.BulkJobFailed
	}
}

// process cancels one reservation and records the outcome on the item.
func (e *Engine) process(ctx context.Context, job *model.BulkCancelJob, item *model.BulkCancelJobItem) {
	item.Attempts++
	item.FailureCode, item.FailureMessage = "", ""

	res, err := e.store.GetReservation(ctx, item.ReservationID)
	switch {
	case err != nil:
		item.Result = model.BulkItemFailed
		item.FailureCode, item.FailureMessage = apperr.CodeOf(err), err.Error()
	case res.Status.Terminal():
		item.Result = model.BulkItemSkipped
	default:
		result, err := e.canceller.CancelBySystem(ctx, item.ReservationID, job.Reason)
		switch {
		case err == nil:
			item.Result = model.BulkItemSuccess
			item.RefundAmount = result.RefundAmount
			notify.SendBestEffort(ctx, e.notifier, e.log, notify.Notification{
				UserID: item.UserID,
				Type:   notify.TypeProgramCancelled,
				Title:  "Program cancelled",
				Body:   fmt.Sprintf("The program was cancelled: %s. Refund: %d", job.Reason, result.RefundAmount),
				Data: map[string]string{
					"reservation_id": strconv.FormatUint(item.ReservationID, 10),
					"program_id":     strconv.FormatUint(job.ProgramID, 10),
					"refund_amount":  strconv.FormatInt(result.RefundAmount, 10),
				},
			})
		case apperr.KindOf(err) == apperr.KindAlreadyTerminal:
			item.Result = model.BulkItemSkipped
		default:
			item.Result = model.BulkItemFailed
			item.FailureCode, item.FailureMessage = apperr.CodeOf(err), err.Error()
		}
	}

	processedAt := e.now()
	item.ProcessedAt = &processedAt
	if err := e.store.UpdateBulkCancelJobItem(context.WithoutCancel(ctx), item); err != nil {
		e.log.ErrorContext(ctx, "bulk cancel item not recorded",
			"job_id", job.ID, "item_id", item.ID, "result", item.Result, "error", err)
	}
	if item.Result == model.BulkItemFailed {
		e.log.WarnContext(ctx, "bulk cancel item failed",
			"job_id", job.ID, "reservation_id", item.ReservationID, "code", item.FailureCode, "attempts", item.Attempts)
	}
}

// GetJob returns JOB_NOT_FOUND for an unknown id.
func (e *Engine) GetJob(ctx context.Context, id uint64) (*model.BulkCancelJob, error) {
	job, err := e.store.GetBulkCancelJob(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "bulk cancel job not found")
	}
	return job, err
}

// ListItems lists a job's items in creation order.
func (e *Engine) ListItems(ctx context.Context, jobID uint64) ([]model.BulkCancelJobItem, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	items, err := e.store.ListBulkCancelJobItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return nonNil(items), nil
}

func nonNil(items []model.BulkCancelJobItem) []model.BulkCancelJobItem {
	if items == nil {
		return []model.BulkCancelJobItem{}
	}
	return items
}

func busy(err error) error {
	if errors.Is(err, lock.ErrBusy) {
		return apperr.Wrap(apperr.KindConflict, apperr.CodeLockBusy, "another request holds this program, retry shortly", err)
	}
	return err
}
