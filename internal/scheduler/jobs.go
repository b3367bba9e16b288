// Package scheduler runs the periodic back-office jobs: monthly settlement
// generation, the weekly payout run and the nightly capacity audit.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/iliyamo/activity-reservation/internal/service/capacity"
	"github.com/iliyamo/activity-reservation/internal/service/settlement"
)

type Settlements interface {
	Generate(ctx context.Context, periodStart, periodEnd time.Time) (*settlement.GenerateReport, error)
	RunWeeklyPayout(ctx context.Context, salt string) ([]settlement.PayoutOutcome, error)
}

type Auditor interface {
	Reconcile(ctx context.Context, opts capacity.ReconcileOptions) (*capacity.ReconcileReport, error)
}

// Jobs holds the job bodies. Each one bounds its own run with timeout.
type Jobs struct {
	settlements Settlements
	auditor     Auditor
	logger      *slog.Logger
	loc         *time.Location
	now         func() time.Time
	timeout     time.Duration
}

func NewJobs(settlements Settlements, auditor Auditor, logger *slog.Logger, loc *time.Location) *Jobs {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		settlements: settlements,
		auditor:     auditor,
		logger:      logger.With("component", "scheduler"),
		loc:         loc,
		now:         time.Now,
		timeout:     10 * time.Minute,
	}
}

// GenerateMonthlySettlements settles the previous calendar month.
func (j *Jobs) GenerateMonthlySettlements() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start, end := settlement.PreviousMonth(j.now().In(j.loc))
	j.logger.Info("starting monthly settlement job", "period_start", start.Format(time.DateOnly), "period_end", end.Format(time.DateOnly))
	report, err := j.settlements.Generate(ctx, start, end)
	if err != nil {
		j.logger.Error("monthly settlement job failed", "error", err)
		return
	}
	j.logger.Info("monthly settlement job finished",
		"created", len(report.Created), "skipped", report.Skipped, "failed", len(report.Failures))
}

// RunWeeklyPayout pays confirmed settlements keyed by the ISO week, so a
// second run in the same week deduplicates.
func (j *Jobs) RunWeeklyPayout() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	salt := settlement.ISOWeekSalt(j.now().In(j.loc))
	j.logger.Info("starting weekly payout job", "salt", salt)
	outcomes, err := j.settlements.RunWeeklyPayout(ctx, salt)
	if err != nil {
		j.logger.Error("weekly payout job failed", "error", err)
		return
	}
	counts := map[settlement.PayoutStatus]int{}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	j.logger.Info("weekly payout job finished",
		"success", counts[settlement.PayoutSuccess], "dedup", counts[settlement.PayoutDedup], "failed", counts[settlement.PayoutFailed])
}

// AuditCapacity reports drift without repairing it.
func (j *Jobs) AuditCapacity() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report, err := j.auditor.Reconcile(ctx, capacity.ReconcileOptions{})
	if err != nil {
		j.logger.Error("capacity audit failed", "error", err)
		return
	}
	if len(report.Mismatches) > 0 {
		j.logger.Warn("capacity audit found drift", "checked", report.Checked, "mismatches", len(report.Mismatches))
		return
	}
	j.logger.Info("capacity audit clean", "checked", report.Checked)
}
