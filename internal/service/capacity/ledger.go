// Package capacity is the single place that changes a schedule's remaining
// capacity. Reservation creation takes seats through Reserve, every
// cancellation path returns them through Release, and Reconcile audits the
// counters against active reservations.
package capacity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/model"
)

// Store is the persistence the ledger needs. The two capacity writes must
// be single conditional statements.
type Store interface {
	DecrementCapacity(ctx context.Context, scheduleID uint64, n int) (bool, error)
	RestoreCapacity(ctx context.Context, scheduleID uint64, n int) (bool, error)
	AdjustReservedCount(ctx context.Context, programID uint64, delta int) error
	ListScheduleUsage(ctx context.Context) ([]model.ScheduleUsage, error)
	RepairRemainingCapacity(ctx context.Context, scheduleID uint64, observed, expected int) (bool, error)
	RecomputeReservedCount(ctx context.Context, programID uint64) error
}

// Ledger owns schedule remaining capacity.
type Ledger struct {
	store Store
	log   *slog.Logger
}

// NewLedger panics on a nil store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if store == nil {
		panic("nil store passed to capacity.NewLedger")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, log: logger.With("component", "capacity")}
}

// Reserve takes n seats from the schedule. It must run inside the caller's
// transaction so the reservation insert and the decrement commit together.
func (l *Ledger) Reserve(ctx context.Context, scheduleID, programID uint64, n int) error {
	ok, err := l.store.DecrementCapacity(ctx, scheduleID, n)
	if err != nil {
		return fmt.Errorf("decrement capacity schedule=%d: %w", scheduleID, err)
	}
	if !ok {
		return apperr.Conflict(apperr.CodeCapacityExceeded, "not enough remaining capacity for this schedule")
	}
	if err := l.store.AdjustReservedCount(ctx, programID, n); err != nil {
		l.log.WarnContext(ctx, "reserved_count update skipped", "program_id", programID, "error", err)
	}
	return nil
}

// Release returns n seats. A refused increment means the counter already
// sits above what active reservations allow.
func (l *Ledger) Release(ctx context.Context, scheduleID, programID uint64, n int) error {
	ok, err := l.store.RestoreCapacity(ctx, scheduleID, n)
	if err != nil {
		return fmt.Errorf("restore capacity schedule=%d: %w", scheduleID, err)
	}
	if !ok {
		return apperr.Invariant(ctx, l.log, "capacity restore exceeded bounds",
			"schedule_id", scheduleID, "program_id", programID, "participants", n)
	}
	if err := l.store.AdjustReservedCount(ctx, programID, -n); err != nil {
		l.log.WarnContext(ctx, "reserved_count update skipped", "program_id", programID, "error", err)
	}
	return nil
}

// ReconcileOptions: Repair writes fixes and requires Confirm.
type ReconcileOptions struct {
	Repair  bool
	Confirm bool
}

// Mismatch outcomes.
const (
	ActionReported     = "REPORTED"
	ActionRepaired     = "REPAIRED"
	ActionSkipped      = "SKIPPED_CONCURRENT_CHANGE"
	ActionUnrepairable = "UNREPAIRABLE"
)

// Mismatch is one schedule whose counter disagrees with its reservations.
type Mismatch struct {
	model.ScheduleUsage
	ExpectedRemaining int    `json:"expected_remaining"`
	Action            string `json:"action"`
}

// ReconcileReport summarises a Reconcile run.
type ReconcileReport struct {
	DryRun     bool       `json:"dry_run"`
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Reconcile compares each schedule's remaining capacity against its active
// reservations. Repairs only run when both Repair and Confirm are set.
func (l *Ledger) Reconcile(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	if opts.Repair && !opts.Confirm {
		return nil, apperr.Validation(apperr.CodeRepairNotConfirmed, "repair requires confirm=true")
	}
	usage, err := l.store.ListScheduleUsage(ctx)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{DryRun: !opts.Repair, Checked: len(usage), Mismatches: []Mismatch{}}
	repairedPrograms := map[uint64]bool{}
	for _, u := range usage {
		expected := u.ExpectedRemaining()
		if expected == u.RemainingCapacity {
			continue
		}
		m := Mismatch{ScheduleUsage: u, ExpectedRemaining: expected, Action: ActionReported}
		switch {
		case expected < 0 || expected > u.Capacity:
			m.Action = ActionUnrepairable
		case opts.Repair:
			ok, err := l.store.RepairRemainingCapacity(ctx, u.ScheduleID, u.RemainingCapacity, expected)
			if err != nil {
				return nil, fmt.Errorf("repair schedule=%d: %w", u.ScheduleID, err)
			}
			if ok {
				m.Action = ActionRepaired
				repairedPrograms[u.ProgramID] = true
			} else {
				m.Action = ActionSkipped
			}
		}
		l.log.WarnContext(ctx, "capacity drift",
			"schedule_id", u.ScheduleID, "remaining", u.RemainingCapacity,
			"expected", expected, "action", m.Action)
		report.Mismatches = append(report.Mismatches, m)
	}
	for programID := range repairedPrograms {
		if err := l.store.RecomputeReservedCount(ctx, programID); err != nil {
			l.log.WarnContext(ctx, "reserved_count recompute failed", "program_id", programID, "error", err)
		}
	}
	return report, nil
}
