package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iliyamo/activity-reservation/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Scheduler
}

func New(jobs *Jobs, logger *slog.Logger, cfg config.Scheduler, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{cron: c, jobs: jobs, logger: logger.With("component", "scheduler"), config: cfg}
}

// Register adds every job with a non-empty spec and returns how many were
// scheduled. An invalid spec is logged and skipped.
func (s *Scheduler) Register() int {
	entries := []struct {
		name string
		spec string
		fn   func()
	}{
		{"monthly settlement", s.config.MonthlySettle, s.jobs.GenerateMonthlySettlements},
		{"weekly payout", s.config.WeeklyPayout, s.jobs.RunWeeklyPayout},
		{"capacity audit", s.config.NightlyAudit, s.jobs.AuditCapacity},
	}
	n := 0
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, e.fn); err != nil {
			s.logger.Error("failed to schedule job", "job", e.name, "spec", e.spec, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", e.name, "spec", e.spec)
		n++
	}
	return n
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling; the returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// LoadLocation resolves the configured timezone, falling back to UTC.
func LoadLocation(name string, logger *slog.Logger) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown scheduler timezone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}
