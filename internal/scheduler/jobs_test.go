package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/iliyamo/activity-reservation/internal/config"
	"github.com/iliyamo/activity-reservation/internal/service/capacity"
	"github.com/iliyamo/activity-reservation/internal/service/settlement"
)

type fakeSettlements struct {
	start, end time.Time
	salts      []string
	genErr     error
}

func (f *fakeSettlements) Generate(ctx context.Context, start, end time.Time) (*settlement.GenerateReport, error) {
	f.start, f.end = start, end
	if f.genErr != nil {
		return nil, f.genErr
	}
	return &settlement.GenerateReport{PeriodStart: start, PeriodEnd: end}, nil
}

func (f *fakeSettlements) RunWeeklyPayout(ctx context.Context, salt string) ([]settlement.PayoutOutcome, error) {
	f.salts = append(f.salts, salt)
	return []settlement.PayoutOutcome{{SettlementID: 1, Status: settlement.PayoutSuccess}}, nil
}

type fakeAuditor struct {
	opts  []capacity.ReconcileOptions
	drift bool
}

func (f *fakeAuditor) Reconcile(ctx context.Context, opts capacity.ReconcileOptions) (*capacity.ReconcileReport, error) {
	f.opts = append(f.opts, opts)
	r := &capacity.ReconcileReport{DryRun: true, Checked: 3, Mismatches: []capacity.Mismatch{}}
	if f.drift {
		r.Mismatches = append(r.Mismatches, capacity.Mismatch{Action: capacity.ActionReported})
	}
	return r, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newJobs(t *testing.T, now time.Time) (*Jobs, *fakeSettlements, *fakeAuditor) {
	t.Helper()
	s, a := &fakeSettlements{}, &fakeAuditor{}
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	j := NewJobs(s, a, discard(), loc)
	j.now = func() time.Time { return now }
	return j, s, a
}

func TestMonthlySettlementUsesPreviousMonthInLocation(t *testing.T) {
	// 2026-09-30 18:00 UTC is already October 1st in Seoul.
	j, s, _ := newJobs(t, time.Date(2026, 9, 30, 18, 0, 0, 0, time.UTC))
	j.GenerateMonthlySettlements()

	if s.start.Month() != time.September || s.start.Day() != 1 {
		t.Fatalf("expected period start Sep 1, got %v", s.start)
	}
	if s.end.Month() != time.September || s.end.Day() != 30 {
		t.Fatalf("expected period end Sep 30, got %v", s.end)
	}
}

func TestMonthlySettlementFailureIsLogged(t *testing.T) {
	j, s, _ := newJobs(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC))
	s.genErr = errors.New("db down")
	j.GenerateMonthlySettlements()
	if s.start.IsZero() {
		t.Fatalf("expected Generate to be called")
	}
}

func TestWeeklyPayoutSaltIsISOWeek(t *testing.T) {
	j, s, _ := newJobs(t, time.Date(2026, 10, 16, 1, 0, 0, 0, time.UTC))
	j.RunWeeklyPayout()
	j.RunWeeklyPayout()

	if len(s.salts) != 2 || s.salts[0] != "2026-W42" || s.salts[1] != s.salts[0] {
		t.Fatalf("expected the same week salt twice, got %v", s.salts)
	}
}

func TestAuditIsDryRun(t *testing.T) {
	j, _, a := newJobs(t, time.Now())
	a.drift = true
	j.AuditCapacity()
	if len(a.opts) != 1 || a.opts[0].Repair {
		t.Fatalf("expected one dry-run reconcile, got %+v", a.opts)
	}
}

func TestRegisterSkipsEmptyAndInvalidSpecs(t *testing.T) {
	j, _, _ := newJobs(t, time.Now())
	s := New(j, discard(), config.Scheduler{
		MonthlySettle: "0 3 1 * *",
		WeeklyPayout:  "",
		NightlyAudit:  "not a cron spec",
	}, nil)
	if n := s.Register(); n != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", n)
	}
	s.Start()
	<-s.Stop().Done()
}

func TestLoadLocationFallsBackToUTC(t *testing.T) {
	if loc := LoadLocation("Mars/Olympus", discard()); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
	if loc := LoadLocation("", discard()); loc != time.UTC {
		t.Fatalf("expected UTC for empty name, got %v", loc)
	}
}
