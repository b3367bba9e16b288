// Package settlement turns confirmed payments into per-instructor period
// settlements and pays them out exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/repository"
)

// Store is the settlement persistence.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListInstructorRevenue(ctx context.Context, from, to time.Time) ([]model.InstructorRevenue, error)
	CreateSettlement(ctx context.Context, st *model.Settlement) error
	GetSettlement(ctx context.Context, id uint64) (*model.Settlement, error)
	ListSettlementsByStatus(ctx context.Context, status model.SettlementStatus) ([]model.Settlement, error)
	ConfirmSettlement(ctx context.Context, id uint64, at time.Time) (bool, error)
	MarkSettlementPaid(ctx context.Context, id uint64, at time.Time) (bool, error)
	UpdateSettlementMemo(ctx context.Context, id uint64, memo string) error
	CreatePayout(ctx context.Context, p *model.Payout) error
}

// Rates are fractions, 0.1 meaning ten percent.
type Rates struct {
	PlatformFee   float64
	B2BCommission float64
}

// Service runs instructor settlements from generation through payout.
type Service struct {
	store      Store
	rates      Rates
	salt       string
	transferer Transferer
	log        *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithRates(r Rates) Option              { return func(s *Service) { s.rates = r } }
func WithPayoutSalt(salt string) Option     { return func(s *Service) { s.salt = salt } }
func WithTransferer(t Transferer) Option    { return func(s *Service) { s.transferer = t } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService panics on a nil store. Without WithTransferer a payout only
// records its ledger row.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	if store == nil {
		panic("nil store passed to settlement.NewService")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store: store,
		rates: Rates{PlatformFee: 0.1, B2BCommission: 0.05},
		salt:  DefaultSalt,
		log:   logger.With("component", "settlement"),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Breakdown is the money split of one settlement.
type Breakdown struct {
	Gross         int64 `json:"gross_amount"`
	Refund        int64 `json:"refund_amount"`
	PlatformFee   int64 `json:"platform_fee"`
	B2BCommission int64 `json:"b2b_commission"`
	Net           int64 `json:"net_amount"`
}

// Calculate splits revenue. Fees round half away from zero.
func Calculate(rev model.InstructorRevenue, rates Rates) Breakdown {
	b := Breakdown{Gross: rev.GrossAmount, Refund: rev.RefundAmount}
	b.PlatformFee = roundedShare(rev.GrossAmount-rev.RefundAmount, rates.PlatformFee)
	b.B2BCommission = roundedShare(rev.B2BGrossAmount, rates.B2BCommission)
	b.Net = b.Gross - b.Refund - b.PlatformFee - b.B2BCommission
	return b
}

func roundedShare(amount int64, rate float64) int64 {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(rate)).Round(0).IntPart()
}

// InstructorFailure records why one instructor got no settlement.
type InstructorFailure struct {
	InstructorID uint64 `json:"instructor_id"`
	Reason       string `json:"reason"`
}

// GenerateReport is the result of one Generate run.
type GenerateReport struct {
	PeriodStart time.Time           `json:"period_start"`
	PeriodEnd   time.Time           `json:"period_end"`
	Created     []model.Settlement  `json:"created"`
	Skipped     int                 `json:"skipped"`
	Failures    []InstructorFailure `json:"failures"`
}

// Generate creates PENDING settlements for the inclusive date range
// [periodStart, periodEnd]. One instructor failing does not stop the rest.
func (s *Service) Generate(ctx context.Context, periodStart, periodEnd time.Time) (*GenerateReport, error) {
	start, end := dateOf(periodStart), dateOf(periodEnd)
	if end.Before(start) {
		return nil, apperr.Validation(apperr.CodeInvalidPeriod, "period_end is before period_start")
	}
	revenue, err := s.store.ListInstructorRevenue(ctx, start, end.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("aggregate revenue: %w", err)
	}

	report := &GenerateReport{PeriodStart: start, PeriodEnd: end, Created: []model.Settlement{}, Failures: []InstructorFailure{}}
	for _, rev := range revenue {
		if rev.GrossAmount == 0 && rev.RefundAmount == 0 {
			report.Skipped++
			continue
		}
		b := Calculate(rev, s.rates)
		st := model.Settlement{
			InstructorID:  rev.InstructorID,
			PeriodStart:   start,
			PeriodEnd:     end,
			GrossAmount:   b.Gross,
			RefundAmount:  b.Refund,
			PlatformFee:   b.PlatformFee,
			B2BCommission: b.B2BCommission,
			NetAmount:     b.Net,
			Status:        model.SettlementPending,
		}
		if err := s.store.CreateSettlement(ctx, &st); err != nil {
			reason := err.Error()
			if errors.Is(err, repository.ErrDuplicate) {
				reason = "settlement already exists for this period"
			}
			s.log.WarnContext(ctx, "settlement not created", "instructor_id", rev.InstructorID, "error", err)
			report.Failures = append(report.Failures, InstructorFailure{InstructorID: rev.InstructorID, Reason: reason})
			continue
		}
		report.Created = append(report.Created, st)
	}
	s.log.InfoContext(ctx, "settlements generated",
		"period_start", start.Format(time.DateOnly), "period_end", end.Format(time.DateOnly),
		"created", len(report.Created), "skipped", report.Skipped, "failed", len(report.Failures))
	return report, nil
}

// PreviousMonth returns the first and last day of the month before t.
func PreviousMonth(t time.Time) (time.Time, time.Time) {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, -1, 0)
	return first, first.AddDate(0, 1, -1)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Get returns SETTLEMENT_NOT_FOUND for an unknown id.
func (s *Service) Get(ctx context.Context, id uint64) (*model.Settlement, error) {
	st, err := s.store.GetSettlement(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeSettlementNotFound, "settlement not found")
	}
	return st, err
}

func (s *Service) List(ctx context.Context, status model.SettlementStatus) ([]model.Settlement, error) {
	out, err := s.store.ListSettlementsByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Settlement{}
	}
	return out, nil
}

// Confirm moves a PENDING settlement to CONFIRMED. Confirming twice is a
// no-op.
func (s *Service) Confirm(ctx context.Context, id uint64) (*model.Settlement, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case model.SettlementConfirmed:
		return st, nil
	case model.SettlementPaid:
		return nil, apperr.AlreadyTerminal(apperr.CodeSettlementAlreadyPaid, "settlement is already paid")
	}
	if _, err := s.store.ConfirmSettlement(ctx, id, s.now()); err != nil {
		return nil, err
	}
	st, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status == model.SettlementPaid {
		return nil, apperr.AlreadyTerminal(apperr.CodeSettlementAlreadyPaid, "settlement is already paid")
	}
	return st, nil
}

// UpdateMemo is allowed in every status.
func (s *Service) UpdateMemo(ctx context.Context, id uint64, memo string) (*model.Settlement, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSettlementMemo(ctx, id, memo); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}
