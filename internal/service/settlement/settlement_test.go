package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/storetest"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func at(y int, m time.Month, d, h int) *time.Time {
	t := time.Date(y, m, d, h, 0, 0, 0, time.UTC)
	return &t
}

// seedPayment books a reservation on a fresh program of the instructor and
// attaches a payment.
func seedPayment(store *storetest.Store, instructorID uint64, b2b bool, pay model.Payment) {
	prog := store.AddProgram(model.Program{InstructorID: instructorID, Price: pay.Amount, MaxCapacity: 10, IsB2B: b2b})
	res := store.AddReservation(model.Reservation{UserID: 1, ProgramID: prog.ID, ParticipantCount: 1, TotalPrice: pay.Amount, Status: model.ReservationConfirmed})
	pay.ReservationID = res.ID
	store.AddPayment(pay)
}

func TestCalculateRoundsHalfAwayFromZero(t *testing.T) {
	b := Calculate(model.InstructorRevenue{GrossAmount: 12345, B2BGrossAmount: 10010}, Rates{PlatformFee: 0.1, B2BCommission: 0.05})
	if b.PlatformFee != 1235 {
		t.Fatalf("expected fee 1235, got %d", b.PlatformFee)
	}
	if b.B2BCommission != 501 {
		t.Fatalf("expected commission 501, got %d", b.B2BCommission)
	}
	if b.Net != 12345-1235-501 {
		t.Fatalf("unexpected net %d", b.Net)
	}

	b = Calculate(model.InstructorRevenue{GrossAmount: 30000, RefundAmount: 10000}, Rates{PlatformFee: 0.1})
	if b.PlatformFee != 2000 || b.Net != 18000 {
		t.Fatalf("expected fee 2000 net 18000, got %+v", b)
	}
}

func TestGenerate(t *testing.T) {
	store := storetest.New()
	seedPayment(store, 10, false, model.Payment{MerchantUID: "a", Amount: 50000, Status: model.PaymentPaid, PaidAt: at(2026, 4, 10, 9)})
	seedPayment(store, 10, true, model.Payment{MerchantUID: "b", Amount: 20000, Status: model.PaymentPaid, PaidAt: at(2026, 4, 30, 23)})
	seedPayment(store, 20, false, model.Payment{
		MerchantUID: "c", Amount: 30000, RefundedAmount: 10000, Status: model.PaymentPartialRefund,
		PaidAt: at(2026, 4, 2, 9), RefundedAt: at(2026, 4, 5, 9),
	})
	seedPayment(store, 30, false, model.Payment{MerchantUID: "d", Amount: 9000, Status: model.PaymentPaid, PaidAt: at(2026, 5, 1, 0)})
	seedPayment(store, 40, false, model.Payment{MerchantUID: "e", Amount: 9000, Status: model.PaymentPending})
	svc := NewService(store, quietLogger())

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)
	report, err := svc.Generate(context.Background(), start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(report.Created) != 2 || report.Skipped != 1 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report created=%d skipped=%d failures=%v", len(report.Created), report.Skipped, report.Failures)
	}
	byInstructor := map[uint64]model.Settlement{}
	for _, st := range report.Created {
		byInstructor[st.InstructorID] = st
	}
	a := byInstructor[10]
	if a.GrossAmount != 70000 || a.PlatformFee != 7000 || a.B2BCommission != 1000 || a.NetAmount != 62000 {
		t.Fatalf("unexpected settlement for instructor 10: %+v", a)
	}
	b := byInstructor[20]
	if b.GrossAmount != 30000 || b.RefundAmount != 10000 || b.NetAmount != 18000 || b.Status != model.SettlementPending {
		t.Fatalf("unexpected settlement for instructor 20: %+v", b)
	}
	if !a.PeriodEnd.Equal(end) {
		t.Fatalf("expected inclusive period end %s, got %s", end, a.PeriodEnd)
	}

	again, err := svc.Generate(context.Background(), start, end)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if len(again.Created) != 0 || len(again.Failures) != 2 {
		t.Fatalf("expected duplicates reported per instructor, got %+v", again)
	}
	if got := len(store.Settlements()); got != 2 {
		t.Fatalf("expected 2 settlements, got %d", got)
	}
}

func TestGenerateRejectsInvertedPeriod(t *testing.T) {
	svc := NewService(storetest.New(), quietLogger())
	_, err := svc.Generate(context.Background(), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if !apperr.Is(err, apperr.CodeInvalidPeriod) {
		t.Fatalf("expected INVALID_PERIOD, got %v", err)
	}
}

func TestPreviousMonth(t *testing.T) {
	first, last := PreviousMonth(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC))
	if first.Format(time.DateOnly) != "2026-02-01" || last.Format(time.DateOnly) != "2026-02-28" {
		t.Fatalf("unexpected range %s..%s", first, last)
	}
	first, last = PreviousMonth(time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC))
	if first.Format(time.DateOnly) != "2026-12-01" || last.Format(time.DateOnly) != "2026-12-31" {
		t.Fatalf("unexpected range %s..%s", first, last)
	}
}

func TestConfirmAndMemo(t *testing.T) {
	store := storetest.New()
	svc := NewService(store, quietLogger())
	ctx := context.Background()
	pending := store.AddSettlement(model.Settlement{InstructorID: 1, NetAmount: 100, Status: model.SettlementPending})
	paid := store.AddSettlement(model.Settlement{InstructorID: 2, NetAmount: 100, Status: model.SettlementPaid})

	st, err := svc.Confirm(ctx, pending.ID)
	if err != nil || st.Status != model.SettlementConfirmed || st.ConfirmedAt == nil {
		t.Fatalf("expected CONFIRMED, got %+v %v", st, err)
	}
	if st, err = svc.Confirm(ctx, pending.ID); err != nil || st.Status != model.SettlementConfirmed {
		t.Fatalf("expected idempotent confirm, got %+v %v", st, err)
	}
	if _, err := svc.Confirm(ctx, paid.ID); !apperr.Is(err, apperr.CodeSettlementAlreadyPaid) {
		t.Fatalf("expected SETTLEMENT_ALREADY_PAID, got %v", err)
	}
	if _, err := svc.Confirm(ctx, 999); !apperr.Is(err, apperr.CodeSettlementNotFound) {
		t.Fatalf("expected SETTLEMENT_NOT_FOUND, got %v", err)
	}

	st, err = svc.UpdateMemo(ctx, paid.ID, "transferred manually")
	if err != nil || st.Memo != "transferred manually" || st.Status != model.SettlementPaid {
		t.Fatalf("expected memo on paid settlement, got %+v %v", st, err)
	}
}

func TestExecutePayout(t *testing.T) {
	store := storetest.New()
	svc := NewService(store, quietLogger(), WithTransferer(LoggingTransferer{Log: quietLogger()}))
	ctx := context.Background()
	pending := store.AddSettlement(model.Settlement{InstructorID: 1, NetAmount: 100, Status: model.SettlementPending})
	confirmed := store.AddSettlement(model.Settlement{InstructorID: 2, NetAmount: 900, Status: model.SettlementConfirmed})

	if _, err := svc.ExecutePayout(ctx, pending.ID, ""); !apperr.Is(err, apperr.CodeSettlementNotConfirmed) {
		t.Fatalf("expected SETTLEMENT_NOT_CONFIRMED, got %v", err)
	}

	out, err := svc.ExecutePayout(ctx, confirmed.ID, "")
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if out.Status != PayoutSuccess || out.Amount != 900 || out.PayoutKey != PayoutKey(confirmed.ID, DefaultSalt) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := store.Settlement(confirmed.ID); got.Status != model.SettlementPaid || got.PaidAt == nil {
		t.Fatalf("expected PAID, got %+v", got)
	}
	if got := store.Payouts(); len(got) != 1 || got[0].PayoutKey != out.PayoutKey {
		t.Fatalf("unexpected payouts %+v", got)
	}

	if _, err := svc.ExecutePayout(ctx, confirmed.ID, ""); !apperr.Is(err, apperr.CodeSettlementAlreadyPaid) {
		t.Fatalf("expected SETTLEMENT_ALREADY_PAID, got %v", err)
	}
}

// barrierStore holds every GetSettlement until all callers have read, so
// concurrent payouts all see the settlement as CONFIRMED.
type barrierStore struct {
	*storetest.Store
	wg *sync.WaitGroup
}

func (b *barrierStore) GetSettlement(ctx context.Context, id uint64) (*model.Settlement, error) {
	st, err := b.Store.GetSettlement(ctx, id)
	b.wg.Done()
	b.wg.Wait()
	return st, err
}

func TestConcurrentPayoutDedup(t *testing.T) {
	inner := storetest.New()
	st := inner.AddSettlement(model.Settlement{InstructorID: 1, NetAmount: 500, Status: model.SettlementConfirmed})
	var barrier sync.WaitGroup
	barrier.Add(2)
	svc := NewService(&barrierStore{Store: inner, wg: &barrier}, quietLogger())

	results := make([]*PayoutOutcome, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ExecutePayout(context.Background(), st.ID, "2026-W42")
		}(i)
	}
	wg.Wait()

	counts := map[PayoutStatus]int{}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("payout %d: %v", i, errs[i])
		}
		counts[results[i].Status]++
	}
	if counts[PayoutSuccess] != 1 || counts[PayoutDedup] != 1 {
		t.Fatalf("expected one SUCCESS and one DEDUP, got %v", counts)
	}
	if got := len(inner.Payouts()); got != 1 {
		t.Fatalf("expected a single payout row, got %d", got)
	}
}

type failingTransferer struct{ failFor uint64 }

func (f failingTransferer) Transfer(ctx context.Context, st model.Settlement, payoutKey string) error {
	if st.ID == f.failFor {
		return errors.New("bank rejected account")
	}
	return nil
}

func TestTransferFailureRollsBack(t *testing.T) {
	store := storetest.New()
	st := store.AddSettlement(model.Settlement{InstructorID: 1, NetAmount: 500, Status: model.SettlementConfirmed})
	svc := NewService(store, quietLogger(), WithTransferer(failingTransferer{failFor: st.ID}))

	out, err := svc.ExecutePayout(context.Background(), st.ID, "")
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if out.Status != PayoutFailed || out.Reason != "bank rejected account" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := store.Settlement(st.ID).Status; got != model.SettlementConfirmed {
		t.Fatalf("expected settlement to stay CONFIRMED, got %s", got)
	}
	if len(store.Payouts()) != 0 {
		t.Fatalf("expected payout row rolled back")
	}
}

func TestRunWeeklyPayout(t *testing.T) {
	store := storetest.New()
	a := store.AddSettlement(model.Settlement{InstructorID: 1, NetAmount: 100, Status: model.SettlementConfirmed})
	b := store.AddSettlement(model.Settlement{InstructorID: 2, NetAmount: 200, Status: model.SettlementConfirmed})
	store.AddSettlement(model.Settlement{InstructorID: 3, NetAmount: 300, Status: model.SettlementPending})
	svc := NewService(store, quietLogger(), WithTransferer(failingTransferer{failFor: b.ID}))
	salt := ISOWeekSalt(time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC))

	outcomes, err := svc.RunWeeklyPayout(context.Background(), salt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %+v", outcomes)
	}
	got := map[uint64]PayoutStatus{}
	for _, o := range outcomes {
		got[o.SettlementID] = o.Status
	}
	if got[a.ID] != PayoutSuccess || got[b.ID] != PayoutFailed {
		t.Fatalf("unexpected outcomes %v", got)
	}
	if p := store.Payouts(); len(p) != 1 || p[0].PayoutKey != PayoutKey(a.ID, "2026-W42") {
		t.Fatalf("unexpected payouts %+v", p)
	}

	rerun, err := svc.RunWeeklyPayout(context.Background(), salt)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(rerun) != 1 || rerun[0].SettlementID != b.ID {
		t.Fatalf("expected only the failed settlement to be retried, got %+v", rerun)
	}
}

func TestPayoutKeyAndWeekSalt(t *testing.T) {
	k := PayoutKey(7, "settlement")
	if len(k) != 64 || k != PayoutKey(7, "settlement") {
		t.Fatalf("expected deterministic 64-char hex key, got %q", k)
	}
	if k == PayoutKey(7, "2026-W42") || k == PayoutKey(8, "settlement") {
		t.Fatalf("expected keys to differ by id and salt")
	}
	cases := map[string]time.Time{
		"2026-W42": time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		"2026-W53": time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		"2026-W01": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for want, day := range cases {
		if got := ISOWeekSalt(day); got != want {
			t.Fatalf("%s: expected %s, got %s", day.Format(time.DateOnly), want, got)
		}
	}
}
