package reservation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/gateway"
	"github.com/iliyamo/activity-reservation/internal/lock"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/notify"
	"github.com/iliyamo/activity-reservation/internal/refund"
	"github.com/iliyamo/activity-reservation/internal/service/capacity"
	"github.com/iliyamo/activity-reservation/internal/storetest"
)

var day = 24 * time.Hour

type refundCall struct {
	ref    string
	amount int64
}

type fakeGateway struct {
	mu         sync.Mutex
	refunds    []refundCall
	registered []string
	refundErr  error
}

func (g *fakeGateway) Provider() string { return "fake" }

func (g *fakeGateway) PreRegister(ctx context.Context, merchantUID string, amount int64, currency string) (*gateway.Registration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, merchantUID)
	return &gateway.Registration{MerchantUID: merchantUID, Token: "tok"}, nil
}

func (g *fakeGateway) GetPaymentDetail(ctx context.Context, ref string) (*gateway.PaymentDetail, error) {
	return nil, errors.New("not used")
}

func (g *fakeGateway) RequestRefund(ctx context.Context, ref string, amount int64, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds = append(g.refunds, refundCall{ref: ref, amount: amount})
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingSender) Send(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// countingLocker grants every lock and counts acquisitions.
type countingLocker struct{ acquired atomic.Int32 }

func (l *countingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.acquired.Add(1)
	return "token", nil
}

func (l *countingLocker) Release(ctx context.Context, key, token string) (bool, error) {
	return true, nil
}

type fixture struct {
	store  *storetest.Store
	svc    *Service
	gw     *fakeGateway
	sent   *recordingSender
	now    time.Time
	prog   model.Program
	sched  model.ProgramSchedule
	logger *slog.Logger
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func redisLocker(t *testing.T, wait time.Duration) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return lock.NewRedisLocker(rdb, lock.Options{Prefix: "test", Wait: wait, RetryInterval: time.Millisecond}), mr
}

func newFixture(t *testing.T, capacityN int, withGateway bool, locker lock.Locker) *fixture {
	t.Helper()
	f := &fixture{
		store:  storetest.New(),
		sent:   &recordingSender{},
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		logger: discardLogger(),
	}
	if locker == nil {
		locker, _ = redisLocker(t, 5*time.Second)
	}
	var gw gateway.Gateway
	if withGateway {
		f.gw = &fakeGateway{}
		gw = f.gw
	}
	f.prog = f.store.AddProgram(model.Program{InstructorID: 7, Title: "Forest walk", Price: 25000, MaxCapacity: capacityN})
	f.sched = f.store.AddSchedule(model.ProgramSchedule{
		ProgramID: f.prog.ID, StartAt: f.now.Add(3 * day), Capacity: capacityN, RemainingCapacity: capacityN,
	})
	ledger := capacity.NewLedger(f.store, f.logger)
	f.svc = NewService(f.store, ledger, locker, gw, f.sent, f.logger, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) create(t *testing.T, userID uint64, n int) *model.Reservation {
	t.Helper()
	id := f.sched.ID
	res, err := f.svc.Create(context.Background(), CreateInput{UserID: userID, ProgramID: f.prog.ID, ScheduleID: &id, ParticipantCount: n})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func runConcurrentCreates(t *testing.T, f *fixture, n int) (ok, exceeded int) {
	t.Helper()
	var wg sync.WaitGroup
	var okN, exceededN atomic.Int32
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(user uint64) {
			defer wg.Done()
			<-start
			id := f.sched.ID
			_, err := f.svc.Create(context.Background(), CreateInput{UserID: user, ProgramID: f.prog.ID, ScheduleID: &id, ParticipantCount: 1})
			switch {
			case err == nil:
				okN.Add(1)
			case apperr.Is(err, apperr.CodeCapacityExceeded):
				exceededN.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(uint64(i + 1))
	}
	close(start)
	wg.Wait()
	return int(okN.Load()), int(exceededN.Load())
}

func TestCreateConcurrentRespectsCapacity(t *testing.T) {
	f := newFixture(t, 10, false, nil)

	ok, exceeded := runConcurrentCreates(t, f, 50)

	if ok != 10 || exceeded != 40 {
		t.Fatalf("expected 10 ok / 40 exceeded, got %d / %d", ok, exceeded)
	}
	if got := f.store.Schedule(f.sched.ID).RemainingCapacity; got != 0 {
		t.Fatalf("expected remaining 0, got %d", got)
	}
	if got := len(f.store.Reservations()); got != 10 {
		t.Fatalf("expected 10 reservations, got %d", got)
	}
	if got := f.store.Program(f.prog.ID).ReservedCount; got != 10 {
		t.Fatalf("expected reserved_count 10, got %d", got)
	}
}

func TestCreateWithoutLockStillBounded(t *testing.T) {
	f := newFixture(t, 10, false, &countingLocker{})

	ok, exceeded := runConcurrentCreates(t, f, 50)

	if ok != 10 || exceeded != 40 {
		t.Fatalf("expected 10 ok / 40 exceeded, got %d / %d", ok, exceeded)
	}
	if got := f.store.Schedule(f.sched.ID).RemainingCapacity; got != 0 {
		t.Fatalf("expected remaining 0, got %d", got)
	}
}

func TestCreateRejectsNonPositiveParticipantsWithoutLock(t *testing.T) {
	locker := &countingLocker{}
	f := newFixture(t, 10, false, locker)

	for _, n := range []int{0, -1} {
		_, err := f.svc.Create(context.Background(), CreateInput{UserID: 1, ProgramID: f.prog.ID, ParticipantCount: n})
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("n=%d: expected validation error, got %v", n, err)
		}
	}
	if locker.acquired.Load() != 0 {
		t.Fatalf("expected no lock to be taken")
	}
}

func TestCreateLockBusy(t *testing.T) {
	locker, _ := redisLocker(t, 0)
	f := newFixture(t, 10, false, locker)
	if _, err := locker.Acquire(context.Background(), lock.ProgramKey(f.prog.ID), time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	id := f.sched.ID
	_, err := f.svc.Create(context.Background(), CreateInput{UserID: 1, ProgramID: f.prog.ID, ScheduleID: &id, ParticipantCount: 1})

	if !apperr.Is(err, apperr.CodeLockBusy) || apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected LOCK_BUSY conflict, got %v", err)
	}
	if got := f.store.Schedule(f.sched.ID).RemainingCapacity; got != 10 {
		t.Fatalf("expected capacity untouched, got %d", got)
	}
}

func TestCreateScheduleResolution(t *testing.T) {
	f := newFixture(t, 10, false, nil)
	other := f.store.AddProgram(model.Program{InstructorID: 8, Price: 1000, MaxCapacity: 5})
	foreign := f.store.AddSchedule(model.ProgramSchedule{ProgramID: other.ID, StartAt: f.now, Capacity: 5, RemainingCapacity: 5})
	cancelled := f.store.AddSchedule(model.ProgramSchedule{
		ProgramID: f.prog.ID, StartAt: f.now.Add(day), Capacity: 5, RemainingCapacity: 5, Status: model.ScheduleCancelled,
	})

	cases := []struct {
		name string
		in   CreateInput
		code string
	}{
		{"unknown program", CreateInput{ProgramID: 999, ParticipantCount: 1}, apperr.CodeProgramNotFound},
		{"schedule of another program", CreateInput{ProgramID: f.prog.ID, ScheduleID: &foreign.ID, ParticipantCount: 1}, apperr.CodeScheduleNotFound},
		{"cancelled schedule", CreateInput{ProgramID: f.prog.ID, ScheduleID: &cancelled.ID, ParticipantCount: 1}, apperr.CodeScheduleCancelled},
		{"no schedule at all", CreateInput{ProgramID: f.prog.ID, ParticipantCount: 1}, apperr.CodeScheduleRequired},
		{"over capacity", CreateInput{ProgramID: f.prog.ID, ScheduleID: &f.sched.ID, ParticipantCount: 11}, apperr.CodeCapacityExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.UserID = 1
			_, err := f.svc.Create(context.Background(), tc.in)
			if !apperr.Is(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
	if got := len(f.store.Reservations()); got != 0 {
		t.Fatalf("expected no reservations, got %d", got)
	}
}

func TestCreateUpsertsLegacySchedule(t *testing.T) {
	f := newFixture(t, 10, false, nil)
	legacyAt := f.now.Add(5 * day)
	prog := f.store.AddProgram(model.Program{InstructorID: 7, Price: 10000, MaxCapacity: 4, ScheduleAt: &legacyAt})

	first, err := f.svc.Create(context.Background(), CreateInput{UserID: 1, ProgramID: prog.ID, ParticipantCount: 3})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := f.svc.Create(context.Background(), CreateInput{UserID: 2, ProgramID: prog.ID, StartAt: &legacyAt, ParticipantCount: 1})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ProgramScheduleID != second.ProgramScheduleID {
		t.Fatalf("expected one schedule for (program, start), got %d and %d", first.ProgramScheduleID, second.ProgramScheduleID)
	}
	sched := f.store.Schedule(first.ProgramScheduleID)
	if sched.Capacity != 4 || sched.RemainingCapacity != 0 {
		t.Fatalf("expected capacity 4 remaining 0, got %d/%d", sched.Capacity, sched.RemainingCapacity)
	}
	if first.TotalPrice != 30000 {
		t.Fatalf("expected total 30000, got %d", first.TotalPrice)
	}
}

func TestGetHidesOtherUsersReservation(t *testing.T) {
	f := newFixture(t, 10, false, nil)
	res := f.create(t, 1, 1)

	if _, err := f.svc.Get(context.Background(), res.ID, 2); !apperr.Is(err, apperr.CodeReservationNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), res.ID, 2, "x"); !apperr.Is(err, apperr.CodeReservationNotFound) {
		t.Fatalf("expected not found on cancel by another user, got %v", err)
	}
	list, err := f.svc.List(context.Background(), 2)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %v %v", list, err)
	}
}

// paidReservation books one seat priced at total and marks its payment PAID.
func (f *fixture) paidReservation(t *testing.T, total int64, startIn time.Duration) (model.Reservation, model.Payment) {
	t.Helper()
	sched := f.store.AddSchedule(model.ProgramSchedule{
		ProgramID: f.prog.ID, StartAt: f.now.Add(startIn), Capacity: 10, RemainingCapacity: 9,
	})
	res := f.store.AddReservation(model.Reservation{
		UserID: 1, ProgramID: f.prog.ID, ProgramScheduleID: sched.ID, ParticipantCount: 1,
		TotalPrice: total, Status: model.ReservationConfirmed,
	})
	paidAt := f.now.Add(-time.Hour)
	pay := f.store.AddPayment(model.Payment{
		ReservationID: res.ID, MerchantUID: "res_uid_" + startIn.String(), Amount: total,
		Status: model.PaymentPaid, PaidAt: &paidAt,
	})
	return res, pay
}

func TestCancelRefundAmounts(t *testing.T) {
	cases := []struct {
		name       string
		startIn    time.Duration
		wantAmount int64
		wantStatus model.PaymentStatus
	}{
		{"half a day", day / 2, 0, model.PaymentPaid},
		{"a day and a half", day + day/2, 25000, model.PaymentPartialRefund},
		{"three days", 3 * day, 50000, model.PaymentRefunded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 10, true, nil)
			res, pay := f.paidReservation(t, 50000, tc.startIn)

			out, err := f.svc.Cancel(context.Background(), res.ID, 1, "change of plans")
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if out.RefundAmount != tc.wantAmount {
				t.Fatalf("expected refund %d, got %d", tc.wantAmount, out.RefundAmount)
			}
			if got := f.store.Payment(pay.ID); got.Status != tc.wantStatus || got.RefundedAmount != tc.wantAmount {
				t.Fatalf("expected payment %s/%d, got %s/%d", tc.wantStatus, tc.wantAmount, got.Status, got.RefundedAmount)
			}
			wantCalls := 0
			if tc.wantAmount > 0 {
				wantCalls = 1
			}
			if len(f.gw.refunds) != wantCalls || out.GatewayRefunded != (wantCalls == 1) {
				t.Fatalf("expected %d gateway refunds, got %d", wantCalls, len(f.gw.refunds))
			}
			if got := f.store.Reservation(res.ID).Status; got != model.ReservationCancelled {
				t.Fatalf("expected CANCELLED, got %s", got)
			}
			if got := f.store.Schedule(res.ProgramScheduleID).RemainingCapacity; got != 10 {
				t.Fatalf("expected capacity restored to 10, got %d", got)
			}
			if len(f.sent.sent) != 1 || f.sent.sent[0].Type != notify.TypeReservationCancelled {
				t.Fatalf("expected one cancellation notification, got %+v", f.sent.sent)
			}
		})
	}
}

func TestCancelTerminalReservations(t *testing.T) {
	f := newFixture(t, 10, true, nil)
	res := f.create(t, 1, 1)
	if _, err := f.svc.Cancel(context.Background(), res.ID, 1, "first"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	_, err := f.svc.Cancel(context.Background(), res.ID, 1, "second")
	if !apperr.Is(err, apperr.CodeAlreadyCancelled) || apperr.KindOf(err) != apperr.KindAlreadyTerminal {
		t.Fatalf("expected ALREADY_CANCELLED, got %v", err)
	}
	if got := f.store.Schedule(f.sched.ID).RemainingCapacity; got != 10 {
		t.Fatalf("expected capacity restored once, got %d", got)
	}

	done := f.store.AddReservation(model.Reservation{
		UserID: 1, ProgramID: f.prog.ID, ProgramScheduleID: f.sched.ID, ParticipantCount: 1, Status: model.ReservationCompleted,
	})
	if _, err := f.svc.Cancel(context.Background(), done.ID, 1, "late"); !apperr.Is(err, apperr.CodeAlreadyCompleted) {
		t.Fatalf("expected ALREADY_COMPLETED, got %v", err)
	}
}

func TestCancelGatewayFailureMutatesNothing(t *testing.T) {
	f := newFixture(t, 10, true, nil)
	res, pay := f.paidReservation(t, 50000, 3*day)
	f.gw.refundErr = errors.New("gateway timeout")

	_, err := f.svc.Cancel(context.Background(), res.ID, 1, "sick")

	if apperr.KindOf(err) != apperr.KindExternalDependency || !apperr.Is(err, apperr.CodeGatewayRefundFailed) {
		t.Fatalf("expected GATEWAY_REFUND_FAILED, got %v", err)
	}
	if got := f.store.Reservation(res.ID).Status; got != model.ReservationConfirmed {
		t.Fatalf("expected reservation untouched, got %s", got)
	}
	if got := f.store.Payment(pay.ID); got.Status != model.PaymentPaid || got.RefundedAmount != 0 {
		t.Fatalf("expected payment untouched, got %+v", got)
	}
	if got := f.store.Schedule(res.ProgramScheduleID).RemainingCapacity; got != 9 {
		t.Fatalf("expected capacity untouched, got %d", got)
	}
}

func TestCancelRestoreOutOfBoundsIsInvariantViolation(t *testing.T) {
	f := newFixture(t, 10, false, nil)
	res := f.create(t, 1, 2)
	f.store.SetRemainingCapacity(f.sched.ID, 10)

	_, err := f.svc.Cancel(context.Background(), res.ID, 1, "x")

	if apperr.KindOf(err) != apperr.KindInvariantViolation {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if got := f.store.Reservation(res.ID).Status; got != model.ReservationPending {
		t.Fatalf("expected rollback to PENDING, got %s", got)
	}
}

func TestCancelLedgerOnlyMode(t *testing.T) {
	f := newFixture(t, 10, false, nil)
	if f.svc.Mode() != refund.ModeLedgerOnly {
		t.Fatalf("expected ledger-only mode, got %s", f.svc.Mode())
	}
	res, pay := f.paidReservation(t, 50000, 3*day)

	out, err := f.svc.CancelBySystem(context.Background(), res.ID, "weather")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.GatewayRefunded || out.RefundAmount != 50000 || out.Mode != refund.ModeLedgerOnly {
		t.Fatalf("unexpected result %+v", out)
	}
	if got := f.store.Payment(pay.ID); got.Status != model.PaymentRefunded {
		t.Fatalf("expected REFUNDED recorded locally, got %s", got.Status)
	}
	if len(f.sent.sent) != 0 {
		t.Fatalf("expected system cancel to leave notification to the caller")
	}
}

func TestCancelUnpaidPaymentIsCancelled(t *testing.T) {
	f := newFixture(t, 10, true, nil)
	res := f.create(t, 1, 1)
	intent, err := f.svc.PreparePayment(context.Background(), res.ID, 1)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if _, err := f.svc.Cancel(context.Background(), res.ID, 1, "x"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.store.Payment(intent.Payment.ID).Status; got != model.PaymentCancelled {
		t.Fatalf("expected payment CANCELLED, got %s", got)
	}
	if len(f.gw.refunds) != 0 {
		t.Fatalf("expected no gateway refund for an unpaid payment")
	}
}

func TestPreparePaymentIsIdempotent(t *testing.T) {
	f := newFixture(t, 10, true, nil)
	res := f.create(t, 1, 2)

	first, err := f.svc.PreparePayment(context.Background(), res.ID, 1)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if first.Payment.Amount != 50000 || first.Registration == nil || first.Mode != refund.ModePGRefund {
		t.Fatalf("unexpected intent %+v", first)
	}
	second, err := f.svc.PreparePayment(context.Background(), res.ID, 1)
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if second.Payment.ID != first.Payment.ID || second.Payment.MerchantUID != first.Payment.MerchantUID {
		t.Fatalf("expected the same payment, got %d and %d", first.Payment.ID, second.Payment.ID)
	}
	if _, err := f.svc.PreparePayment(context.Background(), res.ID, 2); !apperr.Is(err, apperr.CodeReservationNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

// paidMidCancelStore confirms the payment right after cancel reads it, the
// way a webhook committing between the read and the transaction would.
type paidMidCancelStore struct {
	*storetest.Store
	fired bool
}

func (s *paidMidCancelStore) GetPaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error) {
	p, err := s.Store.GetPaymentByReservation(ctx, reservationID)
	if err != nil || s.fired {
		return p, err
	}
	s.fired = true
	if _, err := s.Store.MarkPaymentPaid(ctx, p.ID, "imp_race", time.Now()); err != nil {
		return nil, err
	}
	if _, err := s.Store.ConfirmReservation(ctx, reservationID); err != nil {
		return nil, err
	}
	return p, nil
}

func TestCancelRacingPaidEventIsConflictThenRefunds(t *testing.T) {
	f := newFixture(t, 10, true, nil)
	res := f.create(t, 1, 2)
	intent, err := f.svc.PreparePayment(context.Background(), res.ID, 1)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	racing := &paidMidCancelStore{Store: f.store}
	svc := NewService(racing, capacity.NewLedger(f.store, f.logger), &countingLocker{}, f.gw, f.sent, f.logger,
		WithClock(func() time.Time { return f.now }))

	_, err = svc.Cancel(context.Background(), res.ID, 1, "changed my mind")
	if apperr.KindOf(err) != apperr.KindConflict || !apperr.Is(err, apperr.CodeConcurrentUpdate) {
		t.Fatalf("expected CONCURRENT_UPDATE, got %v", err)
	}
	if got := f.store.Reservation(res.ID).Status; got != model.ReservationConfirmed {
		t.Fatalf("expected reservation left CONFIRMED, got %s", got)
	}
	if got := f.store.Payment(intent.Payment.ID).Status; got != model.PaymentPaid {
		t.Fatalf("expected payment left PAID, got %s", got)
	}
	if got := f.store.Schedule(f.sched.ID).RemainingCapacity; got != 8 {
		t.Fatalf("expected capacity untouched at 8, got %d", got)
	}

	out, err := svc.Cancel(context.Background(), res.ID, 1, "changed my mind")
	if err != nil {
		t.Fatalf("retry cancel: %v", err)
	}
	if out.RefundAmount != 50000 || len(f.gw.refunds) != 1 {
		t.Fatalf("expected a full gateway refund on retry, got %d with %d calls", out.RefundAmount, len(f.gw.refunds))
	}
	if got := f.store.Payment(intent.Payment.ID); got.Status != model.PaymentRefunded || got.RefundedAmount != 50000 {
		t.Fatalf("expected REFUNDED 50000, got %s/%d", got.Status, got.RefundedAmount)
	}
	if got := f.store.Schedule(f.sched.ID).RemainingCapacity; got != 10 {
		t.Fatalf("expected capacity restored to 10, got %d", got)
	}
}
