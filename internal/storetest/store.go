// Package storetest provides an in-memory implementation of the repository
// method set for service tests. Conditional writes follow the same guards as
// the SQL statements, unique keys return repository.ErrDuplicate and WithTx
// rolls every table back when fn fails.
//
// Transactions are serialised by one mutex, so two WithTx calls never
// interleave. Reads and writes made outside WithTx are individually atomic.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/repository"
)

type txKey struct{}

type tables struct {
	nextID             uint64
	programs           map[uint64]model.Program
	schedules          map[uint64]model.ProgramSchedule
	reservations       map[uint64]model.Reservation
	attendances        map[uint64]model.Attendance
	payments           map[uint64]model.Payment
	webhookEvents      map[uint64]model.WebhookEvent
	paymentSettlements map[uint64]model.PaymentSettlement
	settlements        map[uint64]model.Settlement
	payouts            map[uint64]model.Payout
	jobs               map[uint64]model.BulkCancelJob
	items              map[uint64]model.BulkCancelJobItem
}

func newTables() tables {
	return tables{
		programs:           map[uint64]model.Program{},
		schedules:          map[uint64]model.ProgramSchedule{},
		reservations:       map[uint64]model.Reservation{},
		attendances:        map[uint64]model.Attendance{},
		payments:           map[uint64]model.Payment{},
		webhookEvents:      map[uint64]model.WebhookEvent{},
		paymentSettlements: map[uint64]model.PaymentSettlement{},
		settlements:        map[uint64]model.Settlement{},
		payouts:            map[uint64]model.Payout{},
		jobs:               map[uint64]model.BulkCancelJob{},
		items:              map[uint64]model.BulkCancelJobItem{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (t tables) clone() tables {
	return tables{
		nextID:             t.nextID,
		programs:           cloneMap(t.programs),
		schedules:          cloneMap(t.schedules),
		reservations:       cloneMap(t.reservations),
		attendances:        cloneMap(t.attendances),
		payments:           cloneMap(t.payments),
		webhookEvents:      cloneMap(t.webhookEvents),
		paymentSettlements: cloneMap(t.paymentSettlements),
		settlements:        cloneMap(t.settlements),
		payouts:            cloneMap(t.payouts),
		jobs:               cloneMap(t.jobs),
		items:              cloneMap(t.items),
	}
}

// Store is safe for concurrent use.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	t    tables

	failures map[string]error
	calls    map[string]int
	commits  int
}

func New() *Store {
	return &Store{t: newTables(), failures: map[string]error{}, calls: map[string]int{}}
}

// Fail makes every later call to method return err. A nil err clears it.
func (s *Store) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Calls reports how many times method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Commits reports the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// enter locks the tables and records the call. The caller must unlock.
func (s *Store) enter(method string) error {
	s.mu.Lock()
	s.calls[method]++
	return s.failures[method]
}

func (s *Store) id() uint64 {
	s.t.nextID++
	return s.t.nextID
}

// WithTx runs fn with a snapshot to roll back to. Nested calls join.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.t.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.t = snapshot
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

// Seeding and inspection helpers.

func (s *Store) AddProgram(p model.Program) model.Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.t.programs[p.ID] = p
	return p
}

func (s *Store) AddSchedule(sc model.ProgramSchedule) model.ProgramSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == 0 {
		sc.ID = s.id()
	}
	if sc.Status == "" {
		sc.Status = model.ScheduleActive
	}
	s.t.schedules[sc.ID] = sc
	return sc
}

func (s *Store) AddReservation(r model.Reservation) model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	s.t.reservations[r.ID] = r
	return r
}

func (s *Store) AddPayment(p model.Payment) model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.t.payments[p.ID] = p
	return p
}

func (s *Store) AddSettlement(st model.Settlement) model.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == 0 {
		st.ID = s.id()
	}
	s.t.settlements[st.ID] = st
	return st
}

func (s *Store) Schedule(id uint64) model.ProgramSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.schedules[id]
}

func (s *Store) Program(id uint64) model.Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.programs[id]
}

func (s *Store) Reservation(id uint64) model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.reservations[id]
}

func (s *Store) Payment(id uint64) model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.payments[id]
}

func (s *Store) Settlement(id uint64) model.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.settlements[id]
}

func (s *Store) Reservations() []model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.t.reservations, func(r model.Reservation) uint64 { return r.ID })
}

func (s *Store) Settlements() []model.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.t.settlements, func(v model.Settlement) uint64 { return v.ID })
}

func (s *Store) Payouts() []model.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.t.payouts, func(v model.Payout) uint64 { return v.ID })
}

func (s *Store) WebhookEvents() []model.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.t.webhookEvents, func(v model.WebhookEvent) uint64 { return v.ID })
}

func (s *Store) Attendances() []model.Attendance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.t.attendances, func(v model.Attendance) uint64 { return v.ReservationID })
}

func (s *Store) PaymentSettlements() []model.PaymentSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.t.paymentSettlements, func(v model.PaymentSettlement) uint64 { return v.PaymentID })
}

func sortedValues[V any](m map[uint64]V, key func(V) uint64) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

func ptr(t time.Time) *time.Time { return &t }

// Programs.

func (s *Store) GetProgram(ctx context.Context, id uint64) (*model.Program, error) {
	err := s.enter("GetProgram")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p, ok := s.t.programs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) AdjustReservedCount(ctx context.Context, programID uint64, delta int) error {
	err := s.enter("AdjustReservedCount")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	p, ok := s.t.programs[programID]
	if !ok {
		return nil
	}
	p.ReservedCount = max(p.ReservedCount+delta, 0)
	s.t.programs[programID] = p
	return nil
}

func (s *Store) RecomputeReservedCount(ctx context.Context, programID uint64) error {
	err := s.enter("RecomputeReservedCount")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	p, ok := s.t.programs[programID]
	if !ok {
		return nil
	}
	sum := 0
	for _, r := range s.t.reservations {
		if r.ProgramID == programID && r.Status.Active() {
			sum += r.ParticipantCount
		}
	}
	p.ReservedCount = sum
	s.t.programs[programID] = p
	return nil
}

// Schedules.

func (s *Store) GetSchedule(ctx context.Context, id uint64) (*model.ProgramSchedule, error) {
	err := s.enter("GetSchedule")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sc, ok := s.t.schedules[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sc, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, programID uint64, startAt time.Time, capacity int) (*model.ProgramSchedule, error) {
	err := s.enter("UpsertSchedule")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, sc := range s.t.schedules {
		if sc.ProgramID == programID && sc.StartAt.Equal(startAt) {
			return &sc, nil
		}
	}
	sc := model.ProgramSchedule{
		ID: s.id(), ProgramID: programID, StartAt: startAt.UTC(),
		Capacity: capacity, RemainingCapacity: capacity, Status: model.ScheduleActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	s.t.schedules[sc.ID] = sc
	return &sc, nil
}

func (s *Store) DecrementCapacity(ctx context.Context, scheduleID uint64, n int) (bool, error) {
	err := s.enter("DecrementCapacity")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	sc, ok := s.t.schedules[scheduleID]
	if !ok || sc.Status != model.ScheduleActive || sc.RemainingCapacity < n {
		return false, nil
	}
	sc.RemainingCapacity -= n
	s.t.schedules[scheduleID] = sc
	return true, nil
}

func (s *Store) RestoreCapacity(ctx context.Context, scheduleID uint64, n int) (bool, error) {
	err := s.enter("RestoreCapacity")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	sc, ok := s.t.schedules[scheduleID]
	if !ok || sc.RemainingCapacity+n > sc.Capacity {
		return false, nil
	}
	sc.RemainingCapacity += n
	s.t.schedules[scheduleID] = sc
	return true, nil
}

func (s *Store) ListScheduleUsage(ctx context.Context) ([]model.ScheduleUsage, error) {
	err := s.enter("ListScheduleUsage")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	active := map[uint64]int{}
	for _, r := range s.t.reservations {
		if r.Status.Active() {
			active[r.ProgramScheduleID] += r.ParticipantCount
		}
	}
	scheds := sortedValues(s.t.schedules, func(v model.ProgramSchedule) uint64 { return v.ID })
	out := make([]model.ScheduleUsage, 0, len(scheds))
	for _, sc := range scheds {
		out = append(out, model.ScheduleUsage{
			ScheduleID: sc.ID, ProgramID: sc.ProgramID, Capacity: sc.Capacity,
			RemainingCapacity: sc.RemainingCapacity, ActiveParticipants: active[sc.ID],
		})
	}
	return out, nil
}

func (s *Store) RepairRemainingCapacity(ctx context.Context, scheduleID uint64, observed, expected int) (bool, error) {
	err := s.enter("RepairRemainingCapacity")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	sc, ok := s.t.schedules[scheduleID]
	if !ok || sc.RemainingCapacity != observed || expected < 0 || expected > sc.Capacity {
		return false, nil
	}
	sc.RemainingCapacity = expected
	s.t.schedules[scheduleID] = sc
	return true, nil
}

// SetRemainingCapacity forces drift for reconciliation tests.
func (s *Store) SetRemainingCapacity(scheduleID uint64, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.t.schedules[scheduleID]
	sc.RemainingCapacity = remaining
	s.t.schedules[scheduleID] = sc
}

// Reservations.

func (s *Store) CreateReservation(ctx context.Context, res *model.Reservation) error {
	err := s.enter("CreateReservation")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res.ID = s.id()
	res.CreatedAt = now
	res.UpdatedAt = now
	s.t.reservations[res.ID] = *res
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id uint64) (*model.Reservation, error) {
	err := s.enter("GetReservation")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r, ok := s.t.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListReservationsByUser(ctx context.Context, userID uint64) ([]model.Reservation, error) {
	err := s.enter("ListReservationsByUser")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []model.Reservation
	for _, r := range sortedValues(s.t.reservations, func(v model.Reservation) uint64 { return v.ID }) {
		if r.UserID == userID {
			out = append([]model.Reservation{r}, out...)
		}
	}
	return out, nil
}

func (s *Store) ListActiveReservationsByProgram(ctx context.Context, programID uint64) ([]model.Reservation, error) {
	err := s.enter("ListActiveReservationsByProgram")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []model.Reservation
	for _, r := range sortedValues(s.t.reservations, func(v model.Reservation) uint64 { return v.ID }) {
		if r.ProgramID == programID && r.Status.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) MarkReservationCancelled(ctx context.Context, id uint64, from model.ReservationStatus, reason string, at time.Time) (bool, error) {
	err := s.enter("MarkReservationCancelled")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	r, ok := s.t.reservations[id]
	if !ok || !r.Status.Active() || r.Status != from {
		return false, nil
	}
	r.Status = model.ReservationCancelled
	r.CancelReason = reason
	r.CancelledAt = ptr(at.UTC())
	r.UpdatedAt = at.UTC()
	s.t.reservations[id] = r
	return true, nil
}

func (s *Store) ConfirmReservation(ctx context.Context, id uint64) (bool, error) {
	err := s.enter("ConfirmReservation")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	r, ok := s.t.reservations[id]
	if !ok || r.Status != model.ReservationPending {
		return false, nil
	}
	r.Status = model.ReservationConfirmed
	s.t.reservations[id] = r
	return true, nil
}

func (s *Store) UpsertAttendance(ctx context.Context, a *model.Attendance) error {
	err := s.enter("UpsertAttendance")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if _, ok := s.t.attendances[a.ReservationID]; ok {
		return nil
	}
	v := *a
	v.CreatedAt = time.Now().UTC()
	s.t.attendances[a.ReservationID] = v
	return nil
}

// Payments.

func (s *Store) CreatePayment(ctx context.Context, p *model.Payment) error {
	err := s.enter("CreatePayment")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, existing := range s.t.payments {
		if existing.ReservationID == p.ReservationID || existing.MerchantUID == p.MerchantUID {
			return repository.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	p.ID = s.id()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.t.payments[p.ID] = *p
	return nil
}

func (s *Store) GetPaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error) {
	err := s.enter("GetPaymentByReservation")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, p := range s.t.payments {
		if p.ReservationID == reservationID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

// LockPaymentByReservation has no row lock to take; transactions are
// already serialised.
func (s *Store) LockPaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error) {
	err := s.enter("LockPaymentByReservation")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, p := range s.t.payments {
		if p.ReservationID == reservationID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetPaymentByMerchantUID(ctx context.Context, merchantUID string) (*model.Payment, error) {
	err := s.enter("GetPaymentByMerchantUID")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, p := range s.t.payments {
		if p.MerchantUID == merchantUID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) MarkPaymentPaid(ctx context.Context, id uint64, gatewayPaymentID string, at time.Time) (bool, error) {
	err := s.enter("MarkPaymentPaid")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	p, ok := s.t.payments[id]
	if !ok || (p.Status != model.PaymentPending && p.Status != model.PaymentFailed) {
		return false, nil
	}
	p.Status = model.PaymentPaid
	p.GatewayPaymentID = gatewayPaymentID
	p.FailureReason = ""
	p.PaidAt = ptr(at.UTC())
	s.t.payments[id] = p
	return true, nil
}

func (s *Store) MarkPaymentFailed(ctx context.Context, id uint64, reason string) (bool, error) {
	err := s.enter("MarkPaymentFailed")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	p, ok := s.t.payments[id]
	if !ok || p.Status != model.PaymentPending {
		return false, nil
	}
	p.Status = model.PaymentFailed
	p.FailureReason = reason
	s.t.payments[id] = p
	return true, nil
}

func (s *Store) MarkPaymentCancelled(ctx context.Context, id uint64) (bool, error) {
	err := s.enter("MarkPaymentCancelled")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	p, ok := s.t.payments[id]
	if !ok || p.Status != model.PaymentPending {
		return false, nil
	}
	p.Status = model.PaymentCancelled
	s.t.payments[id] = p
	return true, nil
}

func (s *Store) ApplyRefund(ctx context.Context, id uint64, amount int64, at time.Time) (bool, error) {
	err := s.enter("ApplyRefund")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	p, ok := s.t.payments[id]
	if !ok || !p.Status.Refundable() || p.RefundedAmount+amount > p.Amount {
		return false, nil
	}
	p.Status = p.StatusAfterRefund(p.RefundedAmount + amount)
	p.RefundedAmount += amount
	p.RefundedAt = ptr(at.UTC())
	s.t.payments[id] = p
	return true, nil
}

func (s *Store) UpsertPaymentSettlement(ctx context.Context, ps *model.PaymentSettlement) error {
	err := s.enter("UpsertPaymentSettlement")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if _, ok := s.t.paymentSettlements[ps.PaymentID]; !ok {
		s.t.paymentSettlements[ps.PaymentID] = *ps
	}
	return nil
}

func (s *Store) InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	err := s.enter("InsertWebhookEvent")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range s.t.webhookEvents {
		if e.Provider == ev.Provider && e.EventKey == ev.EventKey {
			return repository.ErrDuplicate
		}
	}
	ev.ID = s.id()
	ev.CreatedAt = time.Now().UTC()
	s.t.webhookEvents[ev.ID] = *ev
	return nil
}

func (s *Store) MarkWebhookEventProcessed(ctx context.Context, id uint64, result string, at time.Time) error {
	err := s.enter("MarkWebhookEventProcessed")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	e, ok := s.t.webhookEvents[id]
	if !ok {
		return nil
	}
	e.Result = result
	e.ProcessedAt = ptr(at.UTC())
	s.t.webhookEvents[id] = e
	return nil
}

// Settlements.

func (s *Store) ListInstructorRevenue(ctx context.Context, from, to time.Time) ([]model.InstructorRevenue, error) {
	err := s.enter("ListInstructorRevenue")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	in := func(t *time.Time) bool { return t != nil && !t.Before(from) && t.Before(to) }
	agg := map[uint64]*model.InstructorRevenue{}
	for _, p := range s.t.payments {
		switch p.Status {
		case model.PaymentPaid, model.PaymentPartialRefund, model.PaymentRefunded:
		default:
			continue
		}
		r, ok := s.t.reservations[p.ReservationID]
		if !ok {
			continue
		}
		prog, ok := s.t.programs[r.ProgramID]
		if !ok {
			continue
		}
		row := agg[prog.InstructorID]
		if row == nil {
			row = &model.InstructorRevenue{InstructorID: prog.InstructorID}
			agg[prog.InstructorID] = row
		}
		if in(p.PaidAt) {
			row.GrossAmount += p.Amount
			if prog.IsB2B {
				row.B2BGrossAmount += p.Amount
			}
		}
		if in(p.RefundedAt) {
			row.RefundAmount += p.RefundedAmount
		}
	}
	out := make([]model.InstructorRevenue, 0, len(agg))
	for _, row := range agg {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstructorID < out[j].InstructorID })
	return out, nil
}

func (s *Store) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	err := s.enter("CreateSettlement")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range s.t.settlements {
		if e.InstructorID == st.InstructorID && e.PeriodStart.Equal(st.PeriodStart) && e.PeriodEnd.Equal(st.PeriodEnd) {
			return repository.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	st.ID = s.id()
	st.CreatedAt = now
	st.UpdatedAt = now
	s.t.settlements[st.ID] = *st
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, id uint64) (*model.Settlement, error) {
	err := s.enter("GetSettlement")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	st, ok := s.t.settlements[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

func (s *Store) ListSettlementsByStatus(ctx context.Context, status model.SettlementStatus) ([]model.Settlement, error) {
	err := s.enter("ListSettlementsByStatus")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []model.Settlement
	for _, st := range sortedValues(s.t.settlements, func(v model.Settlement) uint64 { return v.ID }) {
		if status == "" || st.Status == status {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) ConfirmSettlement(ctx context.Context, id uint64, at time.Time) (bool, error) {
	err := s.enter("ConfirmSettlement")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	st, ok := s.t.settlements[id]
	if !ok || st.Status != model.SettlementPending {
		return false, nil
	}
	st.Status = model.SettlementConfirmed
	st.ConfirmedAt = ptr(at.UTC())
	s.t.settlements[id] = st
	return true, nil
}

func (s *Store) MarkSettlementPaid(ctx context.Context, id uint64, at time.Time) (bool, error) {
	err := s.enter("MarkSettlementPaid")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	st, ok := s.t.settlements[id]
	if !ok || st.Status != model.SettlementConfirmed {
		return false, nil
	}
	st.Status = model.SettlementPaid
	st.PaidAt = ptr(at.UTC())
	s.t.settlements[id] = st
	return true, nil
}

func (s *Store) UpdateSettlementMemo(ctx context.Context, id uint64, memo string) error {
	err := s.enter("UpdateSettlementMemo")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	st, ok := s.t.settlements[id]
	if !ok {
		return nil
	}
	st.Memo = memo
	s.t.settlements[id] = st
	return nil
}

func (s *Store) CreatePayout(ctx context.Context, p *model.Payout) error {
	err := s.enter("CreatePayout")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range s.t.payouts {
		if e.PayoutKey == p.PayoutKey {
			return repository.ErrDuplicate
		}
	}
	p.ID = s.id()
	p.CreatedAt = time.Now().UTC()
	s.t.payouts[p.ID] = *p
	return nil
}

// Bulk cancel jobs.

func (s *Store) GetRunningBulkCancelJob(ctx context.Context, programID uint64) (*model.BulkCancelJob, error) {
	err := s.enter("GetRunningBulkCancelJob")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, j := range sortedValues(s.t.jobs, func(v model.BulkCancelJob) uint64 { return v.ID }) {
		if j.ProgramID == programID && j.Status == model.BulkJobRunning {
			return &j, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) CreateBulkCancelJob(ctx context.Context, job *model.BulkCancelJob, items []model.BulkCancelJobItem) error {
	err := s.enter("CreateBulkCancelJob")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.ID = s.id()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.t.jobs[job.ID] = *job
	for i := range items {
		items[i].JobID = job.ID
		it := items[i]
		it.ID = s.id()
		s.t.items[it.ID] = it
	}
	return nil
}

func (s *Store) GetBulkCancelJob(ctx context.Context, id uint64) (*model.BulkCancelJob, error) {
	err := s.enter("GetBulkCancelJob")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	j, ok := s.t.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &j, nil
}

func (s *Store) ListBulkCancelJobItems(ctx context.Context, jobID uint64) ([]model.BulkCancelJobItem, error) {
	err := s.enter("ListBulkCancelJobItems")
	defer s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []model.BulkCancelJobItem
	for _, it := range sortedValues(s.t.items, func(v model.BulkCancelJobItem) uint64 { return v.ID }) {
		if it.JobID == jobID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Store) MarkBulkCancelJobRunning(ctx context.Context, id uint64, from []model.BulkCancelJobStatus, at time.Time) (bool, error) {
	err := s.enter("MarkBulkCancelJobRunning")
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	j, ok := s.t.jobs[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, st := range from {
		if j.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	j.Status = model.BulkJobRunning
	j.StartedAt = ptr(at.UTC())
	j.FinishedAt = nil
	s.t.jobs[id] = j
	return true, nil
}

func (s *Store) UpdateBulkCancelJobItem(ctx context.Context, item *model.BulkCancelJobItem) error {
	err := s.enter("UpdateBulkCancelJobItem")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if _, ok := s.t.items[item.ID]; !ok {
		return nil
	}
	s.t.items[item.ID] = *item
	return nil
}

func (s *Store) FinishBulkCancelJob(ctx context.Context, job *model.BulkCancelJob) error {
	err := s.enter("FinishBulkCancelJob")
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	j, ok := s.t.jobs[job.ID]
	if !ok {
		return nil
	}
	j.Status = job.Status
	j.SuccessCount = job.SuccessCount
	j.FailedCount = job.FailedCount
	j.SkippedCount = job.SkippedCount
	j.FinishedAt = job.FinishedAt
	s.t.jobs[job.ID] = j
	return nil
}
