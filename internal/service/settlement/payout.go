package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/repository"
)

// DefaultSalt keys a settlement's one and only payout.
const DefaultSalt = "settlement"

// PayoutStatus is the outcome of one payout attempt.
type PayoutStatus string

const (
	PayoutSuccess PayoutStatus = "SUCCESS"
	PayoutDedup   PayoutStatus = "DEDUP"
	PayoutFailed  PayoutStatus = "FAILED"
)

// PayoutOutcome reports one settlement's payout.
type PayoutOutcome struct {
	SettlementID uint64       `json:"settlement_id"`
	PayoutKey    string       `json:"payout_key"`
	Amount       int64        `json:"amount"`
	Status       PayoutStatus `json:"status"`
	Reason       string       `json:"reason,omitempty"`
}

// Transferer moves money to the instructor. payoutKey is the idempotency
// key toward the bank.
type Transferer interface {
	Transfer(ctx context.Context, st model.Settlement, payoutKey string) error
}

// LoggingTransferer records the transfer intent and succeeds.
type LoggingTransferer struct {
	Log *slog.Logger
}

func (t LoggingTransferer) Transfer(ctx context.Context, st model.Settlement, payoutKey string) error {
	logger := t.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "payout transfer requested",
		"settlement_id", st.ID, "instructor_id", st.InstructorID, "amount", st.NetAmount, "payout_key", payoutKey)
	return nil
}

// PayoutKey is hex(BLAKE2b-256("<settlementID>:<salt>")).
func PayoutKey(settlementID uint64, salt string) string {
	sum := blake2b.Sum256([]byte(strconv.FormatUint(settlementID, 10) + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// ISOWeekSalt names the ISO week of t, e.g. "2026-W42".
func ISOWeekSalt(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

var errAlreadyPaidOut = errors.New("settlement already paid out")

// ExecutePayout pays a CONFIRMED settlement. A payout that already exists
// for the key, or a settlement that turned PAID meanwhile, yields DEDUP.
// A failed transfer rolls the payout back and yields FAILED.
func (s *Service) ExecutePayout(ctx context.Context, id uint64, salt string) (*PayoutOutcome, error) {
	if salt == "" {
		salt = s.salt
	}
	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case model.SettlementPaid:
		return nil, apperr.AlreadyTerminal(apperr.CodeSettlementAlreadyPaid, "settlement is already paid")
	case model.SettlementPending:
		return nil, apperr.Conflict(apperr.CodeSettlementNotConfirmed, "settlement must be confirmed before payout")
	}

	out := &PayoutOutcome{SettlementID: st.ID, PayoutKey: PayoutKey(st.ID, salt), Amount: st.NetAmount}
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		payout := &model.Payout{SettlementID: st.ID, PayoutKey: out.PayoutKey, Amount: st.NetAmount}
		if err := s.store.CreatePayout(ctx, payout); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return errAlreadyPaidOut
			}
			return err
		}
		ok, err := s.store.MarkSettlementPaid(ctx, st.ID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyPaidOut
		}
		if s.transferer == nil {
			return nil
		}
		if err := s.transferer.Transfer(ctx, *st, out.PayoutKey); err != nil {
			return &transferError{err: err}
		}
		return nil
	})

	var terr *transferError
	switch {
	case err == nil:
		out.Status = PayoutSuccess
	case errors.Is(err, errAlreadyPaidOut):
		out.Status = PayoutDedup
	case errors.As(err, &terr):
		out.Status = PayoutFailed
		out.Reason = terr.err.Error()
	default:
		return nil, fmt.Errorf("payout settlement=%d: %w", st.ID, err)
	}
	s.log.InfoContext(ctx, "payout executed",
		"settlement_id", st.ID, "status", out.Status, "amount", out.Amount, "reason", out.Reason)
	return out, nil
}

type transferError struct{ err error }

func (e *transferError) Error() string { return "transfer: " + e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

// RunWeeklyPayout pays every CONFIRMED settlement. Each settlement is
// isolated; errors become FAILED outcomes.
func (s *Service) RunWeeklyPayout(ctx context.Context, salt string) ([]PayoutOutcome, error) {
	if salt == "" {
		salt = s.salt
	}
	confirmed, err := s.store.ListSettlementsByStatus(ctx, model.SettlementConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list confirmed settlements: %w", err)
	}
	outcomes := make([]PayoutOutcome, 0, len(confirmed))
	for _, st := range confirmed {
		out, err := s.ExecutePayout(ctx, st.ID, salt)
		if err != nil {
			s.log.WarnContext(ctx, "payout failed", "settlement_id", st.ID, "error", err)
			outcomes = append(outcomes, PayoutOutcome{
				SettlementID: st.ID,
				PayoutKey:    PayoutKey(st.ID, salt),
				Amount:       st.NetAmount,
				Status:       PayoutFailed,
				Reason:       err.Error(),
			})
			continue
		}
		outcomes = append(outcomes, *out)
	}
	return outcomes, nil
}
