// Package refund holds the cancellation refund policy shared by user
// cancellations and bulk cancellations.
package refund

import "time"

const (
	fullRefundBefore = 48 * time.Hour
	halfRefundBefore = 24 * time.Hour
)

// Mode selects whether cancellations return money through the gateway.
type Mode string

const (
	// ModePGRefund calls the gateway refund before touching local state.
	ModePGRefund Mode = "A_PG_REFUND"
	// ModeLedgerOnly records refunds locally; no gateway is configured.
	ModeLedgerOnly Mode = "B_LEDGER_ONLY"
)

// ModeFor picks the mode once, at construction time.
func ModeFor(gatewayAvailable bool) Mode {
	if gatewayAvailable {
		return ModePGRefund
	}
	return ModeLedgerOnly
}

// Ratio returns the refund percentage for a cancellation at now of a
// schedule starting at startAt. Boundaries belong to the higher tier.
func Ratio(startAt, now time.Time) int {
	left := startAt.Sub(now)
	switch {
	case left >= fullRefundBefore:
		return 100
	case left >= halfRefundBefore:
		return 50
	default:
		return 0
	}
}

// Amount is floor(total * percent / 100).
func Amount(total int64, percent int) int64 {
	if total <= 0 || percent <= 0 {
		return 0
	}
	return total * int64(percent) / 100
}

// Quote is the computed refund for one reservation.
type Quote struct {
	Percent int   `json:"refund_percent"`
	Amount  int64 `json:"refund_amount"`
}

// Compute combines Ratio and Amount.
func Compute(total int64, startAt, now time.Time) Quote {
	p := Ratio(startAt, now)
	return Quote{Percent: p, Amount: Amount(total, p)}
}
