package model

import "time"

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "PENDING"
	PaymentPaid          PaymentStatus = "PAID"
	PaymentFailed        PaymentStatus = "FAILED"
	PaymentCancelled     PaymentStatus = "CANCELLED"
	PaymentPartialRefund PaymentStatus = "PARTIAL_REFUND"
	PaymentRefunded      PaymentStatus = "REFUNDED"
)

// Refundable reports whether money was captured and can still be returned.
func (s PaymentStatus) Refundable() bool {
	return s == PaymentPaid || s == PaymentPartialRefund
}

// Payment is the single payment attempt of a reservation. MerchantUID is the
// idempotency key toward the gateway.
type Payment struct {
	ID               uint64        `db:"id" json:"id"`
	ReservationID    uint64        `db:"reservation_id" json:"reservation_id"`
	MerchantUID      string        `db:"merchant_uid" json:"merchant_uid"`
	GatewayPaymentID string        `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	Amount           int64         `db:"amount" json:"amount"`
	RefundedAmount   int64         `db:"refunded_amount" json:"refunded_amount"`
	Status           PaymentStatus `db:"status" json:"status"`
	FailureReason    string        `db:"failure_reason" json:"failure_reason,omitempty"`
	PaidAt           *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	RefundedAt       *time.Time    `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// RefundableAmount is what is left to return.
func (p *Payment) RefundableAmount() int64 {
	if !p.Status.Refundable() {
		return 0
	}
	left := p.Amount - p.RefundedAmount
	if left < 0 {
		return 0
	}
	return left
}

// StatusAfterRefund is the status once refunded reaches the given total.
func (p *Payment) StatusAfterRefund(totalRefunded int64) PaymentStatus {
	if totalRefunded >= p.Amount {
		return PaymentRefunded
	}
	return PaymentPartialRefund
}

// WebhookEvent is the dedup ledger row for one (provider, event key).
type WebhookEvent struct {
	ID          uint64     `db:"id" json:"id"`
	Provider    string     `db:"provider" json:"provider"`
	EventKey    string     `db:"event_key" json:"event_key"`
	EventType   string     `db:"event_type" json:"event_type"`
	PaymentRef  string     `db:"payment_ref" json:"payment_ref"`
	Result      string     `db:"result" json:"result,omitempty"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// PaymentSettlement is the per-payment earnings line written when a
// reservation is confirmed.
type PaymentSettlement struct {
	PaymentID     uint64    `db:"payment_id" json:"payment_id"`
	ReservationID uint64    `db:"reservation_id" json:"reservation_id"`
	InstructorID  uint64    `db:"instructor_id" json:"instructor_id"`
	Amount        int64     `db:"amount" json:"amount"`
	PaidAt        time.Time `db:"paid_at" json:"paid_at"`
}
