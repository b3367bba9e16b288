package model

import "time"

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementConfirmed SettlementStatus = "CONFIRMED"
	SettlementPaid      SettlementStatus = "PAID"
)

// Settlement is one instructor's financial summary for a period.
// Only Memo may change once Status is PAID.
type Settlement struct {
	ID            uint64           `db:"id" json:"id"`
	InstructorID  uint64           `db:"instructor_id" json:"instructor_id"`
	PeriodStart   time.Time        `db:"period_start" json:"period_start"`
	PeriodEnd     time.Time        `db:"period_end" json:"period_end"`
	GrossAmount   int64            `db:"gross_amount" json:"gross_amount"`
	RefundAmount  int64            `db:"refund_amount" json:"refund_amount"`
	PlatformFee   int64            `db:"platform_fee" json:"platform_fee"`
	B2BCommission int64            `db:"b2b_commission" json:"b2b_commission"`
	NetAmount     int64            `db:"net_amount" json:"net_amount"`
	Status        SettlementStatus `db:"status" json:"status"`
	Memo          string           `db:"memo" json:"memo,omitempty"`
	ConfirmedAt   *time.Time       `db:"confirmed_at" json:"confirmed_at,omitempty"`
	PaidAt        *time.Time       `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// InstructorRevenue is the per-instructor aggregate for a settlement window.
type InstructorRevenue struct {
	InstructorID   uint64 `db:"instructor_id"`
	GrossAmount    int64  `db:"gross_amount"`
	RefundAmount   int64  `db:"refund_amount"`
	B2BGrossAmount int64  `db:"b2b_gross_amount"`
}

// Payout is one money-out execution; PayoutKey is unique.
type Payout struct {
	ID           uint64    `db:"id" json:"id"`
	SettlementID uint64    `db:"settlement_id" json:"settlement_id"`
	PayoutKey    string    `db:"payout_key" json:"payout_key"`
	Amount       int64     `db:"amount" json:"amount"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
