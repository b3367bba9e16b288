package model

import "time"

// ReservationStatus is the lifecycle state of a Reservation.
//
//	PENDING   -> CONFIRMED (verified payment)
//	PENDING   -> CANCELLED
//	CONFIRMED -> CANCELLED
//	CONFIRMED -> COMPLETED (attendance, external)
//
// CANCELLED and COMPLETED are terminal.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationCompleted ReservationStatus = "COMPLETED"
)

// Terminal reports whether no further capacity or payment effect may occur.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationCancelled || s == ReservationCompleted
}

// Active reports whether the reservation holds capacity.
func (s ReservationStatus) Active() bool {
	return s == ReservationPending || s == ReservationConfirmed
}

// Reservation records a guardian's booking of participant seats on one
// schedule.
type Reservation struct {
	ID                uint64            `db:"id" json:"id"`
	UserID            uint64            `db:"user_id" json:"user_id"`
	ProgramID         uint64            `db:"program_id" json:"program_id"`
	ProgramScheduleID uint64            `db:"program_schedule_id" json:"program_schedule_id"`
	ParticipantCount  int               `db:"participant_count" json:"participant_count"`
	TotalPrice        int64             `db:"total_price" json:"total_price"`
	Status            ReservationStatus `db:"status" json:"status"`
	CancelReason      string            `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CancelledAt       *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Attendance is the check-in seed issued once a reservation is confirmed.
type Attendance struct {
	ReservationID uint64    `db:"reservation_id" json:"reservation_id"`
	UserID        uint64    `db:"user_id" json:"user_id"`
	QRToken       string    `db:"qr_token" json:"qr_token"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
