package model

import "time"

// Program is a bookable activity template owned by an instructor.
// Program CRUD lives outside this service; the engine reads price,
// capacity and the legacy single-occurrence time, and maintains
// ReservedCount as a non-authoritative cache.
type Program struct {
	ID            uint64      `db:"id" json:"id"`
	InstructorID  uint64      `db:"instructor_id" json:"instructor_id"`
	Title         string      `db:"title" json:"title"`
	Price         int64       `db:"price" json:"price"`
	MaxCapacity   int         `db:"max_capacity" json:"max_capacity"`
	ScheduleAt    *time.Time  `db:"schedule_at" json:"schedule_at,omitempty"`
	ReservedCount int         `db:"reserved_count" json:"reserved_count"`
	IsB2B         bool        `db:"is_b2b" json:"is_b2b"`
	Credentials   Credentials `db:"credentials" json:"credentials"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
)

// ProgramSchedule is one concrete occurrence of a Program.
// RemainingCapacity is the authoritative counter; it is only ever changed
// through conditional updates in the schedule repository.
type ProgramSchedule struct {
	ID                uint64         `db:"id" json:"id"`
	ProgramID         uint64         `db:"program_id" json:"program_id"`
	StartAt           time.Time      `db:"start_at" json:"start_at"`
	Capacity          int            `db:"capacity" json:"capacity"`
	RemainingCapacity int            `db:"remaining_capacity" json:"remaining_capacity"`
	Status            ScheduleStatus `db:"status" json:"status"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// ScheduleUsage is one row of the capacity reconciliation scan.
type ScheduleUsage struct {
	ScheduleID         uint64 `db:"schedule_id" json:"schedule_id"`
	ProgramID          uint64 `db:"program_id" json:"program_id"`
	Capacity           int    `db:"capacity" json:"capacity"`
	RemainingCapacity  int    `db:"remaining_capacity" json:"remaining_capacity"`
	ActiveParticipants int    `db:"active_participants" json:"active_participants"`
}

// ExpectedRemaining is capacity minus active seat usage.
func (u ScheduleUsage) ExpectedRemaining() int {
	return u.Capacity - u.ActiveParticipants
}
