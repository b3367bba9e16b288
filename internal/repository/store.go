package repository

import "github.com/jmoiron/sqlx"

// Store bundles every repository behind one value so services can take the
// narrow interface they need.
type Store struct {
	*Transactor
	*ProgramRepo
	*ScheduleRepo
	*ReservationRepo
	*PaymentRepo
	*SettlementRepo
	*BulkCancelRepo
}

func NewStore(db *sqlx.DB) *Store {
	if db == nil {
		panic("nil database passed to NewStore")
	}
	return &Store{
		Transactor:      NewTransactor(db),
		ProgramRepo:     NewProgramRepo(db),
		ScheduleRepo:    NewScheduleRepo(db),
		ReservationRepo: NewReservationRepo(db),
		PaymentRepo:     NewPaymentRepo(db),
		SettlementRepo:  NewSettlementRepo(db),
		BulkCancelRepo:  NewBulkCancelRepo(db),
	}
}
