// Package repository implements MySQL persistence for programs, schedules,
// reservations, payments, settlements and bulk-cancel jobs.
//
// Conditional writes report whether a row changed as a bool so the service
// layer can tell a lost race from a database failure. Lookups that match
// nothing return ErrNotFound; inserts that hit a unique key return
// ErrDuplicate. Both are compared with errors.Is.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique constraint.
// For the webhook ledger and payouts this is the expected "already
// processed" signal, not a failure.
var ErrDuplicate = errors.New("duplicate key")

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
