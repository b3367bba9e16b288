// Package apperr defines the closed set of error kinds returned by the
// service layer. Handlers map a Kind to an HTTP status and expose Code and
// Message to the client; the wrapped error is never serialised.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Kind classifies a failure by what the caller can do about it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed input, rejected before any side effect.
	KindValidation
	// KindNotFound: the referenced entity does not exist (or is not visible).
	KindNotFound
	// KindConflict: current state prevents the action; retry after re-reading state.
	KindConflict
	// KindAlreadyTerminal: the entity reached a final state; retrying cannot help.
	KindAlreadyTerminal
	// KindInvariantViolation: internal accounting is broken.
	KindInvariantViolation
	// KindExternalDependency: a collaborator (gateway, broker) failed.
	KindExternalDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindAlreadyTerminal:
		return "ALREADY_TERMINAL"
	case KindInvariantViolation:
		return "INVARIANT_VIOLATION"
	case KindExternalDependency:
		return "EXTERNAL_DEPENDENCY"
	default:
		return "UNKNOWN"
	}
}

// Stable machine-readable codes.
const (
	CodeInvalidInput             = "INVALID_INPUT"
	CodeInvalidParticipantCount  = "INVALID_PARTICIPANT_COUNT"
	CodeScheduleRequired         = "SCHEDULE_REQUIRED"
	CodeRepairNotConfirmed       = "REPAIR_NOT_CONFIRMED"
	CodeInvalidEvent             = "INVALID_EVENT"
	CodeInvalidPeriod            = "INVALID_PERIOD"
	CodeProgramNotFound          = "PROGRAM_NOT_FOUND"
	CodeScheduleNotFound         = "SCHEDULE_NOT_FOUND"
	CodeReservationNotFound      = "RESERVATION_NOT_FOUND"
	CodePaymentNotFound          = "PAYMENT_NOT_FOUND"
	CodeSettlementNotFound       = "SETTLEMENT_NOT_FOUND"
	CodeJobNotFound              = "JOB_NOT_FOUND"
	CodeCapacityExceeded         = "CAPACITY_EXCEEDED"
	CodeLockBusy                 = "LOCK_BUSY"
	CodeScheduleCancelled        = "SCHEDULE_CANCELLED"
	CodeReservationNotPending    = "RESERVATION_NOT_PENDING"
	CodeSettlementNotConfirmed   = "SETTLEMENT_NOT_CONFIRMED"
	CodeJobAlreadyRunning        = "JOB_ALREADY_RUNNING"
	CodeJobNotStarted            = "JOB_NOT_STARTED"
	CodeConcurrentUpdate         = "CONCURRENT_UPDATE"
	CodeAlreadyCancelled         = "ALREADY_CANCELLED"
	CodeAlreadyCompleted         = "ALREADY_COMPLETED"
	CodeSettlementAlreadyPaid    = "SETTLEMENT_ALREADY_PAID"
	CodeJobAlreadyFinished       = "JOB_ALREADY_FINISHED"
	CodeGatewayUnavailable       = "GATEWAY_UNAVAILABLE"
	CodeGatewayRefundFailed      = "GATEWAY_REFUND_FAILED"
	CodeGatewayPreRegisterFailed = "GATEWAY_PREREGISTER_FAILED"
	CodePaymentNotSettled        = "PAYMENT_NOT_SETTLED"
	CodeInternal                 = "INTERNAL_ERROR"
)

// Error is a user-visible failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error that keeps err for logging and errors.Is.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }
func NotFound(code, message string) *Error   { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error   { return New(KindConflict, code, message) }
func AlreadyTerminal(code, message string) *Error {
	return New(KindAlreadyTerminal, code, message)
}
func External(code, message string, err error) *Error {
	return Wrap(KindExternalDependency, code, message, err)
}

// InvariantError signals that the system's own bookkeeping is inconsistent.
// Its Error text carries the detail for logs; handlers must only expose
// PublicMessage.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Detail }

// PublicMessage is the only text a client may see.
func (e *InvariantError) PublicMessage() string { return "internal error" }

// Invariant logs a severity-critical event and returns the error to hand
// back to the caller. attrs are slog key/value pairs.
func Invariant(ctx context.Context, logger *slog.Logger, detail string, attrs ...any) error {
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]any{"severity", "critical"}, attrs...)
	logger.ErrorContext(ctx, "invariant violation: "+detail, args...)
	return &InvariantError{Detail: detail}
}

// KindOf reports the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return KindInvariantViolation
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// CodeOf reports the stable code of err. Unknown errors map to INTERNAL_ERROR.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
