/*
errors.go - Error taxonomy of the ledger

PURPOSE:
  Every rejection is a typed error. Nothing is clamped or rounded silently:
  the whole mutation rolls back and the caller gets kind + offending field.

ERROR KINDS:
  ValidationError       malformed or missing input
  OverpaymentError      amount exceeds a record's remaining
  OverallocationError   amount exceeds a payment's unallocated remainder
  InvariantViolation    an edit would break totalPrice >= paid so far
  NotFoundError         missing or soft-deleted referenced row
  ConcurrencyConflict   could not serialize against a concurrent mutation

  Only ConcurrencyConflict is retryable; all others need corrected input.

USAGE:
  Structured types carry the details and unwrap to a sentinel:

    if errors.Is(err, ledger.ErrOverpayment) { ... }

    var op *ledger.OverpaymentError
    if errors.As(err, &op) { fmt.Println(op.Remaining) }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by *ValidationError for malformed input.
	ErrValidation = errors.New("validation error")

	// ErrOverpayment means an activity or allocation exceeds a record's Remaining.
	ErrOverpayment = errors.New("overpayment")

	// ErrOverallocation means allocations would exceed the payment amount.
	ErrOverallocation = errors.New("overallocation")

	// ErrInvariantViolation means a write would leave Remaining outside
	// [0, TotalPrice] or otherwise corrupt the ledger.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned for missing or voided entities.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when a lock or version check fails.
	// The caller may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicateIdempotencyKey is returned by stores when a unique
	// idempotency key is inserted twice. The service turns it into a replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// ErrorKind is the caller-facing name of an error category.
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindOverpayment         ErrorKind = "OverpaymentError"
	KindOverallocation      ErrorKind = "OverallocationError"
	KindInvariantViolation  ErrorKind = "InvariantViolation"
	KindNotFound            ErrorKind = "NotFoundError"
	KindConcurrencyConflict ErrorKind = "ConcurrencyConflict"
	KindInternal            ErrorKind = "InternalError"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// OverpaymentError reports an activity or allocation larger than the
// target's remaining balance.
type OverpaymentError struct {
	Target    Target
	Remaining decimal.Decimal
	Requested decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("overpayment on %s: remaining %s, requested %s",
		e.Target, e.Remaining.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale))
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

// OverallocationError reports an allocation larger than what is left
// unallocated on the payment.
type OverallocationError struct {
	PaymentID   int64
	Unallocated decimal.Decimal
	Requested   decimal.Decimal
}

func (e *OverallocationError) Error() string {
	return fmt.Sprintf("overallocation on payment #%d: unallocated %s, requested %s",
		e.PaymentID, e.Unallocated.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale))
}

func (e *OverallocationError) Unwrap() error { return ErrOverallocation }

// InvariantViolationError reports a write that would break a record invariant.
type InvariantViolationError struct {
	Field   string
	Message string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", e.Field, e.Message)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// NotFoundError reports a missing or soft-deleted row.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s #%d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConcurrencyConflictError reports a transaction that lost against a
// concurrent mutation of the same row. Err is the driver error, if any.
type ConcurrencyConflictError struct {
	Resource string
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrency conflict on %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("concurrency conflict on %s", e.Resource)
}

func (e *ConcurrencyConflictError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConcurrencyConflict, e.Err}
	}
	return []error{ErrConcurrencyConflict}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrOverpayment):
		return KindOverpayment
	case errors.Is(err, ErrOverallocation):
		return KindOverallocation
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	}
	return KindInternal
}

// FieldOf returns the offending field of a validation or invariant error.
func FieldOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	var iv *InvariantViolationError
	if errors.As(err, &iv) {
		return iv.Field
	}
	var op *OverpaymentError
	if errors.As(err, &op) {
		return "amount"
	}
	var oa *OverallocationError
	if errors.As(err, &oa) {
		return "amount"
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to input the caller must correct.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrOverpayment) ||
		errors.Is(err, ErrOverallocation) ||
		errors.Is(err, ErrInvariantViolation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
