/*
errors.go - Centralized error types for the payroll engine

PURPOSE:
  All error kinds in one place so the HTTP layer and callers can classify
  failures without knowing which package produced them. Structured errors
  carry context and Unwrap to a sentinel, so errors.Is works everywhere.

ERROR CATEGORIES:
  1. Client input     - ValidationError (with field)
  2. Domain rules     - InvalidState, InsufficientBalance, NegativeNetPay,
                        HasEmployeeErrors, CannotDeleteFinalized
  3. Concurrency      - ConcurrentModification (retryable)
  4. Store            - NotFound, DuplicateIdempotencyKey

Every rejected mutation leaves persisted state unchanged; callers may retry
retryable errors with a fresh read.
*/
package generic

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidState           = errors.New("invalid state transition")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrNegativeNetPay         = errors.New("net pay is negative")
	ErrHasEmployeeErrors      = errors.New("pay run has employees with errors")
	ErrCannotDeleteFinalized  = errors.New("cannot delete finalized pay run")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")

	// ErrDuplicateIdempotencyKey is returned when a ledger transaction with the
	// same idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation attempted from a status that does
// not allow it.
type InvalidStateError struct {
	Entity    string
	ID        string
	Current   string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Operation, e.Entity, e.ID, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientBalanceError provides details about a leave balance shortage.
type InsufficientBalanceError struct {
	EntityID  EntityID
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: available %s, requested %s",
		e.EntityID, e.AccountID, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how far the request exceeds what is available.
func (e *InsufficientBalanceError) Shortfall() Amount {
	return e.Requested.Sub(e.Available)
}

type NegativeNetPayError struct {
	EmployeeID      string
	GrossPay        decimal.Decimal
	TotalDeductions decimal.Decimal
}

func (e *NegativeNetPayError) Error() string {
	return fmt.Sprintf("net pay for %s would be negative: gross %s, deductions %s",
		e.EmployeeID, e.GrossPay.StringFixed(2), e.TotalDeductions.StringFixed(2))
}

func (e *NegativeNetPayError) Unwrap() error { return ErrNegativeNetPay }

// ConcurrentModificationError is returned when an optimistic version check
// fails. Re-read and retry.
type ConcurrentModificationError struct {
	Kind     Kind
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently: expected version %d, found %d",
		e.Kind, e.ID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsDomainRule returns true if a business rule refused the operation.
func IsDomainRule(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNegativeNetPay) ||
		errors.Is(err, ErrHasEmployeeErrors) ||
		errors.Is(err, ErrCannotDeleteFinalized)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
