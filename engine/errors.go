/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure maps 1:1 to a caller-visible reason; the booking
  orchestrator and the HTTP layer never swallow or reinterpret them.

ERROR CATEGORIES:
  1. Client errors - bad input or insufficient entitlement (recoverable)
  2. Conflicts     - time conflicts, terminal holds, lost races
  3. Not found     - unknown balance, hold, slot or booking
  4. Invariant     - a consistency bug; aborts, never clamps

USAGE:
  if errors.Is(err, engine.ErrInsufficientBalance) {
      var ib *engine.InsufficientBalanceError
      errors.As(err, &ib) // ib.Available, ib.Requested
  }

SEE ALSO:
  - balance.go: Produces InsufficientBalanceError and InvariantError
  - calendar.go: Produces TimeConflictError
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a consumption or hold exceeds
	// the available quantity. Never retried automatically.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTimeConflict is returned when a booked interval overlaps another
	// booked interval of the same subject.
	ErrTimeConflict = errors.New("time conflict")

	// ErrAlreadyTerminal is returned when acting on a hold that has already
	// been released, cancelled or expired.
	ErrAlreadyTerminal = errors.New("hold already terminal")

	// ErrHoldExpired is returned when releasing an active hold whose TTL
	// has elapsed but which the reaper has not swept yet.
	ErrHoldExpired = errors.New("hold expired")

	// ErrInvariantViolation signals a consistency bug (negative balance,
	// drift between ledger and balance row). It is fatal for the operation.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrInvalidKey            = errors.New("invalid balance key")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrInvalidInterval       = errors.New("invalid interval: end must be after start")
	ErrInvalidRole           = errors.New("invalid calendar role")
	ErrReasonRequired        = errors.New("adjustment requires a reason")
	ErrRefundExceedsConsumed = errors.New("refund exceeds consumed quantity")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with different parameters")
	ErrSlotNotBooked         = errors.New("slot is not booked")
	ErrBookingNotScheduled   = errors.New("booking is not scheduled")

	ErrBalanceNotFound = errors.New("balance not found")
	ErrHoldNotFound    = errors.New("hold not found")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrBookingNotFound = errors.New("booking not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Key       Key
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.Key, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// HoldStateError reports an attempt to transition a terminal hold.
type HoldStateError struct {
	HoldID string
	Status HoldStatus
}

func (e *HoldStateError) Error() string {
	return fmt.Sprintf("hold %s is already %s", e.HoldID, e.Status)
}

func (e *HoldStateError) Unwrap() error { return ErrAlreadyTerminal }

// TimeConflictError reports a calendar overlap. ConflictingSlotID is empty
// when the store rejected the insert without naming the other row.
type TimeConflictError struct {
	SubjectID         string
	Interval          Interval
	ConflictingSlotID string
}

func (e *TimeConflictError) Error() string {
	if e.ConflictingSlotID != "" {
		return fmt.Sprintf("time conflict for %s at %s (slot %s)", e.SubjectID, e.Interval, e.ConflictingSlotID)
	}
	return fmt.Sprintf("time conflict for %s at %s", e.SubjectID, e.Interval)
}

func (e *TimeConflictError) Unwrap() error { return ErrTimeConflict }

// InvariantError is raised when a computed balance would break the
// balance invariant.
type InvariantError struct {
	Balance Balance
	Detail  string
}

func (e *InvariantError) Error() string {
	b := e.Balance
	return fmt.Sprintf("invariant violation on %s: %s (total=%d consumed=%d held=%d available=%d)",
		b.Key, e.Detail, b.Total, b.Consumed, b.Held, b.Available)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// DriftError is returned by Ledger.Verify when the stored balance row
// disagrees with the replayed ledger and active holds.
type DriftError struct {
	Stored   Balance
	Replayed Balance
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("balance drift on %s: stored total=%d consumed=%d held=%d, replayed total=%d consumed=%d held=%d",
		e.Stored.Key, e.Stored.Total, e.Stored.Consumed, e.Stored.Held,
		e.Replayed.Total, e.Replayed.Consumed, e.Replayed.Held)
}

func (e *DriftError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true for errors caused by competing or stale state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTimeConflict) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrSlotNotBooked) ||
		errors.Is(err, ErrBookingNotScheduled)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrReasonRequired) ||
		errors.Is(err, ErrRefundExceedsConsumed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrBookingNotFound)
}
