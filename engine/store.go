/*
store.go - Persistence interfaces

PURPOSE:
  Defines the interface between the engine and the database. Four
  logical tables (balances, ledger entries, holds, calendar slots) plus
  the booking record. Implementations:
  - store/sqlite:   CHECK constraints + triggers, BEGIN IMMEDIATE
  - store/postgres: EXCLUDE constraint, SELECT ... FOR UPDATE
  - store/memory:   single mutex, snapshot rollback (tests/dev)

APPEND-ONLY CONTRACT:
  LedgerStore has no Update or Delete. Stores additionally reject
  UPDATE/DELETE on the entries table at the database level.

TRANSACTIONS:
  WithTx runs fn inside one database transaction and hands it a Store
  bound to that transaction. A WithTx call whose ctx already carries a
  transaction of the same store joins it instead of opening a new one,
  so Ledger, Holds and Calendar operations compose into the single
  atomic unit the booking orchestrator needs.

LOCKING:
  Lock* methods must be called inside WithTx. They serialize concurrent
  writers on the row (FOR UPDATE, or the store-wide write lock). Lock
  order is booking -> balance -> hold -> slot to avoid deadlocks.

SEE ALSO:
  - ledger.go, hold.go, calendar.go: consumers
*/
package engine

import (
	"context"
	"time"
)

// BalanceStore persists the derived balance rows.
type BalanceStore interface {
	// GetBalance returns ErrBalanceNotFound if the key has no row.
	GetBalance(ctx context.Context, key Key) (Balance, error)

	// LockBalance reads the row and locks it for the rest of the transaction.
	LockBalance(ctx context.Context, key Key) (Balance, error)

	// EnsureBalance inserts b unless a row for b.Key already exists.
	EnsureBalance(ctx context.Context, b Balance) error

	// UpdateBalance overwrites the counters of an existing row.
	UpdateBalance(ctx context.Context, b Balance) error

	// ListExpiredBalances returns keys with ValidUntil <= now and Available > 0.
	ListExpiredBalances(ctx context.Context, now time.Time, limit int) ([]Key, error)
}

// LedgerStore is APPEND-ONLY. No Update, No Delete.
type LedgerStore interface {
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// ListEntries returns the newest limit entries for key, oldest first.
	// limit <= 0 means all.
	ListEntries(ctx context.Context, key Key, limit int) ([]LedgerEntry, error)
}

// HoldStore persists holds.
type HoldStore interface {
	// InsertHold returns ErrIdempotencyConflict if the idempotency key exists.
	InsertHold(ctx context.Context, h Hold) error
	GetHold(ctx context.Context, id string) (Hold, error)
	LockHold(ctx context.Context, id string) (Hold, error)

	// UpdateHold persists a transition out of active. Returns a
	// HoldStateError if the stored hold is no longer active.
	UpdateHold(ctx context.Context, h Hold) error

	// FindHoldByIdempotencyKey returns nil, nil when not found.
	FindHoldByIdempotencyKey(ctx context.Context, key Key, idempotencyKey string) (*Hold, error)
	ListActiveHolds(ctx context.Context, key Key) ([]Hold, error)

	// ListDueHolds returns ids of active holds with ExpiresAt < now.
	ListDueHolds(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// CalendarStore persists calendar slots.
type CalendarStore interface {
	// InsertSlot must atomically reject a booked slot overlapping another
	// booked slot of the same subject with a *TimeConflictError.
	InsertSlot(ctx context.Context, s Slot) error
	GetSlot(ctx context.Context, id string) (Slot, error)

	// UpdateSlotStatus moves a slot from one status to another. Returns
	// ErrSlotNotBooked if the current status is not from.
	UpdateSlotStatus(ctx context.Context, id string, from, to SlotStatus, at time.Time) error

	// FindOverlapping returns booked slots of subject overlapping iv.
	FindOverlapping(ctx context.Context, subjectID string, iv Interval) ([]Slot, error)

	// ListSlots returns slots of any status overlapping [from, to).
	ListSlots(ctx context.Context, subjectID string, from, to time.Time) ([]Slot, error)
	ListSlotsByBooking(ctx context.Context, bookingID string) ([]Slot, error)
}

// BookingStore persists booking records.
type BookingStore interface {
	InsertBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id string) (Booking, error)
	LockBooking(ctx context.Context, id string) (Booking, error)
	UpdateBooking(ctx context.Context, b Booking) error
}

// Store is the full persistence surface of the engine.
type Store interface {
	BalanceStore
	LedgerStore
	HoldStore
	CalendarStore
	BookingStore

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
