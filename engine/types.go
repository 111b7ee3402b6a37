/*
Package engine provides the entitlement and reservation core.

PURPOSE:
  A student's contract entitles them to a fixed number of services
  (sessions, reviews, classes). Mentors and counselors consume those
  entitlements by delivering time-boxed sessions. This package keeps the
  two shared resources from being over-committed under concurrency:
  a contract's remaining quantity, and a person's calendar time.

KEY CONCEPTS IN THIS FILE (types.go):
  - Key: (subject, service type) pair identifying one balance
  - Balance: total / consumed / held / available counters
  - LedgerEntry: immutable record of one balance change
  - Hold: provisional reservation of units while a booking is in flight
  - Slot: one booked interval on a person's calendar
  - Booking: the business fact joining hold, slots and meeting

DESIGN PRINCIPLES:
  1. Append-only: ledger entries are never updated or deleted
  2. Same-transaction derivation: the balance row is rewritten in the
     same transaction as the entry or hold that changes it
  3. Store-enforced exclusion: calendar overlap is rejected by the data
     store at insert time, never by a separate read
  4. Integer units: quantities are counts of "times", not amounts

USAGE:
  key := engine.Key{SubjectID: "contract-42", ServiceType: "session"}
  ledger := engine.NewLedger(store)
  entry, err := ledger.GrantInitial(ctx, engine.GrantInput{Key: key, Quantity: 5})

SEE ALSO:
  - balance.go: Pure balance arithmetic and invariant checks
  - ledger.go: Ledger operations (grant, consume, refund, adjust, expire)
  - hold.go: Hold lifecycle
  - calendar.go: Calendar exclusion
  - store.go: Persistence interfaces
*/
package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// SubjectID identifies the owner of a balance (a contract or a student).
type SubjectID string

// ServiceType is a catalog service code such as "session" or "review".
type ServiceType string

// Key identifies one entitlement balance.
type Key struct {
	SubjectID   SubjectID
	ServiceType ServiceType
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.SubjectID, k.ServiceType) }

// Validate returns ErrInvalidKey if either component is empty.
func (k Key) Validate() error {
	if k.SubjectID == "" || k.ServiceType == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// =============================================================================
// BALANCE - Derived per-key aggregate
// =============================================================================

// Balance is the mutable aggregate derived from the ledger and the active
// holds of one key. Units are "times".
//
// INVARIANT: Available = Total - Consumed - Held, Consumed + Held <= Total,
// every field >= 0. See Balance.Check.
type Balance struct {
	Key
	Total     int64
	Consumed  int64
	Held      int64
	Available int64

	// ValidUntil is when the remaining entitlement expires. Nil means never.
	ValidUntil *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable fact
// =============================================================================

type EntryType string

const (
	EntryInitial     EntryType = "initial"     // Contract grant (+)
	EntryConsumption EntryType = "consumption" // Service delivered (-)
	EntryRefund      EntryType = "refund"      // Consumed unit given back (+)
	EntryAdjustment  EntryType = "adjustment"  // Manual correction of total (+/-)
	EntryExpiration  EntryType = "expiration"  // Remaining units past validity (-)
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryInitial, EntryConsumption, EntryRefund, EntryAdjustment, EntryExpiration:
		return true
	}
	return false
}

// SignMatches reports whether a signed quantity is allowed for the type.
func (t EntryType) SignMatches(quantity int64) bool {
	switch t {
	case EntryInitial, EntryRefund:
		return quantity > 0
	case EntryConsumption, EntryExpiration:
		return quantity < 0
	case EntryAdjustment:
		return quantity != 0
	}
	return false
}

// LedgerEntry records one entitlement-affecting event. Once written it is
// never modified; corrections are new entries.
type LedgerEntry struct {
	ID           string
	Key          Key
	Quantity     int64 // signed, see EntryType.SignMatches
	Type         EntryType
	Source       string // why: "booking", "contract", "reaper", "admin", ...
	BalanceAfter int64  // Available after this entry was applied
	HoldID       string
	BookingID    string
	Reason       string // required for adjustments
	CreatedBy    string
	CreatedAt    time.Time
}

// =============================================================================
// HOLD - Provisional reservation
// =============================================================================

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldReleased  HoldStatus = "released"  // booking completed / consumed
	HoldCancelled HoldStatus = "cancelled" // booking cancelled before completion
	HoldExpired   HoldStatus = "expired"   // TTL elapsed, set by the reaper
)

// Terminal reports whether no further transition is allowed.
func (s HoldStatus) Terminal() bool { return s != HoldActive }

// Hold reserves units of a balance without writing to the ledger.
// Only active holds count toward Balance.Held.
type Hold struct {
	ID       string
	Key      Key
	Quantity int64
	Status   HoldStatus

	// ExpiresAt nil means no auto-expiry (manual release only).
	ExpiresAt     *time.Time
	ReleasedAt    *time.Time
	ReleaseReason string

	BookingID      string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Overdue reports whether an active hold has passed its expiry at now.
func (h Hold) Overdue(now time.Time) bool {
	return h.Status == HoldActive && h.ExpiresAt != nil && h.ExpiresAt.Before(now)
}

// =============================================================================
// CALENDAR SLOT - One booked interval for one person
// =============================================================================

// Role is informational; it is not part of the overlap invariant.
type Role string

const (
	RoleMentor    Role = "mentor"
	RoleStudent   Role = "student"
	RoleCounselor Role = "counselor"
)

func (r Role) Valid() bool {
	return r == RoleMentor || r == RoleStudent || r == RoleCounselor
}

type SlotStatus string

const (
	SlotBooked    SlotStatus = "booked"
	SlotCompleted SlotStatus = "completed"
	SlotCancelled SlotStatus = "cancelled"
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval builds [start, start+d).
func NewInterval(start time.Time, d time.Duration) Interval {
	return Interval{Start: start, End: start.Add(d)}
}

// Validate returns ErrInvalidInterval unless End is after Start.
func (iv Interval) Validate() error {
	if iv.Start.IsZero() || !iv.End.After(iv.Start) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidInterval,
			iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	return nil
}

// Overlaps uses half-open semantics: touching intervals do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// UTC returns the interval with both ends converted to UTC.
func (iv Interval) UTC() Interval { return Interval{Start: iv.Start.UTC(), End: iv.End.UTC()} }

type Slot struct {
	ID        string
	SubjectID string
	Role      Role
	Interval  Interval
	Status    SlotStatus
	BookingID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// BOOKING - Join point of hold, slots and meeting
// =============================================================================

type BookingStatus string

const (
	BookingScheduled BookingStatus = "scheduled"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Meeting is the joinable resource returned by the meeting provider.
type Meeting struct {
	ID       string
	JoinURL  string
	Password string
}

type Booking struct {
	ID           string
	ContractID   SubjectID
	StudentID    string
	MentorID     string
	MentorRole   Role
	ServiceType  ServiceType
	Quantity     int64
	Interval     Interval
	Topic        string
	HoldID       string
	Meeting      Meeting
	Status       BookingStatus
	CancelReason string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the entitlement balance this booking draws from.
func (b Booking) Key() Key { return Key{SubjectID: b.ContractID, ServiceType: b.ServiceType} }
