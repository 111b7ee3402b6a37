/*
balance.go - Pure balance arithmetic

PURPOSE:
  Every state change of a Balance goes through one of three functions:
  Apply (a ledger entry), Reserve (a new active hold) and Unreserve (a
  hold leaving the active state). Each returns the next balance or an
  error; none of them touch storage. The ledger and hold services call
  them inside the transaction that holds the balance row lock, then
  write the entry/hold and the new row together.

INVARIANT (Check):
  Available = Total - Consumed - Held
  Consumed + Held <= Total
  Total, Consumed, Held, Available >= 0

  A violation is a bug, reported as InvariantError. It is never clamped.

SEE ALSO:
  - ledger.go: Apply callers
  - hold.go: Reserve/Unreserve callers
*/
package engine

import (
	"fmt"
	"time"
)

// NewBalance returns an empty balance for key.
func NewBalance(key Key, now time.Time) Balance {
	return Balance{Key: key, CreatedAt: now, UpdatedAt: now}
}

// Check verifies the balance invariant.
func (b Balance) Check() error {
	switch {
	case b.Total < 0 || b.Consumed < 0 || b.Held < 0 || b.Available < 0:
		return &InvariantError{Balance: b, Detail: "negative counter"}
	case b.Available != b.Total-b.Consumed-b.Held:
		return &InvariantError{Balance: b, Detail: "available != total - consumed - held"}
	case b.Consumed+b.Held > b.Total:
		return &InvariantError{Balance: b, Detail: "consumed + held exceeds total"}
	}
	return nil
}

func (b Balance) recompute() Balance {
	b.Available = b.Total - b.Consumed - b.Held
	return b
}

// SignedQuantity converts a positive magnitude to the signed quantity
// stored for the entry type. Adjustments are already signed.
func SignedQuantity(t EntryType, magnitude int64) int64 {
	switch t {
	case EntryConsumption, EntryExpiration:
		return -magnitude
	}
	return magnitude
}

// Apply returns the balance after an entry of type t with signed quantity.
func (b Balance) Apply(t EntryType, quantity int64) (Balance, error) {
	if !t.Valid() {
		return b, fmt.Errorf("unknown entry type %q", t)
	}
	if !t.SignMatches(quantity) {
		return b, fmt.Errorf("%w: %s entry with quantity %d", ErrInvalidQuantity, t, quantity)
	}
	if err := b.Check(); err != nil {
		return b, err
	}

	next := b
	switch t {
	case EntryInitial:
		next.Total += quantity

	case EntryConsumption:
		need := -quantity
		if b.Available < need {
			return b, &InsufficientBalanceError{Key: b.Key, Available: b.Available, Requested: need}
		}
		next.Consumed += need

	case EntryRefund:
		if b.Consumed < quantity {
			return b, fmt.Errorf("%w: consumed %d, refund %d", ErrRefundExceedsConsumed, b.Consumed, quantity)
		}
		next.Consumed -= quantity

	case EntryAdjustment:
		if quantity < 0 && b.Available < -quantity {
			return b, &InsufficientBalanceError{Key: b.Key, Available: b.Available, Requested: -quantity}
		}
		next.Total += quantity

	case EntryExpiration:
		// Expiration only ever removes currently available units.
		if b.Available < -quantity {
			return b, &InvariantError{Balance: b, Detail: fmt.Sprintf("expiration of %d exceeds available", -quantity)}
		}
		next.Total += quantity
	}

	next = next.recompute()
	if err := next.Check(); err != nil {
		return b, err
	}
	return next, nil
}

// Reserve moves quantity from available to held.
func (b Balance) Reserve(quantity int64) (Balance, error) {
	if quantity <= 0 {
		return b, ErrInvalidQuantity
	}
	if err := b.Check(); err != nil {
		return b, err
	}
	if b.Available < quantity {
		return b, &InsufficientBalanceError{Key: b.Key, Available: b.Available, Requested: quantity}
	}
	next := b
	next.Held += quantity
	next = next.recompute()
	return next, next.Check()
}

// Unreserve moves quantity from held back to available.
func (b Balance) Unreserve(quantity int64) (Balance, error) {
	if quantity <= 0 {
		return b, ErrInvalidQuantity
	}
	if b.Held < quantity {
		return b, &InvariantError{Balance: b, Detail: fmt.Sprintf("releasing %d exceeds held", quantity)}
	}
	next := b
	next.Held -= quantity
	next = next.recompute()
	if err := next.Check(); err != nil {
		return b, err
	}
	return next, nil
}

// Replay rebuilds a balance from its ledger entries and active holds.
// Used to audit the stored row; see Ledger.Verify.
func Replay(key Key, entries []LedgerEntry, active []Hold) Balance {
	b := Balance{Key: key}
	for _, e := range entries {
		switch e.Type {
		case EntryInitial, EntryAdjustment, EntryExpiration:
			b.Total += e.Quantity
		case EntryConsumption, EntryRefund:
			b.Consumed -= e.Quantity
		}
	}
	for _, h := range active {
		if h.Status == HoldActive {
			b.Held += h.Quantity
		}
	}
	return b.recompute()
}
