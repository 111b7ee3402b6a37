/*
hold.go - Time-boxed holds

PURPOSE:
  A Hold keeps two in-flight bookings from both believing the same unit
  of entitlement is free before a ledger entry is written. Creating a
  hold moves units from Available to Held; leaving the active state
  moves them back. Both happen in the transaction that writes the hold.

STATE MACHINE:
  active -> released   (booking completed / consumed)
  active -> cancelled  (student or mentor cancelled)
  active -> expired    (TTL elapsed; reaper or lazy expiry on Create)

  All terminal. No re-activation. A second transition attempt returns
  HoldStateError (ErrAlreadyTerminal) and never credits twice.

TTL POLICY:
  TTL is optional per hold. Zero means manual release only.

SEE ALSO:
  - reaper/reaper.go: periodic ExpireDue
  - booking/orchestrator.go: creates holds inside the booking transaction
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Release reasons recorded on terminal holds.
const (
	ReasonExpired = "expired"
)

// Holds manages hold lifecycle.
type Holds struct {
	store Store
	opts  options
}

func NewHolds(store Store, opts ...Option) *Holds {
	return &Holds{store: store, opts: buildOptions("holds", opts)}
}

type CreateHoldInput struct {
	Key            Key
	Quantity       int64         // defaults to 1
	TTL            time.Duration // 0 = no auto-expiry
	BookingID      string
	IdempotencyKey string
}

// Create reserves units of in.Key. Overdue active holds of the same key
// are expired first so a crashed attempt never blocks a new one longer
// than its TTL.
func (h *Holds) Create(ctx context.Context, in CreateHoldInput) (Hold, error) {
	if err := in.Key.Validate(); err != nil {
		return Hold{}, err
	}
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if in.Quantity < 0 || in.TTL < 0 {
		return Hold{}, ErrInvalidQuantity
	}

	var result Hold
	err := h.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		// The balance lock serializes creates of one key, so a racing
		// create with the same idempotency key sees the winner's hold here.
		bal, err := tx.LockBalance(ctx, in.Key)
		if err != nil {
			return err
		}

		if in.IdempotencyKey != "" {
			existing, err := tx.FindHoldByIdempotencyKey(ctx, in.Key, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Quantity != in.Quantity {
					return ErrIdempotencyConflict
				}
				result = *existing
				return nil
			}
		}

		now := h.opts.clock.Now()
		bal, err = h.expireOverdue(ctx, tx, bal, now)
		if err != nil {
			return err
		}

		next, err := bal.Reserve(in.Quantity)
		if err != nil {
			return err
		}

		hold := Hold{
			ID:             newID(),
			Key:            in.Key,
			Quantity:       in.Quantity,
			Status:         HoldActive,
			BookingID:      in.BookingID,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
		}
		if in.TTL > 0 {
			exp := now.Add(in.TTL)
			hold.ExpiresAt = &exp
		}

		if err := tx.InsertHold(ctx, hold); err != nil {
			return err
		}
		next.UpdatedAt = now
		next.Version++
		if err := tx.UpdateBalance(ctx, next); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		result = hold
		return nil
	})
	if err != nil {
		return Hold{}, err
	}
	return result, nil
}

// Release ends an active hold as released (the guarded booking went
// through). An overdue hold cannot be released: ErrHoldExpired.
func (h *Holds) Release(ctx context.Context, id, reason string) (Hold, error) {
	return h.transition(ctx, id, HoldReleased, reason)
}

// Cancel ends an active hold as cancelled, returning its units.
func (h *Holds) Cancel(ctx context.Context, id, reason string) (Hold, error) {
	return h.transition(ctx, id, HoldCancelled, reason)
}

// ExpireDue expires up to batchSize active holds whose expiry has passed.
// Each hold is its own transaction; holds released concurrently are skipped.
func (h *Holds) ExpireDue(ctx context.Context, batchSize int) (int, error) {
	now := h.opts.clock.Now()
	ids, err := h.store.ListDueHolds(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due holds: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		ok, err := h.expireOne(ctx, id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire hold %s: %w", id, err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		h.opts.logger.Info("holds expired", "count", expired)
	}
	return expired, errors.Join(errs...)
}

// Get returns a hold by id.
func (h *Holds) Get(ctx context.Context, id string) (Hold, error) {
	return h.store.GetHold(ctx, id)
}

// ActiveHolds lists the active holds of key.
func (h *Holds) ActiveHolds(ctx context.Context, key Key) ([]Hold, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return h.store.ListActiveHolds(ctx, key)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (h *Holds) transition(ctx context.Context, id string, to HoldStatus, reason string) (Hold, error) {
	var result Hold
	err := h.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		// Lock order is balance -> hold, so read the key first.
		peek, err := tx.GetHold(ctx, id)
		if err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, peek.Key)
		if err != nil {
			return err
		}
		hold, err := tx.LockHold(ctx, id)
		if err != nil {
			return err
		}
		if hold.Status.Terminal() {
			return &HoldStateError{HoldID: hold.ID, Status: hold.Status}
		}

		now := h.opts.clock.Now()
		if to == HoldReleased && hold.Overdue(now) {
			return fmt.Errorf("hold %s: %w", hold.ID, ErrHoldExpired)
		}

		next, hold, err := h.finish(ctx, tx, bal, hold, to, reason, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, next); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		result = hold
		return nil
	})
	if err != nil {
		return Hold{}, err
	}
	return result, nil
}

func (h *Holds) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	expired := false
	err := h.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		peek, err := tx.GetHold(ctx, id)
		if err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, peek.Key)
		if err != nil {
			return err
		}
		hold, err := tx.LockHold(ctx, id)
		if err != nil {
			return err
		}
		// Re-check under lock: it may have been released since listing.
		if !hold.Overdue(now) {
			return nil
		}
		next, _, err := h.finish(ctx, tx, bal, hold, HoldExpired, ReasonExpired, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, next); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		expired = true
		return nil
	})
	return expired, err
}

// expireOverdue expires the overdue holds of a locked balance and returns
// the updated (not yet persisted) balance.
func (h *Holds) expireOverdue(ctx context.Context, tx Store, bal Balance, now time.Time) (Balance, error) {
	if bal.Held == 0 {
		return bal, nil
	}
	active, err := tx.ListActiveHolds(ctx, bal.Key)
	if err != nil {
		return bal, err
	}
	for _, hold := range active {
		if !hold.Overdue(now) {
			continue
		}
		bal, _, err = h.finish(ctx, tx, bal, hold, HoldExpired, ReasonExpired, now)
		if err != nil {
			return bal, err
		}
		h.opts.logger.Debug("expired overdue hold on create", "hold_id", hold.ID, "key", bal.Key.String())
	}
	return bal, nil
}

// finish writes the terminal hold and returns the balance with its units
// returned. The caller persists the balance.
func (h *Holds) finish(ctx context.Context, tx Store, bal Balance, hold Hold, to HoldStatus, reason string, now time.Time) (Balance, Hold, error) {
	next, err := bal.Unreserve(hold.Quantity)
	if err != nil {
		return bal, hold, err
	}
	hold.Status = to
	hold.ReleasedAt = &now
	hold.ReleaseReason = defaultString(reason, string(to))
	if err := tx.UpdateHold(ctx, hold); err != nil {
		return bal, hold, err
	}
	next.UpdatedAt = now
	next.Version++
	return next, hold, nil
}
