/*
ledger.go - Entitlement ledger

PURPOSE:
  The Ledger is the only code path that changes Total or Consumed of a
  balance. Every change is one LedgerEntry insert plus the recomputed
  balance row, written in the same transaction under the balance row
  lock. There is no other writer of those counters.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. BalanceAfter >= 0 for every entry
  3. Sign of Quantity matches Type
  4. Concurrent operations on one key serialize on the balance row

EXAMPLE FLOW:
  1. Contract purchased:  initial     +5  (total 5, available 5)
  2. Session delivered:   consumption -1  (consumed 1, available 4)
  3. Session disputed:    refund      +1  (consumed 0, available 5)
  4. Admin correction:    adjustment  -2  (total 3, available 3)
  5. Contract lapses:     expiration  -3  (total 0, available 0)

SEE ALSO:
  - balance.go: the arithmetic applied to the locked row
  - hold.go: the other writer of the balance row (Held only)
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sources recorded on entries written by the engine itself.
const (
	SourceContract = "contract"
	SourceBooking  = "booking"
	SourceAdmin    = "admin"
	SourceExpiry   = "expiry"
)

// Ledger records entitlement changes.
type Ledger struct {
	store Store
	opts  options
}

func NewLedger(store Store, opts ...Option) *Ledger {
	return &Ledger{store: store, opts: buildOptions("ledger", opts)}
}

// =============================================================================
// INPUTS
// =============================================================================

type GrantInput struct {
	Key        Key
	Quantity   int64
	ValidUntil *time.Time
	Source     string
	CreatedBy  string
}

type ConsumeInput struct {
	Key       Key
	Quantity  int64
	BookingID string
	HoldID    string
	Source    string
	CreatedBy string
}

type RefundInput struct {
	Key       Key
	Quantity  int64
	BookingID string
	Reason    string
	Source    string
	CreatedBy string
}

type AdjustInput struct {
	Key       Key
	Delta     int64 // signed
	Reason    string
	CreatedBy string
}

// entryMeta carries the descriptive fields of an entry.
type entryMeta struct {
	source    string
	holdID    string
	bookingID string
	reason    string
	createdBy string
}

// =============================================================================
// OPERATIONS
// =============================================================================

// GrantInitial adds quantity to the total of key, creating the balance
// on first grant. A later ValidUntil replaces the previous one.
func (l *Ledger) GrantInitial(ctx context.Context, in GrantInput) (LedgerEntry, error) {
	if err := in.Key.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	if in.Quantity <= 0 {
		return LedgerEntry{}, ErrInvalidQuantity
	}

	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		now := l.opts.clock.Now()
		if err := tx.EnsureBalance(ctx, NewBalance(in.Key, now)); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, in.Key)
		if err != nil {
			return err
		}
		if in.ValidUntil != nil {
			v := in.ValidUntil.UTC()
			bal.ValidUntil = &v
		}
		entry, err = l.post(ctx, tx, bal, EntryInitial, in.Quantity, entryMeta{
			source:    defaultString(in.Source, SourceContract),
			createdBy: in.CreatedBy,
		})
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	l.opts.logger.Info("entitlement granted", "key", in.Key.String(), "quantity", in.Quantity, "available", entry.BalanceAfter)
	return entry, nil
}

// RecordConsumption deducts quantity from the available units of key.
// Fails with InsufficientBalanceError, leaving the balance unchanged,
// when available < quantity.
func (l *Ledger) RecordConsumption(ctx context.Context, in ConsumeInput) (LedgerEntry, error) {
	if err := in.Key.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	if in.Quantity <= 0 {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	return l.record(ctx, in.Key, EntryConsumption, SignedQuantity(EntryConsumption, in.Quantity), entryMeta{
		source:    defaultString(in.Source, SourceBooking),
		holdID:    in.HoldID,
		bookingID: in.BookingID,
		createdBy: in.CreatedBy,
	})
}

// RecordRefund gives back consumed units.
func (l *Ledger) RecordRefund(ctx context.Context, in RefundInput) (LedgerEntry, error) {
	if err := in.Key.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	if in.Quantity <= 0 {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	return l.record(ctx, in.Key, EntryRefund, in.Quantity, entryMeta{
		source:    defaultString(in.Source, SourceBooking),
		bookingID: in.BookingID,
		reason:    in.Reason,
		createdBy: in.CreatedBy,
	})
}

// RecordAdjustment corrects the total by a signed delta. Reason is required.
func (l *Ledger) RecordAdjustment(ctx context.Context, in AdjustInput) (LedgerEntry, error) {
	if err := in.Key.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	if in.Delta == 0 {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	if in.Reason == "" {
		return LedgerEntry{}, ErrReasonRequired
	}
	return l.record(ctx, in.Key, EntryAdjustment, in.Delta, entryMeta{
		source:    SourceAdmin,
		reason:    in.Reason,
		createdBy: in.CreatedBy,
	})
}

// RecordExpiration removes every currently available unit of key. Held
// units are untouched. Returns nil when nothing is available.
func (l *Ledger) RecordExpiration(ctx context.Context, key Key, source string) (*LedgerEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var result *LedgerEntry
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		bal, err := tx.LockBalance(ctx, key)
		if err != nil {
			return err
		}
		if bal.Available == 0 {
			return nil
		}
		entry, err := l.post(ctx, tx, bal, EntryExpiration, -bal.Available, entryMeta{
			source:    defaultString(source, SourceExpiry),
			createdBy: "system",
		})
		if err != nil {
			return err
		}
		result = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		l.opts.logger.Info("entitlement expired", "key", key.String(), "quantity", -result.Quantity)
	}
	return result, nil
}

// ExpireEntitlements expires the remaining units of balances whose
// validity ended at or before now. Each key is its own transaction, so a
// failure part-way leaves already processed keys expired.
func (l *Ledger) ExpireEntitlements(ctx context.Context, now time.Time, batchSize int) (int, error) {
	keys, err := l.store.ListExpiredBalances(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired balances: %w", err)
	}

	expired := 0
	var errs []error
	for _, key := range keys {
		entry, err := l.RecordExpiration(ctx, key, SourceExpiry)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", key, err))
			continue
		}
		if entry != nil {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// Balance returns the current balance of key (the getEntitlement read path).
func (l *Ledger) Balance(ctx context.Context, key Key) (Balance, error) {
	if err := key.Validate(); err != nil {
		return Balance{}, err
	}
	return l.store.GetBalance(ctx, key)
}

// Entries returns the latest limit entries of key, oldest first. A limit
// <= 0 returns the whole ledger.
func (l *Ledger) Entries(ctx context.Context, key Key, limit int) ([]LedgerEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return l.store.ListEntries(ctx, key, limit)
}

// Verify replays the ledger and active holds of key and compares the
// result to the stored row. Returns a DriftError on mismatch.
func (l *Ledger) Verify(ctx context.Context, key Key) (Balance, error) {
	if err := key.Validate(); err != nil {
		return Balance{}, err
	}

	var stored, replayed Balance
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		stored, err = tx.LockBalance(ctx, key)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, key, 0)
		if err != nil {
			return err
		}
		active, err := tx.ListActiveHolds(ctx, key)
		if err != nil {
			return err
		}
		replayed = Replay(key, entries, active)
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	if stored.Total != replayed.Total || stored.Consumed != replayed.Consumed ||
		stored.Held != replayed.Held || stored.Available != replayed.Available {
		l.opts.logger.Error("balance drift detected", "key", key.String())
		return stored, &DriftError{Stored: stored, Replayed: replayed}
	}
	return stored, stored.Check()
}

// =============================================================================
// INTERNALS
// =============================================================================

// record locks the balance of key and posts one entry.
func (l *Ledger) record(ctx context.Context, key Key, typ EntryType, quantity int64, meta entryMeta) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		bal, err := tx.LockBalance(ctx, key)
		if err != nil {
			return err
		}
		entry, err = l.post(ctx, tx, bal, typ, quantity, meta)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// post applies the entry to a locked balance and writes entry and row.
func (l *Ledger) post(ctx context.Context, tx Store, bal Balance, typ EntryType, quantity int64, meta entryMeta) (LedgerEntry, error) {
	next, err := bal.Apply(typ, quantity)
	if err != nil {
		return LedgerEntry{}, err
	}

	now := l.opts.clock.Now()
	entry := LedgerEntry{
		ID:           newID(),
		Key:          bal.Key,
		Quantity:     quantity,
		Type:         typ,
		Source:       meta.source,
		BalanceAfter: next.Available,
		HoldID:       meta.holdID,
		BookingID:    meta.bookingID,
		Reason:       meta.reason,
		CreatedBy:    meta.createdBy,
		CreatedAt:    now,
	}
	next.UpdatedAt = now
	next.Version++

	if err := tx.AppendEntry(ctx, entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("append %s entry: %w", typ, err)
	}
	if err := tx.UpdateBalance(ctx, next); err != nil {
		return LedgerEntry{}, fmt.Errorf("update balance: %w", err)
	}
	return entry, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
