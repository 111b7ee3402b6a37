// Package memory provides an in-memory engine.Store (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/mentor-booking/engine"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps all state behind one mutex. WithTx holds the mutex for the
// whole transaction, so transactions are serialized, and restores a
// snapshot when fn fails.
type Store struct {
	mu sync.Mutex
	state
}

type state struct {
	balances map[engine.Key]engine.Balance
	entries  map[engine.Key][]engine.LedgerEntry
	holds    map[string]engine.Hold
	idem     map[idemKey]string // -> hold id
	slots    map[string]engine.Slot
	bookings map[string]engine.Booking
}

type idemKey struct {
	key engine.Key
	idk string
}

func New() *Store {
	return &Store{state: newState()}
}

func newState() state {
	return state{
		balances: make(map[engine.Key]engine.Balance),
		entries:  make(map[engine.Key][]engine.LedgerEntry),
		holds:    make(map[string]engine.Hold),
		idem:     make(map[idemKey]string),
		slots:    make(map[string]engine.Slot),
		bookings: make(map[string]engine.Booking),
	}
}

var _ engine.Store = (*Store)(nil)

// =============================================================================
// TRANSACTIONS
// =============================================================================

type txKey struct{}

// inTx reports whether ctx belongs to a transaction of this store, in
// which case the mutex is already held.
func (m *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == m
}

// lock acquires the mutex unless ctx already runs inside a transaction.
func (m *Store) lock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
func (m *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx engine.Store) error) error {
	if m.inTx(ctx) {
		return fn(ctx, m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, m), m); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Store) snapshot() state {
	s := newState()
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = append([]engine.LedgerEntry(nil), v...)
	}
	for k, v := range m.holds {
		s.holds[k] = v
	}
	for k, v := range m.idem {
		s.idem[k] = v
	}
	for k, v := range m.slots {
		s.slots[k] = v
	}
	for k, v := range m.bookings {
		s.bookings[k] = v
	}
	return s
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Store) GetBalance(ctx context.Context, key engine.Key) (engine.Balance, error) {
	defer m.lock(ctx)()
	b, ok := m.balances[key]
	if !ok {
		return engine.Balance{}, engine.ErrBalanceNotFound
	}
	return b, nil
}

// LockBalance is GetBalance: the transaction already owns the store.
func (m *Store) LockBalance(ctx context.Context, key engine.Key) (engine.Balance, error) {
	return m.GetBalance(ctx, key)
}

func (m *Store) EnsureBalance(ctx context.Context, b engine.Balance) error {
	defer m.lock(ctx)()
	if _, ok := m.balances[b.Key]; !ok {
		m.balances[b.Key] = b
	}
	return nil
}

func (m *Store) UpdateBalance(ctx context.Context, b engine.Balance) error {
	defer m.lock(ctx)()
	if _, ok := m.balances[b.Key]; !ok {
		return engine.ErrBalanceNotFound
	}
	if err := b.Check(); err != nil {
		return err
	}
	m.balances[b.Key] = b
	return nil
}

func (m *Store) ListExpiredBalances(ctx context.Context, now time.Time, limit int) ([]engine.Key, error) {
	defer m.lock(ctx)()
	var keys []engine.Key
	for k, b := range m.balances {
		if b.ValidUntil != nil && !b.ValidUntil.After(now) && b.Available > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return truncate(keys, limit), nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (m *Store) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	defer m.lock(ctx)()
	if !e.Type.SignMatches(e.Quantity) || e.BalanceAfter < 0 {
		return engine.ErrInvalidQuantity
	}
	m.entries[e.Key] = append(m.entries[e.Key], e)
	return nil
}

func (m *Store) ListEntries(ctx context.Context, key engine.Key, limit int) ([]engine.LedgerEntry, error) {
	defer m.lock(ctx)()
	all := m.entries[key]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]engine.LedgerEntry(nil), all...), nil
}

// =============================================================================
// HOLDS
// =============================================================================

func (m *Store) InsertHold(ctx context.Context, h engine.Hold) error {
	defer m.lock(ctx)()
	if h.IdempotencyKey != "" {
		ik := idemKey{key: h.Key, idk: h.IdempotencyKey}
		if _, ok := m.idem[ik]; ok {
			return engine.ErrIdempotencyConflict
		}
		m.idem[ik] = h.ID
	}
	m.holds[h.ID] = h
	return nil
}

func (m *Store) GetHold(ctx context.Context, id string) (engine.Hold, error) {
	defer m.lock(ctx)()
	h, ok := m.holds[id]
	if !ok {
		return engine.Hold{}, engine.ErrHoldNotFound
	}
	return h, nil
}

func (m *Store) LockHold(ctx context.Context, id string) (engine.Hold, error) {
	return m.GetHold(ctx, id)
}

func (m *Store) UpdateHold(ctx context.Context, h engine.Hold) error {
	defer m.lock(ctx)()
	cur, ok := m.holds[h.ID]
	if !ok {
		return engine.ErrHoldNotFound
	}
	if cur.Status.Terminal() {
		return &engine.HoldStateError{HoldID: cur.ID, Status: cur.Status}
	}
	m.holds[h.ID] = h
	return nil
}

func (m *Store) FindHoldByIdempotencyKey(ctx context.Context, key engine.Key, idempotencyKey string) (*engine.Hold, error) {
	defer m.lock(ctx)()
	id, ok := m.idem[idemKey{key: key, idk: idempotencyKey}]
	if !ok {
		return nil, nil
	}
	h := m.holds[id]
	return &h, nil
}

func (m *Store) ListActiveHolds(ctx context.Context, key engine.Key) ([]engine.Hold, error) {
	defer m.lock(ctx)()
	var result []engine.Hold
	for _, h := range m.holds {
		if h.Key == key && h.Status == engine.HoldActive {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Store) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	defer m.lock(ctx)()
	var due []engine.Hold
	for _, h := range m.holds {
		if h.Overdue(now) {
			due = append(due, h)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	ids := make([]string, 0, len(due))
	for _, h := range due {
		ids = append(ids, h.ID)
	}
	return truncate(ids, limit), nil
}

// =============================================================================
// CALENDAR
// =============================================================================

// InsertSlot checks overlap and inserts under the same lock.
func (m *Store) InsertSlot(ctx context.Context, s engine.Slot) error {
	defer m.lock(ctx)()
	if s.Status == engine.SlotBooked {
		if other := m.overlapping(s.SubjectID, s.Interval); len(other) > 0 {
			return &engine.TimeConflictError{SubjectID: s.SubjectID, Interval: s.Interval, ConflictingSlotID: other[0].ID}
		}
	}
	m.slots[s.ID] = s
	return nil
}

func (m *Store) GetSlot(ctx context.Context, id string) (engine.Slot, error) {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok {
		return engine.Slot{}, engine.ErrSlotNotFound
	}
	return s, nil
}

func (m *Store) UpdateSlotStatus(ctx context.Context, id string, from, to engine.SlotStatus, at time.Time) error {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok {
		return engine.ErrSlotNotFound
	}
	if s.Status != from {
		return engine.ErrSlotNotBooked
	}
	s.Status = to
	s.UpdatedAt = at
	m.slots[id] = s
	return nil
}

func (m *Store) FindOverlapping(ctx context.Context, subjectID string, iv engine.Interval) ([]engine.Slot, error) {
	defer m.lock(ctx)()
	return m.overlapping(subjectID, iv), nil
}

func (m *Store) overlapping(subjectID string, iv engine.Interval) []engine.Slot {
	var result []engine.Slot
	for _, s := range m.slots {
		if s.SubjectID == subjectID && s.Status == engine.SlotBooked && s.Interval.Overlaps(iv) {
			result = append(result, s)
		}
	}
	sortSlots(result)
	return result
}

func (m *Store) ListSlots(ctx context.Context, subjectID string, from, to time.Time) ([]engine.Slot, error) {
	defer m.lock(ctx)()
	window := engine.Interval{Start: from, End: to}
	var result []engine.Slot
	for _, s := range m.slots {
		if s.SubjectID == subjectID && s.Interval.Overlaps(window) {
			result = append(result, s)
		}
	}
	sortSlots(result)
	return result, nil
}

func (m *Store) ListSlotsByBooking(ctx context.Context, bookingID string) ([]engine.Slot, error) {
	defer m.lock(ctx)()
	var result []engine.Slot
	for _, s := range m.slots {
		if s.BookingID == bookingID {
			result = append(result, s)
		}
	}
	sortSlots(result)
	return result, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (m *Store) InsertBooking(ctx context.Context, b engine.Booking) error {
	defer m.lock(ctx)()
	m.bookings[b.ID] = b
	return nil
}

func (m *Store) GetBooking(ctx context.Context, id string) (engine.Booking, error) {
	defer m.lock(ctx)()
	b, ok := m.bookings[id]
	if !ok {
		return engine.Booking{}, engine.ErrBookingNotFound
	}
	return b, nil
}

func (m *Store) LockBooking(ctx context.Context, id string) (engine.Booking, error) {
	return m.GetBooking(ctx, id)
}

func (m *Store) UpdateBooking(ctx context.Context, b engine.Booking) error {
	defer m.lock(ctx)()
	if _, ok := m.bookings[b.ID]; !ok {
		return engine.ErrBookingNotFound
	}
	m.bookings[b.ID] = b
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func sortSlots(s []engine.Slot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Interval.Start.Equal(s[j].Interval.Start) {
			return s[i].ID < s[j].ID
		}
		return s[i].Interval.Start.Before(s[j].Interval.Start)
	})
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
