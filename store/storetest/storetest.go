// Package storetest is a behavioural test suite every engine.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-booking/engine"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) engine.Store

var (
	t0  = time.Date(2025, 3, 10, 9, 0, 0, 123456000, time.UTC) // microseconds: the finest precision every store keeps
	key = engine.Key{SubjectID: "contract-1", ServiceType: "session"}
)

func span(startMin, endMin int) engine.Interval {
	return engine.Interval{Start: t0.Add(time.Duration(startMin) * time.Minute), End: t0.Add(time.Duration(endMin) * time.Minute)}
}

func seedBalance(t *testing.T, s engine.Store, total int64) engine.Balance {
	t.Helper()
	ctx := context.Background()
	b := engine.NewBalance(key, t0)
	require.NoError(t, s.EnsureBalance(ctx, b))
	b.Total, b.Available, b.Version = total, total, 1
	require.NoError(t, s.UpdateBalance(ctx, b))
	return b
}

func slot(id, subject string, iv engine.Interval) engine.Slot {
	return engine.Slot{
		ID: id, SubjectID: subject, Role: engine.RoleMentor, Interval: iv,
		Status: engine.SlotBooked, CreatedAt: t0, UpdatedAt: t0,
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("BalanceRoundTrip", func(t *testing.T) { testBalanceRoundTrip(t, newStore(t)) })
	t.Run("BalanceInvariantRejected", func(t *testing.T) { testBalanceInvariantRejected(t, newStore(t)) })
	t.Run("ExpiredBalances", func(t *testing.T) { testExpiredBalances(t, newStore(t)) })
	t.Run("EntriesAppendOnlyOrder", func(t *testing.T) { testEntries(t, newStore(t)) })
	t.Run("HoldLifecycle", func(t *testing.T) { testHoldLifecycle(t, newStore(t)) })
	t.Run("HoldIdempotency", func(t *testing.T) { testHoldIdempotency(t, newStore(t)) })
	t.Run("DueHolds", func(t *testing.T) { testDueHolds(t, newStore(t)) })
	t.Run("SlotOverlapRejected", func(t *testing.T) { testSlotOverlap(t, newStore(t)) })
	t.Run("SlotStatus", func(t *testing.T) { testSlotStatus(t, newStore(t)) })
	t.Run("ConcurrentSlotInsert", func(t *testing.T) { testConcurrentSlotInsert(t, newStore(t)) })
	t.Run("BookingRoundTrip", func(t *testing.T) { testBookingRoundTrip(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("NestedTxJoins", func(t *testing.T) { testNestedTx(t, newStore(t)) })
	t.Run("ConcurrentConsumption", func(t *testing.T) { testConcurrentConsumption(t, newStore(t)) })
	t.Run("ConcurrentHolds", func(t *testing.T) { testConcurrentHolds(t, newStore(t)) })
	t.Run("ConcurrentIdempotentHolds", func(t *testing.T) { testConcurrentIdempotentHolds(t, newStore(t)) })
	t.Run("SagaRollback", func(t *testing.T) { testSagaRollback(t, newStore(t)) })
}

// =============================================================================
// BALANCES
// =============================================================================

func testBalanceRoundTrip(t *testing.T, s engine.Store) {
	ctx := context.Background()

	_, err := s.GetBalance(ctx, key)
	assert.ErrorIs(t, err, engine.ErrBalanceNotFound)

	seeded := seedBalance(t, s, 5)

	// EnsureBalance never overwrites.
	require.NoError(t, s.EnsureBalance(ctx, engine.NewBalance(key, t0)))

	got, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, seeded.Total, got.Total)
	assert.Equal(t, seeded.Available, got.Available)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, t0.Equal(got.CreatedAt), "sub-second precision survives")
	assert.Nil(t, got.ValidUntil)

	until := t0.Add(time.Hour)
	got.ValidUntil = &until
	require.NoError(t, s.UpdateBalance(ctx, got))
	got, err = s.GetBalance(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got.ValidUntil)
	assert.True(t, until.Equal(*got.ValidUntil))

	other := engine.NewBalance(engine.Key{SubjectID: "nobody", ServiceType: "session"}, t0)
	assert.ErrorIs(t, s.UpdateBalance(ctx, other), engine.ErrBalanceNotFound)
}

func testBalanceInvariantRejected(t *testing.T, s engine.Store) {
	ctx := context.Background()
	b := seedBalance(t, s, 5)

	b.Available = 7
	assert.ErrorIs(t, s.UpdateBalance(ctx, b), engine.ErrInvariantViolation)

	got, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Available)
}

func testExpiredBalances(t *testing.T, s engine.Store) {
	ctx := context.Background()
	b := seedBalance(t, s, 5)
	until := t0.Add(time.Hour)
	b.ValidUntil = &until
	require.NoError(t, s.UpdateBalance(ctx, b))

	keys, err := s.ListExpiredBalances(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.ListExpiredBalances(ctx, until, 10)
	require.NoError(t, err)
	assert.Equal(t, []engine.Key{key}, keys)
}

// =============================================================================
// LEDGER
// =============================================================================

func testEntries(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedBalance(t, s, 5)

	for i, q := range []int64{5, -1, -2} {
		typ := engine.EntryInitial
		if q < 0 {
			typ = engine.EntryConsumption
		}
		require.NoError(t, s.AppendEntry(ctx, engine.LedgerEntry{
			ID: string(rune('a' + i)), Key: key, Quantity: q, Type: typ, Source: "test",
			BalanceAfter: 1, BookingID: "b-1", CreatedAt: t0,
		}))
	}

	// Wrong sign is rejected by the store.
	err := s.AppendEntry(ctx, engine.LedgerEntry{ID: "bad", Key: key, Quantity: 1, Type: engine.EntryConsumption, Source: "test", CreatedAt: t0})
	assert.Error(t, err)

	all, err := s.ListEntries(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "b-1", all[1].BookingID)
	assert.Empty(t, all[1].HoldID)

	// A limit keeps the latest entries.
	two, err := s.ListEntries(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, []string{"b", "c"}, []string{two[0].ID, two[1].ID})
}

// =============================================================================
// HOLDS
// =============================================================================

func testHoldLifecycle(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedBalance(t, s, 5)
	exp := t0.Add(15 * time.Minute)

	h := engine.Hold{ID: "h-1", Key: key, Quantity: 2, Status: engine.HoldActive, ExpiresAt: &exp, BookingID: "b-1", CreatedAt: t0}
	require.NoError(t, s.InsertHold(ctx, h))

	got, err := s.GetHold(ctx, "h-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Quantity)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))

	active, err := s.ListActiveHolds(ctx, key)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	at := t0.Add(time.Minute)
	got.Status, got.ReleasedAt, got.ReleaseReason = engine.HoldReleased, &at, "completed"
	require.NoError(t, s.UpdateHold(ctx, got))

	// Terminal holds cannot move again.
	got.Status = engine.HoldCancelled
	var hs *engine.HoldStateError
	require.ErrorAs(t, s.UpdateHold(ctx, got), &hs)
	assert.Equal(t, engine.HoldReleased, hs.Status)

	active, err = s.ListActiveHolds(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetHold(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrHoldNotFound)
}

func testHoldIdempotency(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedBalance(t, s, 5)

	none, err := s.FindHoldByIdempotencyKey(ctx, key, "req-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.InsertHold(ctx, engine.Hold{ID: "h-1", Key: key, Quantity: 1, Status: engine.HoldActive, IdempotencyKey: "req-1", CreatedAt: t0}))
	err = s.InsertHold(ctx, engine.Hold{ID: "h-2", Key: key, Quantity: 1, Status: engine.HoldActive, IdempotencyKey: "req-1", CreatedAt: t0})
	assert.ErrorIs(t, err, engine.ErrIdempotencyConflict)

	// Holds without a key never collide.
	require.NoError(t, s.InsertHold(ctx, engine.Hold{ID: "h-3", Key: key, Quantity: 1, Status: engine.HoldActive, CreatedAt: t0}))
	require.NoError(t, s.InsertHold(ctx, engine.Hold{ID: "h-4", Key: key, Quantity: 1, Status: engine.HoldActive, CreatedAt: t0}))

	found, err := s.FindHoldByIdempotencyKey(ctx, key, "req-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "h-1", found.ID)
}

func testDueHolds(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedBalance(t, s, 5)
	soon, later := t0.Add(time.Minute), t0.Add(time.Hour)

	require.NoError(t, s.InsertHold(ctx, engine.Hold{ID: "later", Key: key, Quantity: 1, Status: engine.HoldActive, ExpiresAt: &later, CreatedAt: t0}))
	require.NoError(t, s.InsertHold(ctx, engine.Hold{ID: "soon", Key: key, Quantity: 1, Status: engine.HoldActive, ExpiresAt: &soon, CreatedAt: t0}))
	require.NoError(t, s.InsertHold(ctx, engine.Hold{ID: "manual", Key: key, Quantity: 1, Status: engine.HoldActive, CreatedAt: t0}))

	ids, err := s.ListDueHolds(ctx, t0.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, ids)

	ids, err = s.ListDueHolds(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"soon", "later"}, ids)

	ids, err = s.ListDueHolds(ctx, t0.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, ids)
}

// =============================================================================
// CALENDAR
// =============================================================================

func testSlotOverlap(t *testing.T, s engine.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertSlot(ctx, slot("s-1", "mentor-1", span(60, 90))))

	err := s.InsertSlot(ctx, slot("s-2", "mentor-1", span(75, 105)))
	var tc *engine.TimeConflictError
	require.ErrorAs(t, err, &tc)
	assert.Equal(t, "s-1", tc.ConflictingSlotID)

	// Contained and containing intervals conflict too.
	assert.ErrorIs(t, s.InsertSlot(ctx, slot("s-3", "mentor-1", span(65, 70))), engine.ErrTimeConflict)
	assert.ErrorIs(t, s.InsertSlot(ctx, slot("s-4", "mentor-1", span(0, 200))), engine.ErrTimeConflict)

	// Touching is fine, as is another subject.
	require.NoError(t, s.InsertSlot(ctx, slot("s-5", "mentor-1", span(90, 120))))
	require.NoError(t, s.InsertSlot(ctx, slot("s-6", "student-1", span(60, 90))))

	overlapping, err := s.FindOverlapping(ctx, "mentor-1", span(80, 100))
	require.NoError(t, err)
	require.Len(t, overlapping, 2)
	assert.Equal(t, "s-1", overlapping[0].ID)
	assert.Equal(t, "s-5", overlapping[1].ID)
}

func testSlotStatus(t *testing.T, s engine.Store) {
	ctx := context.Background()
	sl := slot("s-1", "mentor-1", span(60, 90))
	sl.BookingID = "b-1"
	require.NoError(t, s.InsertSlot(ctx, sl))

	require.NoError(t, s.UpdateSlotStatus(ctx, "s-1", engine.SlotBooked, engine.SlotCancelled, t0.Add(time.Minute)))
	assert.ErrorIs(t, s.UpdateSlotStatus(ctx, "s-1", engine.SlotBooked, engine.SlotCompleted, t0), engine.ErrSlotNotBooked)
	assert.ErrorIs(t, s.UpdateSlotStatus(ctx, "missing", engine.SlotBooked, engine.SlotCompleted, t0), engine.ErrSlotNotFound)

	// A cancelled slot no longer blocks the interval.
	require.NoError(t, s.InsertSlot(ctx, slot("s-2", "mentor-1", span(60, 90))))

	byBooking, err := s.ListSlotsByBooking(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, byBooking, 1)
	assert.Equal(t, engine.SlotCancelled, byBooking[0].Status)

	all, err := s.ListSlots(ctx, "mentor-1", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := s.GetSlot(ctx, "s-2")
	require.NoError(t, err)
	assert.True(t, span(60, 90).Start.Equal(got.Interval.Start))
	assert.True(t, span(60, 90).End.Equal(got.Interval.End))
}

func testConcurrentSlotInsert(t *testing.T, s engine.Store) {
	ctx := context.Background()
	const n = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every interval overlaps every other one.
			iv := span(60+i, 120+i)
			err := s.WithTx(ctx, func(ctx context.Context, tx engine.Store) error {
				return tx.InsertSlot(ctx, slot(string(rune('a'+i)), "mentor-1", iv))
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, engine.ErrTimeConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, conflicts)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func testBookingRoundTrip(t *testing.T, s engine.Store) {
	ctx := context.Background()
	b := engine.Booking{
		ID: "b-1", ContractID: "contract-1", StudentID: "student-1", MentorID: "mentor-1",
		MentorRole: engine.RoleMentor, ServiceType: "session", Quantity: 1, Interval: span(60, 90),
		Topic: "essay review", HoldID: "h-1", Status: engine.BookingScheduled,
		Meeting:   engine.Meeting{ID: "m-1", JoinURL: "https://meet.example.com/m-1", Password: "pw"},
		CreatedBy: "student-1", CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.InsertBooking(ctx, b))

	got, err := s.GetBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, b.Meeting, got.Meeting)
	assert.Equal(t, b.Key(), got.Key())
	assert.Equal(t, "essay review", got.Topic)

	got.Status, got.CancelReason, got.UpdatedAt = engine.BookingCancelled, "sick", t0.Add(time.Hour)
	require.NoError(t, s.UpdateBooking(ctx, got))

	got, err = s.LockBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, engine.BookingCancelled, got.Status)
	assert.Equal(t, "sick", got.CancelReason)

	_, err = s.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrBookingNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTxRollback(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedBalance(t, s, 5)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx engine.Store) error {
		b, err := tx.LockBalance(ctx, key)
		require.NoError(t, err)
		b.Held, b.Available = 1, 4
		require.NoError(t, tx.UpdateBalance(ctx, b))
		require.NoError(t, tx.InsertSlot(ctx, slot("s-1", "mentor-1", span(60, 90))))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Available)
	_, err = s.GetSlot(ctx, "s-1")
	assert.ErrorIs(t, err, engine.ErrSlotNotFound)
}

func testNestedTx(t *testing.T, s engine.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx engine.Store) error {
		require.NoError(t, tx.InsertSlot(ctx, slot("outer", "mentor-1", span(0, 30))))
		inner := s.WithTx(ctx, func(ctx context.Context, tx engine.Store) error {
			// Sees the outer write: same transaction.
			_, err := tx.GetSlot(ctx, "outer")
			require.NoError(t, err)
			return tx.InsertSlot(ctx, slot("inner", "mentor-1", span(30, 60)))
		})
		require.NoError(t, inner)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetSlot(ctx, "outer")
	assert.ErrorIs(t, err, engine.ErrSlotNotFound)
	_, err = s.GetSlot(ctx, "inner")
	assert.ErrorIs(t, err, engine.ErrSlotNotFound)
}
