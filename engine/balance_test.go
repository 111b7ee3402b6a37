package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-booking/engine"
)

var testKey = engine.Key{SubjectID: "contract-1", ServiceType: "session"}

func balanceOf(total, consumed, held int64) engine.Balance {
	b := engine.NewBalance(testKey, time.Time{})
	b.Total, b.Consumed, b.Held = total, consumed, held
	b.Available = total - consumed - held
	return b
}

// =============================================================================
// APPLY
// =============================================================================

func TestBalanceApply_ExampleFlow(t *testing.T) {
	// GIVEN: An empty balance
	// WHEN: Applying initial +5, consumption -1, refund +1, adjustment -2, expiration -3
	// THEN: Counters follow the documented flow and end at zero

	b := engine.NewBalance(testKey, time.Time{})
	steps := []struct {
		typ       engine.EntryType
		quantity  int64
		total     int64
		consumed  int64
		available int64
	}{
		{engine.EntryInitial, 5, 5, 0, 5},
		{engine.EntryConsumption, -1, 5, 1, 4},
		{engine.EntryRefund, 1, 5, 0, 5},
		{engine.EntryAdjustment, -2, 3, 0, 3},
		{engine.EntryExpiration, -3, 0, 0, 0},
	}
	for _, s := range steps {
		var err error
		b, err = b.Apply(s.typ, s.quantity)
		require.NoError(t, err, s.typ)
		assert.Equal(t, s.total, b.Total, s.typ)
		assert.Equal(t, s.consumed, b.Consumed, s.typ)
		assert.Equal(t, s.available, b.Available, s.typ)
	}
}

func TestBalanceApply_ConsumptionExceedsAvailable(t *testing.T) {
	// GIVEN: total 5, consumed 3 (available 2)
	// WHEN: Consuming 3
	// THEN: InsufficientBalanceError, balance unchanged

	b := balanceOf(5, 3, 0)
	next, err := b.Apply(engine.EntryConsumption, -3)

	var ib *engine.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(2), ib.Available)
	assert.Equal(t, int64(3), ib.Requested)
	assert.Equal(t, b, next)
}

func TestBalanceApply_HeldUnitsAreNotConsumable(t *testing.T) {
	b := balanceOf(5, 0, 4)
	_, err := b.Apply(engine.EntryConsumption, -2)
	assert.ErrorIs(t, err, engine.ErrInsufficientBalance)
}

func TestBalanceApply_WrongSignRejected(t *testing.T) {
	b := balanceOf(5, 0, 0)

	_, err := b.Apply(engine.EntryConsumption, 1)
	assert.ErrorIs(t, err, engine.ErrInvalidQuantity)

	_, err = b.Apply(engine.EntryInitial, -1)
	assert.ErrorIs(t, err, engine.ErrInvalidQuantity)

	_, err = b.Apply(engine.EntryAdjustment, 0)
	assert.ErrorIs(t, err, engine.ErrInvalidQuantity)
}

func TestBalanceApply_RefundExceedsConsumed(t *testing.T) {
	b := balanceOf(5, 1, 0)
	_, err := b.Apply(engine.EntryRefund, 2)
	assert.ErrorIs(t, err, engine.ErrRefundExceedsConsumed)
}

func TestBalanceApply_ExpirationCannotTouchHeld(t *testing.T) {
	// GIVEN: total 5, held 2 (available 3)
	// WHEN: Expiring 4
	// THEN: Invariant violation, never clamped

	b := balanceOf(5, 0, 2)
	_, err := b.Apply(engine.EntryExpiration, -4)
	assert.ErrorIs(t, err, engine.ErrInvariantViolation)
}

func TestBalanceApply_NegativeAdjustmentNeedsAvailable(t *testing.T) {
	b := balanceOf(5, 2, 2)
	_, err := b.Apply(engine.EntryAdjustment, -2)
	assert.ErrorIs(t, err, engine.ErrInsufficientBalance)

	next, err := b.Apply(engine.EntryAdjustment, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next.Available)
}

// =============================================================================
// RESERVE / UNRESERVE
// =============================================================================

func TestBalanceReserve_MovesAvailableToHeld(t *testing.T) {
	b := balanceOf(5, 1, 0)

	next, err := b.Reserve(3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Held)
	assert.Equal(t, int64(1), next.Available)

	_, err = next.Reserve(2)
	assert.ErrorIs(t, err, engine.ErrInsufficientBalance)

	back, err := next.Unreserve(3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), back.Available)
}

func TestBalanceUnreserve_MoreThanHeldIsInvariantViolation(t *testing.T) {
	b := balanceOf(5, 0, 1)
	_, err := b.Unreserve(2)

	var inv *engine.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Contains(t, inv.Detail, "exceeds held")
}

func TestBalanceCheck_DetectsCorruptRow(t *testing.T) {
	b := balanceOf(5, 0, 0)
	b.Available = 6
	assert.ErrorIs(t, b.Check(), engine.ErrInvariantViolation)

	b = balanceOf(2, 2, 1)
	assert.ErrorIs(t, b.Check(), engine.ErrInvariantViolation)
}

// =============================================================================
// REPLAY
// =============================================================================

func TestReplay_RebuildsFromEntriesAndActiveHolds(t *testing.T) {
	entries := []engine.LedgerEntry{
		{Type: engine.EntryInitial, Quantity: 5},
		{Type: engine.EntryConsumption, Quantity: -2},
		{Type: engine.EntryRefund, Quantity: 1},
		{Type: engine.EntryAdjustment, Quantity: 2},
	}
	holds := []engine.Hold{
		{Quantity: 1, Status: engine.HoldActive},
		{Quantity: 3, Status: engine.HoldReleased},
	}

	b := engine.Replay(testKey, entries, holds)

	assert.Equal(t, int64(7), b.Total)
	assert.Equal(t, int64(1), b.Consumed)
	assert.Equal(t, int64(1), b.Held)
	assert.Equal(t, int64(5), b.Available)
	assert.NoError(t, b.Check())
}

// =============================================================================
// INTERVAL
// =============================================================================

func TestInterval_HalfOpenOverlap(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC) }

	a := engine.Interval{Start: at(10, 0), End: at(10, 30)}
	touching := engine.Interval{Start: at(10, 30), End: at(11, 0)}
	overlapping := engine.Interval{Start: at(10, 15), End: at(10, 45)}
	inside := engine.Interval{Start: at(10, 5), End: at(10, 10)}

	assert.False(t, a.Overlaps(touching))
	assert.False(t, touching.Overlaps(a))
	assert.True(t, a.Overlaps(overlapping))
	assert.True(t, a.Overlaps(inside))
	assert.True(t, inside.Overlaps(a))
}

func TestInterval_Validate(t *testing.T) {
	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	assert.NoError(t, engine.NewInterval(start, 30*time.Minute).Validate())
	assert.ErrorIs(t, engine.NewInterval(start, 0).Validate(), engine.ErrInvalidInterval)
	assert.ErrorIs(t, engine.NewInterval(start, -time.Minute).Validate(), engine.ErrInvalidInterval)
}
