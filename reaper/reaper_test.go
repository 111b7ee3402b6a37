package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-booking/clock"
	"github.com/warp/mentor-booking/engine"
	"github.com/warp/mentor-booking/store/memory"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock  *clock.Manual
	ledger *engine.Ledger
	holds  *engine.Holds
	reaper *Reaper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	c := clock.NewManual(t0)
	f := &fixture{
		clock:  c,
		ledger: engine.NewLedger(s, engine.WithClock(c)),
		holds:  engine.NewHolds(s, engine.WithClock(c)),
	}
	f.reaper = New(f.holds, f.ledger)
	f.reaper.Clock = c
	return f
}

func key(n int) engine.Key {
	return engine.Key{SubjectID: engine.SubjectID(fmt.Sprintf("contract-%d", n)), ServiceType: "session"}
}

func (f *fixture) grant(t *testing.T, k engine.Key, n int64, validUntil *time.Time) {
	t.Helper()
	_, err := f.ledger.GrantInitial(context.Background(), engine.GrantInput{Key: k, Quantity: n, ValidUntil: validUntil})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, k engine.Key) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), k)
	require.NoError(t, err)
	return b.Available
}

func TestRunOnce_ExpiresOverdueHolds(t *testing.T) {
	// GIVEN: A hold with a 15 minute TTL
	// WHEN: 20 minutes pass and the reaper runs
	// THEN: The hold is expired and available is restored

	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, key(1), 5, nil)

	hold, err := f.holds.Create(ctx, engine.CreateHoldInput{Key: key(1), TTL: 15 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.available(t, key(1)))

	f.clock.Advance(20 * time.Minute)
	report, err := f.reaper.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.HoldsExpired)
	assert.Equal(t, int64(5), f.available(t, key(1)))

	got, err := f.holds.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldExpired, got.Status)
	assert.Equal(t, engine.ReasonExpired, got.ReleaseReason)
}

func TestRunOnce_DrainsInBatches(t *testing.T) {
	f := newFixture(t)
	f.reaper.BatchSize = 2
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		f.grant(t, key(i), 1, nil)
		_, err := f.holds.Create(ctx, engine.CreateHoldInput{Key: key(i), TTL: time.Minute})
		require.NoError(t, err)
	}

	f.clock.Advance(2 * time.Minute)
	report, err := f.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.HoldsExpired)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, int64(1), f.available(t, key(i)))
	}
}

func TestRunOnce_LeavesManualAndFreshHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, key(1), 5, nil)

	_, err := f.holds.Create(ctx, engine.CreateHoldInput{Key: key(1)})
	require.NoError(t, err)
	_, err = f.holds.Create(ctx, engine.CreateHoldInput{Key: key(1), TTL: time.Hour})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	report, err := f.reaper.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, report.HoldsExpired)
	assert.Equal(t, int64(3), f.available(t, key(1)))
}

func TestRunOnce_ExpiresEntitlements(t *testing.T) {
	// GIVEN: A contract valid for one hour with one unit held
	// WHEN: The validity passes and the reaper runs
	// THEN: Remaining available units expire and the held unit stays held

	f := newFixture(t)
	ctx := context.Background()
	until := t0.Add(time.Hour)
	f.grant(t, key(1), 5, &until)
	_, err := f.holds.Create(ctx, engine.CreateHoldInput{Key: key(1)})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	report, err := f.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntitlementsExpired)

	b, err := f.ledger.Balance(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(1), b.Held)

	entries, err := f.ledger.Entries(ctx, key(1), 0)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, engine.EntryExpiration, last.Type)
	assert.Equal(t, int64(-4), last.Quantity)

	// A second sweep has nothing left to do.
	report, err = f.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.EntitlementsExpired)
}

func TestRunOnce_RecordsLastRun(t *testing.T) {
	f := newFixture(t)
	_, ok := f.reaper.LastRun()
	assert.False(t, ok)

	_, err := f.reaper.RunOnce(context.Background())
	require.NoError(t, err)

	last, ok := f.reaper.LastRun()
	require.True(t, ok)
	assert.True(t, last.RanAt.Equal(t0))
}

func TestRunOnce_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.reaper.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartStop(t *testing.T) {
	// GIVEN: An overdue hold
	// WHEN: The reaper is started
	// THEN: It sweeps immediately and Stop waits for the loop

	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, key(1), 1, nil)
	_, err := f.holds.Create(ctx, engine.CreateHoldInput{Key: key(1), TTL: time.Minute})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	f.reaper.Interval = time.Hour
	f.reaper.Start(ctx)
	f.reaper.Start(ctx) // no-op while running

	require.Eventually(t, func() bool {
		_, ok := f.reaper.LastRun()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	f.reaper.Stop()
	f.reaper.Stop()

	assert.Equal(t, int64(1), f.available(t, key(1)))
}
