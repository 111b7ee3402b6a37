package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-booking/booking"
	"github.com/warp/mentor-booking/clock"
	"github.com/warp/mentor-booking/engine"
)

// The cases below drive the engine services and the booking saga against
// the store, so the store's own locking is what keeps them correct.

// rooms hands out numbered meetings, or fails with err.
type rooms struct {
	n   atomic.Int64
	err error
}

func (r *rooms) CreateMeeting(_ context.Context, _ booking.MeetingRequest) (engine.Meeting, error) {
	if r.err != nil {
		return engine.Meeting{}, r.err
	}
	n := r.n.Add(1)
	return engine.Meeting{ID: fmt.Sprintf("room-%d", n), JoinURL: fmt.Sprintf("https://rooms.test/%d", n)}, nil
}

func services(s engine.Store) (*engine.Ledger, *engine.Holds, engine.Option) {
	opt := engine.WithClock(clock.NewManual(t0))
	return engine.NewLedger(s, opt), engine.NewHolds(s, opt), opt
}

func grant(t *testing.T, ledger *engine.Ledger, n int64) {
	t.Helper()
	_, err := ledger.GrantInitial(context.Background(), engine.GrantInput{Key: key, Quantity: n, Source: "contract"})
	require.NoError(t, err)
}

// parallel runs fn n times at once and returns every result.
func parallel(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()
	return errs
}

// tally counts nil errors and errors matching want. Anything else fails t.
func tally(t *testing.T, errs []error, want error) (ok, matched int) {
	t.Helper()
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, want):
			matched++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	return ok, matched
}

func testConcurrentConsumption(t *testing.T, s engine.Store) {
	// GIVEN: 5 units
	// WHEN: 20 consumptions of one unit race
	// THEN: Exactly 5 succeed, the rest see insufficient balance, no drift

	ctx := context.Background()
	ledger, _, _ := services(s)
	grant(t, ledger, 5)

	errs := parallel(20, func(i int) error {
		_, err := ledger.RecordConsumption(ctx, engine.ConsumeInput{
			Key: key, Quantity: 1, BookingID: fmt.Sprintf("b-%d", i), CreatedBy: "test",
		})
		return err
	})
	ok, insufficient := tally(t, errs, engine.ErrInsufficientBalance)
	assert.Equal(t, 5, ok)
	assert.Equal(t, 15, insufficient)

	bal, err := ledger.Verify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Consumed)
	assert.Equal(t, int64(0), bal.Available)

	entries, err := ledger.Entries(ctx, key, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func testConcurrentHolds(t *testing.T, s engine.Store) {
	// GIVEN: 5 units
	// WHEN: 30 single-unit holds race
	// THEN: Exactly 5 are created and the balance replays cleanly

	ctx := context.Background()
	ledger, holds, _ := services(s)
	grant(t, ledger, 5)

	errs := parallel(30, func(int) error {
		_, err := holds.Create(ctx, engine.CreateHoldInput{Key: key, Quantity: 1})
		return err
	})
	ok, insufficient := tally(t, errs, engine.ErrInsufficientBalance)
	assert.Equal(t, 5, ok)
	assert.Equal(t, 25, insufficient)

	bal, err := ledger.Verify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Held)
	assert.Equal(t, int64(0), bal.Available)

	active, err := holds.ActiveHolds(ctx, key)
	require.NoError(t, err)
	assert.Len(t, active, 5)
}

func testConcurrentIdempotentHolds(t *testing.T, s engine.Store) {
	// GIVEN: 5 units
	// WHEN: 8 creates with the same idempotency key race
	// THEN: All return the same hold and one unit is held

	ctx := context.Background()
	ledger, holds, _ := services(s)
	grant(t, ledger, 5)

	ids := make([]string, 8)
	errs := parallel(len(ids), func(i int) error {
		h, err := holds.Create(ctx, engine.CreateHoldInput{Key: key, Quantity: 1, IdempotencyKey: "retry-1"})
		ids[i] = h.ID
		return err
	})
	for i, err := range errs {
		require.NoError(t, err)
		assert.Equal(t, ids[0], ids[i])
	}

	bal, err := ledger.Verify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Held)
}

func testSagaRollback(t *testing.T, s engine.Store) {
	// GIVEN: 3 units and a meeting provider that is down
	// WHEN: A booking is attempted
	// THEN: The hold is rolled back and no booking or slot survives
	// AND:  Once the provider is up, racing overlapping bookings of one
	//       mentor leave exactly one booking

	ctx := context.Background()
	ledger, holds, opt := services(s)
	grant(t, ledger, 3)
	calendar := engine.NewCalendar(s, opt)
	provider := &rooms{err: errors.New("provider down")}

	orch := booking.New(booking.Config{
		Store:    s,
		Ledger:   ledger,
		Holds:    holds,
		Calendar: calendar,
		Meetings: provider,
		Clock:    clock.NewManual(t0),
	})
	request := func(student string, startMin int) booking.Request {
		iv := span(startMin, startMin+30)
		return booking.Request{
			ContractID:  key.SubjectID,
			ServiceType: key.ServiceType,
			MentorID:    "mentor-1",
			StudentID:   student,
			Start:       iv.Start,
			Duration:    iv.Duration(),
			Topic:       "Essay review",
		}
	}

	_, err := orch.Book(ctx, request("student-1", 60))
	assert.ErrorIs(t, err, booking.ErrMeetingProvider)

	bal, err := ledger.Verify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Held)
	assert.Equal(t, int64(3), bal.Available)
	active, err := holds.ActiveHolds(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, active)
	slots, err := calendar.Slots(ctx, "mentor-1", t0, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, slots)

	provider.err = nil
	errs := parallel(10, func(i int) error {
		_, err := orch.Book(ctx, request(fmt.Sprintf("student-%d", i), 60+i))
		return err
	})
	ok, conflicts := tally(t, errs, engine.ErrTimeConflict)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, conflicts)

	bal, err = ledger.Verify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Held)
	slots, err = calendar.Slots(ctx, "mentor-1", t0, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}
