package booking_test

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
	"github.com/warp/mentor-booking/events"
	"github.com/warp/mentor-booking/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	t0       = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	contract = engine.Key{SubjectID: "contract-1", ServiceType: "session"}
)

// fakeMeetings hands out sequential rooms, or fails with err.
type fakeMeetings struct {
	calls atomic.Int64
	err   error
	hook  func(ctx context.Context, req booking.MeetingRequest)
}

func (m *fakeMeetings) CreateMeeting(ctx context.Context, req booking.MeetingRequest) (engine.Meeting, error) {
	n := m.calls.Add(1)
	if m.hook != nil {
		m.hook(ctx, req)
	}
	if m.err != nil {
		return engine.Meeting{}, m.err
	}
	return engine.Meeting{
		ID:       fmt.Sprintf("room-%d", n),
		JoinURL:  fmt.Sprintf("https://rooms.test/room-%d", n),
		Password: "secret",
	}, nil
}

type fixture struct {
	store    *memory.Store
	clock    *clock.Manual
	ledger   *engine.Ledger
	holds    *engine.Holds
	calendar *engine.Calendar
	meetings *fakeMeetings
	events   *events.Recorder
	orch     *booking.Orchestrator
}

func newFixture(t *testing.T, holdTTL time.Duration) *fixture {
	t.Helper()
	s := memory.New()
	c := clock.NewManual(t0)
	f := &fixture{
		store:    s,
		clock:    c,
		ledger:   engine.NewLedger(s, engine.WithClock(c)),
		holds:    engine.NewHolds(s, engine.WithClock(c)),
		calendar: engine.NewCalendar(s, engine.WithClock(c)),
		meetings: &fakeMeetings{},
		events:   &events.Recorder{},
	}
	f.orch = booking.New(booking.Config{
		Store:     s,
		Ledger:    f.ledger,
		Holds:     f.holds,
		Calendar:  f.calendar,
		Meetings:  f.meetings,
		Publisher: f.events,
		Clock:     c,
		HoldTTL:   holdTTL,
	})
	return f
}

func (f *fixture) grant(t *testing.T, n int64) {
	t.Helper()
	_, err := f.ledger.GrantInitial(context.Background(), engine.GrantInput{Key: contract, Quantity: n})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) engine.Balance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), contract)
	require.NoError(t, err)
	return b
}

func (f *fixture) slots(t *testing.T, subject string) []engine.Slot {
	t.Helper()
	s, err := f.calendar.Slots(context.Background(), subject, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	return s
}

func request(mentor, student string, hour, minute int) booking.Request {
	return booking.Request{
		ContractID:  contract.SubjectID,
		ServiceType: contract.ServiceType,
		MentorID:    mentor,
		StudentID:   student,
		Start:       time.Date(2025, 3, 10, hour, minute, 0, 0, time.UTC),
		Duration:    30 * time.Minute,
		Topic:       "Essay review",
		CreatedBy:   "counselor-1",
	}
}

// snapshot captures everything a booking attempt could touch.
type snapshot struct {
	balance engine.Balance
	entries []engine.LedgerEntry
	holds   []engine.Hold
	mentor  []engine.Slot
	student []engine.Slot
}

func (f *fixture) snapshot(t *testing.T) snapshot {
	t.Helper()
	ctx := context.Background()
	entries, err := f.ledger.Entries(ctx, contract, 0)
	require.NoError(t, err)
	holds, err := f.holds.ActiveHolds(ctx, contract)
	require.NoError(t, err)
	return snapshot{
		balance: f.balance(t),
		entries: entries,
		holds:   holds,
		mentor:  f.slots(t, "mentor-1"),
		student: f.slots(t, "student-1"),
	}
}

// =============================================================================
// BOOK
// =============================================================================

func TestBook_SchedulesBooking(t *testing.T) {
	// GIVEN: A contract with 5 sessions
	// WHEN: A session is booked
	// THEN: One unit is held, both calendars are booked and an event is published

	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	b, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	assert.Equal(t, engine.BookingScheduled, b.Status)
	assert.Equal(t, "room-1", b.Meeting.ID)
	assert.Equal(t, "https://rooms.test/room-1", b.Meeting.JoinURL)
	assert.Equal(t, int64(1), b.Quantity)
	assert.Equal(t, engine.RoleMentor, b.MentorRole)

	bal := f.balance(t)
	assert.Equal(t, int64(1), bal.Held)
	assert.Equal(t, int64(4), bal.Available)

	hold, err := f.holds.Get(ctx, b.HoldID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldActive, hold.Status)
	assert.Equal(t, b.ID, hold.BookingID)
	assert.Nil(t, hold.ExpiresAt)

	mentor := f.slots(t, "mentor-1")
	require.Len(t, mentor, 1)
	assert.Equal(t, engine.RoleMentor, mentor[0].Role)
	assert.Equal(t, b.ID, mentor[0].BookingID)
	student := f.slots(t, "student-1")
	require.Len(t, student, 1)
	assert.Equal(t, engine.RoleStudent, student[0].Role)

	got, err := f.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.BookingCreated, evs[0].Type)
	data, ok := evs[0].Data.(booking.EventData)
	require.True(t, ok)
	assert.Equal(t, b.ID, data.BookingID)
	assert.Equal(t, "scheduled", data.Status)
}

func TestBook_MeetingRequestCarriesSession(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 1)

	var got booking.MeetingRequest
	f.meetings.hook = func(_ context.Context, req booking.MeetingRequest) { got = req }

	_, err := f.orch.Book(context.Background(), request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	assert.Equal(t, "Essay review", got.Topic)
	assert.Equal(t, 30, got.DurationMinutes)
	assert.Equal(t, "mentor-1", got.HostID)
	assert.True(t, got.Start.Equal(time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)))
}

func TestBook_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 1)
	ctx := context.Background()

	_, err := f.orch.Book(ctx, request("mentor-1", "student-1", 9, 0))
	require.NoError(t, err)

	_, err = f.orch.Book(ctx, request("mentor-1", "student-1", 11, 0))
	var ib *engine.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(0), ib.Available)
	assert.Equal(t, int64(1), f.meetings.calls.Load())
}

func TestBook_MeetingFailureLeavesStateUnchanged(t *testing.T) {
	// GIVEN: A contract with sessions and an existing booking
	// WHEN: The meeting provider fails during the next booking
	// THEN: Balance, ledger, holds and calendars are identical to before

	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()
	_, err := f.orch.Book(ctx, request("mentor-1", "student-1", 9, 0))
	require.NoError(t, err)

	before := f.snapshot(t)
	f.meetings.err = errors.New("provider unavailable")

	_, err = f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.ErrorIs(t, err, booking.ErrMeetingProvider)
	var mpe *booking.MeetingProviderError
	require.ErrorAs(t, err, &mpe)
	assert.EqualError(t, mpe.Err, "provider unavailable")

	assert.Equal(t, before, f.snapshot(t))
	assert.Equal(t, []string{events.BookingCreated}, f.events.Types())
}

func TestBook_MentorConflict(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	first, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)
	before := f.snapshot(t)

	_, err = f.orch.Book(ctx, request("mentor-1", "student-2", 14, 15))
	var tc *engine.TimeConflictError
	require.ErrorAs(t, err, &tc)
	assert.Equal(t, "mentor-1", tc.SubjectID)

	slots := f.slots(t, "mentor-1")
	require.Len(t, slots, 1)
	assert.Equal(t, first.ID, slots[0].BookingID)
	assert.Equal(t, before, f.snapshot(t))
	assert.Empty(t, f.slots(t, "student-2"))
}

func TestBook_StudentConflict(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	_, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	_, err = f.orch.Book(ctx, request("mentor-2", "student-1", 14, 15))
	var tc *engine.TimeConflictError
	require.ErrorAs(t, err, &tc)
	assert.Equal(t, "student-1", tc.SubjectID)
}

func TestBook_AdjacentSessionsDoNotConflict(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	_, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)
	_, err = f.orch.Book(ctx, request("mentor-1", "student-2", 14, 30))
	require.NoError(t, err)

	assert.Len(t, f.slots(t, "mentor-1"), 2)
}

func TestBook_SlotRejectedAtInsertRollsBackEverything(t *testing.T) {
	// GIVEN: The pre-check passes
	// WHEN: A conflicting slot appears before the slots are inserted
	// THEN: The store rejects the insert and the hold and booking are rolled back

	f := newFixture(t, 0)
	f.grant(t, 5)
	before := f.snapshot(t)

	f.meetings.hook = func(ctx context.Context, req booking.MeetingRequest) {
		_, err := f.calendar.BookSlot(ctx, engine.BookSlotInput{
			SubjectID: "mentor-1",
			Role:      engine.RoleMentor,
			Interval:  engine.NewInterval(req.Start.Add(10*time.Minute), 30*time.Minute),
		})
		require.NoError(t, err)
	}

	_, err := f.orch.Book(context.Background(), request("mentor-1", "student-1", 14, 0))
	require.ErrorIs(t, err, engine.ErrTimeConflict)

	assert.Equal(t, before, f.snapshot(t))
	assert.Empty(t, f.events.Events())
}

func TestBook_ConcurrentOverlappingSessions(t *testing.T) {
	// GIVEN: One mentor and two students
	// WHEN: [14:00,14:30) and [14:15,14:45) are booked concurrently
	// THEN: Exactly one booking succeeds and only one unit is held

	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	reqs := []booking.Request{
		request("mentor-1", "student-1", 14, 0),
		request("mentor-1", "student-2", 14, 15),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req booking.Request) {
			defer wg.Done()
			_, errs[i] = f.orch.Book(ctx, req)
		}(i, req)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrTimeConflict)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), f.balance(t).Held)
	assert.Len(t, f.slots(t, "mentor-1"), 1)
}

func TestBook_IdempotencyKeyReturnsOriginal(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	req := request("mentor-1", "student-1", 14, 0)
	req.IdempotencyKey = "attempt-1"

	first, err := f.orch.Book(ctx, req)
	require.NoError(t, err)
	second, err := f.orch.Book(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), f.balance(t).Held)
	assert.Equal(t, int64(1), f.meetings.calls.Load())
	assert.Len(t, f.events.Events(), 1)
}

func TestBook_IdempotencyKeyReusedForDifferentRequest(t *testing.T) {
	// GIVEN: A booking made with idempotency key "k"
	// WHEN: "k" is sent again with any booking-defining field changed
	// THEN: ErrIdempotencyConflict, and nothing beyond the first booking exists

	tests := []struct {
		name   string
		mutate func(*booking.Request)
	}{
		{"other mentor and time", func(r *booking.Request) {
			r.MentorID = "mentor-2"
			r.Start = r.Start.Add(time.Hour)
		}},
		{"other student", func(r *booking.Request) { r.StudentID = "student-2" }},
		{"other start", func(r *booking.Request) { r.Start = r.Start.Add(30 * time.Minute) }},
		{"other duration", func(r *booking.Request) { r.Duration = time.Hour }},
		{"other quantity", func(r *booking.Request) { r.Quantity = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.grant(t, 5)
			ctx := context.Background()

			req := request("mentor-1", "student-1", 15, 0)
			req.IdempotencyKey = "k"
			first, err := f.orch.Book(ctx, req)
			require.NoError(t, err)
			before := f.snapshot(t)

			tt.mutate(&req)
			_, err = f.orch.Book(ctx, req)
			assert.ErrorIs(t, err, engine.ErrIdempotencyConflict)
			assert.Equal(t, before, f.snapshot(t))

			got, err := f.orch.Get(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, "mentor-1", got.MentorID)
			assert.Equal(t, int64(1), f.meetings.calls.Load())
		})
	}
}

func TestBook_IdempotencyKeyOfStandaloneHold(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	_, err := f.holds.Create(ctx, engine.CreateHoldInput{Key: contract, IdempotencyKey: "k"})
	require.NoError(t, err)

	req := request("mentor-1", "student-1", 15, 0)
	req.IdempotencyKey = "k"
	_, err = f.orch.Book(ctx, req)
	assert.ErrorIs(t, err, engine.ErrIdempotencyConflict)
	assert.Equal(t, int64(1), f.balance(t).Held)
}

func TestBook_ConcurrentRetriesWithSameKey(t *testing.T) {
	// GIVEN: Eight identical requests sharing one idempotency key
	// WHEN: They race
	// THEN: All return the same booking and a single unit is held

	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	req := request("mentor-1", "student-1", 15, 0)
	req.IdempotencyKey = "k"

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.orch.Book(ctx, req)
			ids[i], errs[i] = b.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, int64(1), f.balance(t).Held)
	assert.Len(t, f.slots(t, "mentor-1"), 1)
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*booking.Request)
		want   error
	}{
		{"missing mentor", func(r *booking.Request) { r.MentorID = "" }, booking.ErrInvalidRequest},
		{"same person", func(r *booking.Request) { r.MentorID = r.StudentID }, booking.ErrInvalidRequest},
		{"student as mentor role", func(r *booking.Request) { r.MentorRole = engine.RoleStudent }, engine.ErrInvalidRole},
		{"negative quantity", func(r *booking.Request) { r.Quantity = -1 }, engine.ErrInvalidQuantity},
		{"missing contract", func(r *booking.Request) { r.ContractID = "" }, engine.ErrInvalidKey},
		{"zero duration", func(r *booking.Request) { r.Duration = 0 }, engine.ErrInvalidInterval},
		{"partial minute", func(r *booking.Request) { r.Duration = 90 * time.Second }, engine.ErrInvalidInterval},
		{"negative duration", func(r *booking.Request) { r.Duration = -time.Minute }, engine.ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("mentor-1", "student-1", 14, 0)
			tt.mutate(&req)
			_, err := f.orch.Book(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(0), f.meetings.calls.Load())
}

func TestBook_CounselorRole(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 1)

	req := request("counselor-1", "student-1", 14, 0)
	req.MentorRole = engine.RoleCounselor
	_, err := f.orch.Book(context.Background(), req)
	require.NoError(t, err)

	slots := f.slots(t, "counselor-1")
	require.Len(t, slots, 1)
	assert.Equal(t, engine.RoleCounselor, slots[0].Role)
}

func TestBook_PublishFailureKeepsBooking(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	f.events.Err = errors.New("broker down")

	b, err := f.orch.Book(context.Background(), request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	_, err = f.orch.Get(context.Background(), b.ID)
	assert.NoError(t, err)
}

// =============================================================================
// COMPLETE / CANCEL
// =============================================================================

func TestComplete_ConsumesHeldUnit(t *testing.T) {
	// GIVEN: A scheduled booking
	// WHEN: The session is completed
	// THEN: The hold is released, one unit is consumed and slots are completed

	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()
	b, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	f.clock.Advance(6 * time.Hour)
	done, err := f.orch.Complete(ctx, b.ID, "mentor-1")
	require.NoError(t, err)
	assert.Equal(t, engine.BookingCompleted, done.Status)

	bal := f.balance(t)
	assert.Equal(t, int64(5), bal.Total)
	assert.Equal(t, int64(1), bal.Consumed)
	assert.Equal(t, int64(0), bal.Held)
	assert.Equal(t, int64(4), bal.Available)

	hold, err := f.holds.Get(ctx, b.HoldID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldReleased, hold.Status)

	entries, err := f.ledger.Entries(ctx, contract, 0)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, engine.EntryConsumption, last.Type)
	assert.Equal(t, int64(-1), last.Quantity)
	assert.Equal(t, b.ID, last.BookingID)
	assert.Equal(t, b.HoldID, last.HoldID)
	assert.Equal(t, "mentor-1", last.CreatedBy)

	for _, s := range append(f.slots(t, "mentor-1"), f.slots(t, "student-1")...) {
		assert.Equal(t, engine.SlotCompleted, s.Status)
	}

	_, err = f.ledger.Verify(ctx, contract)
	assert.NoError(t, err)

	_, err = f.orch.Complete(ctx, b.ID, "mentor-1")
	assert.ErrorIs(t, err, engine.ErrBookingNotScheduled)
	assert.Equal(t, []string{events.BookingCreated, events.BookingCompleted}, f.events.Types())
}

func TestCancel_ReturnsUnitAndFreesCalendars(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, 5)
	ctx := context.Background()
	b, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	cancelled, err := f.orch.Cancel(ctx, b.ID, "student sick")
	require.NoError(t, err)
	assert.Equal(t, engine.BookingCancelled, cancelled.Status)
	assert.Equal(t, "student sick", cancelled.CancelReason)

	bal := f.balance(t)
	assert.Equal(t, int64(0), bal.Held)
	assert.Equal(t, int64(5), bal.Available)

	hold, err := f.holds.Get(ctx, b.HoldID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldCancelled, hold.Status)

	// The interval is free again.
	_, err = f.orch.Book(ctx, request("mentor-1", "student-2", 14, 0))
	require.NoError(t, err)

	_, err = f.orch.Cancel(ctx, b.ID, "again")
	assert.ErrorIs(t, err, engine.ErrBookingNotScheduled)
	_, err = f.orch.Complete(ctx, b.ID, "mentor-1")
	assert.ErrorIs(t, err, engine.ErrBookingNotScheduled)
}

func TestCancel_AfterHoldExpired(t *testing.T) {
	// GIVEN: A booking whose hold has a 15 minute TTL that the reaper expired
	// WHEN: The booking is cancelled
	// THEN: Units are not returned twice

	f := newFixture(t, 15*time.Minute)
	f.grant(t, 5)
	ctx := context.Background()
	b, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	n, err := f.holds.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5), f.balance(t).Available)

	_, err = f.orch.Cancel(ctx, b.ID, "late")
	require.NoError(t, err)

	bal := f.balance(t)
	assert.Equal(t, int64(5), bal.Available)
	assert.Equal(t, int64(0), bal.Held)
	_, err = f.ledger.Verify(ctx, contract)
	assert.NoError(t, err)
}

func TestComplete_ExpiredHoldFails(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	f.grant(t, 5)
	ctx := context.Background()
	b, err := f.orch.Book(ctx, request("mentor-1", "student-1", 14, 0))
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.orch.Complete(ctx, b.ID, "mentor-1")
	require.ErrorIs(t, err, engine.ErrHoldExpired)

	got, err := f.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BookingScheduled, got.Status)
}

func TestGet_UnknownBooking(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.orch.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrBookingNotFound)
}
