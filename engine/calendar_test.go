package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-booking/engine"
)

func at(h, m int) time.Time { return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC) }

func span(h1, m1, h2, m2 int) engine.Interval {
	return engine.Interval{Start: at(h1, m1), End: at(h2, m2)}
}

func TestCalendar_BookSlot_RejectsOverlap(t *testing.T) {
	// GIVEN: mentor-1 booked [10:00, 10:30)
	// WHEN: Booking [10:15, 10:45) for the same mentor
	// THEN: TimeConflictError naming the existing slot

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: span(10, 0, 10, 30)})
	require.NoError(t, err)
	assert.Equal(t, engine.SlotBooked, first.Status)

	_, err = f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: span(10, 15, 10, 45)})
	var tc *engine.TimeConflictError
	require.ErrorAs(t, err, &tc)
	assert.Equal(t, first.ID, tc.ConflictingSlotID)
	assert.True(t, engine.IsConflict(err))
}

func TestCalendar_BookSlot_TouchingIntervalsAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: span(10, 0, 10, 30)})
	require.NoError(t, err)
	_, err = f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: span(10, 30, 11, 0)})
	require.NoError(t, err)

	// Another subject is unaffected by mentor-1's calendar.
	_, err = f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "student-1", Role: engine.RoleStudent, Interval: span(10, 0, 10, 30)})
	require.NoError(t, err)
}

func TestCalendar_BookSlot_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "m", Role: engine.RoleMentor, Interval: span(10, 30, 10, 0)})
	assert.ErrorIs(t, err, engine.ErrInvalidInterval)

	_, err = f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "m", Role: "janitor", Interval: span(10, 0, 10, 30)})
	assert.ErrorIs(t, err, engine.ErrInvalidRole)
}

func TestCalendar_ReleaseSlot_FreesTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slot, err := f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: span(10, 0, 10, 30)})
	require.NoError(t, err)

	released, err := f.calendar.ReleaseSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SlotCancelled, released.Status)

	free, err := f.calendar.IsFree(ctx, "mentor-1", span(10, 0, 10, 30))
	require.NoError(t, err)
	assert.True(t, free)

	_, err = f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: span(10, 0, 10, 30)})
	require.NoError(t, err)

	_, err = f.calendar.ReleaseSlot(ctx, slot.ID)
	assert.ErrorIs(t, err, engine.ErrSlotNotBooked)
}

func TestCalendar_CompleteSlot_KeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slot, err := f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: span(10, 0, 10, 30)})
	require.NoError(t, err)
	_, err = f.calendar.CompleteSlot(ctx, slot.ID)
	require.NoError(t, err)

	slots, err := f.calendar.Slots(ctx, "mentor-1", at(0, 0), at(23, 0))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, engine.SlotCompleted, slots[0].Status)

	conflicts, err := f.calendar.Conflicts(ctx, "mentor-1", span(10, 0, 10, 30))
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCalendar_ConcurrentOverlappingBookings_ExactlyOneWins(t *testing.T) {
	// GIVEN: mentor-1 is free
	// WHEN: [14:00,14:30) and [14:15,14:45) are booked concurrently
	// THEN: exactly one succeeds, the other gets TimeConflict

	f := newFixture(t)
	ctx := context.Background()
	intervals := []engine.Interval{span(14, 0, 14, 30), span(14, 15, 14, 45)}

	errs := make([]error, len(intervals))
	var wg sync.WaitGroup
	for i, iv := range intervals {
		wg.Add(1)
		go func(i int, iv engine.Interval) {
			defer wg.Done()
			_, errs[i] = f.calendar.BookSlot(ctx, engine.BookSlotInput{SubjectID: "mentor-1", Role: engine.RoleMentor, Interval: iv})
		}(i, iv)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, engine.ErrTimeConflict):
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
}
