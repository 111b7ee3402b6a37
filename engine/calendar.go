/*
calendar.go - Calendar exclusion

PURPOSE:
  One slot per booked interval per person. For a subject, no two booked
  slots may overlap ([10:00,10:30) and [10:30,11:00) do not). The rule
  is enforced by the store's insert itself, never by a read followed by
  a write, so two requests for the same person on different instances
  cannot both win.

  Conflicts/IsFree are advisory pre-checks for nicer errors. The insert
  in BookSlot is the authority.

SEE ALSO:
  - store/sqlite: BEFORE INSERT trigger under BEGIN IMMEDIATE
  - store/postgres: EXCLUDE USING gist over tstzrange
*/
package engine

import (
	"context"
	"time"
)

// Calendar books and transitions calendar slots.
type Calendar struct {
	store Store
	opts  options
}

func NewCalendar(store Store, opts ...Option) *Calendar {
	return &Calendar{store: store, opts: buildOptions("calendar", opts)}
}

type BookSlotInput struct {
	SubjectID string
	Role      Role
	Interval  Interval
	BookingID string
}

// BookSlot inserts a booked slot or fails with TimeConflictError.
func (c *Calendar) BookSlot(ctx context.Context, in BookSlotInput) (Slot, error) {
	if in.SubjectID == "" {
		return Slot{}, ErrInvalidKey
	}
	if !in.Role.Valid() {
		return Slot{}, ErrInvalidRole
	}
	if err := in.Interval.Validate(); err != nil {
		return Slot{}, err
	}

	now := c.opts.clock.Now()
	slot := Slot{
		ID:        newID(),
		SubjectID: in.SubjectID,
		Role:      in.Role,
		Interval:  in.Interval.UTC(),
		Status:    SlotBooked,
		BookingID: in.BookingID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.InsertSlot(ctx, slot)
	})
	if err != nil {
		return Slot{}, err
	}
	return slot, nil
}

// ReleaseSlot cancels a booked slot, freeing its time.
func (c *Calendar) ReleaseSlot(ctx context.Context, id string) (Slot, error) {
	return c.move(ctx, id, SlotCancelled)
}

// CompleteSlot marks a booked slot as completed.
func (c *Calendar) CompleteSlot(ctx context.Context, id string) (Slot, error) {
	return c.move(ctx, id, SlotCompleted)
}

func (c *Calendar) move(ctx context.Context, id string, to SlotStatus) (Slot, error) {
	var result Slot
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		now := c.opts.clock.Now()
		if err := tx.UpdateSlotStatus(ctx, id, SlotBooked, to, now); err != nil {
			return err
		}
		var err error
		result, err = tx.GetSlot(ctx, id)
		return err
	})
	return result, err
}

// Conflicts returns the booked slots of subject overlapping iv.
func (c *Calendar) Conflicts(ctx context.Context, subjectID string, iv Interval) ([]Slot, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	return c.store.FindOverlapping(ctx, subjectID, iv.UTC())
}

// IsFree reports whether subject has no booked slot overlapping iv.
// Advisory only: a concurrent booking can still win at insert time.
func (c *Calendar) IsFree(ctx context.Context, subjectID string, iv Interval) (bool, error) {
	slots, err := c.Conflicts(ctx, subjectID, iv)
	if err != nil {
		return false, err
	}
	return len(slots) == 0, nil
}

// Slots lists slots of any status overlapping [from, to).
func (c *Calendar) Slots(ctx context.Context, subjectID string, from, to time.Time) ([]Slot, error) {
	if err := (Interval{Start: from, End: to}).Validate(); err != nil {
		return nil, err
	}
	return c.store.ListSlots(ctx, subjectID, from.UTC(), to.UTC())
}

// Get returns a slot by id.
func (c *Calendar) Get(ctx context.Context, id string) (Slot, error) {
	return c.store.GetSlot(ctx, id)
}
