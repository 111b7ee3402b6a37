/*
Package booking coordinates entitlement, calendar and meeting into one
booking.

PURPOSE:
  A booking is only real when all of these hold at once: the contract has
  a unit reserved, the mentor and the student both have the interval on
  their calendars, and a meeting exists. The Orchestrator performs every
  store write of a booking inside ONE transaction so a failure at any
  step leaves no partial state behind.

BOOK FLOW (single transaction):
  1. Entitlement check (read)         -> InsufficientBalanceError
  2. Calendar pre-check, both people  -> TimeConflictError (advisory)
  3. Hold the units                   -> joins the transaction
  4. Allocate the meeting             -> MeetingProviderError, not retried
  5. Insert the booking record
  6. Book mentor and student slots    -> atomic overlap rejection
  7. Commit, then publish booking.created (best-effort)

  Step 2 gives a friendly early answer; step 6 is the real guard against
  races. A meeting allocated in step 4 is orphaned when a later step
  fails. It is logged and left to the provider's own cleanup.

IDEMPOTENCY:
  A request carrying a key already used by a booking of the same
  contract returns that booking when it describes the same session, and
  ErrIdempotencyConflict otherwise. Racing retries meet at the balance
  lock in step 3; the later one replays the earlier booking.

COMPENSATIONS:
  Complete: hold released, consumption posted, slots completed
  Cancel:   hold cancelled (if still active), slots cancelled

LOCK ORDER:
  booking -> balance -> hold -> slot

SEE ALSO:
  - engine/hold.go, engine/calendar.go, engine/ledger.go
  - meeting/: MeetingProvider implementations
  - events/: lifecycle event publishing
*/
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/mentor-booking/clock"
	"github.com/warp/mentor-booking/engine"
	"github.com/warp/mentor-booking/events"
)

const tracerName = "github.com/warp/mentor-booking/booking"

// Config wires an Orchestrator. Ledger, Holds and Calendar default to
// services over Store and must share it when given, so their writes join
// the booking transaction.
type Config struct {
	Store     engine.Store
	Ledger    *engine.Ledger
	Holds     *engine.Holds
	Calendar  *engine.Calendar
	Meetings  MeetingProvider
	Publisher events.Publisher
	Clock     clock.Clock

	// HoldTTL applies to booking holds. Zero keeps them until the booking
	// is completed or cancelled.
	HoldTTL time.Duration
	Logger  *slog.Logger
}

// Orchestrator runs the booking saga.
type Orchestrator struct {
	store     engine.Store
	ledger    *engine.Ledger
	holds     *engine.Holds
	calendar  *engine.Calendar
	meetings  MeetingProvider
	publisher events.Publisher
	clock     clock.Clock
	holdTTL   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	opts := []engine.Option{engine.WithClock(cfg.Clock), engine.WithLogger(cfg.Logger)}
	if cfg.Ledger == nil {
		cfg.Ledger = engine.NewLedger(cfg.Store, opts...)
	}
	if cfg.Holds == nil {
		cfg.Holds = engine.NewHolds(cfg.Store, opts...)
	}
	if cfg.Calendar == nil {
		cfg.Calendar = engine.NewCalendar(cfg.Store, opts...)
	}
	return &Orchestrator{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		holds:     cfg.Holds,
		calendar:  cfg.Calendar,
		meetings:  cfg.Meetings,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		holdTTL:   cfg.HoldTTL,
		logger:    cfg.Logger.With("component", "booking"),
		tracer:    otel.Tracer(tracerName),
	}
}

// Request asks for one session between a student and a mentor, paid from
// a contract's entitlement.
type Request struct {
	ContractID  engine.SubjectID
	StudentID   string
	MentorID    string
	MentorRole  engine.Role // defaults to mentor
	ServiceType engine.ServiceType
	Quantity    int64 // defaults to 1
	Start       time.Time
	Duration    time.Duration
	Topic       string
	CreatedBy   string

	// IdempotencyKey makes a retried Book return the original booking.
	IdempotencyKey string
}

func (r *Request) normalize() error {
	if r.Quantity == 0 {
		r.Quantity = 1
	}
	if r.MentorRole == "" {
		r.MentorRole = engine.RoleMentor
	}
	switch {
	case r.StudentID == "" || r.MentorID == "":
		return fmt.Errorf("%w: student and mentor are required", ErrInvalidRequest)
	case r.StudentID == r.MentorID:
		return fmt.Errorf("%w: student and mentor must differ", ErrInvalidRequest)
	case r.MentorRole == engine.RoleStudent || !r.MentorRole.Valid():
		return fmt.Errorf("%w: %q", engine.ErrInvalidRole, r.MentorRole)
	case r.Quantity < 0:
		return engine.ErrInvalidQuantity
	}
	if err := r.key().Validate(); err != nil {
		return err
	}
	if err := r.interval().Validate(); err != nil {
		return err
	}
	if r.Duration%time.Minute != 0 {
		return fmt.Errorf("%w: duration %s is not a whole number of minutes", engine.ErrInvalidInterval, r.Duration)
	}
	return nil
}

// sameAs reports whether b was booked by an equivalent request.
func (r Request) sameAs(b engine.Booking) bool {
	iv := r.interval()
	return b.ContractID == r.ContractID &&
		b.ServiceType == r.ServiceType &&
		b.StudentID == r.StudentID &&
		b.MentorID == r.MentorID &&
		b.Quantity == r.Quantity &&
		b.Interval.Start.Equal(iv.Start) &&
		b.Interval.End.Equal(iv.End)
}

func (r Request) key() engine.Key {
	return engine.Key{SubjectID: r.ContractID, ServiceType: r.ServiceType}
}

func (r Request) interval() engine.Interval {
	return engine.NewInterval(r.Start, r.Duration).UTC()
}

// =============================================================================
// BOOK
// =============================================================================

// Book creates a scheduled booking or changes nothing.
func (o *Orchestrator) Book(ctx context.Context, req Request) (booking engine.Booking, err error) {
	ctx, span := o.tracer.Start(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("contract_id", string(req.ContractID)),
		attribute.String("service_type", string(req.ServiceType)),
		attribute.String("mentor_id", req.MentorID),
		attribute.String("student_id", req.StudentID),
	))
	defer func() { endSpan(span, err) }()

	if err := req.normalize(); err != nil {
		return engine.Booking{}, err
	}
	if o.meetings == nil {
		return engine.Booking{}, &MeetingProviderError{Err: fmt.Errorf("no meeting provider configured")}
	}

	iv := req.interval()
	key := req.key()
	replayed := false
	var meeting *engine.Meeting

	// replay loads the booking guarded by an earlier hold with the same
	// idempotency key.
	replay := func(ctx context.Context, tx engine.Store, prev engine.Hold) error {
		if prev.BookingID == "" {
			return fmt.Errorf("%w: key %q belongs to a standalone hold", engine.ErrIdempotencyConflict, req.IdempotencyKey)
		}
		b, err := tx.GetBooking(ctx, prev.BookingID)
		if err != nil {
			return err
		}
		if !req.sameAs(b) {
			return fmt.Errorf("%w: key %q was used for booking %s", engine.ErrIdempotencyConflict, req.IdempotencyKey, b.ID)
		}
		booking, replayed = b, true
		return nil
	}

	err = o.store.WithTx(ctx, func(ctx context.Context, tx engine.Store) error {
		if req.IdempotencyKey != "" {
			prev, err := tx.FindHoldByIdempotencyKey(ctx, key, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev != nil {
				return replay(ctx, tx, *prev)
			}
		}

		// 1. Entitlement.
		bal, err := o.ledger.Balance(ctx, key)
		if err != nil {
			return err
		}
		if bal.Available < req.Quantity {
			return &engine.InsufficientBalanceError{Key: key, Available: bal.Available, Requested: req.Quantity}
		}

		// 2. Advisory calendar check.
		for _, subject := range []string{req.MentorID, req.StudentID} {
			conflicts, err := o.calendar.Conflicts(ctx, subject, iv)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return &engine.TimeConflictError{SubjectID: subject, Interval: iv, ConflictingSlotID: conflicts[0].ID}
			}
		}

		// 3. Hold.
		bookingID := uuid.NewString()
		hold, err := o.holds.Create(ctx, engine.CreateHoldInput{
			Key:            key,
			Quantity:       req.Quantity,
			TTL:            o.holdTTL,
			BookingID:      bookingID,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if hold.BookingID != bookingID {
			// A concurrent Book with the same key committed first.
			return replay(ctx, tx, hold)
		}

		// 4. Meeting.
		m, err := o.meetings.CreateMeeting(ctx, MeetingRequest{
			Topic:           req.Topic,
			Start:           iv.Start,
			DurationMinutes: int(iv.Duration() / time.Minute),
			HostID:          req.MentorID,
		})
		if err != nil {
			return &MeetingProviderError{Err: err}
		}
		meeting = &m

		// 5. Booking record.
		now := o.clock.Now()
		booking = engine.Booking{
			ID:          bookingID,
			ContractID:  req.ContractID,
			StudentID:   req.StudentID,
			MentorID:    req.MentorID,
			MentorRole:  req.MentorRole,
			ServiceType: req.ServiceType,
			Quantity:    req.Quantity,
			Interval:    iv,
			Topic:       req.Topic,
			HoldID:      hold.ID,
			Meeting:     m,
			Status:      engine.BookingScheduled,
			CreatedBy:   req.CreatedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertBooking(ctx, booking); err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}

		// 6. Slots.
		if _, err := o.calendar.BookSlot(ctx, engine.BookSlotInput{
			SubjectID: req.MentorID, Role: req.MentorRole, Interval: iv, BookingID: bookingID,
		}); err != nil {
			return err
		}
		_, err = o.calendar.BookSlot(ctx, engine.BookSlotInput{
			SubjectID: req.StudentID, Role: engine.RoleStudent, Interval: iv, BookingID: bookingID,
		})
		return err
	})
	if err != nil {
		if meeting != nil {
			o.logger.Warn("booking rolled back, meeting orphaned", "meeting_id", meeting.ID, "error", err)
		}
		return engine.Booking{}, err
	}
	if replayed {
		o.logger.Debug("booking replayed", "booking_id", booking.ID, "idempotency_key", req.IdempotencyKey)
		return booking, nil
	}

	span.SetAttributes(attribute.String("booking_id", booking.ID))
	o.logger.Info("booking scheduled", "booking_id", booking.ID, "key", key.String(), "interval", iv.String())
	o.publish(ctx, events.BookingCreated, booking)
	return booking, nil
}

// =============================================================================
// COMPLETE / CANCEL
// =============================================================================

// Complete turns the booking's hold into a consumption and closes its slots.
func (o *Orchestrator) Complete(ctx context.Context, id, by string) (booking engine.Booking, err error) {
	ctx, span := o.tracer.Start(ctx, "booking.Complete", trace.WithAttributes(attribute.String("booking_id", id)))
	defer func() { endSpan(span, err) }()

	err = o.store.WithTx(ctx, func(ctx context.Context, tx engine.Store) error {
		b, err := lockScheduled(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := o.holds.Release(ctx, b.HoldID, "booking completed"); err != nil {
			return err
		}
		if _, err := o.ledger.RecordConsumption(ctx, engine.ConsumeInput{
			Key:       b.Key(),
			Quantity:  b.Quantity,
			BookingID: b.ID,
			HoldID:    b.HoldID,
			Source:    engine.SourceBooking,
			CreatedBy: by,
		}); err != nil {
			return err
		}
		if err := o.closeSlots(ctx, tx, b.ID, o.calendar.CompleteSlot); err != nil {
			return err
		}
		b.Status = engine.BookingCompleted
		b.UpdatedAt = o.clock.Now()
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		booking = b
		return nil
	})
	if err != nil {
		return engine.Booking{}, err
	}

	o.logger.Info("booking completed", "booking_id", id, "by", by)
	o.publish(ctx, events.BookingCompleted, booking)
	return booking, nil
}

// Cancel returns the booking's units and frees both calendars.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (booking engine.Booking, err error) {
	ctx, span := o.tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(attribute.String("booking_id", id)))
	defer func() { endSpan(span, err) }()

	err = o.store.WithTx(ctx, func(ctx context.Context, tx engine.Store) error {
		b, err := lockScheduled(ctx, tx, id)
		if err != nil {
			return err
		}
		hold, err := tx.GetHold(ctx, b.HoldID)
		if err != nil {
			return err
		}
		// An expired hold already gave its units back.
		if hold.Status == engine.HoldActive {
			if _, err := o.holds.Cancel(ctx, hold.ID, reason); err != nil {
				return err
			}
		}
		if err := o.closeSlots(ctx, tx, b.ID, o.calendar.ReleaseSlot); err != nil {
			return err
		}
		b.Status = engine.BookingCancelled
		b.CancelReason = reason
		b.UpdatedAt = o.clock.Now()
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		booking = b
		return nil
	})
	if err != nil {
		return engine.Booking{}, err
	}

	o.logger.Info("booking cancelled", "booking_id", id, "reason", reason)
	o.publish(ctx, events.BookingCancelled, booking)
	return booking, nil
}

// Get returns a booking by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (engine.Booking, error) {
	return o.store.GetBooking(ctx, id)
}

// =============================================================================
// INTERNALS
// =============================================================================

func lockScheduled(ctx context.Context, tx engine.Store, id string) (engine.Booking, error) {
	b, err := tx.LockBooking(ctx, id)
	if err != nil {
		return engine.Booking{}, err
	}
	if b.Status != engine.BookingScheduled {
		return engine.Booking{}, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, engine.ErrBookingNotScheduled)
	}
	return b, nil
}

func (o *Orchestrator) closeSlots(ctx context.Context, tx engine.Store, bookingID string,
	move func(context.Context, string) (engine.Slot, error)) error {
	slots, err := tx.ListSlotsByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	for _, s := range slots {
		if s.Status != engine.SlotBooked {
			continue
		}
		if _, err := move(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// EventData is the payload of booking lifecycle events.
type EventData struct {
	BookingID    string    `json:"booking_id"`
	ContractID   string    `json:"contract_id"`
	ServiceType  string    `json:"service_type"`
	StudentID    string    `json:"student_id"`
	MentorID     string    `json:"mentor_id"`
	Quantity     int64     `json:"quantity"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Status       string    `json:"status"`
	JoinURL      string    `json:"join_url,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
}

func newEventData(b engine.Booking) EventData {
	return EventData{
		BookingID:    b.ID,
		ContractID:   string(b.ContractID),
		ServiceType:  string(b.ServiceType),
		StudentID:    b.StudentID,
		MentorID:     b.MentorID,
		Quantity:     b.Quantity,
		Start:        b.Interval.Start,
		End:          b.Interval.End,
		Status:       string(b.Status),
		JoinURL:      b.Meeting.JoinURL,
		CancelReason: b.CancelReason,
	}
}

// publish runs after commit; failures are logged only.
func (o *Orchestrator) publish(ctx context.Context, typ string, b engine.Booking) {
	ev := events.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: o.clock.Now(),
		Data:       newEventData(b),
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("event publish failed", "type", typ, "booking_id", b.ID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
