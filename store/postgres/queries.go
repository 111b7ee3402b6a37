package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/mentor-booking/engine"
)

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `subject_id, service_type, total, consumed, held, available,
	valid_until, version, created_at, updated_at`

func scanBalance(row pgx.Row) (engine.Balance, error) {
	var b engine.Balance
	err := row.Scan(&b.SubjectID, &b.ServiceType, &b.Total, &b.Consumed, &b.Held, &b.Available,
		&b.ValidUntil, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (s *Store) getBalance(ctx context.Context, key engine.Key, lock bool) (engine.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE subject_id = $1 AND service_type = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	b, err := scanBalance(s.q(ctx).QueryRow(ctx, query, key.SubjectID, key.ServiceType))
	if isNoRows(err) {
		return engine.Balance{}, engine.ErrBalanceNotFound
	}
	if err != nil {
		return engine.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (s *Store) GetBalance(ctx context.Context, key engine.Key) (engine.Balance, error) {
	return s.getBalance(ctx, key, false)
}

func (s *Store) LockBalance(ctx context.Context, key engine.Key) (engine.Balance, error) {
	return s.getBalance(ctx, key, true)
}

func (s *Store) EnsureBalance(ctx context.Context, b engine.Balance) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO balances (`+balanceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (subject_id, service_type) DO NOTHING`,
		b.SubjectID, b.ServiceType, b.Total, b.Consumed, b.Held, b.Available,
		b.ValidUntil, b.Version, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	return nil
}

func (s *Store) UpdateBalance(ctx context.Context, b engine.Balance) error {
	var tag int64
	err := s.savepoint(ctx, func(q querier) error {
		ct, err := q.Exec(ctx, `
UPDATE balances
SET total = $1, consumed = $2, held = $3, available = $4, valid_until = $5, version = $6, updated_at = $7
WHERE subject_id = $8 AND service_type = $9`,
			b.Total, b.Consumed, b.Held, b.Available, b.ValidUntil, b.Version, b.UpdatedAt,
			b.SubjectID, b.ServiceType)
		tag = ct.RowsAffected()
		return err
	})
	if err != nil {
		if isCheckViolation(err) {
			return &engine.InvariantError{Balance: b, Detail: "rejected by balances check constraint"}
		}
		return fmt.Errorf("update balance: %w", err)
	}
	if tag == 0 {
		return engine.ErrBalanceNotFound
	}
	return nil
}

func (s *Store) ListExpiredBalances(ctx context.Context, now time.Time, limit int) ([]engine.Key, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT subject_id, service_type FROM balances
WHERE valid_until IS NOT NULL AND valid_until <= $1 AND available > 0
ORDER BY valid_until, subject_id, service_type
LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list expired balances: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Key, error) {
		var k engine.Key
		err := row.Scan(&k.SubjectID, &k.ServiceType)
		return k, err
	})
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	err := s.savepoint(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO ledger_entries
(id, subject_id, service_type, quantity, entry_type, source, balance_after,
 hold_id, booking_id, reason, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.Key.SubjectID, e.Key.ServiceType, e.Quantity, e.Type, e.Source, e.BalanceAfter,
			e.HoldID, e.BookingID, e.Reason, e.CreatedBy, e.CreatedAt)
		return err
	})
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %s entry of %d", engine.ErrInvalidQuantity, e.Type, e.Quantity)
		}
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, key engine.Key, limit int) ([]engine.LedgerEntry, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT id, subject_id, service_type, quantity, entry_type, source, balance_after,
       hold_id, booking_id, reason, created_by, created_at
FROM (
    SELECT * FROM ledger_entries
    WHERE subject_id = $1 AND service_type = $2
    ORDER BY seq DESC
    LIMIT $3
) latest
ORDER BY seq ASC`, key.SubjectID, key.ServiceType, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.LedgerEntry, error) {
		var e engine.LedgerEntry
		err := row.Scan(&e.ID, &e.Key.SubjectID, &e.Key.ServiceType, &e.Quantity, &e.Type, &e.Source,
			&e.BalanceAfter, &e.HoldID, &e.BookingID, &e.Reason, &e.CreatedBy, &e.CreatedAt)
		return e, err
	})
}

// =============================================================================
// HOLDS
// =============================================================================

const holdColumns = `id, subject_id, service_type, quantity, status, expires_at, released_at,
	release_reason, booking_id, COALESCE(idempotency_key, ''), created_at`

func scanHold(row pgx.Row) (engine.Hold, error) {
	var h engine.Hold
	err := row.Scan(&h.ID, &h.Key.SubjectID, &h.Key.ServiceType, &h.Quantity, &h.Status,
		&h.ExpiresAt, &h.ReleasedAt, &h.ReleaseReason, &h.BookingID, &h.IdempotencyKey, &h.CreatedAt)
	return h, err
}

func (s *Store) InsertHold(ctx context.Context, h engine.Hold) error {
	err := s.savepoint(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO holds (id, subject_id, service_type, quantity, status, expires_at, released_at,
	release_reason, booking_id, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			h.ID, h.Key.SubjectID, h.Key.ServiceType, h.Quantity, h.Status, h.ExpiresAt, h.ReleasedAt,
			h.ReleaseReason, h.BookingID, nullIfEmpty(h.IdempotencyKey), h.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrIdempotencyConflict
		}
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

func (s *Store) getHold(ctx context.Context, id string, lock bool) (engine.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	h, err := scanHold(s.q(ctx).QueryRow(ctx, query, id))
	if isNoRows(err) {
		return engine.Hold{}, engine.ErrHoldNotFound
	}
	if err != nil {
		return engine.Hold{}, fmt.Errorf("get hold: %w", err)
	}
	return h, nil
}

func (s *Store) GetHold(ctx context.Context, id string) (engine.Hold, error) {
	return s.getHold(ctx, id, false)
}

func (s *Store) LockHold(ctx context.Context, id string) (engine.Hold, error) {
	return s.getHold(ctx, id, true)
}

func (s *Store) UpdateHold(ctx context.Context, h engine.Hold) error {
	tag, err := s.q(ctx).Exec(ctx, `
UPDATE holds SET status = $1, released_at = $2, release_reason = $3
WHERE id = $4 AND status = 'active'`,
		h.Status, h.ReleasedAt, h.ReleaseReason, h.ID)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetHold(ctx, h.ID)
		if err != nil {
			return err
		}
		return &engine.HoldStateError{HoldID: cur.ID, Status: cur.Status}
	}
	return nil
}

func (s *Store) FindHoldByIdempotencyKey(ctx context.Context, key engine.Key, idempotencyKey string) (*engine.Hold, error) {
	h, err := scanHold(s.q(ctx).QueryRow(ctx, `
SELECT `+holdColumns+` FROM holds
WHERE subject_id = $1 AND service_type = $2 AND idempotency_key = $3`,
		key.SubjectID, key.ServiceType, idempotencyKey))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find hold by idempotency key: %w", err)
	}
	return &h, nil
}

func (s *Store) ListActiveHolds(ctx context.Context, key engine.Key) ([]engine.Hold, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT `+holdColumns+` FROM holds
WHERE subject_id = $1 AND service_type = $2 AND status = 'active'
ORDER BY created_at, id`, key.SubjectID, key.ServiceType)
	if err != nil {
		return nil, fmt.Errorf("list active holds: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Hold, error) { return scanHold(row) })
}

func (s *Store) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT id FROM holds
WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
ORDER BY expires_at, id
LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list due holds: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// =============================================================================
// CALENDAR SLOTS
// =============================================================================

const slotColumns = `id, subject_id, role, starts_at, ends_at, status, booking_id, created_at, updated_at`

func scanSlot(row pgx.Row) (engine.Slot, error) {
	var sl engine.Slot
	err := row.Scan(&sl.ID, &sl.SubjectID, &sl.Role, &sl.Interval.Start, &sl.Interval.End,
		&sl.Status, &sl.BookingID, &sl.CreatedAt, &sl.UpdatedAt)
	if err == nil {
		sl.Interval = sl.Interval.UTC()
	}
	return sl, err
}

// InsertSlot relies on the calendar_slots_no_overlap exclusion constraint.
func (s *Store) InsertSlot(ctx context.Context, sl engine.Slot) error {
	err := s.savepoint(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO calendar_slots (`+slotColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sl.ID, sl.SubjectID, sl.Role, sl.Interval.Start, sl.Interval.End,
			sl.Status, sl.BookingID, sl.CreatedAt, sl.UpdatedAt)
		return err
	})
	if err != nil {
		if isExclusionViolation(err) {
			conflict := &engine.TimeConflictError{SubjectID: sl.SubjectID, Interval: sl.Interval}
			if others, ferr := s.FindOverlapping(ctx, sl.SubjectID, sl.Interval); ferr == nil && len(others) > 0 {
				conflict.ConflictingSlotID = others[0].ID
			}
			return conflict
		}
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %s", engine.ErrInvalidInterval, sl.Interval)
		}
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

func (s *Store) GetSlot(ctx context.Context, id string) (engine.Slot, error) {
	sl, err := scanSlot(s.q(ctx).QueryRow(ctx, `SELECT `+slotColumns+` FROM calendar_slots WHERE id = $1`, id))
	if isNoRows(err) {
		return engine.Slot{}, engine.ErrSlotNotFound
	}
	if err != nil {
		return engine.Slot{}, fmt.Errorf("get slot: %w", err)
	}
	return sl, nil
}

func (s *Store) UpdateSlotStatus(ctx context.Context, id string, from, to engine.SlotStatus, at time.Time) error {
	tag, err := s.q(ctx).Exec(ctx, `
UPDATE calendar_slots SET status = $1, updated_at = $2
WHERE id = $3 AND status = $4`, to, at, id, from)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSlot(ctx, id); err != nil {
			return err
		}
		return engine.ErrSlotNotBooked
	}
	return nil
}

func (s *Store) FindOverlapping(ctx context.Context, subjectID string, iv engine.Interval) ([]engine.Slot, error) {
	return s.querySlots(ctx, `
SELECT `+slotColumns+` FROM calendar_slots
WHERE subject_id = $1 AND status = 'booked' AND starts_at < $2 AND ends_at > $3
ORDER BY starts_at, id`, subjectID, iv.End, iv.Start)
}

func (s *Store) ListSlots(ctx context.Context, subjectID string, from, to time.Time) ([]engine.Slot, error) {
	return s.querySlots(ctx, `
SELECT `+slotColumns+` FROM calendar_slots
WHERE subject_id = $1 AND starts_at < $2 AND ends_at > $3
ORDER BY starts_at, id`, subjectID, to, from)
}

func (s *Store) ListSlotsByBooking(ctx context.Context, bookingID string) ([]engine.Slot, error) {
	return s.querySlots(ctx, `
SELECT `+slotColumns+` FROM calendar_slots
WHERE booking_id = $1
ORDER BY starts_at, id`, bookingID)
}

func (s *Store) querySlots(ctx context.Context, query string, args ...any) ([]engine.Slot, error) {
	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Slot, error) { return scanSlot(row) })
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, contract_id, service_type, student_id, mentor_id, mentor_role, quantity,
	starts_at, ends_at, topic, hold_id, meeting_id, meeting_url, meeting_password,
	status, cancel_reason, created_by, created_at, updated_at`

func (s *Store) InsertBooking(ctx context.Context, b engine.Booking) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO bookings (`+bookingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		b.ID, b.ContractID, b.ServiceType, b.StudentID, b.MentorID, b.MentorRole, b.Quantity,
		b.Interval.Start, b.Interval.End, b.Topic, b.HoldID, b.Meeting.ID, b.Meeting.JoinURL, b.Meeting.Password,
		b.Status, b.CancelReason, b.CreatedBy, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (s *Store) getBooking(ctx context.Context, id string, lock bool) (engine.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var b engine.Booking
	err := s.q(ctx).QueryRow(ctx, query, id).Scan(
		&b.ID, &b.ContractID, &b.ServiceType, &b.StudentID, &b.MentorID, &b.MentorRole, &b.Quantity,
		&b.Interval.Start, &b.Interval.End, &b.Topic, &b.HoldID, &b.Meeting.ID, &b.Meeting.JoinURL, &b.Meeting.Password,
		&b.Status, &b.CancelReason, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if isNoRows(err) {
		return engine.Booking{}, engine.ErrBookingNotFound
	}
	if err != nil {
		return engine.Booking{}, fmt.Errorf("get booking: %w", err)
	}
	b.Interval = b.Interval.UTC()
	return b, nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (engine.Booking, error) {
	return s.getBooking(ctx, id, false)
}

func (s *Store) LockBooking(ctx context.Context, id string) (engine.Booking, error) {
	return s.getBooking(ctx, id, true)
}

func (s *Store) UpdateBooking(ctx context.Context, b engine.Booking) error {
	tag, err := s.q(ctx).Exec(ctx, `
UPDATE bookings
SET status = $1, cancel_reason = $2, meeting_id = $3, meeting_url = $4, meeting_password = $5, updated_at = $6
WHERE id = $7`,
		b.Status, b.CancelReason, b.Meeting.ID, b.Meeting.JoinURL, b.Meeting.Password, b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrBookingNotFound
	}
	return nil
}
