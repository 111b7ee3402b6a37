package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/mentor-booking/engine"
)

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `subject_id, service_type, total, consumed, held, available,
	valid_until, version, created_at, updated_at`

func scanBalance(row scanner) (engine.Balance, error) {
	var (
		b                    engine.Balance
		validUntil           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&b.SubjectID, &b.ServiceType, &b.Total, &b.Consumed, &b.Held, &b.Available,
		&validUntil, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		return engine.Balance{}, err
	}
	if b.ValidUntil, err = parseTimePtr(validUntil); err != nil {
		return engine.Balance{}, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return engine.Balance{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return engine.Balance{}, err
	}
	return b, nil
}

func (s *Store) GetBalance(ctx context.Context, key engine.Key) (engine.Balance, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE subject_id = ? AND service_type = ?`,
		key.SubjectID, key.ServiceType)
	b, err := scanBalance(row)
	if isNoRows(err) {
		return engine.Balance{}, engine.ErrBalanceNotFound
	}
	if err != nil {
		return engine.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// LockBalance is a plain read: BEGIN IMMEDIATE already holds the write lock.
func (s *Store) LockBalance(ctx context.Context, key engine.Key) (engine.Balance, error) {
	return s.GetBalance(ctx, key)
}

func (s *Store) EnsureBalance(ctx context.Context, b engine.Balance) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, service_type) DO NOTHING`,
		b.SubjectID, b.ServiceType, b.Total, b.Consumed, b.Held, b.Available,
		formatTimePtr(b.ValidUntil), b.Version, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to ensure balance: %w", err)
	}
	return nil
}

func (s *Store) UpdateBalance(ctx context.Context, b engine.Balance) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE balances
		SET total = ?, consumed = ?, held = ?, available = ?, valid_until = ?, version = ?, updated_at = ?
		WHERE subject_id = ? AND service_type = ?`,
		b.Total, b.Consumed, b.Held, b.Available, formatTimePtr(b.ValidUntil), b.Version, formatTime(b.UpdatedAt),
		b.SubjectID, b.ServiceType)
	if err != nil {
		if isCheckConstraintError(err) {
			return &engine.InvariantError{Balance: b, Detail: "rejected by balances check constraint"}
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrBalanceNotFound
	}
	return nil
}

func (s *Store) ListExpiredBalances(ctx context.Context, now time.Time, limit int) ([]engine.Key, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT subject_id, service_type FROM balances
		WHERE valid_until IS NOT NULL AND valid_until <= ? AND available > 0
		ORDER BY valid_until, subject_id, service_type
		LIMIT ?`, formatTime(now), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired balances: %w", err)
	}
	defer rows.Close()

	var keys []engine.Key
	for rows.Next() {
		var k engine.Key
		if err := rows.Scan(&k.SubjectID, &k.ServiceType); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, subject_id, service_type, quantity, entry_type, source, balance_after,
		 hold_id, booking_id, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Key.SubjectID, e.Key.ServiceType, e.Quantity, e.Type, e.Source, e.BalanceAfter,
		nullString(e.HoldID), nullString(e.BookingID), nullString(e.Reason), nullString(e.CreatedBy),
		formatTime(e.CreatedAt))
	if err != nil {
		if isCheckConstraintError(err) {
			return fmt.Errorf("%w: %s entry of %d", engine.ErrInvalidQuantity, e.Type, e.Quantity)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, key engine.Key, limit int) ([]engine.LedgerEntry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, subject_id, service_type, quantity, entry_type, source, balance_after,
		       hold_id, booking_id, reason, created_by, created_at
		FROM (
			SELECT * FROM ledger_entries
			WHERE subject_id = ? AND service_type = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC`, key.SubjectID, key.ServiceType, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		var (
			e                                    engine.LedgerEntry
			holdID, bookingID, reason, createdBy sql.NullString
			createdAt                            string
		)
		if err := rows.Scan(&e.ID, &e.Key.SubjectID, &e.Key.ServiceType, &e.Quantity, &e.Type, &e.Source,
			&e.BalanceAfter, &holdID, &bookingID, &reason, &createdBy, &createdAt); err != nil {
			return nil, err
		}
		e.HoldID, e.BookingID, e.Reason, e.CreatedBy = holdID.String, bookingID.String, reason.String, createdBy.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HOLDS
// =============================================================================

const holdColumns = `id, subject_id, service_type, quantity, status, expires_at, released_at,
	release_reason, booking_id, idempotency_key, created_at`

func scanHold(row scanner) (engine.Hold, error) {
	var (
		h                                 engine.Hold
		expiresAt, releasedAt             sql.NullString
		reason, bookingID, idempotencyKey sql.NullString
		createdAt                         string
	)
	err := row.Scan(&h.ID, &h.Key.SubjectID, &h.Key.ServiceType, &h.Quantity, &h.Status,
		&expiresAt, &releasedAt, &reason, &bookingID, &idempotencyKey, &createdAt)
	if err != nil {
		return engine.Hold{}, err
	}
	h.ReleaseReason, h.BookingID, h.IdempotencyKey = reason.String, bookingID.String, idempotencyKey.String
	if h.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return engine.Hold{}, err
	}
	if h.ReleasedAt, err = parseTimePtr(releasedAt); err != nil {
		return engine.Hold{}, err
	}
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return engine.Hold{}, err
	}
	return h, nil
}

func (s *Store) InsertHold(ctx context.Context, h engine.Hold) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO holds (`+holdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Key.SubjectID, h.Key.ServiceType, h.Quantity, h.Status,
		formatTimePtr(h.ExpiresAt), formatTimePtr(h.ReleasedAt), nullString(h.ReleaseReason),
		nullString(h.BookingID), nullString(h.IdempotencyKey), formatTime(h.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrIdempotencyConflict
		}
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (s *Store) GetHold(ctx context.Context, id string) (engine.Hold, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = ?`, id)
	h, err := scanHold(row)
	if isNoRows(err) {
		return engine.Hold{}, engine.ErrHoldNotFound
	}
	if err != nil {
		return engine.Hold{}, fmt.Errorf("failed to get hold: %w", err)
	}
	return h, nil
}

func (s *Store) LockHold(ctx context.Context, id string) (engine.Hold, error) {
	return s.GetHold(ctx, id)
}

func (s *Store) UpdateHold(ctx context.Context, h engine.Hold) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE holds SET status = ?, released_at = ?, release_reason = ?
		WHERE id = ? AND status = 'active'`,
		h.Status, formatTimePtr(h.ReleasedAt), nullString(h.ReleaseReason), h.ID)
	if err != nil {
		return fmt.Errorf("failed to update hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.GetHold(ctx, h.ID)
		if err != nil {
			return err
		}
		return &engine.HoldStateError{HoldID: cur.ID, Status: cur.Status}
	}
	return nil
}

func (s *Store) FindHoldByIdempotencyKey(ctx context.Context, key engine.Key, idempotencyKey string) (*engine.Hold, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE subject_id = ? AND service_type = ? AND idempotency_key = ?`,
		key.SubjectID, key.ServiceType, idempotencyKey)
	h, err := scanHold(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find hold: %w", err)
	}
	return &h, nil
}

func (s *Store) ListActiveHolds(ctx context.Context, key engine.Key) ([]engine.Hold, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE subject_id = ? AND service_type = ? AND status = 'active'
		ORDER BY created_at, id`, key.SubjectID, key.ServiceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	defer rows.Close()

	var holds []engine.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func (s *Store) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id FROM holds
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at, id
		LIMIT ?`, formatTime(now), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list due holds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// CALENDAR SLOTS
// =============================================================================

const slotColumns = `id, subject_id, role, starts_at, ends_at, status, booking_id, created_at, updated_at`

func scanSlot(row scanner) (engine.Slot, error) {
	var (
		sl                                     engine.Slot
		startsAt, endsAt, createdAt, updatedAt string
		bookingID                              sql.NullString
	)
	err := row.Scan(&sl.ID, &sl.SubjectID, &sl.Role, &startsAt, &endsAt, &sl.Status, &bookingID, &createdAt, &updatedAt)
	if err != nil {
		return engine.Slot{}, err
	}
	sl.BookingID = bookingID.String
	for _, p := range []struct {
		dst *time.Time
		src string
	}{
		{&sl.Interval.Start, startsAt},
		{&sl.Interval.End, endsAt},
		{&sl.CreatedAt, createdAt},
		{&sl.UpdatedAt, updatedAt},
	} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return engine.Slot{}, err
		}
	}
	return sl, nil
}

// InsertSlot relies on the calendar_slots_no_overlap trigger.
func (s *Store) InsertSlot(ctx context.Context, sl engine.Slot) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO calendar_slots (`+slotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sl.ID, sl.SubjectID, sl.Role, formatTime(sl.Interval.Start), formatTime(sl.Interval.End),
		sl.Status, nullString(sl.BookingID), formatTime(sl.CreatedAt), formatTime(sl.UpdatedAt))
	if err != nil {
		if isTimeConflictError(err) {
			conflict := &engine.TimeConflictError{SubjectID: sl.SubjectID, Interval: sl.Interval}
			if others, ferr := s.FindOverlapping(ctx, sl.SubjectID, sl.Interval); ferr == nil && len(others) > 0 {
				conflict.ConflictingSlotID = others[0].ID
			}
			return conflict
		}
		if isCheckConstraintError(err) {
			return fmt.Errorf("%w: %s", engine.ErrInvalidInterval, sl.Interval)
		}
		return fmt.Errorf("failed to insert slot: %w", err)
	}
	return nil
}

func (s *Store) GetSlot(ctx context.Context, id string) (engine.Slot, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+slotColumns+` FROM calendar_slots WHERE id = ?`, id)
	sl, err := scanSlot(row)
	if isNoRows(err) {
		return engine.Slot{}, engine.ErrSlotNotFound
	}
	if err != nil {
		return engine.Slot{}, fmt.Errorf("failed to get slot: %w", err)
	}
	return sl, nil
}

func (s *Store) UpdateSlotStatus(ctx context.Context, id string, from, to engine.SlotStatus, at time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE calendar_slots SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`, to, formatTime(at), id, from)
	if err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
		WHERE subject_id = ? AND status = 'booked' AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at, id`,
		subjectID, formatTime(iv.End), formatTime(iv.Start))
}

func (s *Store) ListSlots(ctx context.Context, subjectID string, from, to time.Time) ([]engine.Slot, error) {
	return s.querySlots(ctx, `
		SELECT `+slotColumns+` FROM calendar_slots
		WHERE subject_id = ? AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at, id`,
		subjectID, formatTime(to), formatTime(from))
}

func (s *Store) ListSlotsByBooking(ctx context.Context, bookingID string) ([]engine.Slot, error) {
	return s.querySlots(ctx, `
		SELECT `+slotColumns+` FROM calendar_slots
		WHERE booking_id = ?
		ORDER BY starts_at, id`, bookingID)
}

func (s *Store) querySlots(ctx context.Context, query string, args ...any) ([]engine.Slot, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	var slots []engine.Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, contract_id, service_type, student_id, mentor_id, mentor_role, quantity,
	starts_at, ends_at, topic, hold_id, meeting_id, meeting_url, meeting_password,
	status, cancel_reason, created_by, created_at, updated_at`

func scanBooking(row scanner) (engine.Booking, error) {
	var (
		b                                      engine.Booking
		topic, holdID, meetingID, meetingURL   sql.NullString
		meetingPassword, cancelReason, creator sql.NullString
		startsAt, endsAt, createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.ContractID, &b.ServiceType, &b.StudentID, &b.MentorID, &b.MentorRole, &b.Quantity,
		&startsAt, &endsAt, &topic, &holdID, &meetingID, &meetingURL, &meetingPassword,
		&b.Status, &cancelReason, &creator, &createdAt, &updatedAt)
	if err != nil {
		return engine.Booking{}, err
	}
	b.Topic, b.HoldID, b.CancelReason, b.CreatedBy = topic.String, holdID.String, cancelReason.String, creator.String
	b.Meeting = engine.Meeting{ID: meetingID.String, JoinURL: meetingURL.String, Password: meetingPassword.String}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{
		{&b.Interval.Start, startsAt},
		{&b.Interval.End, endsAt},
		{&b.CreatedAt, createdAt},
		{&b.UpdatedAt, updatedAt},
	} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return engine.Booking{}, err
		}
	}
	return b, nil
}

func (s *Store) InsertBooking(ctx context.Context, b engine.Booking) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ContractID, b.ServiceType, b.StudentID, b.MentorID, b.MentorRole, b.Quantity,
		formatTime(b.Interval.Start), formatTime(b.Interval.End), nullString(b.Topic), nullString(b.HoldID),
		nullString(b.Meeting.ID), nullString(b.Meeting.JoinURL), nullString(b.Meeting.Password),
		b.Status, nullString(b.CancelReason), nullString(b.CreatedBy), formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (engine.Booking, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if isNoRows(err) {
		return engine.Booking{}, engine.ErrBookingNotFound
	}
	if err != nil {
		return engine.Booking{}, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (s *Store) LockBooking(ctx context.Context, id string) (engine.Booking, error) {
	return s.GetBooking(ctx, id)
}

func (s *Store) UpdateBooking(ctx context.Context, b engine.Booking) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE bookings
		SET status = ?, cancel_reason = ?, meeting_id = ?, meeting_url = ?, meeting_password = ?, updated_at = ?
		WHERE id = ?`,
		b.Status, nullString(b.CancelReason), nullString(b.Meeting.ID), nullString(b.Meeting.JoinURL),
		nullString(b.Meeting.Password), formatTime(b.UpdatedAt), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrBookingNotFound
	}
	return nil
}
