/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Ledger:   BalanceDTO, LedgerEntryDTO, GrantRequest, ConsumeRequest,
            RefundRequest, AdjustRequest, ExpireRequest
  Holds:    CreateHoldRequest, ReasonRequest, HoldDTO
  Calendar: BookSlotRequest, SlotDTO
  Bookings: CreateBookingRequest, CompleteBookingRequest, BookingDTO
  Admin:    ReaperReportDTO

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/mentor-booking/engine"
	"github.com/warp/mentor-booking/reaper"
)

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	SubjectID   string     `json:"subject_id"`
	ServiceType string     `json:"service_type"`
	Total       int64      `json:"total"`
	Consumed    int64      `json:"consumed"`
	Held        int64      `json:"held"`
	Available   int64      `json:"available"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type LedgerEntryDTO struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id"`
	ServiceType  string    `json:"service_type"`
	Quantity     int64     `json:"quantity"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	BalanceAfter int64     `json:"balance_after"`
	HoldID       string    `json:"hold_id,omitempty"`
	BookingID    string    `json:"booking_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// KeyRequest names a balance.
type KeyRequest struct {
	SubjectID   string `json:"subject_id"`
	ServiceType string `json:"service_type"`
}

func (k KeyRequest) key() engine.Key {
	return engine.Key{SubjectID: engine.SubjectID(k.SubjectID), ServiceType: engine.ServiceType(k.ServiceType)}
}

type GrantRequest struct {
	KeyRequest
	Quantity   int64      `json:"quantity"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Source     string     `json:"source,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
}

type ConsumeRequest struct {
	KeyRequest
	Quantity  int64  `json:"quantity"`
	BookingID string `json:"booking_id,omitempty"`
	HoldID    string `json:"hold_id,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

type RefundRequest struct {
	KeyRequest
	Quantity  int64  `json:"quantity"`
	BookingID string `json:"booking_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

type AdjustRequest struct {
	KeyRequest
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"created_by,omitempty"`
}

type ExpireRequest struct {
	KeyRequest
}

// ExpireResponse carries the expiration entry, nil when nothing was left.
type ExpireResponse struct {
	Entry *LedgerEntryDTO `json:"entry"`
}

// =============================================================================
// HOLDS
// =============================================================================

type CreateHoldRequest struct {
	KeyRequest
	Quantity int64 `json:"quantity,omitempty"`
	// TTLSeconds overrides the default TTL; 0 disables auto-expiry.
	TTLSeconds     *int64 `json:"ttl_seconds,omitempty"`
	BookingID      string `json:"booking_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ReasonRequest is the body of release and cancel calls.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type HoldDTO struct {
	ID             string     `json:"id"`
	SubjectID      string     `json:"subject_id"`
	ServiceType    string     `json:"service_type"`
	Quantity       int64      `json:"quantity"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	ReleaseReason  string     `json:"release_reason,omitempty"`
	BookingID      string     `json:"booking_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// =============================================================================
// CALENDAR
// =============================================================================

type BookSlotRequest struct {
	SubjectID string    `json:"subject_id"`
	Role      string    `json:"role"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	BookingID string    `json:"booking_id,omitempty"`
}

type SlotDTO struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Role      string    `json:"role"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Status    string    `json:"status"`
	BookingID string    `json:"booking_id,omitempty"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type CreateBookingRequest struct {
	ContractID      string    `json:"contract_id"`
	StudentID       string    `json:"student_id"`
	MentorID        string    `json:"mentor_id"`
	MentorRole      string    `json:"mentor_role,omitempty"`
	ServiceType     string    `json:"service_type"`
	Quantity        int64     `json:"quantity,omitempty"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Topic           string    `json:"topic"`
	CreatedBy       string    `json:"created_by,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
}

type CompleteBookingRequest struct {
	CompletedBy string `json:"completed_by,omitempty"`
}

type MeetingDTO struct {
	ID       string `json:"id"`
	JoinURL  string `json:"join_url"`
	Password string `json:"password,omitempty"`
}

type BookingDTO struct {
	ID           string     `json:"id"`
	ContractID   string     `json:"contract_id"`
	StudentID    string     `json:"student_id"`
	MentorID     string     `json:"mentor_id"`
	MentorRole   string     `json:"mentor_role"`
	ServiceType  string     `json:"service_type"`
	Quantity     int64      `json:"quantity"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Topic        string     `json:"topic,omitempty"`
	HoldID       string     `json:"hold_id"`
	Meeting      MeetingDTO `json:"meeting"`
	Status       string     `json:"status"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// =============================================================================
// ADMIN / ERRORS
// =============================================================================

type ReaperReportDTO struct {
	HoldsExpired        int       `json:"holds_expired"`
	EntitlementsExpired int       `json:"entitlements_expired"`
	RanAt               time.Time `json:"ran_at"`
	DurationMS          int64     `json:"duration_ms"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b engine.Balance) BalanceDTO {
	return BalanceDTO{
		SubjectID:   string(b.SubjectID),
		ServiceType: string(b.ServiceType),
		Total:       b.Total,
		Consumed:    b.Consumed,
		Held:        b.Held,
		Available:   b.Available,
		ValidUntil:  b.ValidUntil,
		Version:     b.Version,
		UpdatedAt:   b.UpdatedAt,
	}
}

func toLedgerEntryDTO(e engine.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:           e.ID,
		SubjectID:    string(e.Key.SubjectID),
		ServiceType:  string(e.Key.ServiceType),
		Quantity:     e.Quantity,
		Type:         string(e.Type),
		Source:       e.Source,
		BalanceAfter: e.BalanceAfter,
		HoldID:       e.HoldID,
		BookingID:    e.BookingID,
		Reason:       e.Reason,
		CreatedBy:    e.CreatedBy,
		CreatedAt:    e.CreatedAt,
	}
}

func toHoldDTO(h engine.Hold) HoldDTO {
	return HoldDTO{
		ID:             h.ID,
		SubjectID:      string(h.Key.SubjectID),
		ServiceType:    string(h.Key.ServiceType),
		Quantity:       h.Quantity,
		Status:         string(h.Status),
		ExpiresAt:      h.ExpiresAt,
		ReleasedAt:     h.ReleasedAt,
		ReleaseReason:  h.ReleaseReason,
		BookingID:      h.BookingID,
		IdempotencyKey: h.IdempotencyKey,
		CreatedAt:      h.CreatedAt,
	}
}

func toSlotDTO(s engine.Slot) SlotDTO {
	return SlotDTO{
		ID:        s.ID,
		SubjectID: s.SubjectID,
		Role:      string(s.Role),
		Start:     s.Interval.Start,
		End:       s.Interval.End,
		Status:    string(s.Status),
		BookingID: s.BookingID,
	}
}

func toBookingDTO(b engine.Booking) BookingDTO {
	return BookingDTO{
		ID:           b.ID,
		ContractID:   string(b.ContractID),
		StudentID:    b.StudentID,
		MentorID:     b.MentorID,
		MentorRole:   string(b.MentorRole),
		ServiceType:  string(b.ServiceType),
		Quantity:     b.Quantity,
		Start:        b.Interval.Start,
		End:          b.Interval.End,
		Topic:        b.Topic,
		HoldID:       b.HoldID,
		Meeting:      MeetingDTO{ID: b.Meeting.ID, JoinURL: b.Meeting.JoinURL, Password: b.Meeting.Password},
		Status:       string(b.Status),
		CancelReason: b.CancelReason,
		CreatedBy:    b.CreatedBy,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func toReaperReportDTO(r reaper.Report) ReaperReportDTO {
	return ReaperReportDTO{
		HoldsExpired:        r.HoldsExpired,
		EntitlementsExpired: r.EntitlementsExpired,
		RanAt:               r.RanAt,
		DurationMS:          r.Duration.Milliseconds(),
	}
}
