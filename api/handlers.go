/*
handlers.go - HTTP API handlers for the entitlement and booking engine

PURPOSE:
  Exposes ledger, holds, calendar and bookings via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Balances:
    GET    /api/balances/{subject}/{service}          Current balance
    GET    /api/balances/{subject}/{service}/entries  Ledger, oldest first
    POST   /api/balances/{subject}/{service}/verify   Replay audit

  Ledger:
    POST   /api/ledger/grants | consumptions | refunds | adjustments | expirations

  Holds:
    POST   /api/holds                 Create
    GET    /api/holds/{id}            Get
    POST   /api/holds/{id}/release    Release (booking went through)
    POST   /api/holds/{id}/cancel     Cancel

  Calendar:
    POST   /api/slots                 Book one slot
    GET    /api/subjects/{id}/slots   Slots in [from, to)
    POST   /api/slots/{id}/release    Cancel slot
    POST   /api/slots/{id}/complete   Complete slot

  Bookings:
    POST   /api/bookings              Book a session
    GET    /api/bookings/{id}         Get
    POST   /api/bookings/{id}/cancel  Cancel
    POST   /api/bookings/{id}/complete Complete

  Admin:
    POST   /api/admin/reaper/run      Run one reaper sweep

ERROR HANDLING:
  Errors are returned as JSON with a machine-readable code:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Time conflict, terminal or expired hold, idempotency reuse
  - 422: Insufficient balance
  - 502: Meeting provider failure
  - 500: Invariant violations and internal errors

SECURITY NOTE:
  No authentication or authorization. Callers are trusted services.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/mentor-booking/booking"
	"github.com/warp/mentor-booking/engine"
	"github.com/warp/mentor-booking/reaper"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *engine.Ledger
	Holds    *engine.Holds
	Calendar *engine.Calendar
	Bookings *booking.Orchestrator
	Reaper   *reaper.Reaper

	// Store is pinged by /health when set.
	Store Pinger

	// HoldTTL applies to holds created without ttl_seconds.
	HoldTTL time.Duration
	Logger  *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Health reports liveness and store reachability.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

func keyFromPath(r *http.Request) engine.Key {
	return engine.Key{
		SubjectID:   engine.SubjectID(chi.URLParam(r, "subject")),
		ServiceType: engine.ServiceType(chi.URLParam(r, "service")),
	}
}

// GetBalance returns the current balance of a key.
// GET /api/balances/{subject}/{service}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Balance(r.Context(), keyFromPath(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetEntries returns the ledger of a key, oldest first. With ?limit=n only
// the latest n entries are returned.
// GET /api/balances/{subject}/{service}/entries?limit=
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	entries, err := h.Ledger.Entries(r.Context(), keyFromPath(r), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyBalance replays the ledger and compares it to the stored balance.
// POST /api/balances/{subject}/{service}/verify
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Verify(r.Context(), keyFromPath(r))
	if err != nil {
		var drift *engine.DriftError
		if errors.As(err, &drift) {
			writeJSON(w, http.StatusConflict, ErrorResponse{
				Error:   "Balance drift detected",
				Code:    "balance_drift",
				Details: map[string]BalanceDTO{"stored": toBalanceDTO(drift.Stored), "replayed": toBalanceDTO(drift.Replayed)},
			})
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// Grant records an initial entitlement.
// POST /api/ledger/grants
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Ledger.GrantInitial(r.Context(), engine.GrantInput{
		Key:        req.key(),
		Quantity:   req.Quantity,
		ValidUntil: req.ValidUntil,
		Source:     req.Source,
		CreatedBy:  req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// Consume records delivered services.
// POST /api/ledger/consumptions
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Ledger.RecordConsumption(r.Context(), engine.ConsumeInput{
		Key:       req.key(),
		Quantity:  req.Quantity,
		BookingID: req.BookingID,
		HoldID:    req.HoldID,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// Refund gives back consumed units.
// POST /api/ledger/refunds
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Ledger.RecordRefund(r.Context(), engine.RefundInput{
		Key:       req.key(),
		Quantity:  req.Quantity,
		BookingID: req.BookingID,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// Adjust corrects a total.
// POST /api/ledger/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Ledger.RecordAdjustment(r.Context(), engine.AdjustInput{
		Key:       req.key(),
		Delta:     req.Delta,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// Expire removes the remaining available units of a key.
// POST /api/ledger/expirations
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	var req ExpireRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Ledger.RecordExpiration(r.Context(), req.key(), engine.SourceAdmin)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var resp ExpireResponse
	if entry != nil {
		dto := toLedgerEntryDTO(*entry)
		resp.Entry = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HOLD HANDLERS
// =============================================================================

// CreateHold reserves units. The Idempotency-Key header is used when the
// body carries none.
// POST /api/holds
func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldRequest
	if !decode(w, r, &req) {
		return
	}
	ttl := h.HoldTTL
	if req.TTLSeconds != nil {
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}
	idem := req.IdempotencyKey
	if idem == "" {
		idem = r.Header.Get("Idempotency-Key")
	}

	hold, err := h.Holds.Create(r.Context(), engine.CreateHoldInput{
		Key:            req.key(),
		Quantity:       req.Quantity,
		TTL:            ttl,
		BookingID:      req.BookingID,
		IdempotencyKey: idem,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHoldDTO(hold))
}

// GetHold returns a hold.
// GET /api/holds/{id}
func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Holds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTO(hold))
}

// ReleaseHold ends a hold as released.
// POST /api/holds/{id}/release
func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	h.endHold(w, r, h.Holds.Release)
}

// CancelHold ends a hold as cancelled.
// POST /api/holds/{id}/cancel
func (h *Handler) CancelHold(w http.ResponseWriter, r *http.Request) {
	h.endHold(w, r, h.Holds.Cancel)
}

func (h *Handler) endHold(w http.ResponseWriter, r *http.Request,
	end func(ctx context.Context, id, reason string) (engine.Hold, error)) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	hold, err := end(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTO(hold))
}

// =============================================================================
// CALENDAR HANDLERS
// =============================================================================

// BookSlot books one interval on one calendar.
// POST /api/slots
func (h *Handler) BookSlot(w http.ResponseWriter, r *http.Request) {
	var req BookSlotRequest
	if !decode(w, r, &req) {
		return
	}
	slot, err := h.Calendar.BookSlot(r.Context(), engine.BookSlotInput{
		SubjectID: req.SubjectID,
		Role:      engine.Role(req.Role),
		Interval:  engine.Interval{Start: req.Start, End: req.End},
		BookingID: req.BookingID,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotDTO(slot))
}

// ListSlots returns the slots of a subject overlapping [from, to).
// GET /api/subjects/{id}/slots?from=&to=
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}
	if from.IsZero() {
		from = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if to.IsZero() {
		to = from.Add(7 * 24 * time.Hour)
	}

	slots, err := h.Calendar.Slots(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]SlotDTO, len(slots))
	for i, s := range slots {
		dtos[i] = toSlotDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReleaseSlot cancels a booked slot.
// POST /api/slots/{id}/release
func (h *Handler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := h.Calendar.ReleaseSlot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(slot))
}

// CompleteSlot marks a booked slot completed.
// POST /api/slots/{id}/complete
func (h *Handler) CompleteSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := h.Calendar.CompleteSlot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(slot))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking books a session.
// POST /api/bookings
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !decode(w, r, &req) {
		return
	}
	idem := req.IdempotencyKey
	if idem == "" {
		idem = r.Header.Get("Idempotency-Key")
	}

	b, err := h.Bookings.Book(r.Context(), booking.Request{
		ContractID:     engine.SubjectID(req.ContractID),
		StudentID:      req.StudentID,
		MentorID:       req.MentorID,
		MentorRole:     engine.Role(req.MentorRole),
		ServiceType:    engine.ServiceType(req.ServiceType),
		Quantity:       req.Quantity,
		Start:          req.Start,
		Duration:       time.Duration(req.DurationMinutes) * time.Minute,
		Topic:          req.Topic,
		CreatedBy:      req.CreatedBy,
		IdempotencyKey: idem,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

// GetBooking returns a booking.
// GET /api/bookings/{id}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CancelBooking cancels a scheduled booking.
// POST /api/bookings/{id}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	b, err := h.Bookings.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CompleteBooking completes a scheduled booking.
// POST /api/bookings/{id}/complete
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	var req CompleteBookingRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	b, err := h.Bookings.Complete(r.Context(), chi.URLParam(r, "id"), req.CompletedBy)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunReaper runs one sweep. Partial progress is returned with the error.
// POST /api/admin/reaper/run
func (h *Handler) RunReaper(w http.ResponseWriter, r *http.Request) {
	if h.Reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "Reaper not configured", nil)
		return
	}
	report, err := h.Reaper.RunOnce(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Reaper sweep failed: " + err.Error(),
			Code:    "reaper_failed",
			Details: toReaperReportDTO(report),
		})
		return
	}
	writeJSON(w, http.StatusOK, toReaperReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body, chunked or not.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", name, err)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error to its status and reason code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, booking.ErrInvalidRequest) || engine.IsClientError(err):
		return http.StatusBadRequest, "invalid_request"
	case engine.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, engine.ErrTimeConflict):
		return http.StatusConflict, "time_conflict"
	case errors.Is(err, engine.ErrHoldExpired):
		return http.StatusConflict, "hold_expired"
	case errors.Is(err, engine.ErrAlreadyTerminal):
		return http.StatusConflict, "already_terminal"
	case errors.Is(err, engine.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case engine.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, booking.ErrMeetingProvider):
		return http.StatusBadGateway, "meeting_provider"
	case errors.Is(err, engine.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant_violation"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed", "code", code, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
