package invoicing

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/platform/httpx"
	"github.com/agrobooks/agrobooks/internal/shared"
)

// IdempotencyHeader carries the client supplied replay key for allocations.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes invoice and allocation endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// Routes returns the invoice routes of one direction, mounted under
// /sales or /purchases.
func (h *Handler) Routes(direction Direction) func(chi.Router) {
	return func(r chi.Router) {
		r.Post("/", h.create(direction))
		r.Get("/", h.list(direction))
		r.Get("/last-number", h.lastNumber(direction))
		r.Get("/{id}", h.get(direction))
		r.Delete("/{id}", h.reverse(direction))
		r.Post("/{id}/payments", h.recordPayment(direction))
	}
}

// MountAllocationRoutes registers the payment allocator under /bank.
func (h *Handler) MountAllocationRoutes(r chi.Router) {
	r.Post("/allocations", h.allocate)
}

func (h *Handler) create(direction Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in CreateInput
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
		in.Direction = direction
		inv, err := h.service.Create(r.Context(), in)
		if err != nil {
			h.fail(w, "create invoice", err)
			return
		}
		httpx.JSON(w, http.StatusCreated, inv)
	}
}

func (h *Handler) list(direction Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ListFilter{Direction: direction}
		filter.Page, filter.PerPage = shared.PageFromRequest(r)
		q := r.URL.Query()
		if raw := q.Get("counterpartyId"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				httpx.RespondError(w, shared.Invalid("counterpartyId", "must be a positive integer"))
				return
			}
			filter.CounterpartyID = &id
		}
		if raw := q.Get("status"); raw != "" {
			status := Status(raw)
			if status != StatusPending && status != StatusPaid && status != StatusOverdue {
				httpx.RespondError(w, shared.Invalid("status", "must be Pending, Paid or Overdue"))
				return
			}
			filter.Status = &status
		}
		for _, bound := range []struct {
			name string
			dst  **time.Time
		}{{"from", &filter.From}, {"to", &filter.To}} {
			raw := q.Get(bound.name)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				httpx.RespondError(w, shared.Invalid(bound.name, "must be YYYY-MM-DD"))
				return
			}
			if bound.name == "to" {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			*bound.dst = &t
		}
		invoices, page, err := h.service.List(r.Context(), filter)
		if err != nil {
			h.fail(w, "list invoices", err)
			return
		}
		if invoices == nil {
			invoices = []Invoice{}
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices, "pagination": page})
	}
}

func (h *Handler) lastNumber(direction Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number, err := h.service.LastNumber(r.Context(), direction)
		if err != nil {
			h.fail(w, "last invoice number", err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"lastInvoiceNumber": number})
	}
}

func (h *Handler) get(direction Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := invoiceID(w, r)
		if !ok {
			return
		}
		inv, err := h.service.Get(r.Context(), id)
		if err == nil && inv.Direction != direction {
			err = ErrInvoiceNotFound
		}
		if err != nil {
			h.fail(w, "get invoice", err)
			return
		}
		httpx.JSON(w, http.StatusOK, inv)
	}
}

func (h *Handler) reverse(direction Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := invoiceID(w, r)
		if !ok {
			return
		}
		inv, err := h.service.Get(r.Context(), id)
		if err == nil && inv.Direction != direction {
			err = ErrInvoiceNotFound
		}
		if err == nil {
			err = h.service.Reverse(r.Context(), id)
		}
		if err != nil {
			h.fail(w, "reverse invoice", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) recordPayment(direction Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := invoiceID(w, r)
		if !ok {
			return
		}
		var in RecordPaymentInput
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
		in.InvoiceID = id
		current, err := h.service.Get(r.Context(), id)
		if err == nil && current.Direction != direction {
			err = ErrInvoiceNotFound
		}
		if err != nil {
			h.fail(w, "record payment", err)
			return
		}
		inv, err := h.service.RecordPayment(r.Context(), in)
		if err != nil {
			h.fail(w, "record payment", err)
			return
		}
		httpx.JSON(w, http.StatusOK, inv)
	}
}

// allocateRequest shadows Amount so that an absent amount is rejected
// instead of decoding to zero.
type allocateRequest struct {
	AllocateInput
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := req.AllocateInput
	in.Amount = *req.Amount
	in.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	result, err := h.service.AllocatePayment(r.Context(), in)
	if err != nil {
		h.fail(w, "allocate payment", err)
		return
	}
	if result.LeftoverAmount.IsPositive() || result.LeftoverKasar.IsPositive() {
		h.logger.Warn("allocation leftover dropped",
			slog.Int64("userId", in.PartyID),
			slog.String("leftoverAmount", result.LeftoverAmount.String()),
			slog.String("leftoverKasar", result.LeftoverKasar.String()))
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	} else {
		h.logger.Warn(op, slog.String("reason", shared.UserSafeMessage(err)))
	}
	httpx.RespondError(w, err)
}

func invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.Invalid("id", "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}
