package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/platform/httpx"
	"github.com/agrobooks/agrobooks/internal/shared"
)

// PDFRenderClient converts HTML into PDF bytes.
type PDFRenderClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Handler exposes bank ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	pdf      PDFRenderClient
	renderer *StatementRenderer
}

// NewHandler constructs the handler. pdf may be nil, which disables the PDF export.
func NewHandler(logger *slog.Logger, service *Service, pdf PDFRenderClient) *Handler {
	h := &Handler{logger: logger, service: service, pdf: pdf}
	if pdf != nil {
		renderer, err := NewStatementRenderer()
		if err != nil {
			logger.Error("parse ledger statement template", slog.Any("error", err))
		} else {
			h.renderer = renderer
		}
	}
	return h
}

// MountRoutes registers ledger routes. Allocation lives with invoicing.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.recordTransaction)
	r.Get("/statement", h.statement)
	r.With(httprate.LimitByIP(10, time.Minute)).Get("/statement.xlsx", h.statementXLSX)
	r.With(httprate.LimitByIP(10, time.Minute)).Get("/statement.pdf", h.statementPDF)
	r.Get("/balance", h.balance)
	r.Get("/consolidated", h.consolidated)
}

// postRequest shadows Amount so that an absent amount is rejected instead of
// decoding to zero.
type postRequest struct {
	PostInput
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

func (h *Handler) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := req.PostInput
	in.Amount = *req.Amount
	t, err := h.service.RecordTransaction(r.Context(), in)
	if err != nil {
		h.fail(w, "record ledger transaction", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	st, ok := h.loadStatement(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) statementXLSX(w http.ResponseWriter, r *http.Request) {
	st, ok := h.loadStatement(w, r)
	if !ok {
		return
	}
	body, err := StatementXLSX(st)
	if err != nil {
		h.fail(w, "render ledger xlsx", err)
		return
	}
	httpx.Attachment(w, "", fmt.Sprintf("ledger_%s_%d.xlsx", st.PartyType, st.PartyID), body)
}

func (h *Handler) statementPDF(w http.ResponseWriter, r *http.Request) {
	if h.pdf == nil || h.renderer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "PDF export unavailable", "no renderer configured")
		return
	}
	st, ok := h.loadStatement(w, r)
	if !ok {
		return
	}
	html, err := h.renderer.HTML(st)
	if err != nil {
		h.fail(w, "render ledger html", err)
		return
	}
	pdf, err := h.pdf.RenderHTML(r.Context(), html)
	if err != nil {
		h.logger.Error("generate ledger pdf", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "PDF renderer failed", "")
		return
	}
	httpx.Attachment(w, "", fmt.Sprintf("ledger_%s_%d.pdf", st.PartyType, st.PartyID), pdf)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	partyType, partyID, ok := partyParams(w, r)
	if !ok {
		return
	}
	latest, found, err := h.service.LatestBalance(r.Context(), partyType, partyID)
	if err != nil {
		h.fail(w, "ledger balance", err)
		return
	}
	resp := map[string]any{"userId": partyID, "userType": partyType, "balance": "0"}
	if found {
		resp["balance"] = latest.BalanceAfter
		resp["asOf"] = latest.Date
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) consolidated(w http.ResponseWriter, r *http.Request) {
	partyType, err := ParsePartyType(r.URL.Query().Get("userType"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, to, fy, err := windowParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Consolidated(r.Context(), ConsolidatedFilter{PartyType: partyType, From: from, To: to, FinancialYear: fy})
	if err != nil {
		h.fail(w, "consolidated ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) loadStatement(w http.ResponseWriter, r *http.Request) (Statement, bool) {
	partyType, partyID, ok := partyParams(w, r)
	if !ok {
		return Statement{}, false
	}
	from, to, fy, err := windowParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return Statement{}, false
	}
	st, err := h.service.Statement(r.Context(), StatementFilter{PartyID: partyID, PartyType: partyType, From: from, To: to, FinancialYear: fy})
	if err != nil {
		h.fail(w, "ledger statement", err)
		return Statement{}, false
	}
	return st, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	} else {
		h.logger.Warn(op, slog.String("reason", shared.UserSafeMessage(err)))
	}
	httpx.RespondError(w, err)
}

func partyParams(w http.ResponseWriter, r *http.Request) (PartyType, int64, bool) {
	q := r.URL.Query()
	partyType, err := ParsePartyType(q.Get("userType"))
	if err != nil {
		httpx.RespondError(w, err)
		return "", 0, false
	}
	partyID, err := strconv.ParseInt(q.Get("userId"), 10, 64)
	if err != nil || partyID <= 0 {
		httpx.RespondError(w, shared.Invalid("userId", "must be a positive integer"))
		return "", 0, false
	}
	return partyType, partyID, true
}

// windowParams parses from, to and financialYear. Date-only bounds for "to"
// cover the whole day.
func windowParams(r *http.Request) (*time.Time, *time.Time, *int, error) {
	q := r.URL.Query()
	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		return nil, nil, nil, shared.Invalid("from", "must be YYYY-MM-DD or RFC3339")
	}
	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		return nil, nil, nil, shared.Invalid("to", "must be YYYY-MM-DD or RFC3339")
	}
	var fy *int
	if raw := q.Get("financialYear"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1900 {
			return nil, nil, nil, shared.Invalid("financialYear", "must be a starting year such as 2024")
		}
		fy = &v
	}
	return from, to, fy, nil
}

func parseBound(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = EndOfDay(t)
	}
	return &t, nil
}
