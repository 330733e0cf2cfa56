package inventory

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agrobooks/agrobooks/internal/platform/httpx"
	"github.com/agrobooks/agrobooks/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountProductRoutes registers product routes.
func (h *Handler) MountProductRoutes(r chi.Router) {
	r.Post("/", h.createProduct)
	r.Get("/{id}", h.getProduct)
	r.Delete("/{id}", h.deleteProduct)
}

// MountStockRoutes registers stock routes.
func (h *Handler) MountStockRoutes(r chi.Router) {
	r.Get("/history", h.listStock)
	r.Get("/alerts/low-stock", h.lowStock)
	r.Post("/adjust", h.adjust)
	r.Get("/{productID}", h.getStock)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var in CreateProductInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.CreateProduct(r.Context(), in)
	if err != nil {
		h.fail(w, "create product", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, view)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.fail(w, "get product", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product": p, "totalWeight": p.TotalWeight()})
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.SoftDeleteProduct(r.Context(), id); err != nil {
		h.fail(w, "delete product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	view, err := h.service.GetStock(r.Context(), id)
	if err != nil {
		h.fail(w, "get stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) listStock(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.service.ListStock(r.Context())
	if err != nil {
		h.fail(w, "list stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"stocks": stocks})
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.service.ListLowStock(r.Context())
	if err != nil {
		h.fail(w, "list low stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stocks)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var in AdjustInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.Adjust(r.Context(), in)
	if err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	} else {
		h.logger.Warn(op, slog.String("reason", shared.UserSafeMessage(err)))
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.Invalid(param, "must be a positive integer"))
		return 0, false
	}
	return id, true
}
