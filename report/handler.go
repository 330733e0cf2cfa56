package report

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agrobooks/agrobooks/internal/platform/httpx"
)

// Handler reports on the PDF renderer backing statement exports.
type Handler struct {
	client *Client
	logger *slog.Logger
}

func NewHandler(client *Client, logger *slog.Logger) *Handler {
	return &Handler{client: client, logger: logger}
}

// MountRoutes registers GET /ping.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	began := time.Now()
	err := h.client.Ping(r.Context())
	if err != nil {
		h.logger.Warn("pdf renderer unreachable", slog.String("url", h.client.baseURL), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "PDF renderer unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"latencyMs": time.Since(began).Milliseconds(),
	})
}
