package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/invoicing"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/observability"
	"github.com/agrobooks/agrobooks/jobs"
	"github.com/agrobooks/agrobooks/report"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	InventoryHandler *inventory.Handler
	LedgerHandler    *ledger.Handler
	InvoicingHandler *invoicing.Handler
	ReportHandler    *report.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if !InTestMode() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		if params.InventoryHandler != nil {
			r.Route("/products", params.InventoryHandler.MountProductRoutes)
			r.Route("/stock", params.InventoryHandler.MountStockRoutes)
		}
		if params.InvoicingHandler != nil {
			r.Route("/sales", params.InvoicingHandler.Routes(invoicing.DirectionSale))
			r.Route("/purchases", params.InvoicingHandler.Routes(invoicing.DirectionPurchase))
		}
		if params.LedgerHandler != nil || params.InvoicingHandler != nil {
			r.Route("/bank", func(r chi.Router) {
				if params.LedgerHandler != nil {
					params.LedgerHandler.MountRoutes(r)
				}
				if params.InvoicingHandler != nil {
					params.InvoicingHandler.MountAllocationRoutes(r)
				}
			})
		}
	})

	if params.ReportHandler != nil {
		r.Route("/report", params.ReportHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
