package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/invoicing"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/observability"
	_ "github.com/agrobooks/agrobooks/internal/testing/guard"
	"github.com/agrobooks/agrobooks/jobs"
)

func newTestRouter(t *testing.T) (http.Handler, *observability.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()
	return NewRouter(RouterParams{
		Logger:           logger,
		Config:           &Config{AppEnv: "test", RateLimitRPM: 1000},
		InventoryHandler: inventory.NewHandler(logger, nil),
		LedgerHandler:    ledger.NewHandler(logger, nil, nil),
		InvoicingHandler: invoicing.NewHandler(logger, nil),
		JobHandler:       jobs.NewHandler(nil, logger),
		Metrics:          metrics,
	}), metrics
}

func TestGuardEnablesTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAPIRoutesAreMounted(t *testing.T) {
	router, _ := newTestRouter(t)
	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/products", "{", http.StatusBadRequest},
		{http.MethodPost, "/api/stock/adjust", "{", http.StatusBadRequest},
		{http.MethodPost, "/api/sales", "{", http.StatusBadRequest},
		{http.MethodPost, "/api/purchases", "{", http.StatusBadRequest},
		{http.MethodGet, "/api/sales/not-a-uuid", "", http.StatusBadRequest},
		{http.MethodDelete, "/api/purchases/not-a-uuid", "", http.StatusBadRequest},
		{http.MethodPost, "/api/bank/transactions", "{", http.StatusBadRequest},
		{http.MethodPost, "/api/bank/allocations", "{", http.StatusBadRequest},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"failed":0}`, rec.Body.String())
}

func TestMetricsEndpointSeesRequests(t *testing.T) {
	router, _ := newTestRouter(t)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `agrobooks_http_requests_total{code="200",route="/healthz"} 1`)
}
