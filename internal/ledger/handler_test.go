package ledger

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordTransactionRequiresAmount(t *testing.T) {
	repo := newMemoryRepo()
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), NewService(repo, nil, nil, nil), nil)

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"missing amount", `{"userId":7,"userType":"Customer","type":"credit","date":"2024-05-01T10:00:00Z"}`, http.StatusBadRequest},
		{"null amount", `{"userId":7,"userType":"Customer","type":"credit","amount":null,"date":"2024-05-01T10:00:00Z"}`, http.StatusBadRequest},
		{"negative amount", `{"userId":7,"userType":"Customer","type":"credit","amount":"-1","date":"2024-05-01T10:00:00Z"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.recordTransaction(rec, httptest.NewRequest(http.MethodPost, "/bank/transactions", strings.NewReader(tc.body)))
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
	require.Empty(t, repo.transactions)

	rec := httptest.NewRecorder()
	body := `{"userId":7,"userType":"Customer","type":"credit","amount":"1180","date":"2024-05-01T10:00:00Z"}`
	h.recordTransaction(rec, httptest.NewRequest(http.MethodPost, "/bank/transactions", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, repo.transactions, 1)
}
