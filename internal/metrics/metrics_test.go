package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordIssuance(t *testing.T) {
	before := testutil.ToFloat64(creditsIssued)
	issuedBefore := testutil.ToFloat64(issuance.WithLabelValues(OutcomeIssued))

	RecordIssuance(OutcomeIssued, 12)
	RecordIssuance(OutcomeNoCredits, 0)

	if got := testutil.ToFloat64(creditsIssued) - before; got != 12 {
		t.Errorf("expected 12 credits recorded, got %v", got)
	}
	if got := testutil.ToFloat64(issuance.WithLabelValues(OutcomeIssued)) - issuedBefore; got != 1 {
		t.Errorf("expected 1 issued outcome, got %v", got)
	}
}

func TestRecordAllocation(t *testing.T) {
	before := testutil.ToFloat64(serialAllocations.WithLabelValues("memory", "ok"))
	RecordAllocation("memory", "ok", 3*time.Millisecond)
	if got := testutil.ToFloat64(serialAllocations.WithLabelValues("memory", "ok")) - before; got != 1 {
		t.Errorf("expected 1 allocation, got %v", got)
	}
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", Handler())

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/reports/{id}", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/abc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/reports/{id}", "418")) - before; got != 1 {
		t.Errorf("expected request counted under route pattern, got %v", got)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "carbonmint_http_requests_total") {
		t.Error("metrics endpoint should expose carbonmint_http_requests_total")
	}
}
