package marketplace

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	core "marketplace-backend/core/marketplace"
)

func newTestServer(t *testing.T, apiKey string) (*http.ServeMux, *fixture) {
	t.Helper()
	f := newFixture(t, time.Hour)
	srv := NewServer(f.engine, f.requester, f.provider, apiKey)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return mux, f
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) core.Job {
	t.Helper()
	var job core.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

func TestServerRequiresAPIKey(t *testing.T) {
	mux, _ := newTestServer(t, "secret")

	rec := doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs", "wrong", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong key, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	// Health stays open for probes.
	rec = doJSON(t, mux, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", rec.Code)
	}
}

func TestServerQuoteToPaidFlow(t *testing.T) {
	mux, f := newTestServer(t, "")

	rec := doJSON(t, mux, http.MethodPost, "/api/marketplace/quotes", "", map[string]interface{}{
		"task_kind":       string(core.TaskCreateIssue),
		"params":          map[string]string{"repo": "acme/site", "title": "fix login"},
		"max_price_units": 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var opened struct {
		Job   core.Job           `json:"job"`
		Quote core.QuoteResponse `json:"quote"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode quote response: %v", err)
	}
	if opened.Job.Status != core.StatusQuoted {
		t.Fatalf("expected quoted, got %s", opened.Job.Status)
	}
	jobID := opened.Job.JobID

	rec = doJSON(t, mux, http.MethodPost, "/api/marketplace/jobs/"+jobID+"/accept", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if job := decodeJob(t, rec); job.Status != core.StatusAccepted {
		t.Fatalf("expected accepted, got %s", job.Status)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/marketplace/jobs/"+jobID+"/perform", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("perform: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if job := decodeJob(t, rec); job.Status != core.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/marketplace/jobs/"+jobID+"/verify", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/marketplace/jobs/"+jobID+"/pay", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pay: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs/"+jobID, "", nil)
	job := decodeJob(t, rec)
	if job.Status != core.StatusPaid {
		t.Fatalf("expected paid, got %s", job.Status)
	}
	if job.PaymentRef == "" {
		t.Fatalf("expected payment reference on paid job")
	}
	if f.payer.Calls() != 1 {
		t.Fatalf("expected one payment call, got %d", f.payer.Calls())
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs/"+jobID+"/payment-details", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("payment-details: expected 200, got %d", rec.Code)
	}
	var details struct {
		Payee       string `json:"payee"`
		AmountUnits int64  `json:"amount_units"`
		QRPNG       string `json:"qr_png"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&details); err != nil {
		t.Fatalf("decode payment details: %v", err)
	}
	if details.Payee != f.provider.Identity() || details.AmountUnits != 5 || details.QRPNG == "" {
		t.Fatalf("unexpected payment details: %+v", details)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/marketplace/events", "", nil)
	var events struct {
		Events     []core.Event `json:"events"`
		TotalCount int          `json:"total_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if events.TotalCount != 6 {
		t.Fatalf("expected 6 lifecycle events, got %d", events.TotalCount)
	}
}

func TestServerErrorMapping(t *testing.T) {
	mux, f := newTestServer(t, "")

	rec := doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs/job-missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}

	job := f.openJob(t)
	rec = doJSON(t, mux, http.MethodPost, "/api/marketplace/jobs/"+job.JobID+"/pay", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 paying a quoted job, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/marketplace/jobs/"+job.JobID+"/receipt", "", map[string]string{
		"terms_hash":   "deadbeef",
		"artifact_ref": "issues/1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid receipt, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs/"+job.JobID+"/unknown-action", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestServerListFilters(t *testing.T) {
	mux, f := newTestServer(t, "")

	first := f.openJob(t)
	second := f.openJob(t)
	f.acceptJob(t, second)

	rec := doJSON(t, mux, http.MethodGet, "/api/marketplace/jobs?status=quoted", "", nil)
	var listed struct {
		Jobs       []core.Job `json:"jobs"`
		TotalCount int        `json:"total_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.TotalCount != 1 || listed.Jobs[0].JobID != first.JobID {
		t.Fatalf("expected only the quoted job, got %+v", listed)
	}
}
