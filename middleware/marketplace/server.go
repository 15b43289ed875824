package marketplace

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"

	core "marketplace-backend/core/marketplace"
	mkstore "marketplace-backend/storage/marketplace"
)

const recentEventsCap = 256

// Server wires the HTTP API over the engine and role facades.
type Server struct {
	engine    *Engine
	requester *RequesterAPI
	provider  *ProviderAPI
	apiKey    string

	eventsMu sync.Mutex
	events   []core.Event
}

// NewServer builds a Server and subscribes it to lifecycle events so the
// events endpoint can serve a recent window.
func NewServer(engine *Engine, requester *RequesterAPI, provider *ProviderAPI, apiKey string) *Server {
	s := &Server{engine: engine, requester: requester, provider: provider, apiKey: apiKey}
	engine.Bus().Register(s.recordEvent)
	return s
}

// RegisterRoutes attaches handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/marketplace/quotes", s.authWrap(s.handleQuotes))
	mux.HandleFunc("/api/marketplace/jobs", s.authWrap(s.handleJobs))
	mux.HandleFunc("/api/marketplace/jobs/", s.authWrap(s.handleJobs))
	mux.HandleFunc("/api/marketplace/events", s.authWrap(s.handleEvents))
}

func (s *Server) authWrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			Error(w, http.StatusForbidden, "invalid api key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQuotes prices a quote request and opens the job.
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req core.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Requester) == "" {
		req.Requester = s.requester.Identity()
	}
	quote, err := s.provider.Quote(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.engine.OpenJob(r.Context(), req, quote)
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"job": job, "quote": quote})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/marketplace/jobs")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if path == "" || path == "/" {
		if r.Method != http.MethodGet {
			Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		filter := core.JobFilter{
			Status:    core.JobStatus(r.URL.Query().Get("status")),
			Requester: r.URL.Query().Get("requester"),
			Provider:  r.URL.Query().Get("provider"),
		}
		jobs, err := s.engine.ListJobs(r.Context(), filter)
		if err != nil {
			writeErr(w, err)
			return
		}
		JSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "total_count": len(jobs)})
		return
	}

	jobID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.engine.GetJob(r.Context(), jobID)
		if err != nil {
			writeErr(w, err)
			return
		}
		JSON(w, http.StatusOK, job)
	case action == "accept" && r.Method == http.MethodPost:
		s.handleAccept(w, r, jobID)
	case action == "perform" && r.Method == http.MethodPost:
		job, err := s.provider.PerformAndSubmit(r.Context(), jobID)
		if err != nil {
			writeErr(w, err)
			return
		}
		JSON(w, http.StatusOK, job)
	case action == "receipt" && r.Method == http.MethodPost:
		var rcpt core.Receipt
		if err := json.NewDecoder(r.Body).Decode(&rcpt); err != nil {
			Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		rcpt.JobID = jobID
		job, err := s.engine.SubmitReceipt(r.Context(), rcpt)
		if err != nil {
			writeErr(w, err)
			return
		}
		JSON(w, http.StatusOK, job)
	case action == "verify" && r.Method == http.MethodPost:
		job, err := s.engine.VerifyJob(r.Context(), jobID)
		if err != nil {
			writeErr(w, err)
			return
		}
		JSON(w, http.StatusOK, job)
	case action == "pay" && r.Method == http.MethodPost:
		job, err := s.engine.PayJob(r.Context(), jobID)
		if err != nil {
			writeErr(w, err)
			return
		}
		JSON(w, http.StatusOK, job)
	case action == "payment-details" && r.Method == http.MethodGet:
		s.handlePaymentDetails(w, r, jobID)
	default:
		Error(w, http.StatusNotFound, "unknown job action")
	}
}

// handleAccept signs an acceptance with the server's requester key when the
// body is empty; otherwise it forwards the caller's signed acceptance.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, jobID string) {
	var acc core.Acceptance
	err := json.NewDecoder(r.Body).Decode(&acc)
	if err != nil || acc.Signature == "" {
		job, gerr := s.engine.GetJob(r.Context(), jobID)
		if gerr != nil {
			writeErr(w, gerr)
			return
		}
		accepted, aerr := s.requester.Accept(r.Context(), jobID, job.TermsHash)
		if aerr != nil {
			writeErr(w, aerr)
			return
		}
		JSON(w, http.StatusOK, accepted)
		return
	}
	acc.JobID = jobID
	job, err := s.engine.Accept(r.Context(), acc)
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, job)
}

// handlePaymentDetails returns the payee, amount, and a QR code encoding the
// transfer so a wallet can scan it.
func (s *Server) handlePaymentDetails(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.engine.GetJob(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	payload := job.Provider + "?amount=" + strconv.FormatInt(job.Terms.PriceUnits, 10) + "&denom=" + job.Terms.Denom
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"job_id":       job.JobID,
		"payee":        job.Provider,
		"amount_units": job.Terms.PriceUnits,
		"denom":        job.Terms.Denom,
		"payment_ref":  job.PaymentRef,
		"qr_png":       base64.StdEncoding.EncodeToString(png),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.eventsMu.Lock()
	events := append([]core.Event{}, s.events...)
	s.eventsMu.Unlock()
	JSON(w, http.StatusOK, map[string]interface{}{"events": events, "total_count": len(events)})
}

func (s *Server) recordEvent(evt core.Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, evt)
	if len(s.events) > recentEventsCap {
		s.events = s.events[len(s.events)-recentEventsCap:]
	}
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStateConflict):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, mkstore.ErrJobNotFound):
		Error(w, http.StatusNotFound, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// JSON writes a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a JSON error body with the given status.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}
