// Package api exposes the triage engine over REST/JSON, with SSE and
// WebSocket streams for live run progress.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardwatch/backend/internal/actions"
	"github.com/cardwatch/backend/internal/cache"
	"github.com/cardwatch/backend/internal/engine"
	"github.com/cardwatch/backend/internal/evals"
	"github.com/cardwatch/backend/internal/frauderr"
	"github.com/cardwatch/backend/internal/kb"
	"github.com/cardwatch/backend/internal/monitoring"
	"github.com/cardwatch/backend/internal/store"
	"github.com/cardwatch/backend/internal/stream"
)

// Server wires the HTTP surface to the engine and its collaborators.
type Server struct {
	store     store.Store
	engine    *engine.Orchestrator
	executor  *actions.Executor
	retriever *kb.Retriever
	evaluator *evals.Evaluator
	mux       *stream.Mux
	limiter   *cache.Limiter
	metrics   *monitoring.Metrics
	logger    *log.Logger
}

func NewServer(
	st store.Store,
	eng *engine.Orchestrator,
	exec *actions.Executor,
	retriever *kb.Retriever,
	evaluator *evals.Evaluator,
	streamMux *stream.Mux,
	limiter *cache.Limiter,
	metrics *monitoring.Metrics,
) *Server {
	return &Server{
		store:     st,
		engine:    eng,
		executor:  exec,
		retriever: retriever,
		evaluator: evaluator,
		mux:       streamMux,
		limiter:   limiter,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(s.correlationMiddleware)
	r.Use(s.requestLogMiddleware)

	// Liveness and metrics bypass the rate limiter.
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/triage", s.handleStartTriage).Methods("POST")
	api.HandleFunc("/triage/{runId}", s.handleTriageStatus).Methods("GET")
	api.HandleFunc("/triage/{runId}/stream", s.handleTriageSSE).Methods("GET")
	api.HandleFunc("/triage/{runId}/ws", s.handleTriageWS).Methods("GET")

	api.HandleFunc("/alerts", s.handleListAlerts).Methods("GET")
	api.HandleFunc("/customers/{customerId}/transactions", s.handleListTransactions).Methods("GET")

	api.HandleFunc("/actions/freeze_card", s.handleFreezeCard).Methods("POST")
	api.HandleFunc("/actions/open_dispute", s.handleOpenDispute).Methods("POST")
	api.HandleFunc("/actions/contact_customer", s.handleContactCustomer).Methods("POST")
	api.HandleFunc("/actions/mark_false_positive", s.handleMarkFalsePositive).Methods("POST")

	api.HandleFunc("/kb/search", s.handleKbSearch).Methods("GET")
	api.HandleFunc("/evals", s.handleEvals).Methods("GET")
	api.HandleFunc("/circuits", s.handleCircuits).Methods("GET")

	return r
}

// ListenAndServe starts the server with sane timeouts. Streaming endpoints
// need a generous write timeout.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WebSocket connections stay open
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": s.engine.BreakerStats(),
	})
}

// writeJSON writes a JSON response. Marshal failures fall back to a plain
// 500; at that point there is nothing sensible to tell the client.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; log-and-move-on is all that is left.
		log.Printf("[API] response encode failed: %v", err)
	}
}

// writeRaw writes a pre-serialized JSON payload, e.g. an idempotency replay.
func writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

// writeError maps a taxonomy error onto the wire shape.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := frauderr.HTTPStatus(err)

	body := map[string]interface{}{
		"error":          publicMessage(err),
		"kind":           string(frauderr.KindOf(err)),
		"correlation_id": correlationID(r.Context()),
	}

	var fe *frauderr.Error
	if !errors.As(err, &fe) || fe.Kind == frauderr.KindInternal || fe.Kind == frauderr.KindStore {
		s.logger.Printf("correlation=%s internal error: %v", correlationID(r.Context()), err)
		writeJSON(w, status, body)
		return
	}

	if len(fe.Fields) > 0 {
		body["fields"] = fe.Fields
	}
	if fe.ExistingID != "" {
		body["existing_run_id"] = fe.ExistingID
	}
	if fe.BlockedBy != "" {
		body["blocked_by"] = fe.BlockedBy
	}
	if fe.RetryAfterSec > 0 {
		body["retry_after"] = fe.RetryAfterSec
		w.Header().Set("Retry-After", fmt.Sprint(fe.RetryAfterSec))
	}
	writeJSON(w, status, body)
}

// publicMessage keeps raw internals out of client responses.
func publicMessage(err error) string {
	var fe *frauderr.Error
	if errors.As(err, &fe) && fe.Kind != frauderr.KindInternal && fe.Kind != frauderr.KindStore {
		return fe.Msg
	}
	return "internal error"
}
