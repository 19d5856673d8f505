package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cardwatch/backend/internal/actions"
	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxQueryLen      = 500
)

// handleStartTriage admits a run and returns immediately; progress arrives on
// the stream endpoints.
func (s *Server) handleStartTriage(w http.ResponseWriter, r *http.Request) {
	var req core.TriageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, frauderr.Validation("malformed request body"))
		return
	}
	if req.AlertID == "" {
		s.writeError(w, r, frauderr.Validation("alert_id is required", "alert_id"))
		return
	}

	// Identity comes from the gateway headers, never the body.
	req.ActorID = r.Header.Get(headerActorID)
	req.Role = callerRole(r)
	req.CorrelationID = correlationID(r.Context())

	runID, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":     runID,
		"status":    "started",
		"streamUrl": fmt.Sprintf("/api/triage/%s/stream", runID),
	})
}

// handleTriageStatus is the poll fallback for clients that cannot hold a
// stream open.
func (s *Server) handleTriageStatus(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	traces, err := s.store.ListTraces(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, frauderr.Wrap(frauderr.KindStore, "list traces", err))
		return
	}

	status := "running"
	if run.EndedAt != nil {
		status = "completed"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":    run,
		"status": status,
		"traces": traces,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, r, frauderr.Wrap(frauderr.KindStore, "list alerts", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	customerID := mux.Vars(r)["customerId"]
	cursor := r.URL.Query().Get("cursor")

	txns, next, err := s.store.ListTransactionsPage(r.Context(), customerID, cursor, queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"nextCursor":   next,
	})
}

func (s *Server) handleFreezeCard(w http.ResponseWriter, r *http.Request) {
	var req actions.FreezeRequest
	if !s.decodeAction(w, r, &req) {
		return
	}
	s.runAction(w, r, func() ([]byte, error) {
		return s.executor.FreezeCard(r.Context(), r.Header.Get(headerIdempotency), req)
	})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req actions.DisputeRequest
	if !s.decodeAction(w, r, &req) {
		return
	}
	s.runAction(w, r, func() ([]byte, error) {
		return s.executor.OpenDispute(r.Context(), r.Header.Get(headerIdempotency), req)
	})
}

func (s *Server) handleContactCustomer(w http.ResponseWriter, r *http.Request) {
	var req actions.AlertActionRequest
	if !s.decodeAction(w, r, &req) {
		return
	}
	s.runAction(w, r, func() ([]byte, error) {
		return s.executor.ContactCustomer(r.Context(), r.Header.Get(headerIdempotency), req)
	})
}

func (s *Server) handleMarkFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req actions.AlertActionRequest
	if !s.decodeAction(w, r, &req) {
		return
	}
	s.runAction(w, r, func() ([]byte, error) {
		return s.executor.MarkFalsePositive(r.Context(), r.Header.Get(headerIdempotency), req)
	})
}

// decodeAction parses an action body and stamps the actor from the gateway
// headers so bodies cannot impersonate.
func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.writeError(w, r, frauderr.Validation("malformed request body"))
		return false
	}
	actor := r.Header.Get(headerActorID)
	if actor == "" {
		actor = "unknown"
	}
	switch v := req.(type) {
	case *actions.FreezeRequest:
		v.Actor = actor
	case *actions.DisputeRequest:
		v.Actor = actor
	case *actions.AlertActionRequest:
		v.Actor = actor
	}
	return true
}

// runAction relays an executor payload verbatim so idempotent replays stay
// byte-identical.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, fn func() ([]byte, error)) {
	payload, err := fn()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, payload)
}

func (s *Server) handleKbSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" || len(query) > maxQueryLen {
		s.writeError(w, r, frauderr.Validation("q must be 1 to 500 characters", "q"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			s.writeError(w, r, frauderr.Validation("limit must be 1 to 50", "limit"))
			return
		}
		limit = n
	}

	results := s.retriever.Search(r.Context(), query, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":      results,
		"totalResults": len(results),
		"query":        query,
	})
}

func (s *Server) handleEvals(w http.ResponseWriter, r *http.Request) {
	reports, err := s.evaluator.RunAll(r.Context())
	if err != nil {
		s.writeError(w, r, frauderr.Wrap(frauderr.KindStore, "run evaluations", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports":     reports,
		"generatedAt": time.Now().UTC(),
	})
}

// queryLimit parses ?limit= with a bounded default.
func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
