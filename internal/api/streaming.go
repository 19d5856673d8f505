package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cardwatch/backend/internal/frauderr"
	"github.com/cardwatch/backend/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway terminates auth; origin checks happen there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTriageSSE streams a run's events as Server-Sent Events. A run that
// already finished gets a cold replay synthesized from the persisted record.
func (s *Server) handleTriageSSE(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, frauderr.New(frauderr.KindInternal, "streaming unsupported"))
		return
	}

	ch, cancel, live := s.mux.Subscribe(runID)
	if !live {
		events, err := s.coldEvents(r, runID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.sseHeaders(w)
		for _, ev := range events {
			s.writeSSE(w, flusher, ev)
		}
		return
	}
	defer cancel()

	s.sseHeaders(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if !s.writeSSE(w, flusher, ev) {
				return
			}
		}
	}
}

func (s *Server) sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *stream.Event) bool {
	frame, err := ev.SSEFormat()
	if err != nil {
		s.logger.Printf("run=%s sse encode failed: %v", ev.RunID, err)
		return true
	}
	if _, err := w.Write(frame); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// handleTriageWS is the WebSocket flavor of the run stream, for dashboard
// clients that multiplex other traffic on the same connection.
func (s *Server) handleTriageWS(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	ch, cancel, live := s.mux.Subscribe(runID)
	var cold []*stream.Event
	if !live {
		events, err := s.coldEvents(r, runID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cold = events
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if live {
			cancel()
		}
		s.logger.Printf("run=%s websocket upgrade failed: %v", runID, err)
		return
	}
	defer conn.Close()

	if !live {
		for _, ev := range cold {
			if !s.writeWS(conn, ev) {
				return
			}
		}
		return
	}
	defer cancel()

	// Drain client frames so close handshakes are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if !s.writeWS(conn, ev) {
				return
			}
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, ev *stream.Event) bool {
	payload, err := ev.JSON()
	if err != nil {
		s.logger.Printf("run=%s websocket encode failed: %v", ev.RunID, err)
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

// coldEvents synthesizes the terminal event sequence for a run that is no
// longer live, from its persisted record.
func (s *Server) coldEvents(r *http.Request, runID string) ([]*stream.Event, error) {
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		return nil, err
	}

	events := []*stream.Event{
		{Type: stream.EventConnected, Timestamp: time.Now(), RunID: runID},
	}
	if run.EndedAt != nil {
		events = append(events, &stream.Event{
			Type:      stream.EventDecisionFinalized,
			Timestamp: *run.EndedAt,
			RunID:     runID,
			Data: map[string]interface{}{
				"risk":          string(run.Risk),
				"reasons":       run.Reasons,
				"fallback_used": run.FallbackUsed,
				"latency_ms":    run.LatencyMs,
				"replayed":      true,
			},
		})
	}
	events = append(events, &stream.Event{
		Type: stream.EventCompleted, Timestamp: time.Now(), RunID: runID,
	})
	return events, nil
}
