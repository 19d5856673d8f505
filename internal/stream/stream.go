// Package stream is the in-process multiplexer that fans triage run events
// out to subscribers. Emission is non-blocking: a subscriber that cannot
// keep up loses events (counted), never stalls the orchestrator.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cardwatch/backend/internal/monitoring"
	"github.com/cardwatch/backend/internal/redact"
)

// EventType enumerates the wire event types. Clients treat unknown types as
// no-ops, so adding types is backward compatible.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventPlanBuilt         EventType = "plan_built"
	EventToolUpdate        EventType = "tool_update"
	EventFallbackTriggered EventType = "fallback_triggered"
	EventDecisionFinalized EventType = "decision_finalized"
	EventError             EventType = "error"
	EventHeartbeat         EventType = "heartbeat"
	EventCompleted         EventType = "completed"
)

// Event is the envelope every subscriber receives. Data is redacted before
// the event leaves the publisher.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data)), nil
}

type runStream struct {
	mu        sync.Mutex
	runID     string
	subs      []chan *Event
	lastEvent time.Time
	closed    bool
	done      chan struct{}
}

// Mux multiplexes events by runId. Subscribers see a run's events in emit
// order; there is no ordering across runs and no replay for late joiners.
type Mux struct {
	mu         sync.RWMutex
	runs       map[string]*runStream
	bufferSize int
	heartbeat  time.Duration
	grace      time.Duration
	metrics    *monitoring.Metrics
	logger     *log.Logger
}

// NewMux creates a multiplexer. metrics may be nil (drops are then only
// logged).
func NewMux(bufferSize int, heartbeat, grace time.Duration, metrics *monitoring.Metrics) *Mux {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Mux{
		runs:       make(map[string]*runStream),
		bufferSize: bufferSize,
		heartbeat:  heartbeat,
		grace:      grace,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// Open registers a run and starts its heartbeat. Must be called before any
// Publish for that run.
func (m *Mux) Open(runID string) {
	rs := &runStream{
		runID:     runID,
		lastEvent: time.Now(),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[runID] = rs
	m.mu.Unlock()

	go m.heartbeatLoop(rs)
}

func (m *Mux) get(runID string) *runStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[runID]
}

// Subscribe attaches to a run's event feed. The returned cancel must be
// called when the client goes away. ok is false when the run is not active;
// callers fall back to a cold read of the persisted run.
func (m *Mux) Subscribe(runID string) (<-chan *Event, func(), bool) {
	rs := m.get(runID)
	if rs == nil {
		return nil, nil, false
	}

	ch := make(chan *Event, m.bufferSize)

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil, nil, false
	}
	rs.subs = append(rs.subs, ch)
	// Late subscribers get a fresh connected event, not a replay.
	ch <- &Event{Type: EventConnected, Timestamp: time.Now(), RunID: runID}
	rs.mu.Unlock()

	if m.metrics != nil {
		m.metrics.StreamSubscribers.Inc()
	}

	cancel := func() {
		removed := false
		rs.mu.Lock()
		for i, s := range rs.subs {
			if s == ch {
				rs.subs = append(rs.subs[:i], rs.subs[i+1:]...)
				close(ch)
				removed = true
				break
			}
		}
		rs.mu.Unlock()
		// A Finish that already closed the stream owns the gauge decrement.
		if removed && m.metrics != nil {
			m.metrics.StreamSubscribers.Dec()
		}
	}
	return ch, cancel, true
}

// Publish fans an event out to the run's subscribers. Data is redacted here
// so nothing sensitive reaches a transport. No-op for unknown or finished
// runs.
func (m *Mux) Publish(runID string, typ EventType, data map[string]interface{}) {
	rs := m.get(runID)
	if rs == nil {
		return
	}

	event := &Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     runID,
		Data:      redact.Map(data),
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return
	}
	rs.lastEvent = event.Timestamp
	rs.send(event, m)
}

// send delivers to every subscriber without blocking. Caller holds rs.mu.
func (rs *runStream) send(event *Event, m *Mux) {
	for _, ch := range rs.subs {
		select {
		case ch <- event:
		default:
			m.logger.Printf("run=%s dropped %s event for slow subscriber", rs.runID, event.Type)
			if m.metrics != nil {
				m.metrics.DroppedEvents.WithLabelValues(string(event.Type)).Inc()
			}
		}
	}
}

// Finish closes the run's stream: after the grace delay subscribers receive
// a completed event and their channels close. The grace window lets clients
// that connected just before the decision drain the final events.
func (m *Mux) Finish(runID string) {
	rs := m.get(runID)
	if rs == nil {
		return
	}

	go func() {
		if m.grace > 0 {
			time.Sleep(m.grace)
		}

		rs.mu.Lock()
		if !rs.closed {
			rs.closed = true
			close(rs.done)
			rs.send(&Event{Type: EventCompleted, Timestamp: time.Now(), RunID: runID}, m)
			for _, ch := range rs.subs {
				close(ch)
				if m.metrics != nil {
					m.metrics.StreamSubscribers.Dec()
				}
			}
			rs.subs = nil
		}
		rs.mu.Unlock()

		m.mu.Lock()
		delete(m.runs, runID)
		m.mu.Unlock()
	}()
}

func (m *Mux) heartbeatLoop(rs *runStream) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-rs.done:
			return
		case <-ticker.C:
			rs.mu.Lock()
			if !rs.closed && time.Since(rs.lastEvent) >= m.heartbeat {
				hb := &Event{Type: EventHeartbeat, Timestamp: time.Now(), RunID: rs.runID}
				rs.lastEvent = hb.Timestamp
				rs.send(hb, m)
			}
			rs.mu.Unlock()
		}
	}
}
