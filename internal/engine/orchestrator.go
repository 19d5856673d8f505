// Package engine runs the triage pipeline: a fixed plan of agents executed
// sequentially under per-step and whole-run deadlines, with circuit breaking,
// deterministic fallbacks, trace persistence and event emission.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardwatch/backend/internal/agents"
	"github.com/cardwatch/backend/internal/circuitbreaker"
	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
	"github.com/cardwatch/backend/internal/kb"
	"github.com/cardwatch/backend/internal/monitoring"
	"github.com/cardwatch/backend/internal/redact"
	"github.com/cardwatch/backend/internal/store"
	"github.com/cardwatch/backend/internal/stream"
)

// Config bounds one run's execution.
type Config struct {
	StepTimeout time.Duration
	RunTimeout  time.Duration
	// BusinessHoursLocation is the timezone for the compliance step's
	// business-hours check.
	BusinessHoursLocation *time.Location
}

// stepOutcome classifies how a step ended.
type stepOutcome string

const (
	outcomeOK          stepOutcome = "ok"
	outcomeTimeout     stepOutcome = "timeout"
	outcomeError       stepOutcome = "error"
	outcomeCircuitOpen stepOutcome = "circuit_open"
)

// Orchestrator executes triage runs. It owns the active-run registry and the
// per-step circuit breakers; both are process-wide and shared across
// concurrent runs.
type Orchestrator struct {
	store    store.Store
	mux      *stream.Mux
	breakers *circuitbreaker.Registry
	agents   map[string]agents.Agent
	cfg      Config
	metrics  *monitoring.Metrics
	logger   *log.Logger

	mu     sync.Mutex
	active map[string]string // alertId -> runId
}

// NewOrchestrator wires the pipeline. actionLimiter backs the compliance
// step's per-user rate check and may be nil in tests.
func NewOrchestrator(
	st store.Store,
	retriever *kb.Retriever,
	mux *stream.Mux,
	breakers *circuitbreaker.Registry,
	actionLimiter agents.ActionLimiter,
	cfg Config,
	metrics *monitoring.Metrics,
) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Second
	}

	byName := make(map[string]agents.Agent)
	for _, a := range []agents.Agent{
		agents.NewProfileAgent(st),
		agents.NewRecentTxAgent(st),
		agents.NewRiskSignalsAgent(st),
		agents.NewKbLookupAgent(retriever),
		agents.NewDecideAgent(),
		agents.NewComplianceAgent(actionLimiter, cfg.BusinessHoursLocation),
	} {
		byName[a.Name()] = a
	}

	return &Orchestrator{
		store:    st,
		mux:      mux,
		breakers: breakers,
		agents:   byName,
		cfg:      cfg,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		active:   make(map[string]string),
	}
}

// replaceAgent swaps a pipeline step, for tests that need a failing or slow
// agent.
func (o *Orchestrator) replaceAgent(a agents.Agent) { o.agents[a.Name()] = a }

// runPrep is the state assembled during admission, before the pipeline
// starts.
type runPrep struct {
	runID   string
	alert   *core.Alert
	req     core.TriageRequest
	started time.Time
}

// Execute runs the full pipeline for one alert and returns the composed
// result. Concurrency-safe; at most one run per alert is admitted.
func (o *Orchestrator) Execute(ctx context.Context, req core.TriageRequest) (*core.TriageResult, error) {
	prep, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, prep)
}

// Start admits the run and executes the pipeline in the background,
// returning the run id immediately. The pipeline is detached from the
// caller's context: an HTTP client that disconnects after starting a triage
// does not cancel it.
func (o *Orchestrator) Start(ctx context.Context, req core.TriageRequest) (string, error) {
	prep, err := o.begin(ctx, req)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.run(context.Background(), prep); err != nil {
			o.logger.Printf("run=%s failed: %v", prep.runID, err)
		}
	}()
	return prep.runID, nil
}

// BreakerStats snapshots the circuit breakers for the admin surface.
func (o *Orchestrator) BreakerStats() []circuitbreaker.Stats {
	return o.breakers.Stats()
}

// begin validates the request, reserves the alert and persists the initial
// run record.
func (o *Orchestrator) begin(ctx context.Context, req core.TriageRequest) (*runPrep, error) {
	alert, err := o.store.GetAlert(ctx, req.AlertID)
	if err != nil {
		if frauderr.Is(err, frauderr.KindNotFound) {
			return nil, err
		}
		return nil, frauderr.Wrap(frauderr.KindStore, "load alert", err)
	}

	runID, err := o.admit(ctx, req.AlertID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	run := &core.TriageRun{ID: runID, AlertID: req.AlertID, StartedAt: started}
	if err := o.store.CreateRun(ctx, run); err != nil {
		o.release(req.AlertID)
		return nil, frauderr.Wrap(frauderr.KindStore, "create run", err)
	}

	o.mux.Open(runID)
	o.mux.Publish(runID, stream.EventPlanBuilt, map[string]interface{}{
		"plan": agents.Plan(),
	})
	return &runPrep{runID: runID, alert: alert, req: req, started: started}, nil
}

// run executes the admitted pipeline to completion.
func (o *Orchestrator) run(ctx context.Context, prep *runPrep) (*core.TriageResult, error) {
	defer o.release(prep.req.AlertID)

	runID, alert, req, started := prep.runID, prep.alert, prep.req, prep.started

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
		defer o.metrics.ActiveRuns.Dec()
	}

	rc := &agents.RunContext{
		Request: req,
		Alert:   alert,
		Now:     started,
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	traces := o.runPlan(runCtx, runID, rc)

	result := o.compose(runID, rc, started)
	summary := agents.Summarize(rc, *result)
	result.Summary = summary.RiskSummary + " " + summary.ActionSummary

	// Terminal persistence must survive client cancellation: the run ends
	// with endedAt and best-effort risk either way.
	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer persistCancel()

	ended := time.Now()
	run := &core.TriageRun{
		ID:           runID,
		AlertID:      req.AlertID,
		StartedAt:    started,
		EndedAt:      &ended,
		Risk:         result.Risk,
		Reasons:      result.Reasons,
		FallbackUsed: result.FallbackUsed,
		LatencyMs:    result.LatencyMs,
	}

	err := o.store.WithTx(persistCtx, func(tx store.Tx) error {
		if alert.Status == core.AlertOpen {
			if err := tx.UpdateAlertStatus(persistCtx, alert.ID, core.AlertInvestigating); err != nil {
				return err
			}
		}
		if err := tx.InsertTraces(persistCtx, runID, traces); err != nil {
			return err
		}
		return tx.FinishRun(persistCtx, run)
	})
	if err != nil {
		o.logger.Printf("run=%s terminal persistence failed: %v", runID, err)
		o.mux.Publish(runID, stream.EventError, map[string]interface{}{
			"error":          "failed to persist run",
			"correlation_id": req.CorrelationID,
		})
		o.mux.Finish(runID)
		return nil, frauderr.Wrap(frauderr.KindStore, "persist run", err)
	}

	o.mux.Publish(runID, stream.EventDecisionFinalized, map[string]interface{}{
		"risk":            string(result.Risk),
		"confidence":      result.Confidence,
		"proposed_action": string(result.ProposedAction),
		"requires_otp":    result.RequiresOTP,
		"fallback_used":   result.FallbackUsed,
		"latency_ms":      result.LatencyMs,
		"reasons":         result.Reasons,
	})
	o.mux.Finish(runID)

	if o.metrics != nil {
		o.metrics.RunDuration.Observe(time.Since(started).Seconds())
	}
	return result, nil
}

// admit reserves the alert for one run, surfacing the existing run on
// conflict. Both the in-process map and the store are consulted so restarts
// do not double-admit an alert with a dangling open run.
func (o *Orchestrator) admit(ctx context.Context, alertID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.active[alertID]; ok {
		return "", frauderr.Conflict("alert already has an active run", existing)
	}
	if run, err := o.store.FindActiveRun(ctx, alertID); err != nil {
		return "", frauderr.Wrap(frauderr.KindStore, "check active run", err)
	} else if run != nil {
		return "", frauderr.Conflict("alert already has an active run", run.ID)
	}

	runID := uuid.NewString()
	o.active[alertID] = runID
	return runID, nil
}

func (o *Orchestrator) release(alertID string) {
	o.mu.Lock()
	delete(o.active, alertID)
	o.mu.Unlock()
}

// runPlan executes the fixed plan, producing one trace per attempted step.
func (o *Orchestrator) runPlan(ctx context.Context, runID string, rc *agents.RunContext) []core.AgentTrace {
	var traces []core.AgentTrace

	for seq, step := range agents.Plan() {
		if ctx.Err() != nil {
			// Run budget exhausted: compose with what we have.
			rc.FallbackUsed = true
			break
		}

		res, outcome, duration, stepErr := o.runStep(ctx, step, rc)
		ok := outcome == outcomeOK

		detail := map[string]interface{}{}
		if ok && res != nil {
			detail = res.Detail()
		} else {
			detail["outcome"] = string(outcome)
			if stepErr != nil {
				detail["error"] = stepErr.Error()
			}
		}

		traces = append(traces, core.AgentTrace{
			RunID:      runID,
			Seq:        seq,
			Step:       step,
			OK:         ok,
			DurationMs: duration.Milliseconds(),
			Detail:     redact.Map(detail),
		})

		if o.metrics != nil {
			o.metrics.StepDuration.WithLabelValues(step, fmt.Sprint(ok)).Observe(duration.Seconds())
			if !ok {
				o.metrics.StepFailures.WithLabelValues(step, string(outcome)).Inc()
			}
		}

		o.mux.Publish(runID, stream.EventToolUpdate, map[string]interface{}{
			"step":        step,
			"ok":          ok,
			"seq":         seq,
			"duration_ms": duration.Milliseconds(),
			"detail":      detail,
		})

		if ok {
			continue
		}

		o.logger.Printf("run=%s step=%s failed outcome=%s err=%v", runID, step, outcome, stepErr)

		if agents.Critical(step) {
			// No fallback for critical steps: short-circuit to composition.
			rc.FallbackUsed = true
			break
		}

		rc.FallbackUsed = true
		o.applyFallback(step, rc)
		if o.metrics != nil {
			o.metrics.FallbacksTotal.WithLabelValues(step).Inc()
		}
		o.mux.Publish(runID, stream.EventFallbackTriggered, map[string]interface{}{
			"failed_step": step,
			"outcome":     string(outcome),
		})
	}

	return traces
}

// runStep invokes one agent under the per-step deadline. A step that
// overruns is abandoned; a result arriving later is discarded.
func (o *Orchestrator) runStep(ctx context.Context, step string, rc *agents.RunContext) (agents.StepResult, stepOutcome, time.Duration, error) {
	breaker := o.breakers.Get(step)
	if err := breaker.Allow(); err != nil {
		if o.metrics != nil {
			o.metrics.CircuitOpens.WithLabelValues(step).Inc()
		}
		return nil, outcomeCircuitOpen, 0, err
	}

	agent := o.agents[step]
	if agent == nil {
		return nil, outcomeError, 0, fmt.Errorf("no agent registered for step %s", step)
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	type stepReturn struct {
		res agents.StepResult
		err error
	}
	done := make(chan stepReturn, 1)
	start := time.Now()

	go func() {
		res, err := agent.Run(stepCtx, rc)
		done <- stepReturn{res: res, err: err}
	}()

	select {
	case ret := <-done:
		duration := time.Since(start)
		if ret.err != nil {
			breaker.RecordFailure()
			return nil, outcomeError, duration, ret.err
		}
		breaker.RecordSuccess()
		return ret.res, outcomeOK, duration, nil
	case <-stepCtx.Done():
		breaker.RecordFailure()
		return nil, outcomeTimeout, time.Since(start), frauderr.Wrap(
			frauderr.KindStepTimeout, step+" exceeded deadline", stepCtx.Err())
	}
}

// applyFallback substitutes the deterministic result for a failed
// non-critical step.
func (o *Orchestrator) applyFallback(step string, rc *agents.RunContext) {
	switch step {
	case agents.StepRiskSignals:
		rc.Signals = &agents.SignalsResult{
			Score:   50,
			Reasons: []string{"risk_analysis_unavailable"},
		}
	case agents.StepKbLookup:
		rc.KB = &agents.KBResult{
			Citations: []string{"Fallback: Manual review recommended"},
		}
	default:
		// decide / proposeAction stay nil; composition derives defaults.
	}
}

// compose builds the final result from whatever the pipeline produced.
func (o *Orchestrator) compose(runID string, rc *agents.RunContext, started time.Time) *core.TriageResult {
	score := 0
	var reasons []string
	if rc.Signals != nil {
		score = rc.Signals.Score
		reasons = rc.Signals.Reasons
	}

	level := agents.LevelForScore(score)
	if rc.Decision != nil {
		level = rc.Decision.Level
	}
	// Uncertainty penalty: a partially-analyzed run never reports high.
	// This applies regardless of role; a lead override affects action
	// execution, not the risk classification.
	if rc.FallbackUsed && level == core.RiskHigh {
		level = core.RiskMedium
	}

	var action core.ProposedAction
	requiresOTP := false
	if rc.Compliance != nil {
		action = rc.Compliance.Action
		requiresOTP = rc.Compliance.RequiresOTP
	} else {
		switch level {
		case core.RiskHigh:
			action = core.ActionFreezeCard
			requiresOTP = true
		case core.RiskMedium:
			action = core.ActionOpenDispute
		default:
			action = core.ActionFalsePositive
		}
	}

	confidence := float64(score)
	if rc.FallbackUsed {
		confidence = float64(score) * 0.7
		if confidence > 70 {
			confidence = 70
		}
	}

	var citations []string
	if rc.KB != nil {
		citations = rc.KB.Citations
	}

	return &core.TriageResult{
		RunID:          runID,
		Risk:           level,
		Confidence:     confidence,
		ProposedAction: action,
		RequiresOTP:    requiresOTP,
		Reasons:        redact.Strings(reasons),
		Citations:      redact.Strings(citations),
		FallbackUsed:   rc.FallbackUsed,
		LatencyMs:      time.Since(started).Milliseconds(),
	}
}
