// Package agents implements the triage pipeline steps. Each agent is a
// capability-bounded unit with a run(context) -> result contract; the
// orchestrator owns sequencing, deadlines and fallbacks.
package agents

import (
	"context"
	"time"

	"github.com/cardwatch/backend/internal/core"
)

// Step names as they appear in plans, traces and stream events.
const (
	StepGetProfile    = "getProfile"
	StepRecentTx      = "recentTx"
	StepRiskSignals   = "riskSignals"
	StepKbLookup      = "kbLookup"
	StepDecide        = "decide"
	StepProposeAction = "proposeAction"
)

// Plan is the fixed step order for every run.
func Plan() []string {
	return []string{
		StepGetProfile,
		StepRecentTx,
		StepRiskSignals,
		StepKbLookup,
		StepDecide,
		StepProposeAction,
	}
}

// Critical reports whether a step's failure aborts the run instead of
// substituting a fallback.
func Critical(step string) bool {
	return step == StepGetProfile || step == StepRecentTx
}

// StepResult is what an agent produces: a typed payload that can render
// itself as the trace detail.
type StepResult interface {
	Detail() map[string]interface{}
}

// RunContext carries the request plus the accumulated step outputs. Agents
// read the fields earlier steps populated and write their own on success;
// the orchestrator substitutes fallbacks into the same fields.
type RunContext struct {
	Request core.TriageRequest
	Alert   *core.Alert
	Suspect *core.Transaction
	Now     time.Time
	// FallbackUsed is set by the orchestrator the moment any non-critical
	// step fails; the compliance step reads it for the escalation check.
	FallbackUsed bool

	Profile    *ProfileResult
	Recent     *RecentTxResult
	Signals    *SignalsResult
	KB         *KBResult
	Decision   *DecisionResult
	Compliance *ComplianceResult
}

// Agent is one step of the pipeline. Run must respect ctx's deadline: the
// orchestrator abandons a step that overruns, so unbounded work is wasted.
type Agent interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) (StepResult, error)
}
