package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/backend/internal/agents"
	"github.com/cardwatch/backend/internal/circuitbreaker"
	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
	"github.com/cardwatch/backend/internal/kb"
	"github.com/cardwatch/backend/internal/store"
	"github.com/cardwatch/backend/internal/stream"
)

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	now := time.Now()

	s.PutCustomer(core.Customer{
		ID:       "cust-1",
		Name:     "Jordan Blake",
		KYCLevel: core.KYCVerified,
	})
	s.PutCard(core.Card{ID: "card-1", CustomerID: "cust-1", Status: core.CardActive})
	s.PutAccount(core.Account{ID: "acct-1", CustomerID: "cust-1", Currency: "USD"})

	// A flat daily profile: same merchant, device and city for 89 days.
	for d := 1; d <= 89; d++ {
		s.PutTransaction(core.Transaction{
			ID:               fmt.Sprintf("tx-%d", d),
			CustomerID:       "cust-1",
			CardID:           "card-1",
			MCC:              "5411",
			Merchant:         "Grocery Mart",
			AmountMinorUnits: 5_000,
			TS:               now.Add(-time.Duration(d) * 24 * time.Hour),
			DeviceID:         "dev-1",
			Country:          "US",
			City:             "New York",
		})
	}
	s.PutTransaction(core.Transaction{
		ID:               "tx-suspect",
		CustomerID:       "cust-1",
		CardID:           "card-1",
		MCC:              "5411",
		Merchant:         "Grocery Mart",
		AmountMinorUnits: 12_000,
		TS:               now.Add(-time.Hour),
		DeviceID:         "dev-1",
		Country:          "US",
		City:             "New York",
	})
	s.PutAlert(core.Alert{
		ID:           "alert-1",
		CustomerID:   "cust-1",
		SuspectTxnID: "tx-suspect",
		Risk:         core.RiskMedium,
		Status:       core.AlertOpen,
		CreatedAt:    now,
	})
	return s
}

func newTestOrchestrator(t *testing.T, s *store.MemoryStore) *Orchestrator {
	t.Helper()
	mux := stream.NewMux(64, time.Minute, 5*time.Millisecond, nil)
	return NewOrchestrator(
		s,
		kb.NewRetriever(s),
		mux,
		circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		nil,
		Config{StepTimeout: 100 * time.Millisecond, RunTimeout: 2 * time.Second},
		nil,
	)
}

func triageRequest(role core.Role) core.TriageRequest {
	return core.TriageRequest{
		AlertID:      "alert-1",
		CustomerID:   "cust-1",
		SuspectTxnID: "tx-suspect",
		ActorID:      "analyst-1",
		Role:         role,
	}
}

// Test doubles for individual steps.

type stubAgent struct {
	name  string
	calls int
	delay time.Duration
	err   error
	fn    func(rc *agents.RunContext) agents.StepResult
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Run(ctx context.Context, rc *agents.RunContext) (agents.StepResult, error) {
	a.calls++
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.fn(rc), nil
}

func TestExecute_CleanRunProducesSixTraces(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)

	result, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
	require.NoError(t, err)

	assert.Equal(t, core.RiskLow, result.Risk)
	assert.Equal(t, core.ActionFalsePositive, result.ProposedAction)
	assert.False(t, result.FallbackUsed)
	assert.False(t, result.RequiresOTP)
	assert.NotEmpty(t, result.Summary)

	traces, err := s.ListTraces(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, traces, 6)
	for i, tr := range traces {
		assert.Equal(t, i, tr.Seq)
		assert.True(t, tr.OK, "step %s", tr.Step)
	}

	run, err := s.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, core.RiskLow, run.Risk)
	assert.False(t, run.EndedAt.Before(run.StartedAt))

	alert, err := s.GetAlert(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertInvestigating, alert.Status)
}

func TestExecute_HighRiskLeadGetsFreezeWithOTP(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	o.replaceAgent(&stubAgent{name: agents.StepRiskSignals, fn: func(rc *agents.RunContext) agents.StepResult {
		sig := &agents.SignalsResult{
			Score:   90,
			Reasons: []string{"velocity spike", "new device"},
			Action:  core.ActionFreezeCard,
		}
		rc.Signals = sig
		return sig
	}})

	result, err := o.Execute(context.Background(), triageRequest(core.RoleLead))
	require.NoError(t, err)

	assert.Equal(t, core.RiskHigh, result.Risk)
	assert.Equal(t, core.ActionFreezeCard, result.ProposedAction)
	assert.True(t, result.RequiresOTP)
	assert.Equal(t, 90.0, result.Confidence)
	assert.False(t, result.FallbackUsed)
}

func TestExecute_TimedOutStepFallsBack(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	o.replaceAgent(&stubAgent{name: agents.StepRiskSignals, delay: 500 * time.Millisecond, fn: func(rc *agents.RunContext) agents.StepResult {
		return &agents.SignalsResult{}
	}})

	result, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
	require.NoError(t, err)

	// Substituted neutral score: medium risk with scaled-down confidence.
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, core.RiskMedium, result.Risk)
	assert.Equal(t, core.ActionOpenDispute, result.ProposedAction)
	assert.Equal(t, 35.0, result.Confidence)
	assert.Contains(t, result.Reasons, "risk_analysis_unavailable")

	traces, err := s.ListTraces(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, traces, 6)
	assert.False(t, traces[2].OK)
	assert.Equal(t, agents.StepRiskSignals, traces[2].Step)
	for i, tr := range traces {
		assert.Equal(t, i, tr.Seq)
		if i != 2 {
			assert.True(t, tr.OK, "step %s", tr.Step)
		}
	}
}

func TestExecute_CriticalFailureShortCircuits(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	o.replaceAgent(&stubAgent{name: agents.StepGetProfile, err: errors.New("store down")})

	result, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
	require.NoError(t, err)

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, core.RiskLow, result.Risk)
	assert.Equal(t, core.ActionFalsePositive, result.ProposedAction)

	traces, err := s.ListTraces(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, 0, traces[0].Seq)
	assert.Equal(t, agents.StepGetProfile, traces[0].Step)
	assert.False(t, traces[0].OK)

	run, err := s.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.NotNil(t, run.EndedAt)
}

func TestExecute_FallbackDemotesHighToMedium(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	o.replaceAgent(&stubAgent{name: agents.StepRiskSignals, fn: func(rc *agents.RunContext) agents.StepResult {
		sig := &agents.SignalsResult{Score: 90, Reasons: []string{"velocity spike"}, Action: core.ActionFreezeCard}
		rc.Signals = sig
		return sig
	}})
	o.replaceAgent(&stubAgent{name: agents.StepKbLookup, err: errors.New("kb offline")})

	// The demotion applies to leads too: overrides affect action execution,
	// not classification.
	result, err := o.Execute(context.Background(), triageRequest(core.RoleLead))
	require.NoError(t, err)

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, core.RiskMedium, result.Risk)
	assert.Equal(t, 63.0, result.Confidence) // 90 * 0.7
	assert.Contains(t, result.Citations, "Fallback: Manual review recommended")
}

func TestExecute_SecondRunForAlertConflicts(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	// Generous deadlines: the gated step must not time out while the
	// conflicting request is issued.
	o.cfg.StepTimeout = 2 * time.Second
	o.cfg.RunTimeout = 10 * time.Second

	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	o.replaceAgent(&stubAgent{name: agents.StepDecide, fn: func(rc *agents.RunContext) agents.StepResult {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-proceed
		d := &agents.DecisionResult{Level: core.RiskLow, Confidence: 70}
		rc.Decision = d
		return d
	}})

	type runReturn struct {
		result *core.TriageResult
		err    error
	}
	first := make(chan runReturn, 1)
	go func() {
		res, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
		first <- runReturn{res, err}
	}()

	<-entered
	_, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
	require.Error(t, err)
	assert.True(t, frauderr.Is(err, frauderr.KindConflict))
	var fe *frauderr.Error
	require.ErrorAs(t, err, &fe)
	assert.NotEmpty(t, fe.ExistingID)

	close(proceed)
	ret := <-first
	require.NoError(t, ret.err)
	assert.Equal(t, fe.ExistingID, ret.result.RunID)

	// With the first run finished the alert is admissible again.
	res, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
	require.NoError(t, err)
	assert.NotEqual(t, ret.result.RunID, res.RunID)
}

func TestExecute_UnknownAlert(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)

	req := triageRequest(core.RoleAgent)
	req.AlertID = "alert-missing"
	_, err := o.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, frauderr.Is(err, frauderr.KindNotFound))
}

func TestExecute_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	failing := &stubAgent{name: agents.StepRiskSignals, err: errors.New("upstream down")}
	o.replaceAgent(failing)

	for i := 0; i < 3; i++ {
		_, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
		require.NoError(t, err)
	}
	require.Equal(t, 3, failing.calls)

	// Fourth run: the circuit rejects the step without invoking the agent.
	result, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
	require.NoError(t, err)
	assert.Equal(t, 3, failing.calls, "open circuit must not invoke the agent")
	assert.True(t, result.FallbackUsed)

	traces, err := s.ListTraces(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "circuit_open", traces[2].Detail["outcome"])
}

func TestExecute_StreamsEventsInOrder(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	o.cfg.StepTimeout = 2 * time.Second
	o.cfg.RunTimeout = 10 * time.Second

	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	o.replaceAgent(&stubAgent{name: agents.StepDecide, fn: func(rc *agents.RunContext) agents.StepResult {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-proceed
		d := &agents.DecisionResult{Level: core.RiskLow, Confidence: 70}
		rc.Decision = d
		return d
	}})

	type runReturn struct {
		result *core.TriageResult
		err    error
	}
	done := make(chan runReturn, 1)
	go func() {
		res, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
		done <- runReturn{res, err}
	}()

	// Subscribe while decide is still in flight.
	<-entered
	runID := func() string {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.active["alert-1"]
	}()
	ch, _, ok := o.mux.Subscribe(runID)
	require.True(t, ok)
	close(proceed)

	var types []stream.EventType
	for ev := range ch {
		types = append(types, ev.Type)
	}

	require.NotEmpty(t, types)
	assert.Equal(t, stream.EventConnected, types[0])
	// Exactly one decision_finalized, then completed last.
	finalized := 0
	for _, typ := range types {
		if typ == stream.EventDecisionFinalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)
	assert.Equal(t, stream.EventCompleted, types[len(types)-1])

	ret := <-done
	require.NoError(t, ret.err)
	require.NotNil(t, ret.result)
}

type panDetail struct{}

func (panDetail) Detail() map[string]interface{} {
	return map[string]interface{}{"note": "customer card 4111111111111111 on file"}
}

func TestExecute_PersistedTracesAreRedacted(t *testing.T) {
	s := seedStore(t)
	o := newTestOrchestrator(t, s)
	o.replaceAgent(&stubAgent{name: agents.StepDecide, fn: func(rc *agents.RunContext) agents.StepResult {
		rc.Decision = &agents.DecisionResult{Level: core.RiskLow, Confidence: 70}
		return panDetail{}
	}})

	result, err := o.Execute(context.Background(), triageRequest(core.RoleAgent))
	require.NoError(t, err)

	traces, err := s.ListTraces(context.Background(), result.RunID)
	require.NoError(t, err)
	note := traces[4].Detail["note"].(string)
	assert.NotContains(t, note, "4111111111111111")
	assert.Contains(t, note, "[PAN-REDACTED]")
}
