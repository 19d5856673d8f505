package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/backend/internal/cache"
	"github.com/cardwatch/backend/internal/core"
)

type allowAll struct{}

func (allowAll) Allow(context.Context, string) (cache.LimitResult, error) {
	return cache.LimitResult{Allowed: true}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (cache.LimitResult, error) {
	return cache.LimitResult{Allowed: false, RetryAfterSec: 30}, nil
}

func complianceContext(role core.Role, score int, amountMinor int64) *RunContext {
	return &RunContext{
		Request: core.TriageRequest{
			CustomerID: "cust-1",
			ActorID:    "analyst-1",
			Role:       role,
		},
		Suspect: &core.Transaction{
			ID:               "tx-suspect",
			AmountMinorUnits: amountMinor,
		},
		Now: baseTime, // Thursday 14:00 UTC
		Profile: &ProfileResult{
			Customer: &core.Customer{ID: "cust-1", KYCLevel: core.KYCVerified},
		},
		Signals: &SignalsResult{
			Score:  score,
			Action: suggestAction(score),
		},
		Decision: &DecisionResult{Level: LevelForScore(score), Confidence: 80},
	}
}

func runCompliance(t *testing.T, agent *ComplianceAgent, rc *RunContext) *ComplianceResult {
	t.Helper()
	res, err := agent.Run(context.Background(), rc)
	require.NoError(t, err)
	return res.(*ComplianceResult)
}

func TestCompliance_FreezeRequiresLead(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	rc := complianceContext(core.RoleAgent, 90, 20_000)
	res := runCompliance(t, agent, rc)
	assert.Equal(t, core.ActionFreezeCard, res.Action)
	assert.False(t, res.Approved)
	assert.Equal(t, CheckRole, res.BlockedBy)
	assert.True(t, res.RequiresOTP)

	rc = complianceContext(core.RoleLead, 90, 20_000)
	res = runCompliance(t, agent, rc)
	assert.True(t, res.Approved)
	assert.True(t, res.RequiresOTP)
}

func TestCompliance_LeadExceedsAmountLimit(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	// $1800 freeze: over the agent limit, fine for a lead.
	rc := complianceContext(core.RoleLead, 100, 180_000)
	res := runCompliance(t, agent, rc)
	assert.True(t, res.Approved)
	assert.True(t, res.RequiresOTP)
}

func TestCompliance_AgentDisputeAmountLimit(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	// $6000 dispute exceeds the agent's $5000 ceiling.
	rc := complianceContext(core.RoleAgent, 60, 600_000)
	res := runCompliance(t, agent, rc)
	assert.Equal(t, core.ActionOpenDispute, res.Action)
	assert.False(t, res.Approved)
	assert.Equal(t, CheckAmountLimit, res.BlockedBy)
}

func TestCompliance_RestrictedCustomerBlocksWrites(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	rc := complianceContext(core.RoleAgent, 60, 10_000)
	rc.Profile.Customer.KYCLevel = core.KYCRestricted
	res := runCompliance(t, agent, rc)
	assert.False(t, res.Approved)
	assert.Equal(t, CheckCustomer, res.BlockedBy)
}

func TestCompliance_ActionRateLimit(t *testing.T) {
	agent := NewComplianceAgent(denyAll{}, time.UTC)

	rc := complianceContext(core.RoleAgent, 60, 10_000)
	res := runCompliance(t, agent, rc)
	assert.False(t, res.Approved)
	assert.Equal(t, CheckRateLimit, res.BlockedBy)
}

func TestCompliance_BusinessHoursForAgentFreeze(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	// Saturday: the freeze is already blocked on role for an agent, but the
	// business-hours check must record its own failure too.
	rc := complianceContext(core.RoleAgent, 90, 20_000)
	rc.Now = time.Date(2025, 5, 17, 12, 0, 0, 0, time.UTC)
	res := runCompliance(t, agent, rc)

	var hours *CheckResult
	for i := range res.Checks {
		if res.Checks[i].Name == CheckBusinessHours {
			hours = &res.Checks[i]
		}
	}
	require.NotNil(t, hours)
	assert.False(t, hours.Passed)

	// A lead freezes regardless of the clock.
	rc = complianceContext(core.RoleLead, 90, 20_000)
	rc.Now = time.Date(2025, 5, 17, 12, 0, 0, 0, time.UTC)
	res = runCompliance(t, agent, rc)
	assert.True(t, res.Approved)
}

func TestCompliance_EscalationUnderFallback(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	// Score 82 under fallback: effective confidence 57.4, below the bar.
	rc := complianceContext(core.RoleAgent, 82, 20_000)
	rc.FallbackUsed = true
	res := runCompliance(t, agent, rc)

	var escalation *CheckResult
	for i := range res.Checks {
		if res.Checks[i].Name == CheckEscalation {
			escalation = &res.Checks[i]
		}
	}
	require.NotNil(t, escalation)
	assert.False(t, escalation.Passed)
}

func TestCompliance_OTPForHighScoreDispute(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	res := runCompliance(t, agent, complianceContext(core.RoleAgent, 70, 10_000))
	assert.Equal(t, core.ActionOpenDispute, res.Action)
	assert.True(t, res.RequiresOTP)

	res = runCompliance(t, agent, complianceContext(core.RoleAgent, 60, 10_000))
	assert.False(t, res.RequiresOTP)
}

func TestCompliance_MonitorSuggestionClosesAsFalsePositive(t *testing.T) {
	agent := NewComplianceAgent(allowAll{}, time.UTC)

	res := runCompliance(t, agent, complianceContext(core.RoleAgent, 20, 12_000))
	assert.Equal(t, core.ActionFalsePositive, res.Action)
	assert.True(t, res.Approved)
	assert.False(t, res.RequiresOTP)
}
