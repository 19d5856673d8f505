package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/cardwatch/backend/internal/cache"
	"github.com/cardwatch/backend/internal/core"
)

// Compliance check names, surfaced as blockedBy on refusal.
const (
	CheckRole          = "role_authorization"
	CheckAmountLimit   = "amount_limit"
	CheckCustomer      = "customer_status"
	CheckRateLimit     = "rate_limit"
	CheckBusinessHours = "business_hours"
	CheckEscalation    = "escalation_review"
)

// ActionLimiter is the per-user per-action rate check.
type ActionLimiter interface {
	Allow(ctx context.Context, clientID string) (cache.LimitResult, error)
}

// CheckResult records one policy check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Note   string `json:"note,omitempty"`
}

// ComplianceResult is the final action with its policy verdict. BlockedBy is
// the first failing check; empty when approved.
type ComplianceResult struct {
	Action      core.ProposedAction `json:"action"`
	Approved    bool                `json:"approved"`
	BlockedBy   string              `json:"blocked_by,omitempty"`
	RequiresOTP bool                `json:"requires_otp"`
	Checks      []CheckResult       `json:"checks"`
}

func (r *ComplianceResult) Detail() map[string]interface{} {
	return map[string]interface{}{
		"action":       string(r.Action),
		"approved":     r.Approved,
		"blocked_by":   r.BlockedBy,
		"requires_otp": r.RequiresOTP,
		"checks":       len(r.Checks),
	}
}

// ComplianceAgent maps the decision to a final action and runs the policy
// checks in a fixed order. Non-critical.
type ComplianceAgent struct {
	limiter ActionLimiter
	loc     *time.Location
}

// NewComplianceAgent takes the per-action rate limiter (nil skips the check)
// and the business-hours timezone.
func NewComplianceAgent(limiter ActionLimiter, loc *time.Location) *ComplianceAgent {
	if loc == nil {
		loc = time.UTC
	}
	return &ComplianceAgent{limiter: limiter, loc: loc}
}

func (a *ComplianceAgent) Name() string { return StepProposeAction }

func (a *ComplianceAgent) Run(ctx context.Context, rc *RunContext) (StepResult, error) {
	score := 50
	if rc.Signals != nil {
		score = rc.Signals.Score
	}
	action := finalAction(rc)

	result := &ComplianceResult{
		Action:      action,
		Approved:    true,
		RequiresOTP: requiresOTP(action, score),
	}

	fail := func(name, note string) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Passed: false, Note: note})
		if result.Approved {
			result.Approved = false
			result.BlockedBy = name
		}
	}
	pass := func(name string) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Passed: true})
	}

	role := rc.Request.Role
	isLead := role == core.RoleLead
	suspectAmount := int64(0)
	if rc.Suspect != nil {
		suspectAmount = rc.Suspect.AmountMinorUnits
	}

	// 1. Role authorization: freezing a card is a lead-only action.
	if action == core.ActionFreezeCard && !isLead {
		fail(CheckRole, "freeze_card requires lead role")
	} else {
		pass(CheckRole)
	}

	// 2. Amount limits. Leads may exceed them; for agents a freeze over
	// $1000 or a dispute over $5000 needs lead review.
	switch {
	case !isLead && action == core.ActionFreezeCard && suspectAmount > minor1000:
		fail(CheckAmountLimit, fmt.Sprintf("amount %s exceeds freeze limit", dollars(suspectAmount)))
	case !isLead && action == core.ActionOpenDispute && suspectAmount > 5*minor1000:
		fail(CheckAmountLimit, fmt.Sprintf("amount %s exceeds dispute limit", dollars(suspectAmount)))
	default:
		pass(CheckAmountLimit)
	}

	// 3. Customer status: no write actions against a restricted customer.
	restricted := rc.Profile != nil && rc.Profile.Customer.KYCLevel == core.KYCRestricted
	if restricted && action != core.ActionMonitor {
		fail(CheckCustomer, "customer is KYC-restricted")
	} else {
		pass(CheckCustomer)
	}

	// 4. Per-user per-action rate limit.
	if a.limiter != nil {
		key := fmt.Sprintf("action:%s:%s", actorKey(rc.Request), action)
		if res, err := a.limiter.Allow(ctx, key); err != nil || !res.Allowed {
			fail(CheckRateLimit, "action rate limit exceeded")
		} else {
			pass(CheckRateLimit)
		}
	} else {
		pass(CheckRateLimit)
	}

	// 5. Business hours: agents may freeze only Mon-Fri 09:00-17:00.
	if action == core.ActionFreezeCard && !isLead && !withinBusinessHours(rc.Now.In(a.loc)) {
		fail(CheckBusinessHours, "freeze_card outside business hours requires lead override")
	} else {
		pass(CheckBusinessHours)
	}

	// 6. Escalation: a high score with shaky confidence is lead territory.
	if score >= 80 && effectiveConfidence(rc, score) < 60 && !isLead {
		fail(CheckEscalation, "high risk with low confidence requires lead review")
	} else {
		pass(CheckEscalation)
	}

	rc.Compliance = result
	return result, nil
}

// finalAction prefers the risk-signal suggestion. A monitor suggestion or a
// fallen-back signals step derives the action from the decision level
// instead, so a clean low-risk run closes as a false positive.
func finalAction(rc *RunContext) core.ProposedAction {
	if rc.Signals != nil && rc.Signals.Action != "" && rc.Signals.Action != core.ActionMonitor {
		return rc.Signals.Action
	}
	level := core.RiskLow
	if rc.Decision != nil {
		level = rc.Decision.Level
	}
	switch level {
	case core.RiskHigh:
		return core.ActionFreezeCard
	case core.RiskMedium:
		return core.ActionOpenDispute
	default:
		return core.ActionFalsePositive
	}
}

// requiresOTP: always for a freeze; for a dispute only when the score is 70+.
func requiresOTP(action core.ProposedAction, score int) bool {
	switch action {
	case core.ActionFreezeCard:
		return true
	case core.ActionOpenDispute:
		return score >= 70
	default:
		return false
	}
}

// effectiveConfidence mirrors the final composition: the raw score, scaled
// down when a fallback already fired.
func effectiveConfidence(rc *RunContext, score int) float64 {
	if rc.FallbackUsed {
		conf := float64(score) * 0.7
		if conf > 70 {
			conf = 70
		}
		return conf
	}
	return float64(score)
}

func withinBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}

func actorKey(req core.TriageRequest) string {
	if req.ActorID != "" {
		return req.ActorID
	}
	return string(req.Role)
}
