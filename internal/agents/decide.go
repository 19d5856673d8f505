package agents

import (
	"context"
	"fmt"

	"github.com/cardwatch/backend/internal/core"
)

// Spending patterns recognized by the profile heuristics.
const (
	PatternRegular       = "regular"
	PatternConcentrated  = "concentrated"
	PatternHighFrequency = "high_frequency"
	PatternHighValue     = "high_value"
)

// Customer tiers by spending volume.
const (
	TierStandard = "standard"
	TierMedium   = "medium"
	TierHigh     = "high"
)

// DecisionResult is the risk classification before compliance review.
type DecisionResult struct {
	Level           core.RiskLevel `json:"level"`
	Confidence      float64        `json:"confidence"`
	KeyFactors      []string       `json:"key_factors"`
	Summary         string         `json:"summary"`
	Recommendations []string       `json:"recommendations"`
	Tier            string         `json:"tier"`
	Pattern         string         `json:"pattern"`
}

func (r *DecisionResult) Detail() map[string]interface{} {
	return map[string]interface{}{
		"level":       string(r.Level),
		"confidence":  r.Confidence,
		"tier":        r.Tier,
		"pattern":     r.Pattern,
		"key_factors": r.KeyFactors,
	}
}

// DecideAgent combines the risk score with a heuristic read of the
// customer's spending profile. Non-critical.
type DecideAgent struct{}

func NewDecideAgent() *DecideAgent { return &DecideAgent{} }

func (a *DecideAgent) Name() string { return StepDecide }

func (a *DecideAgent) Run(ctx context.Context, rc *RunContext) (StepResult, error) {
	score := 50
	var reasons []string
	if rc.Signals != nil {
		score = rc.Signals.Score
		reasons = rc.Signals.Reasons
	}

	var history []core.Transaction
	if rc.Recent != nil {
		history = rc.Recent.Transactions
	}
	tier := spendingTier(history)
	pattern := spendingPattern(history)

	level := LevelForScore(score)
	// A high-spend customer at medium risk gets the benefit of escalation:
	// the exposure is larger, so review it as high.
	if level == core.RiskMedium && tier == TierHigh {
		level = core.RiskHigh
	}

	confidence := 70.0
	if len(reasons) > 3 {
		confidence += 15
	}
	noIncidents := rc.Profile == nil || !rc.Profile.HasFrozenCard()
	if noIncidents {
		confidence += 10
	}
	if pattern == PatternRegular {
		confidence += 5
	}
	if confidence > 95 {
		confidence = 95
	}

	result := &DecisionResult{
		Level:      level,
		Confidence: confidence,
		KeyFactors: reasons,
		Tier:       tier,
		Pattern:    pattern,
		Summary: fmt.Sprintf("Score %d on a %s-tier customer with %s spending; classified %s.",
			score, tier, pattern, level),
		Recommendations: recommendations(level),
	}
	rc.Decision = result
	return result, nil
}

// LevelForScore maps the composite score to a risk level.
func LevelForScore(score int) core.RiskLevel {
	switch {
	case score >= 80:
		return core.RiskHigh
	case score >= 50:
		return core.RiskMedium
	default:
		return core.RiskLow
	}
}

func spendingTier(history []core.Transaction) string {
	if len(history) == 0 {
		return TierStandard
	}
	var total int64
	for _, tx := range history {
		total += tx.AmountMinorUnits
	}
	avg := total / int64(len(history))

	switch {
	case avg > minor500 || total > 10*minor1000:
		return TierHigh
	case avg > minor500/5 || total > 2*minor1000:
		return TierMedium
	default:
		return TierStandard
	}
}

func spendingPattern(history []core.Transaction) string {
	if len(history) == 0 {
		return PatternRegular
	}

	var total int64
	perMerchant := make(map[string]int)
	for _, tx := range history {
		total += tx.AmountMinorUnits
		perMerchant[tx.Merchant]++
	}
	avg := total / int64(len(history))

	if avg > minor500 {
		return PatternHighValue
	}
	if float64(len(history))/30.0 > 5 {
		return PatternHighFrequency
	}
	if len(history) >= 4 {
		top := 0
		for _, n := range perMerchant {
			if n > top {
				top = n
			}
		}
		if top*2 >= len(history) {
			return PatternConcentrated
		}
	}
	return PatternRegular
}

func recommendations(level core.RiskLevel) []string {
	switch level {
	case core.RiskHigh:
		return []string{
			"Freeze the card pending customer verification",
			"Review all transactions from the last 24 hours",
		}
	case core.RiskMedium:
		return []string{
			"Open a dispute for the suspect transaction",
			"Monitor the account for further anomalies",
		}
	default:
		return []string{"No immediate action; continue routine monitoring"}
	}
}
