package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cardwatch/backend/internal/core"
)

const (
	historyWindow = 90 * 24 * time.Hour
	historyCap    = 1000

	// Dollar thresholds in minor units. Amounts are treated as USD-equivalent.
	minor500  = int64(50_000)
	minor1000 = int64(100_000)
)

// highRiskMCCs are merchant category codes with elevated fraud rates:
// direct marketing, quasi-cash, gambling and wire transfer.
var highRiskMCCs = map[string]bool{
	"5960": true,
	"6051": true,
	"7995": true,
	"4829": true,
}

var suspiciousMerchantRe = regexp.MustCompile(`(?i)temp|test|unknown|cash|atm`)

// VelocitySignal compares the 24h window ending at the suspect transaction
// against the customer's historical daily average.
type VelocitySignal struct {
	Txns24h        int     `json:"txns_24h"`
	Amount24hMinor int64   `json:"amount_24h_minor"`
	AvgDailyTxns   float64 `json:"avg_daily_txns"`
}

type DeviceSignal struct {
	NewDevice     bool `json:"new_device"`
	DeviceChanges int  `json:"device_changes"`
}

type MerchantSignal struct {
	NewMerchant bool `json:"new_merchant"`
	RiskScore   int  `json:"risk_score"`
}

type PatternSignal struct {
	UnusualTime     bool `json:"unusual_time"`
	UnusualLocation bool `json:"unusual_location"`
	VelocitySpike   bool `json:"velocity_spike"`
}

// SignalsResult is the composite risk analysis. Score is clamped to [0,100];
// Action is the threshold-derived suggestion the compliance step refines.
type SignalsResult struct {
	Score    int                 `json:"score"`
	Reasons  []string            `json:"reasons"`
	Action   core.ProposedAction `json:"action,omitempty"`
	Velocity VelocitySignal      `json:"velocity"`
	Device   DeviceSignal        `json:"device"`
	Merchant MerchantSignal      `json:"merchant"`
	Patterns PatternSignal       `json:"patterns"`
}

func (r *SignalsResult) Detail() map[string]interface{} {
	return map[string]interface{}{
		"score":          r.Score,
		"reasons":        r.Reasons,
		"action":         string(r.Action),
		"txns_24h":       r.Velocity.Txns24h,
		"new_device":     r.Device.NewDevice,
		"merchant_risk":  r.Merchant.RiskScore,
		"velocity_spike": r.Patterns.VelocitySpike,
	}
}

// RiskSignalsAgent scores the suspect transaction against 90 days of
// history. Non-critical: on failure the orchestrator substitutes a neutral
// score of 50.
type RiskSignalsAgent struct {
	store TxReader
}

func NewRiskSignalsAgent(store TxReader) *RiskSignalsAgent {
	return &RiskSignalsAgent{store: store}
}

func (a *RiskSignalsAgent) Name() string { return StepRiskSignals }

func (a *RiskSignalsAgent) Run(ctx context.Context, rc *RunContext) (StepResult, error) {
	suspect := rc.Suspect

	since := suspect.TS.Add(-historyWindow)
	all, err := a.store.ListTransactionsSince(ctx, rc.Request.CustomerID, since, historyCap)
	if err != nil {
		return nil, err
	}

	// History excludes the suspect transaction itself.
	history := make([]core.Transaction, 0, len(all))
	for _, tx := range all {
		if tx.ID != suspect.ID {
			history = append(history, tx)
		}
	}

	result := &SignalsResult{
		Velocity: velocitySignal(suspect, history),
		Device:   deviceSignal(suspect, history),
		Merchant: merchantSignal(suspect, history),
		Patterns: patternSignal(suspect, history),
	}
	result.Score, result.Reasons = composite(suspect, result)
	result.Action = suggestAction(result.Score)

	rc.Signals = result
	return result, nil
}

func velocitySignal(suspect *core.Transaction, history []core.Transaction) VelocitySignal {
	windowStart := suspect.TS.Add(-24 * time.Hour)

	var sig VelocitySignal
	var olderCount int
	for _, tx := range history {
		if tx.TS.After(windowStart) && !tx.TS.After(suspect.TS) {
			sig.Txns24h++
			sig.Amount24hMinor += tx.AmountMinorUnits
		} else {
			olderCount++
		}
	}
	// Daily average over the 89 days preceding the 24h window.
	sig.AvgDailyTxns = float64(olderCount) / 89.0
	return sig
}

func deviceSignal(suspect *core.Transaction, history []core.Transaction) DeviceSignal {
	devices := make(map[string]bool)
	for _, tx := range history {
		if tx.DeviceID != "" {
			devices[tx.DeviceID] = true
		}
	}
	return DeviceSignal{
		NewDevice:     suspect.DeviceID != "" && !devices[suspect.DeviceID],
		DeviceChanges: len(devices),
	}
}

func merchantSignal(suspect *core.Transaction, history []core.Transaction) MerchantSignal {
	merchants := make(map[string]bool)
	for _, tx := range history {
		merchants[tx.Merchant] = true
	}

	sig := MerchantSignal{NewMerchant: !merchants[suspect.Merchant]}
	if highRiskMCCs[suspect.MCC] {
		sig.RiskScore += 30
	}
	if suspiciousMerchantRe.MatchString(suspect.Merchant) {
		sig.RiskScore += 20
	}
	if sig.NewMerchant {
		sig.RiskScore += 15
	}
	if sig.RiskScore > 100 {
		sig.RiskScore = 100
	}
	return sig
}

func patternSignal(suspect *core.Transaction, history []core.Transaction) PatternSignal {
	var sig PatternSignal

	// Common hours are those holding at least 5% of historical activity.
	hourCounts := make(map[int]int)
	locations := make(map[string]bool)
	for _, tx := range history {
		hourCounts[tx.TS.Hour()]++
		if tx.Country != "" {
			locations[tx.Country+"-"+tx.City] = true
		}
	}

	hour := suspect.TS.Hour()
	if hour < 6 || hour > 23 {
		threshold := len(history) * 5 / 100
		if hourCounts[hour] <= threshold || len(history) == 0 {
			sig.UnusualTime = true
		}
	}

	if suspect.Country != "" {
		sig.UnusualLocation = !locations[suspect.Country+"-"+suspect.City]
	}

	// Spike against the mean of the 10 most recent transactions.
	n := len(history)
	if n > 10 {
		n = 10
	}
	if n > 0 {
		var sum int64
		for _, tx := range history[:n] {
			sum += tx.AmountMinorUnits
		}
		mean := float64(sum) / float64(n)
		sig.VelocitySpike = float64(suspect.AmountMinorUnits) > 3*mean
	}
	return sig
}

// composite sums the bounded contributions and clamps to [0,100], collecting
// a human-readable reason for each contributing predicate.
func composite(suspect *core.Transaction, r *SignalsResult) (int, []string) {
	score := 0
	var reasons []string

	switch {
	case r.Velocity.AvgDailyTxns > 0 && float64(r.Velocity.Txns24h) > 3*r.Velocity.AvgDailyTxns:
		score += 25
		reasons = append(reasons, fmt.Sprintf(
			"velocity spike: %d transactions in 24h vs %.1f/day average",
			r.Velocity.Txns24h, r.Velocity.AvgDailyTxns))
	case r.Velocity.AvgDailyTxns > 0 && float64(r.Velocity.Txns24h) > 2*r.Velocity.AvgDailyTxns:
		score += 15
		reasons = append(reasons, fmt.Sprintf(
			"elevated velocity: %d transactions in 24h vs %.1f/day average",
			r.Velocity.Txns24h, r.Velocity.AvgDailyTxns))
	}

	if r.Velocity.Amount24hMinor > minor1000 {
		score += 20
		reasons = append(reasons, fmt.Sprintf(
			"high 24h amount: %s", dollars(r.Velocity.Amount24hMinor)))
	}

	if r.Device.NewDevice {
		score += 20
		reasons = append(reasons, "transaction from a new device")
	}
	if r.Device.DeviceChanges > 5 {
		score += 10
		reasons = append(reasons, fmt.Sprintf(
			"frequent device changes: %d devices in 90 days", r.Device.DeviceChanges))
	}

	if r.Merchant.RiskScore > 0 {
		score += r.Merchant.RiskScore / 2
		parts := []string{}
		if highRiskMCCs[suspect.MCC] {
			parts = append(parts, "high-risk MCC "+suspect.MCC)
		}
		if suspiciousMerchantRe.MatchString(suspect.Merchant) {
			parts = append(parts, "suspicious merchant name")
		}
		if r.Merchant.NewMerchant {
			parts = append(parts, "first purchase at this merchant")
		}
		reasons = append(reasons, "merchant risk: "+strings.Join(parts, ", "))
	}

	if r.Patterns.UnusualTime {
		score += 15
		reasons = append(reasons, fmt.Sprintf(
			"unusual time: %02d:00 outside the customer's common hours", suspect.TS.Hour()))
	}
	if r.Patterns.UnusualLocation {
		score += 20
		reasons = append(reasons, fmt.Sprintf(
			"unusual location: %s-%s not seen before", suspect.Country, suspect.City))
	}
	if r.Patterns.VelocitySpike {
		score += 25
		reasons = append(reasons, "amount spike: over 3x the recent transaction average")
	}

	if suspect.AmountMinorUnits > minor500 {
		score += 15
		reasons = append(reasons, fmt.Sprintf(
			"high amount: %s", dollars(suspect.AmountMinorUnits)))
	}
	if suspect.AmountMinorUnits > minor1000 {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, reasons
}

func suggestAction(score int) core.ProposedAction {
	switch {
	case score >= 80:
		return core.ActionFreezeCard
	case score >= 50:
		return core.ActionOpenDispute
	default:
		return core.ActionMonitor
	}
}

func dollars(minor int64) string {
	return fmt.Sprintf("$%.2f", float64(minor)/100)
}
