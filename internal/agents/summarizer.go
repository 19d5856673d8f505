package agents

import (
	"fmt"
	"strings"

	"github.com/cardwatch/backend/internal/core"
)

// Summary is the analyst-facing write-up produced after the decision.
type Summary struct {
	CustomerMessage string   `json:"customer_message"`
	InternalNote    string   `json:"internal_note"`
	RiskSummary     string   `json:"risk_summary"`
	ActionSummary   string   `json:"action_summary"`
	NextSteps       []string `json:"next_steps"`
}

// fallbackSummary is returned whenever the inputs are too incomplete to
// template from.
var fallbackSummary = Summary{
	CustomerMessage: "We detected unusual activity on your account and are reviewing it. No action is needed from you at this time.",
	InternalNote:    "Automated summary unavailable; review the run traces directly.",
	RiskSummary:     "Risk assessment incomplete.",
	ActionSummary:   "Manual review recommended.",
	NextSteps:       []string{"Review the alert manually"},
}

// Summarize templates the run outcome into customer- and analyst-facing
// text. Best-effort and deterministic per action; it never fails, only
// degrades to a fixed fallback.
func Summarize(rc *RunContext, result core.TriageResult) Summary {
	if rc == nil || rc.Compliance == nil {
		return fallbackSummary
	}

	s := Summary{
		RiskSummary: fmt.Sprintf("Risk classified %s with confidence %.0f.",
			result.Risk, result.Confidence),
	}
	if len(result.Reasons) > 0 {
		s.RiskSummary += " Key factors: " + strings.Join(result.Reasons, "; ") + "."
	}

	switch result.ProposedAction {
	case core.ActionFreezeCard:
		s.CustomerMessage = "For your protection we are placing a temporary hold on your card while we verify recent activity. Please contact us to confirm your identity."
		s.ActionSummary = "Card freeze proposed; OTP verification required before execution."
		s.NextSteps = []string{
			"Obtain customer OTP verification",
			"Execute the card freeze",
			"Review 24h of transactions for further fraud",
		}
	case core.ActionOpenDispute:
		s.CustomerMessage = "We noticed a transaction that may not be yours. We are opening a dispute on your behalf and will keep you updated."
		s.ActionSummary = "Dispute proposed for the suspect transaction."
		s.NextSteps = []string{
			"Open the dispute case",
			"Notify the customer of the dispute",
		}
	case core.ActionContact:
		s.CustomerMessage = "We'd like to confirm some recent activity on your account. Please reach out at your earliest convenience."
		s.ActionSummary = "Customer contact proposed to verify the transaction."
		s.NextSteps = []string{"Contact the customer", "Record the outcome on the case"}
	case core.ActionFalsePositive:
		s.CustomerMessage = "We reviewed recent activity on your account and everything checks out. No action is needed."
		s.ActionSummary = "Alert assessed as a false positive."
		s.NextSteps = []string{"Close the alert as a false positive"}
	default:
		s.CustomerMessage = "We are monitoring your account for unusual activity."
		s.ActionSummary = "Continued monitoring; no immediate action."
		s.NextSteps = []string{"Keep the alert under observation"}
	}

	note := fmt.Sprintf("Proposed %s (%s risk).", result.ProposedAction, result.Risk)
	if !rc.Compliance.Approved {
		note += fmt.Sprintf(" Blocked by %s; route to a lead.", rc.Compliance.BlockedBy)
		s.NextSteps = append([]string{"Obtain lead review for the blocked action"}, s.NextSteps...)
	}
	if result.FallbackUsed {
		note += " Partial analysis: at least one step fell back to defaults."
	}
	s.InternalNote = note
	return s
}
