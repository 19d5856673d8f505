// Package core defines the domain entities shared across the fraud triage
// backend: customers, cards, transactions, alerts, triage runs and cases.
package core

import "time"

// KYCLevel is the identity-verification level assigned to a customer.
type KYCLevel string

const (
	KYCPending    KYCLevel = "pending"
	KYCVerified   KYCLevel = "verified"
	KYCRestricted KYCLevel = "restricted"
)

// Customer is created by ingestion and mutated only by KYC updates.
type Customer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	EmailMasked string    `json:"email_masked"`
	KYCLevel    KYCLevel  `json:"kyc_level"`
	CreatedAt   time.Time `json:"created_at"`
}

// CardStatus transitions are monotonic except ACTIVE<->FROZEN.
type CardStatus string

const (
	CardActive  CardStatus = "ACTIVE"
	CardFrozen  CardStatus = "FROZEN"
	CardExpired CardStatus = "EXPIRED"
)

type Card struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id"`
	Last4      string     `json:"last4"`
	Network    string     `json:"network"`
	Status     CardStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Account struct {
	ID                string `json:"id"`
	CustomerID        string `json:"customer_id"`
	BalanceMinorUnits int64  `json:"balance_minor_units"`
	Currency          string `json:"currency"`
}

// Transaction is immutable after insert. Deduplicated by
// (customerId, merchant, amountMinorUnits, ts).
type Transaction struct {
	ID               string    `json:"id"`
	CustomerID       string    `json:"customer_id"`
	CardID           string    `json:"card_id"`
	MCC              string    `json:"mcc"`
	Merchant         string    `json:"merchant"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	TS               time.Time `json:"ts"`
	DeviceID         string    `json:"device_id,omitempty"`
	Country          string    `json:"country,omitempty"`
	City             string    `json:"city,omitempty"`
}

// RiskLevel classifies an alert or a triage outcome.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AlertStatus transitions:
// OPEN -> INVESTIGATING -> {RESOLVED | CLOSED_FALSE_POSITIVE | CONTACTED |
// INVESTIGATING_DISPUTE_OPENED}.
type AlertStatus string

const (
	AlertOpen                 AlertStatus = "OPEN"
	AlertInvestigating        AlertStatus = "INVESTIGATING"
	AlertResolved             AlertStatus = "RESOLVED"
	AlertClosedFalsePositive  AlertStatus = "CLOSED_FALSE_POSITIVE"
	AlertContacted            AlertStatus = "CONTACTED"
	AlertInvestigatingDispute AlertStatus = "INVESTIGATING_DISPUTE_OPENED"
)

type Alert struct {
	ID           string      `json:"id"`
	CustomerID   string      `json:"customer_id"`
	SuspectTxnID string      `json:"suspect_txn_id"`
	Risk         RiskLevel   `json:"risk"`
	Status       AlertStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TriageRun is one execution of the step pipeline for a single alert.
// At most one run per alert has EndedAt == nil.
type TriageRun struct {
	ID           string     `json:"id"`
	AlertID      string     `json:"alert_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Risk         RiskLevel  `json:"risk,omitempty"`
	Reasons      []string   `json:"reasons"`
	FallbackUsed bool       `json:"fallback_used"`
	LatencyMs    int64      `json:"latency_ms,omitempty"`
}

// AgentTrace is append-only; Seq values form a contiguous prefix 0..n-1 per
// run and Detail is redacted before persistence.
type AgentTrace struct {
	RunID      string                 `json:"run_id"`
	Seq        int                    `json:"seq"`
	Step       string                 `json:"step"`
	OK         bool                   `json:"ok"`
	DurationMs int64                  `json:"duration_ms"`
	Detail     map[string]interface{} `json:"detail"`
}

// CaseType mirrors the four actions the engine can propose.
type CaseType string

const (
	CaseCardFreeze      CaseType = "CARD_FREEZE"
	CaseDispute         CaseType = "DISPUTE"
	CaseContactCustomer CaseType = "CONTACT_CUSTOMER"
	CaseFalsePositive   CaseType = "FALSE_POSITIVE"
)

type CaseStatus string

const (
	CaseOpen                CaseStatus = "OPEN"
	CaseClosed              CaseStatus = "CLOSED"
	CaseClosedFalsePositive CaseStatus = "CLOSED_FALSE_POSITIVE"
)

type Case struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	TxnID      string      `json:"txn_id,omitempty"`
	Type       CaseType    `json:"type"`
	Status     CaseStatus  `json:"status"`
	ReasonCode string      `json:"reason_code"`
	Events     []CaseEvent `json:"events"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CaseEvent entries are append-only.
type CaseEvent struct {
	CaseID  string                 `json:"case_id"`
	Actor   string                 `json:"actor"`
	Action  string                 `json:"action"`
	TS      time.Time              `json:"ts"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// KbDoc is read-only to the engine.
type KbDoc struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Anchor      string `json:"anchor"`
	ContentText string `json:"content_text"`
}

// Policy is evaluated by the compliance step.
type Policy struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	ContentText string `json:"content_text"`
	Priority    int    `json:"priority"`
}

// Role is the caller's role from the auth token.
type Role string

const (
	RoleAgent Role = "agent"
	RoleLead  Role = "lead"
)

// ProposedAction is the engine's recommended follow-up.
type ProposedAction string

const (
	ActionFreezeCard    ProposedAction = "freeze_card"
	ActionOpenDispute   ProposedAction = "open_dispute"
	ActionContact       ProposedAction = "contact_customer"
	ActionFalsePositive ProposedAction = "false_positive"
	ActionMonitor       ProposedAction = "monitor"
)

// TriageRequest starts one pipeline execution. ActorID and Role come from
// the caller's auth token, not the request body.
type TriageRequest struct {
	AlertID       string `json:"alert_id"`
	CustomerID    string `json:"customer_id"`
	SuspectTxnID  string `json:"suspect_txn_id"`
	ActorID       string `json:"actor_id,omitempty"`
	Role          Role   `json:"role"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TriageResult is the composed outcome of a run.
type TriageResult struct {
	RunID          string         `json:"run_id"`
	Risk           RiskLevel      `json:"risk"`
	Confidence     float64        `json:"confidence"`
	ProposedAction ProposedAction `json:"proposed_action"`
	RequiresOTP    bool           `json:"requires_otp"`
	Reasons        []string       `json:"reasons"`
	Citations      []string       `json:"citations"`
	FallbackUsed   bool           `json:"fallback_used"`
	LatencyMs      int64          `json:"latency_ms"`
	Summary        string         `json:"summary,omitempty"`
}
