package agents

import (
	"context"
	"time"

	"github.com/cardwatch/backend/internal/core"
)

const (
	recentWindow = 30 * 24 * time.Hour
	recentCap    = 100
)

// TxReader is the store surface the recent-transactions step needs.
type TxReader interface {
	GetTransaction(ctx context.Context, id string) (*core.Transaction, error)
	ListTransactionsSince(ctx context.Context, customerID string, since time.Time, limit int) ([]core.Transaction, error)
}

// RecentTxResult holds the suspect transaction plus the last 30 days of
// activity, newest first, capped at 100.
type RecentTxResult struct {
	Suspect      *core.Transaction  `json:"suspect"`
	Transactions []core.Transaction `json:"transactions"`
}

func (r *RecentTxResult) Detail() map[string]interface{} {
	return map[string]interface{}{
		"suspect_txn_id": r.Suspect.ID,
		"merchant":       r.Suspect.Merchant,
		"amount_minor":   r.Suspect.AmountMinorUnits,
		"count_30d":      len(r.Transactions),
	}
}

// RecentTxAgent loads the suspect transaction and the 30-day window around
// it. Critical: risk analysis is meaningless without transaction history.
type RecentTxAgent struct {
	store TxReader
}

func NewRecentTxAgent(store TxReader) *RecentTxAgent {
	return &RecentTxAgent{store: store}
}

func (a *RecentTxAgent) Name() string { return StepRecentTx }

func (a *RecentTxAgent) Run(ctx context.Context, rc *RunContext) (StepResult, error) {
	suspect, err := a.store.GetTransaction(ctx, rc.Request.SuspectTxnID)
	if err != nil {
		return nil, err
	}

	since := rc.Now.Add(-recentWindow)
	txns, err := a.store.ListTransactionsSince(ctx, rc.Request.CustomerID, since, recentCap)
	if err != nil {
		return nil, err
	}

	result := &RecentTxResult{Suspect: suspect, Transactions: txns}
	rc.Suspect = suspect
	rc.Recent = result
	return result, nil
}
