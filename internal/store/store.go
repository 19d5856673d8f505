// Package store provides durable persistence for the fraud triage backend.
// The canonical implementation is Postgres; an in-memory implementation with
// the same transactional contract backs tests and infra-less dev runs.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cardwatch/backend/internal/core"
)

// Store is the read surface plus transactional write entry point. Multi-write
// operations (card freeze, dispute open, run finalization) go through WithTx
// so they commit or roll back as a unit.
type Store interface {
	GetCustomer(ctx context.Context, id string) (*core.Customer, error)
	ListCards(ctx context.Context, customerID string) ([]core.Card, error)
	GetCard(ctx context.Context, id string) (*core.Card, error)
	ListAccounts(ctx context.Context, customerID string) ([]core.Account, error)

	GetTransaction(ctx context.Context, id string) (*core.Transaction, error)
	// ListTransactionsSince returns transactions newer than since, ordered by
	// ts descending, capped at limit.
	ListTransactionsSince(ctx context.Context, customerID string, since time.Time, limit int) ([]core.Transaction, error)
	// ListTransactionsPage pages through a customer's transactions with a
	// keyset cursor ("{lastId}|{lastTsRFC3339}"); an empty cursor starts from
	// the newest transaction. The returned cursor is empty on the last page.
	ListTransactionsPage(ctx context.Context, customerID, cursor string, pageSize int) ([]core.Transaction, string, error)

	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]AlertSummary, error)
	FindActiveRun(ctx context.Context, alertID string) (*core.TriageRun, error)

	GetRun(ctx context.Context, id string) (*core.TriageRun, error)
	ListRuns(ctx context.Context, limit int) ([]core.TriageRun, error)
	ListTraces(ctx context.Context, runID string) ([]core.AgentTrace, error)
	CreateRun(ctx context.Context, run *core.TriageRun) error

	FindOpenDisputeCase(ctx context.Context, txnID string) (*core.Case, error)
	ListCases(ctx context.Context, limit int) ([]core.Case, error)

	ListKbDocs(ctx context.Context) ([]core.KbDoc, error)
	ListPolicies(ctx context.Context) ([]core.Policy, error)

	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface available inside a unit of work. Reads that feed a
// decision inside the transaction (freeze racing freeze) go through
// GetCardForUpdate so the row is locked until commit.
type Tx interface {
	GetCardForUpdate(ctx context.Context, cardID string) (*core.Card, error)
	UpdateCardStatus(ctx context.Context, cardID string, status core.CardStatus) error
	CreateCase(ctx context.Context, c *core.Case) error
	AppendCaseEvent(ctx context.Context, ev *core.CaseEvent) error
	UpdateAlertStatus(ctx context.Context, alertID string, status core.AlertStatus) error
	FinishRun(ctx context.Context, run *core.TriageRun) error
	InsertTraces(ctx context.Context, runID string, traces []core.AgentTrace) error
}

// AlertSummary embeds the customer and suspect-transaction context the alert
// list view needs, so the caller makes one round trip.
type AlertSummary struct {
	Alert    core.Alert        `json:"alert"`
	Customer *core.Customer    `json:"customer,omitempty"`
	Suspect  *core.Transaction `json:"suspect_txn,omitempty"`
}

// EncodeCursor builds a keyset cursor from the last row of a page.
func EncodeCursor(lastID string, lastTS time.Time) string {
	return lastID + "|" + lastTS.UTC().Format(time.RFC3339Nano)
}

// DecodeCursor splits a keyset cursor into its id and timestamp parts.
func DecodeCursor(cursor string) (id string, ts time.Time, err error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("malformed cursor %q", cursor)
	}
	ts, err = time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return parts[0], ts, nil
}
