package agents

import (
	"context"

	"github.com/cardwatch/backend/internal/core"
)

// ProfileReader is the store surface the profile step needs.
type ProfileReader interface {
	GetCustomer(ctx context.Context, id string) (*core.Customer, error)
	ListCards(ctx context.Context, customerID string) ([]core.Card, error)
	ListAccounts(ctx context.Context, customerID string) ([]core.Account, error)
}

// ProfileResult is the customer context every later step reads.
type ProfileResult struct {
	Customer *core.Customer `json:"customer"`
	Cards    []core.Card    `json:"cards"`
	Accounts []core.Account `json:"accounts"`
}

func (r *ProfileResult) Detail() map[string]interface{} {
	frozen := 0
	for _, c := range r.Cards {
		if c.Status == core.CardFrozen {
			frozen++
		}
	}
	return map[string]interface{}{
		"customer_id": r.Customer.ID,
		"kyc_level":   string(r.Customer.KYCLevel),
		"cards":       len(r.Cards),
		"frozen":      frozen,
		"accounts":    len(r.Accounts),
	}
}

// HasFrozenCard is the prior-incident signal the decide step uses.
func (r *ProfileResult) HasFrozenCard() bool {
	for _, c := range r.Cards {
		if c.Status == core.CardFrozen {
			return true
		}
	}
	return false
}

// ProfileAgent loads the customer, their cards and their accounts. Critical:
// without a profile there is nothing to triage.
type ProfileAgent struct {
	store ProfileReader
}

func NewProfileAgent(store ProfileReader) *ProfileAgent {
	return &ProfileAgent{store: store}
}

func (a *ProfileAgent) Name() string { return StepGetProfile }

func (a *ProfileAgent) Run(ctx context.Context, rc *RunContext) (StepResult, error) {
	customer, err := a.store.GetCustomer(ctx, rc.Request.CustomerID)
	if err != nil {
		return nil, err
	}

	cards, err := a.store.ListCards(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	accounts, err := a.store.ListAccounts(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	result := &ProfileResult{Customer: customer, Cards: cards, Accounts: accounts}
	rc.Profile = result
	return result, nil
}
