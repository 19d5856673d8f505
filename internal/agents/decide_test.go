package agents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/backend/internal/core"
)

func regularHistory(n int) []core.Transaction {
	txns := make([]core.Transaction, n)
	for i := range txns {
		txns[i] = core.Transaction{
			ID:               fmt.Sprintf("tx-%d", i),
			Merchant:         fmt.Sprintf("Merchant %d", i%7),
			AmountMinorUnits: 3_000,
			TS:               baseTime.Add(-time.Duration(i) * 24 * time.Hour),
		}
	}
	return txns
}

func TestDecide_ConfidenceCappedAt95(t *testing.T) {
	rc := &RunContext{
		Profile: &ProfileResult{
			Customer: &core.Customer{ID: "cust-1", KYCLevel: core.KYCVerified},
			Cards:    []core.Card{{ID: "card-1", Status: core.CardActive}},
		},
		Recent: &RecentTxResult{Transactions: regularHistory(20)},
		Signals: &SignalsResult{
			Score:   60,
			Reasons: []string{"a", "b", "c", "d"},
		},
	}

	res, err := NewDecideAgent().Run(context.Background(), rc)
	require.NoError(t, err)

	d := res.(*DecisionResult)
	// 70 base, +15 for >3 reasons, +10 no incidents, +5 regular pattern.
	assert.Equal(t, 95.0, d.Confidence)
	assert.Equal(t, PatternRegular, d.Pattern)
	assert.Equal(t, core.RiskMedium, d.Level)
}

func TestDecide_HighTierEscalatesMediumToHigh(t *testing.T) {
	// $600 average spend puts the customer in the high tier.
	history := make([]core.Transaction, 10)
	for i := range history {
		history[i] = core.Transaction{
			ID:               fmt.Sprintf("tx-%d", i),
			Merchant:         "Jeweler",
			AmountMinorUnits: 60_000,
			TS:               baseTime.Add(-time.Duration(i) * 24 * time.Hour),
		}
	}

	rc := &RunContext{
		Profile: &ProfileResult{Customer: &core.Customer{ID: "cust-1"}},
		Recent:  &RecentTxResult{Transactions: history},
		Signals: &SignalsResult{Score: 60, Reasons: []string{"high amount"}},
	}

	res, err := NewDecideAgent().Run(context.Background(), rc)
	require.NoError(t, err)

	d := res.(*DecisionResult)
	assert.Equal(t, TierHigh, d.Tier)
	assert.Equal(t, core.RiskHigh, d.Level)
	assert.Equal(t, PatternHighValue, d.Pattern)
}

func TestDecide_PriorFreezeLowersConfidence(t *testing.T) {
	rc := &RunContext{
		Profile: &ProfileResult{
			Customer: &core.Customer{ID: "cust-1"},
			Cards:    []core.Card{{ID: "card-1", Status: core.CardFrozen}},
		},
		Recent:  &RecentTxResult{Transactions: regularHistory(5)},
		Signals: &SignalsResult{Score: 30, Reasons: []string{"minor"}},
	}

	res, err := NewDecideAgent().Run(context.Background(), rc)
	require.NoError(t, err)

	d := res.(*DecisionResult)
	// 70 base +5 regular; the frozen card forfeits the no-incident bonus.
	assert.Equal(t, 75.0, d.Confidence)
	assert.Equal(t, core.RiskLow, d.Level)
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, core.RiskLow, LevelForScore(0))
	assert.Equal(t, core.RiskLow, LevelForScore(49))
	assert.Equal(t, core.RiskMedium, LevelForScore(50))
	assert.Equal(t, core.RiskMedium, LevelForScore(79))
	assert.Equal(t, core.RiskHigh, LevelForScore(80))
	assert.Equal(t, core.RiskHigh, LevelForScore(100))
}
