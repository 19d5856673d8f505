package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
)

func seedTxns(s *MemoryStore, n int) time.Time {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		s.PutTransaction(core.Transaction{
			ID:               fmt.Sprintf("tx-%03d", i),
			CustomerID:       "cust-1",
			Merchant:         "Grocery Mart",
			AmountMinorUnits: int64(1_000 + i),
			TS:               base.Add(time.Duration(i) * time.Hour),
		})
	}
	return base
}

func TestListTransactionsPage_WalksAllPagesOnce(t *testing.T) {
	s := NewMemoryStore()
	seedTxns(s, 25)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	var prev *core.Transaction

	for {
		page, next, err := s.ListTransactionsPage(context.Background(), "cust-1", cursor, 10)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pages++
		for i := range page {
			tx := page[i]
			assert.False(t, seen[tx.ID], "transaction %s returned twice", tx.ID)
			seen[tx.ID] = true
			if prev != nil {
				assert.False(t, tx.TS.After(prev.TS), "page order must be ts descending")
			}
			prev = &tx
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Len(t, seen, 25)
	assert.Equal(t, 3, pages)
}

func TestListTransactionsPage_MalformedCursor(t *testing.T) {
	s := NewMemoryStore()
	seedTxns(s, 3)

	_, _, err := s.ListTransactionsPage(context.Background(), "cust-1", "not-a-cursor", 10)
	require.Error(t, err)
	assert.True(t, frauderr.Is(err, frauderr.KindValidation))
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2025, 5, 1, 12, 30, 45, 123456789, time.UTC)
	id, decoded, err := DecodeCursor(EncodeCursor("tx-042", ts))
	require.NoError(t, err)
	assert.Equal(t, "tx-042", id)
	assert.True(t, decoded.Equal(ts))
}

func TestPutTransaction_Dedup(t *testing.T) {
	s := NewMemoryStore()
	ts := time.Now()
	tx := core.Transaction{
		ID: "tx-1", CustomerID: "cust-1", Merchant: "QuickPay",
		AmountMinorUnits: 5_000, TS: ts,
	}
	s.PutTransaction(tx)

	// Same dedup key under a new id: dropped.
	tx.ID = "tx-2"
	s.PutTransaction(tx)

	txns, err := s.ListTransactionsSince(context.Background(), "cust-1", ts.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	s.PutCard(core.Card{ID: "card-1", CustomerID: "cust-1", Status: core.CardActive})
	s.PutAlert(core.Alert{ID: "alert-1", CustomerID: "cust-1", Status: core.AlertOpen})

	err := s.WithTx(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.UpdateCardStatus(context.Background(), "card-1", core.CardFrozen))
		require.NoError(t, tx.CreateCase(context.Background(), &core.Case{
			ID: "case-1", CustomerID: "cust-1", Type: core.CaseCardFreeze, Status: core.CaseOpen,
		}))
		require.NoError(t, tx.UpdateAlertStatus(context.Background(), "alert-1", core.AlertResolved))
		return errors.New("boom")
	})
	require.Error(t, err)

	card, err := s.GetCard(context.Background(), "card-1")
	require.NoError(t, err)
	assert.Equal(t, core.CardActive, card.Status)

	alert, err := s.GetAlert(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertOpen, alert.Status)

	cases, err := s.ListCases(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestWithTx_StagedCardStatusVisibleInTx(t *testing.T) {
	s := NewMemoryStore()
	s.PutCard(core.Card{ID: "card-1", CustomerID: "cust-1", Status: core.CardActive})

	err := s.WithTx(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.UpdateCardStatus(context.Background(), "card-1", core.CardFrozen))
		locked, err := tx.GetCardForUpdate(context.Background(), "card-1")
		require.NoError(t, err)
		assert.Equal(t, core.CardFrozen, locked.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestFinishRun_TerminalFieldsSetOnce(t *testing.T) {
	s := NewMemoryStore()
	started := time.Now().Add(-time.Minute)
	require.NoError(t, s.CreateRun(context.Background(), &core.TriageRun{
		ID: "run-1", AlertID: "alert-1", StartedAt: started,
	}))

	first := time.Now()
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.FinishRun(context.Background(), &core.TriageRun{
			ID: "run-1", AlertID: "alert-1", StartedAt: started,
			EndedAt: &first, Risk: core.RiskHigh,
		})
	}))

	// A second finish must not overwrite the terminal record.
	second := first.Add(time.Minute)
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.FinishRun(context.Background(), &core.TriageRun{
			ID: "run-1", AlertID: "alert-1", StartedAt: started,
			EndedAt: &second, Risk: core.RiskLow,
		})
	}))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, run.EndedAt)
	assert.True(t, run.EndedAt.Equal(first))
	assert.Equal(t, core.RiskHigh, run.Risk)
}

func TestFindActiveRun(t *testing.T) {
	s := NewMemoryStore()

	run, err := s.FindActiveRun(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Nil(t, run)

	require.NoError(t, s.CreateRun(context.Background(), &core.TriageRun{
		ID: "run-1", AlertID: "alert-1", StartedAt: time.Now(),
	}))

	run, err = s.FindActiveRun(context.Background(), "alert-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "run-1", run.ID)
}
