package kb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/backend/internal/core"
)

type staticDocs []core.KbDoc

func (d staticDocs) ListKbDocs(context.Context) ([]core.KbDoc, error) { return d, nil }

type brokenDocs struct{}

func (brokenDocs) ListKbDocs(context.Context) ([]core.KbDoc, error) {
	return nil, errors.New("kb unavailable")
}

var testDocs = staticDocs{
	{
		ID:          "kb-1",
		Title:       "Transaction Velocity Guidelines",
		Anchor:      "velocity-guidelines",
		ContentText: "When transaction velocity spikes above the historical baseline, review the last 24 hours of card activity. A velocity spike combined with a new device is a strong fraud indicator.",
	},
	{
		ID:          "kb-2",
		Title:       "Merchant Risk Classification",
		Anchor:      "merchant-risk",
		ContentText: "High-risk merchant category codes include money transfer and gambling. A first purchase at an unknown merchant warrants closer review.",
	},
	{
		ID:          "kb-3",
		Title:       "Customer Contact Scripts",
		Anchor:      "contact-scripts",
		ContentText: "Scripts for contacting customers about suspicious activity.",
	},
}

func TestLookup_RanksTitleMatchesHigher(t *testing.T) {
	r := NewRetriever(testDocs)

	results, citations := r.Lookup(context.Background(), []string{
		"velocity spike: 20 transactions in 24h",
	})

	require.NotEmpty(t, results)
	assert.Equal(t, "kb-1", results[0].DocID)
	assert.Greater(t, results[0].RelevanceScore, 0)
	assert.Contains(t, citations, "Reference: Transaction Velocity Guidelines")
}

func TestLookup_SnippetCapped(t *testing.T) {
	long := strings.Repeat("padding words before the match ", 20) +
		"velocity appears here" + strings.Repeat(" and padding after", 20)
	r := NewRetriever(staticDocs{{ID: "kb-x", Title: "Doc", ContentText: long}})

	results, _ := r.Lookup(context.Background(), []string{"velocity"})
	require.Len(t, results, 1)
	assert.LessOrEqual(t, len(results[0].Extract), 150)
	assert.Contains(t, results[0].Extract, "velocity")
}

func TestLookup_FailureReturnsEmpty(t *testing.T) {
	r := NewRetriever(brokenDocs{})
	results, citations := r.Lookup(context.Background(), []string{"velocity"})
	assert.Empty(t, results)
	assert.NotEmpty(t, citations) // citations are derived from reasons alone
}

func TestSearch_LimitApplied(t *testing.T) {
	r := NewRetriever(testDocs)
	results := r.Search(context.Background(), "merchant velocity customer", 1)
	assert.Len(t, results, 1)
}

func TestExtractTerms(t *testing.T) {
	terms := ExtractTerms([]string{"New device at odd hour", "amt $50"})
	assert.Contains(t, terms, "device")
	assert.Contains(t, terms, "hour")
	assert.NotContains(t, terms, "amt") // below the 4-char floor
	assert.NotContains(t, terms, "at")
}
