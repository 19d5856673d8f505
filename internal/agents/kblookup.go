package agents

import (
	"context"

	"github.com/cardwatch/backend/internal/kb"
)

// KBResult carries the ranked documents and the contextual citations that
// accompany the final decision.
type KBResult struct {
	Results   []kb.Result `json:"results"`
	Citations []string    `json:"citations"`
}

func (r *KBResult) Detail() map[string]interface{} {
	titles := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		titles = append(titles, res.Title)
	}
	return map[string]interface{}{
		"results":   len(r.Results),
		"titles":    titles,
		"citations": r.Citations,
	}
}

// KbLookupAgent turns the risk reasons into a knowledge-base query.
// Non-critical: a failed lookup falls back to a manual-review citation.
type KbLookupAgent struct {
	retriever *kb.Retriever
}

func NewKbLookupAgent(retriever *kb.Retriever) *KbLookupAgent {
	return &KbLookupAgent{retriever: retriever}
}

func (a *KbLookupAgent) Name() string { return StepKbLookup }

func (a *KbLookupAgent) Run(ctx context.Context, rc *RunContext) (StepResult, error) {
	var reasons []string
	if rc.Signals != nil {
		reasons = rc.Signals.Reasons
	}

	results, citations := a.retriever.Lookup(ctx, reasons)
	result := &KBResult{Results: results, Citations: citations}
	rc.KB = result
	return result, nil
}
