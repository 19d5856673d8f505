// Package kb ranks knowledge-base documents against the reasons produced by
// the risk-signal analysis. Retrieval is best-effort: any failure yields
// empty results so the pipeline never stalls on the knowledge base.
package kb

import (
	"context"
	"log"
	"sort"
	"strings"
	"unicode"

	"github.com/cardwatch/backend/internal/core"
)

const (
	maxResults = 5
	snippetLen = 150
	minTokenLen = 4
)

// fraudVocabulary is matched against reasons regardless of token length.
var fraudVocabulary = []string{
	"velocity", "device", "location", "merchant", "amount",
	"chargeback", "dispute", "freeze", "otp", "mcc",
}

// reasonCitations maps reason keywords to contextual references surfaced
// alongside search results.
var reasonCitations = map[string]string{
	"velocity": "Reference: Transaction Velocity Guidelines",
	"device":   "Reference: Device Fingerprinting Playbook",
	"location": "Reference: Geolocation Anomaly Procedures",
	"merchant": "Reference: Merchant Risk Classification",
	"amount":   "Reference: High-Value Transaction Review",
	"time":     "Reference: Off-Hours Activity Assessment",
}

// Result is one ranked document with its extract.
type Result struct {
	DocID          string `json:"doc_id"`
	Title          string `json:"title"`
	Anchor         string `json:"anchor"`
	Extract        string `json:"extract"`
	RelevanceScore int    `json:"relevance_score"`
}

// DocSource is the read capability the retriever needs from the store.
type DocSource interface {
	ListKbDocs(ctx context.Context) ([]core.KbDoc, error)
}

type Retriever struct {
	docs   DocSource
	logger *log.Logger
}

func NewRetriever(docs DocSource) *Retriever {
	return &Retriever{
		docs:   docs,
		logger: log.New(log.Writer(), "[KB] ", log.LstdFlags),
	}
}

// Lookup searches the KB with terms extracted from the given reasons and
// returns ranked results plus contextual citations. Never returns an error:
// on failure, both slices are empty.
func (r *Retriever) Lookup(ctx context.Context, reasons []string) ([]Result, []string) {
	terms := ExtractTerms(reasons)
	results := r.search(ctx, terms, maxResults)
	return results, Citations(reasons)
}

// Search serves the KB search endpoint: free-text query, bounded limit.
func (r *Retriever) Search(ctx context.Context, query string, limit int) []Result {
	if limit <= 0 || limit > 50 {
		limit = maxResults
	}
	return r.search(ctx, ExtractTerms([]string{query}), limit)
}

func (r *Retriever) search(ctx context.Context, terms []string, limit int) []Result {
	if len(terms) == 0 {
		return nil
	}

	docs, err := r.docs.ListKbDocs(ctx)
	if err != nil {
		r.logger.Printf("doc listing failed, returning empty results: %v", err)
		return nil
	}

	var results []Result
	for _, doc := range docs {
		title := strings.ToLower(doc.Title)
		body := strings.ToLower(doc.ContentText)

		score := 0
		firstMatch := -1
		for _, term := range terms {
			titleMatches := strings.Count(title, term)
			bodyMatches := strings.Count(body, term)
			score += 3*titleMatches + bodyMatches

			if bodyMatches > 0 && firstMatch == -1 {
				firstMatch = strings.Index(body, term)
			}
		}
		if score == 0 {
			continue
		}

		results = append(results, Result{
			DocID:          doc.ID,
			Title:          doc.Title,
			Anchor:         doc.Anchor,
			Extract:        snippet(doc.ContentText, firstMatch),
			RelevanceScore: score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// snippet windows the content around the first matched term, capped at
// snippetLen characters including the ellipses.
func snippet(content string, matchAt int) string {
	if len(content) <= snippetLen {
		return content
	}
	if matchAt < 0 {
		matchAt = 0
	}

	// Budget for the window shrinks when ellipses are added.
	window := snippetLen
	start := matchAt - window/3
	if start < 0 {
		start = 0
	}
	prefix, suffix := "", ""
	if start > 0 {
		prefix = "..."
	}

	budget := window - len(prefix)
	end := start + budget
	if end >= len(content) {
		end = len(content)
		// Pull the window back so the tail stays within budget.
		if end-budget > 0 {
			start = end - budget
		} else {
			start = 0
		}
	} else {
		suffix = "..."
		budget -= len(suffix)
		end = start + budget
	}

	return prefix + content[start:end] + suffix
}

// ExtractTerms lowercases the reasons and pulls out words of at least four
// characters plus any fixed-vocabulary fraud terms, deduplicated.
func ExtractTerms(reasons []string) []string {
	seen := make(map[string]bool)
	var terms []string

	add := func(term string) {
		if !seen[term] {
			seen[term] = true
			terms = append(terms, term)
		}
	}

	for _, reason := range reasons {
		lower := strings.ToLower(reason)
		for _, vocab := range fraudVocabulary {
			if strings.Contains(lower, vocab) {
				add(vocab)
			}
		}
		for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(word) >= minTokenLen {
				add(word)
			}
		}
	}
	return terms
}

// Citations returns the contextual references whose keyword appears in any
// reason, in stable keyword order.
func Citations(reasons []string) []string {
	joined := strings.ToLower(strings.Join(reasons, " "))

	keywords := make([]string, 0, len(reasonCitations))
	for k := range reasonCitations {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	var cites []string
	for _, k := range keywords {
		if strings.Contains(joined, k) {
			cites = append(cites, reasonCitations[k])
		}
	}
	return cites
}
