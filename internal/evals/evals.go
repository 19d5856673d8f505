// Package evals computes read-only quality reports over persisted triage
// runs, traces and cases. Reports are recomputed on demand; nothing here
// mutates state.
package evals

import (
	"context"
	"fmt"
	"sort"

	"github.com/cardwatch/backend/internal/agents"
	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/store"
)

// Evaluation families.
const (
	FamilyFraudDetection   = "fraud_detection"
	FamilyAgentPerformance = "agent_performance"
	FamilyKnowledgeBase    = "knowledge_base"
	FamilyCaseHandling     = "case_handling"
)

const (
	maxTopFailures = 5
	sampleLimit    = 500
)

// Failure is one failing example surfaced in a report.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report is the result of one evaluation family.
type Report struct {
	ID                string                    `json:"id"`
	Name              string                    `json:"name"`
	TestCases         int                       `json:"testCases"`
	Passed            int                       `json:"passed"`
	Failed            int                       `json:"failed"`
	Accuracy          float64                   `json:"accuracy"`
	ConfusionMatrix   map[string]map[string]int `json:"confusionMatrix,omitempty"`
	TopFailures       []Failure                 `json:"topFailures"`
	AdditionalMetrics map[string]interface{}    `json:"additionalMetrics,omitempty"`
}

// Evaluator reads the store and produces reports.
type Evaluator struct {
	store store.Store
}

func NewEvaluator(st store.Store) *Evaluator {
	return &Evaluator{store: st}
}

// RunAll produces every family's report in a fixed order.
func (e *Evaluator) RunAll(ctx context.Context) ([]Report, error) {
	var reports []Report
	for _, fn := range []func(context.Context) (Report, error){
		e.FraudDetection,
		e.AgentPerformance,
		e.KnowledgeBase,
		e.CaseHandling,
	} {
		r, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// FraudDetection scores the engine's risk classification against the risk
// the alert was filed with.
func (e *Evaluator) FraudDetection(ctx context.Context) (Report, error) {
	report := Report{
		ID:              FamilyFraudDetection,
		Name:            "Fraud Detection Accuracy",
		ConfusionMatrix: map[string]map[string]int{},
		TopFailures:     []Failure{},
	}

	runs, err := e.store.ListRuns(ctx, sampleLimit)
	if err != nil {
		return report, err
	}

	fallbacks := 0
	for _, run := range runs {
		if run.EndedAt == nil {
			continue
		}
		alert, err := e.store.GetAlert(ctx, run.AlertID)
		if err != nil {
			continue
		}

		report.TestCases++
		if run.FallbackUsed {
			fallbacks++
		}

		expected, got := string(alert.Risk), string(run.Risk)
		row := report.ConfusionMatrix[expected]
		if row == nil {
			row = map[string]int{}
			report.ConfusionMatrix[expected] = row
		}
		row[got]++

		if expected == got {
			report.Passed++
		} else {
			report.Failed++
			if len(report.TopFailures) < maxTopFailures {
				report.TopFailures = append(report.TopFailures, Failure{
					ID:     run.ID,
					Reason: fmt.Sprintf("classified %s, alert filed as %s", got, expected),
				})
			}
		}
	}

	report.Accuracy = accuracy(report.Passed, report.TestCases)
	if report.TestCases > 0 {
		report.AdditionalMetrics = map[string]interface{}{
			"fallbackRate": float64(fallbacks) / float64(report.TestCases),
		}
	}
	return report, nil
}

// AgentPerformance measures per-step success rates and latency over all
// persisted traces.
func (e *Evaluator) AgentPerformance(ctx context.Context) (Report, error) {
	report := Report{
		ID:          FamilyAgentPerformance,
		Name:        "Agent Step Performance",
		TopFailures: []Failure{},
	}

	runs, err := e.store.ListRuns(ctx, sampleLimit)
	if err != nil {
		return report, err
	}

	type stepStat struct {
		total, failed int
		durationMs    int64
	}
	stats := map[string]*stepStat{}

	for _, run := range runs {
		traces, err := e.store.ListTraces(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, tr := range traces {
			st := stats[tr.Step]
			if st == nil {
				st = &stepStat{}
				stats[tr.Step] = st
			}
			st.total++
			st.durationMs += tr.DurationMs
			report.TestCases++
			if tr.OK {
				report.Passed++
			} else {
				st.failed++
				report.Failed++
			}
		}
	}

	report.Accuracy = accuracy(report.Passed, report.TestCases)

	perStep := map[string]interface{}{}
	type failing struct {
		step   string
		failed int
	}
	var worst []failing
	for step, st := range stats {
		perStep[step] = map[string]interface{}{
			"total":         st.total,
			"failed":        st.failed,
			"avgDurationMs": st.durationMs / int64(st.total),
		}
		if st.failed > 0 {
			worst = append(worst, failing{step, st.failed})
		}
	}
	sort.Slice(worst, func(i, j int) bool { return worst[i].failed > worst[j].failed })
	for i, w := range worst {
		if i == maxTopFailures {
			break
		}
		report.TopFailures = append(report.TopFailures, Failure{
			ID:     w.step,
			Reason: fmt.Sprintf("%d of %d executions failed", w.failed, stats[w.step].total),
		})
	}
	if len(perStep) > 0 {
		report.AdditionalMetrics = map[string]interface{}{"perStep": perStep}
	}
	return report, nil
}

// KnowledgeBase checks how often the retrieval step produced supporting
// documents on successful runs.
func (e *Evaluator) KnowledgeBase(ctx context.Context) (Report, error) {
	report := Report{
		ID:          FamilyKnowledgeBase,
		Name:        "Knowledge Base Retrieval",
		TopFailures: []Failure{},
	}

	runs, err := e.store.ListRuns(ctx, sampleLimit)
	if err != nil {
		return report, err
	}

	totalResults := 0
	for _, run := range runs {
		traces, err := e.store.ListTraces(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, tr := range traces {
			if tr.Step != agents.StepKbLookup {
				continue
			}
			report.TestCases++
			results := detailInt(tr.Detail, "results")
			totalResults += results
			if tr.OK && results > 0 {
				report.Passed++
			} else {
				report.Failed++
				if len(report.TopFailures) < maxTopFailures {
					reason := "no supporting documents retrieved"
					if !tr.OK {
						reason = "retrieval step failed"
					}
					report.TopFailures = append(report.TopFailures, Failure{ID: run.ID, Reason: reason})
				}
			}
		}
	}

	report.Accuracy = accuracy(report.Passed, report.TestCases)
	if report.TestCases > 0 {
		report.AdditionalMetrics = map[string]interface{}{
			"avgResults": float64(totalResults) / float64(report.TestCases),
		}
	}
	return report, nil
}

// CaseHandling verifies that every case carries its audit trail and a
// status consistent with its type.
func (e *Evaluator) CaseHandling(ctx context.Context) (Report, error) {
	report := Report{
		ID:              FamilyCaseHandling,
		Name:            "Case Handling Integrity",
		ConfusionMatrix: map[string]map[string]int{},
		TopFailures:     []Failure{},
	}

	cases, err := e.store.ListCases(ctx, sampleLimit)
	if err != nil {
		return report, err
	}

	open := 0
	for _, c := range cases {
		report.TestCases++
		if c.Status == core.CaseOpen {
			open++
		}

		row := report.ConfusionMatrix[string(c.Type)]
		if row == nil {
			row = map[string]int{}
			report.ConfusionMatrix[string(c.Type)] = row
		}
		row[string(c.Status)]++

		if reason, ok := caseDefect(c); ok {
			report.Failed++
			if len(report.TopFailures) < maxTopFailures {
				report.TopFailures = append(report.TopFailures, Failure{ID: c.ID, Reason: reason})
			}
		} else {
			report.Passed++
		}
	}

	report.Accuracy = accuracy(report.Passed, report.TestCases)
	if report.TestCases > 0 {
		report.AdditionalMetrics = map[string]interface{}{
			"openCases": open,
		}
	}
	return report, nil
}

// caseDefect reports the first integrity problem with a case, if any.
func caseDefect(c core.Case) (string, bool) {
	if len(c.Events) == 0 {
		return "case has no audit events", true
	}
	switch c.Type {
	case core.CaseFalsePositive:
		if c.Status != core.CaseClosedFalsePositive {
			return "false-positive case not closed as false positive", true
		}
	case core.CaseContactCustomer:
		if c.Status != core.CaseClosed {
			return "contact case left open", true
		}
	}
	return "", false
}

func accuracy(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total)
}

func detailInt(detail map[string]interface{}, key string) int {
	switch v := detail[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
