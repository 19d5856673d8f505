package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
)

// MemoryStore implements Store with the same transactional contract as
// Postgres: writes inside WithTx are staged and applied only on commit, and
// units of work are serialized, so concurrent freeze attempts observe the
// same card states a database would show them.
type MemoryStore struct {
	mu        sync.RWMutex
	customers map[string]core.Customer
	cards     map[string]core.Card
	accounts  map[string][]core.Account
	txns      map[string]core.Transaction
	alerts    map[string]core.Alert
	runs      map[string]core.TriageRun
	traces    map[string][]core.AgentTrace
	cases     map[string]core.Case
	kbDocs    []core.KbDoc
	policies  []core.Policy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers: make(map[string]core.Customer),
		cards:     make(map[string]core.Card),
		accounts:  make(map[string][]core.Account),
		txns:      make(map[string]core.Transaction),
		alerts:    make(map[string]core.Alert),
		runs:      make(map[string]core.TriageRun),
		traces:    make(map[string][]core.AgentTrace),
		cases:     make(map[string]core.Case),
	}
}

// ----------------------------------------------------------------------------
// Seeding (tests and infra-less dev runs)
// ----------------------------------------------------------------------------

func (s *MemoryStore) PutCustomer(c core.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *MemoryStore) PutCard(c core.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[c.ID] = c
}

func (s *MemoryStore) PutAccount(a core.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.CustomerID] = append(s.accounts[a.CustomerID], a)
}

// PutTransaction enforces the dedup key
// (customerId, merchant, amountMinorUnits, ts): duplicates are dropped.
func (s *MemoryStore) PutTransaction(t core.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.txns {
		if existing.CustomerID == t.CustomerID && existing.Merchant == t.Merchant &&
			existing.AmountMinorUnits == t.AmountMinorUnits && existing.TS.Equal(t.TS) {
			return
		}
	}
	s.txns[t.ID] = t
}

func (s *MemoryStore) PutAlert(a core.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
}

func (s *MemoryStore) PutKbDoc(d core.KbDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kbDocs = append(s.kbDocs, d)
}

func (s *MemoryStore) PutPolicy(p core.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append(s.policies, p)
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetCustomer(_ context.Context, id string) (*core.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, frauderr.NotFound("customer", id)
	}
	return &c, nil
}

func (s *MemoryStore) ListCards(_ context.Context, customerID string) ([]core.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cards []core.Card
	for _, c := range s.cards {
		if c.CustomerID == customerID {
			cards = append(cards, c)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	return cards, nil
}

func (s *MemoryStore) GetCard(_ context.Context, id string) (*core.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return nil, frauderr.NotFound("card", id)
	}
	return &c, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, customerID string) ([]core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Account(nil), s.accounts[customerID]...), nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, frauderr.NotFound("transaction", id)
	}
	return &t, nil
}

func (s *MemoryStore) sortedTxns(customerID string) []core.Transaction {
	var txns []core.Transaction
	for _, t := range s.txns {
		if t.CustomerID == customerID {
			txns = append(txns, t)
		}
	}
	// ts DESC, id DESC — same ordering the Postgres queries use.
	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].TS.Equal(txns[j].TS) {
			return txns[i].TS.After(txns[j].TS)
		}
		return txns[i].ID > txns[j].ID
	})
	return txns
}

func (s *MemoryStore) ListTransactionsSince(_ context.Context, customerID string, since time.Time, limit int) ([]core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Transaction
	for _, t := range s.sortedTxns(customerID) {
		if t.TS.Before(since) {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTransactionsPage(_ context.Context, customerID, cursor string, pageSize int) ([]core.Transaction, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txns := s.sortedTxns(customerID)
	start := 0
	if cursor != "" {
		lastID, lastTS, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", frauderr.Validation(err.Error(), "cursor")
		}
		for i, t := range txns {
			if t.TS.Before(lastTS) || (t.TS.Equal(lastTS) && t.ID < lastID) {
				start = i
				break
			}
			start = len(txns)
		}
	}

	end := start + pageSize
	if end > len(txns) {
		end = len(txns)
	}
	page := txns[start:end]

	next := ""
	if len(page) == pageSize && end < len(txns) {
		last := page[len(page)-1]
		next = EncodeCursor(last.ID, last.TS)
	} else if len(page) == pageSize && end == len(txns) {
		// Full page that happens to be the final one: the next cursor yields
		// an empty page, mirroring the Postgres behavior.
		last := page[len(page)-1]
		next = EncodeCursor(last.ID, last.TS)
	}
	return page, next, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, frauderr.NotFound("alert", id)
	}
	return &a, nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, limit int) ([]AlertSummary, error) {
	s.mu.RLock()
	var alerts []core.Alert
	for _, a := range s.alerts {
		alerts = append(alerts, a)
	}
	s.mu.RUnlock()

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}

	out := make([]AlertSummary, 0, len(alerts))
	for _, a := range alerts {
		summary := AlertSummary{Alert: a}
		if c, err := s.GetCustomer(ctx, a.CustomerID); err == nil {
			summary.Customer = c
		}
		if t, err := s.GetTransaction(ctx, a.SuspectTxnID); err == nil {
			summary.Suspect = t
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *MemoryStore) FindActiveRun(_ context.Context, alertID string) (*core.TriageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.AlertID == alertID && r.EndedAt == nil {
			run := r
			return &run, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*core.TriageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, frauderr.NotFound("triage run", id)
	}
	return &r, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]core.TriageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []core.TriageRun
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) ListTraces(_ context.Context, runID string) ([]core.AgentTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	traces := append([]core.AgentTrace(nil), s.traces[runID]...)
	sort.Slice(traces, func(i, j int) bool { return traces[i].Seq < traces[j].Seq })
	return traces, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *core.TriageRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *MemoryStore) FindOpenDisputeCase(_ context.Context, txnID string) (*core.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cases {
		if c.TxnID == txnID && c.Type == core.CaseDispute &&
			c.Status != core.CaseClosed && c.Status != core.CaseClosedFalsePositive {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListCases(_ context.Context, limit int) ([]core.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cases []core.Case
	for _, c := range s.cases {
		cases = append(cases, c)
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].CreatedAt.After(cases[j].CreatedAt) })
	if len(cases) > limit {
		cases = cases[:limit]
	}
	return cases, nil
}

func (s *MemoryStore) ListKbDocs(_ context.Context) ([]core.KbDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.KbDoc(nil), s.kbDocs...), nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]core.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Policy(nil), s.policies...), nil
}

// ----------------------------------------------------------------------------
// Unit of work
// ----------------------------------------------------------------------------

// WithTx serializes units of work under the store lock and stages every
// write; nothing is visible until fn returns nil. The callback must use only
// the Tx surface — calling back into the Store would deadlock, same as
// opening a second connection inside a database transaction.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:       s,
		cardStatus:  make(map[string]core.CardStatus),
		alertStatus: make(map[string]core.AlertStatus),
		newTraces:   make(map[string][]core.AgentTrace),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

type memoryTx struct {
	store *MemoryStore

	cardStatus  map[string]core.CardStatus
	alertStatus map[string]core.AlertStatus
	newCases    []core.Case
	newEvents   []core.CaseEvent
	doneRuns    []core.TriageRun
	newTraces   map[string][]core.AgentTrace
}

func (t *memoryTx) GetCardForUpdate(_ context.Context, cardID string) (*core.Card, error) {
	c, ok := t.store.cards[cardID]
	if !ok {
		return nil, frauderr.NotFound("card", cardID)
	}
	if status, staged := t.cardStatus[cardID]; staged {
		c.Status = status
	}
	return &c, nil
}

func (t *memoryTx) UpdateCardStatus(_ context.Context, cardID string, status core.CardStatus) error {
	if _, ok := t.store.cards[cardID]; !ok {
		return frauderr.NotFound("card", cardID)
	}
	t.cardStatus[cardID] = status
	return nil
}

func (t *memoryTx) CreateCase(_ context.Context, c *core.Case) error {
	t.newCases = append(t.newCases, *c)
	return nil
}

func (t *memoryTx) AppendCaseEvent(_ context.Context, ev *core.CaseEvent) error {
	t.newEvents = append(t.newEvents, *ev)
	return nil
}

func (t *memoryTx) UpdateAlertStatus(_ context.Context, alertID string, status core.AlertStatus) error {
	if _, ok := t.store.alerts[alertID]; !ok {
		return frauderr.NotFound("alert", alertID)
	}
	t.alertStatus[alertID] = status
	return nil
}

func (t *memoryTx) FinishRun(_ context.Context, run *core.TriageRun) error {
	t.doneRuns = append(t.doneRuns, *run)
	return nil
}

func (t *memoryTx) InsertTraces(_ context.Context, runID string, traces []core.AgentTrace) error {
	t.newTraces[runID] = append(t.newTraces[runID], traces...)
	return nil
}

func (t *memoryTx) apply() {
	s := t.store

	for id, status := range t.cardStatus {
		c := s.cards[id]
		c.Status = status
		s.cards[id] = c
	}
	for _, c := range t.newCases {
		s.cases[c.ID] = c
	}
	for _, ev := range t.newEvents {
		c, ok := s.cases[ev.CaseID]
		if !ok {
			continue
		}
		c.Events = append(c.Events, ev)
		s.cases[ev.CaseID] = c
	}
	for id, status := range t.alertStatus {
		a := s.alerts[id]
		a.Status = status
		s.alerts[id] = a
	}
	for _, run := range t.doneRuns {
		existing, ok := s.runs[run.ID]
		if ok && existing.EndedAt != nil {
			// Terminal fields are set exactly once.
			continue
		}
		s.runs[run.ID] = run
	}
	for runID, traces := range t.newTraces {
		s.traces[runID] = append(s.traces[runID], traces...)
	}
}
