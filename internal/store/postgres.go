package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
)

// PostgresStore implements Store on database/sql with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and verifies the connection.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle (used by tests).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func storeErr(op string, err error) error {
	if err == sql.ErrNoRows {
		return err
	}
	return frauderr.Wrap(frauderr.KindStore, op, err)
}

// ----------------------------------------------------------------------------
// Customers, cards, accounts
// ----------------------------------------------------------------------------

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*core.Customer, error) {
	var c core.Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email_masked, kyc_level, created_at FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.EmailMasked, &c.KYCLevel, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, frauderr.NotFound("customer", id)
	}
	if err != nil {
		return nil, storeErr("get customer", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCards(ctx context.Context, customerID string) ([]core.Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, last4, network, status, created_at
		 FROM cards WHERE customer_id = $1 ORDER BY created_at`, customerID)
	if err != nil {
		return nil, storeErr("list cards", err)
	}
	defer rows.Close()

	var cards []core.Card
	for rows.Next() {
		var c core.Card
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.Last4, &c.Network, &c.Status, &c.CreatedAt); err != nil {
			return nil, storeErr("scan card", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func (s *PostgresStore) GetCard(ctx context.Context, id string) (*core.Card, error) {
	var c core.Card
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, last4, network, status, created_at FROM cards WHERE id = $1`, id,
	).Scan(&c.ID, &c.CustomerID, &c.Last4, &c.Network, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, frauderr.NotFound("card", id)
	}
	if err != nil {
		return nil, storeErr("get card", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, customerID string) ([]core.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, balance_minor_units, currency
		 FROM accounts WHERE customer_id = $1`, customerID)
	if err != nil {
		return nil, storeErr("list accounts", err)
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		var a core.Account
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.BalanceMinorUnits, &a.Currency); err != nil {
			return nil, storeErr("scan account", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ----------------------------------------------------------------------------
// Transactions
// ----------------------------------------------------------------------------

const txnColumns = `id, customer_id, card_id, mcc, merchant, amount_minor_units,
	currency, ts, COALESCE(device_id, ''), COALESCE(country, ''), COALESCE(city, '')`

func scanTxn(row interface{ Scan(...interface{}) error }) (core.Transaction, error) {
	var t core.Transaction
	err := row.Scan(&t.ID, &t.CustomerID, &t.CardID, &t.MCC, &t.Merchant,
		&t.AmountMinorUnits, &t.Currency, &t.TS, &t.DeviceID, &t.Country, &t.City)
	return t, err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, frauderr.NotFound("transaction", id)
	}
	if err != nil {
		return nil, storeErr("get transaction", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTransactionsSince(ctx context.Context, customerID string, since time.Time, limit int) ([]core.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE customer_id = $1 AND ts >= $2
		 ORDER BY ts DESC, id DESC LIMIT $3`, customerID, since, limit)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer rows.Close()
	return collectTxns(rows)
}

// ListTransactionsPage uses the (customer_id, ts DESC, id) index for keyset
// pagination: the cursor pins the last seen (ts, id) pair.
func (s *PostgresStore) ListTransactionsPage(ctx context.Context, customerID, cursor string, pageSize int) ([]core.Transaction, string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+txnColumns+` FROM transactions
			 WHERE customer_id = $1
			 ORDER BY ts DESC, id DESC LIMIT $2`, customerID, pageSize)
	} else {
		lastID, lastTS, derr := DecodeCursor(cursor)
		if derr != nil {
			return nil, "", frauderr.Validation(derr.Error(), "cursor")
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+txnColumns+` FROM transactions
			 WHERE customer_id = $1 AND (ts, id) < ($2, $3)
			 ORDER BY ts DESC, id DESC LIMIT $4`, customerID, lastTS, lastID, pageSize)
	}
	if err != nil {
		return nil, "", storeErr("page transactions", err)
	}
	defer rows.Close()

	txns, err := collectTxns(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(txns) == pageSize {
		last := txns[len(txns)-1]
		next = EncodeCursor(last.ID, last.TS)
	}
	return txns, next, nil
}

func collectTxns(rows *sql.Rows) ([]core.Transaction, error) {
	var txns []core.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, storeErr("scan transaction", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ----------------------------------------------------------------------------
// Alerts
// ----------------------------------------------------------------------------

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	var a core.Alert
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, suspect_txn_id, risk, status, created_at
		 FROM alerts WHERE id = $1`, id,
	).Scan(&a.ID, &a.CustomerID, &a.SuspectTxnID, &a.Risk, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, frauderr.NotFound("alert", id)
	}
	if err != nil {
		return nil, storeErr("get alert", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]AlertSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.customer_id, a.suspect_txn_id, a.risk, a.status, a.created_at,
		        c.id, c.name, c.email_masked, c.kyc_level, c.created_at,
		        t.id, t.customer_id, t.card_id, t.mcc, t.merchant, t.amount_minor_units,
		        t.currency, t.ts, COALESCE(t.device_id, ''), COALESCE(t.country, ''), COALESCE(t.city, '')
		 FROM alerts a
		 JOIN customers c ON c.id = a.customer_id
		 JOIN transactions t ON t.id = a.suspect_txn_id
		 ORDER BY a.created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("list alerts", err)
	}
	defer rows.Close()

	var out []AlertSummary
	for rows.Next() {
		var (
			a core.Alert
			c core.Customer
			t core.Transaction
		)
		err := rows.Scan(
			&a.ID, &a.CustomerID, &a.SuspectTxnID, &a.Risk, &a.Status, &a.CreatedAt,
			&c.ID, &c.Name, &c.EmailMasked, &c.KYCLevel, &c.CreatedAt,
			&t.ID, &t.CustomerID, &t.CardID, &t.MCC, &t.Merchant, &t.AmountMinorUnits,
			&t.Currency, &t.TS, &t.DeviceID, &t.Country, &t.City)
		if err != nil {
			return nil, storeErr("scan alert summary", err)
		}
		out = append(out, AlertSummary{Alert: a, Customer: &c, Suspect: &t})
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Triage runs and traces
// ----------------------------------------------------------------------------

func (s *PostgresStore) FindActiveRun(ctx context.Context, alertID string) (*core.TriageRun, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, alert_id, started_at, ended_at, COALESCE(risk, ''), reasons, fallback_used, COALESCE(latency_ms, 0)
		 FROM triage_runs WHERE alert_id = $1 AND ended_at IS NULL LIMIT 1`, alertID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find active run", err)
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*core.TriageRun, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, alert_id, started_at, ended_at, COALESCE(risk, ''), reasons, fallback_used, COALESCE(latency_ms, 0)
		 FROM triage_runs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, frauderr.NotFound("triage run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]core.TriageRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alert_id, started_at, ended_at, COALESCE(risk, ''), reasons, fallback_used, COALESCE(latency_ms, 0)
		 FROM triage_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []core.TriageRun
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) scanRun(row interface{ Scan(...interface{}) error }) (*core.TriageRun, error) {
	var (
		run     core.TriageRun
		ended   sql.NullTime
		reasons []byte
	)
	err := row.Scan(&run.ID, &run.AlertID, &run.StartedAt, &ended, &run.Risk,
		&reasons, &run.FallbackUsed, &run.LatencyMs)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &run.Reasons); err != nil {
			return nil, fmt.Errorf("decode run reasons: %w", err)
		}
	}
	return &run, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *core.TriageRun) error {
	reasons, _ := json.Marshal(run.Reasons)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triage_runs (id, alert_id, started_at, reasons, fallback_used)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.AlertID, run.StartedAt, reasons, run.FallbackUsed)
	if err != nil {
		return storeErr("create run", err)
	}
	return nil
}

func (s *PostgresStore) ListTraces(ctx context.Context, runID string) ([]core.AgentTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, step, ok, duration_ms, detail
		 FROM agent_traces WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, storeErr("list traces", err)
	}
	defer rows.Close()

	var traces []core.AgentTrace
	for rows.Next() {
		var (
			tr     core.AgentTrace
			detail []byte
		)
		if err := rows.Scan(&tr.RunID, &tr.Seq, &tr.Step, &tr.OK, &tr.DurationMs, &detail); err != nil {
			return nil, storeErr("scan trace", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &tr.Detail); err != nil {
				return nil, storeErr("decode trace detail", err)
			}
		}
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

// ----------------------------------------------------------------------------
// Cases
// ----------------------------------------------------------------------------

func (s *PostgresStore) FindOpenDisputeCase(ctx context.Context, txnID string) (*core.Case, error) {
	var c core.Case
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, COALESCE(txn_id, ''), type, status, reason_code, created_at
		 FROM cases WHERE txn_id = $1 AND type = $2 AND status NOT IN ($3, $4) LIMIT 1`,
		txnID, core.CaseDispute, core.CaseClosed, core.CaseClosedFalsePositive,
	).Scan(&c.ID, &c.CustomerID, &c.TxnID, &c.Type, &c.Status, &c.ReasonCode, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find dispute case", err)
	}
	c.Events, err = s.listCaseEvents(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListCases(ctx context.Context, limit int) ([]core.Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, COALESCE(txn_id, ''), type, status, reason_code, created_at
		 FROM cases ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("list cases", err)
	}
	defer rows.Close()

	var cases []core.Case
	for rows.Next() {
		var c core.Case
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.TxnID, &c.Type, &c.Status, &c.ReasonCode, &c.CreatedAt); err != nil {
			return nil, storeErr("scan case", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list cases", err)
	}

	for i := range cases {
		events, err := s.listCaseEvents(ctx, cases[i].ID)
		if err != nil {
			return nil, err
		}
		cases[i].Events = events
	}
	return cases, nil
}

func (s *PostgresStore) listCaseEvents(ctx context.Context, caseID string) ([]core.CaseEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id, actor, action, ts, payload
		 FROM case_events WHERE case_id = $1 ORDER BY ts`, caseID)
	if err != nil {
		return nil, storeErr("list case events", err)
	}
	defer rows.Close()

	var events []core.CaseEvent
	for rows.Next() {
		var (
			ev      core.CaseEvent
			payload []byte
		)
		if err := rows.Scan(&ev.CaseID, &ev.Actor, &ev.Action, &ev.TS, &payload); err != nil {
			return nil, storeErr("scan case event", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, storeErr("decode case event payload", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ----------------------------------------------------------------------------
// KB and policies
// ----------------------------------------------------------------------------

func (s *PostgresStore) ListKbDocs(ctx context.Context) ([]core.KbDoc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, anchor, content_text FROM kb_docs ORDER BY id`)
	if err != nil {
		return nil, storeErr("list kb docs", err)
	}
	defer rows.Close()

	var docs []core.KbDoc
	for rows.Next() {
		var d core.KbDoc
		if err := rows.Scan(&d.ID, &d.Title, &d.Anchor, &d.ContentText); err != nil {
			return nil, storeErr("scan kb doc", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]core.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, title, content_text, priority FROM policies ORDER BY priority`)
	if err != nil {
		return nil, storeErr("list policies", err)
	}
	defer rows.Close()

	var policies []core.Policy
	for rows.Next() {
		var p core.Policy
		if err := rows.Scan(&p.ID, &p.Code, &p.Title, &p.ContentText, &p.Priority); err != nil {
			return nil, storeErr("scan policy", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ----------------------------------------------------------------------------
// Transactions (unit of work)
// ----------------------------------------------------------------------------

// WithTx runs fn inside a single database transaction. Any error rolls the
// whole unit back.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}

	ptx := &postgresTx{tx: sqlTx}
	if err := fn(ptx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetCardForUpdate(ctx context.Context, cardID string) (*core.Card, error) {
	var c core.Card
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, customer_id, last4, network, status, created_at
		 FROM cards WHERE id = $1 FOR UPDATE`, cardID,
	).Scan(&c.ID, &c.CustomerID, &c.Last4, &c.Network, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, frauderr.NotFound("card", cardID)
	}
	if err != nil {
		return nil, storeErr("lock card", err)
	}
	return &c, nil
}

func (t *postgresTx) UpdateCardStatus(ctx context.Context, cardID string, status core.CardStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE cards SET status = $1 WHERE id = $2`, status, cardID)
	if err != nil {
		return storeErr("update card status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return frauderr.NotFound("card", cardID)
	}
	return nil
}

func (t *postgresTx) CreateCase(ctx context.Context, c *core.Case) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO cases (id, customer_id, txn_id, type, status, reason_code, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		c.ID, c.CustomerID, c.TxnID, c.Type, c.Status, c.ReasonCode, c.CreatedAt)
	if err != nil {
		return storeErr("create case", err)
	}
	return nil
}

func (t *postgresTx) AppendCaseEvent(ctx context.Context, ev *core.CaseEvent) error {
	payload, _ := json.Marshal(ev.Payload)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO case_events (case_id, actor, action, ts, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.CaseID, ev.Actor, ev.Action, ev.TS, payload)
	if err != nil {
		return storeErr("append case event", err)
	}
	return nil
}

func (t *postgresTx) UpdateAlertStatus(ctx context.Context, alertID string, status core.AlertStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE alerts SET status = $1 WHERE id = $2`, status, alertID)
	if err != nil {
		return storeErr("update alert status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return frauderr.NotFound("alert", alertID)
	}
	return nil
}

// FinishRun sets the terminal fields exactly once: a run that already has
// ended_at keeps its original values.
func (t *postgresTx) FinishRun(ctx context.Context, run *core.TriageRun) error {
	reasons, _ := json.Marshal(run.Reasons)
	_, err := t.tx.ExecContext(ctx,
		`UPDATE triage_runs
		 SET ended_at = $1, risk = $2, reasons = $3, fallback_used = $4, latency_ms = $5
		 WHERE id = $6 AND ended_at IS NULL`,
		run.EndedAt, run.Risk, reasons, run.FallbackUsed, run.LatencyMs, run.ID)
	if err != nil {
		return storeErr("finish run", err)
	}
	return nil
}

func (t *postgresTx) InsertTraces(ctx context.Context, runID string, traces []core.AgentTrace) error {
	for _, tr := range traces {
		detail, _ := json.Marshal(tr.Detail)
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO agent_traces (run_id, seq, step, ok, duration_ms, detail)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, tr.Seq, tr.Step, tr.OK, tr.DurationMs, detail)
		if err != nil {
			return storeErr("insert trace", err)
		}
	}
	return nil
}
