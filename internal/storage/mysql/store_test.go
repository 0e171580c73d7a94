package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/scorer"
)

func TestMigrateAppliesEmbeddedFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range readMigrationStatements() {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestLedgerStoreAppendAndSettle(t *testing.T) {
	t.Parallel()

	insert := `INSERT INTO transactions (` + transactionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	update := `UPDATE transactions SET status = ?, external_ref = ?, updated_at = ? WHERE id = ? AND status = ?`
	rows := mockRowsData{
		columns: strings.Split(strings.ReplaceAll(transactionColumns, " ", ""), ","),
		values: [][]driver.Value{{
			"tx-1", "T", "h-1", "", "ceo", "agent-a", int64(5_000_000), "RELEASE", "CONFIRMED", "0xabc", nil, int64(1), int64(2),
		}},
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(insert, mockResult{rowsAffected: 1}),
		execOp(update, mockResult{rowsAffected: 1}),
		execOp(update, mockResult{rowsAffected: 0}),
		queryOp(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	ctx := context.Background()
	tx := &ledger.Transaction{
		ID: "tx-1", TaskID: "T", HoldID: "h-1", From: "ceo", To: "agent-a",
		Amount: money.FromUSDC(5), Kind: ledger.KindRelease, Status: ledger.StatusPending,
		CreatedAt: 1, UpdatedAt: 1,
	}
	if err := store.Append(ctx, tx); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Settle(ctx, "tx-1", ledger.StatusConfirmed, "0xabc", 2); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if err := store.Settle(ctx, "tx-1", ledger.StatusFailed, "", 3); !errors.Is(err, ledger.ErrTransactionSettled) {
		t.Fatalf("expected settled error, got %v", err)
	}
}

func TestLedgerStoreListAppliesFilter(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: strings.Split(strings.ReplaceAll(transactionColumns, " ", ""), ","),
		values: [][]driver.Value{
			{"tx-1", "T", "", "", "ceo", "T", int64(10_000_000), "ALLOCATE", "CONFIRMED", "", nil, int64(1), int64(1)},
			{"tx-2", "T", "h-1", "r-1", "ceo", "agent-a", int64(2_000_000), "HOLD", "CONFIRMED", "", "proof", int64(2), int64(2)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+transactionColumns+` FROM transactions WHERE task_id = ? AND status = ? ORDER BY seq ASC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	list, err := NewLedgerStore(db).List(context.Background(), ledger.Filter{TaskID: "T", Status: ledger.StatusConfirmed, Limit: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[1].Kind != ledger.KindHold || list[1].Amount != money.FromUSDC(2) || list[1].Memo != "proof" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestLedgerStoreGetMissing(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, mockRowsData{
			columns: strings.Split(strings.ReplaceAll(transactionColumns, " ", ""), ","),
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := NewLedgerStore(db).Get(context.Background(), "nope"); !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerStoreAppendTransitionUpsertsRequest(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(`INSERT INTO hiring_transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		execOp(`INSERT INTO hiring_requests (id, task_id, subtask, state, reason, agent_id, hold_id, price, attempt, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE state = VALUES(state), reason = VALUES(reason), agent_id = VALUES(agent_id),
        hold_id = VALUES(hold_id), price = VALUES(price), updated_at = VALUES(updated_at)`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := NewLedgerStore(db).AppendTransition(context.Background(), &ledger.Transition{
		ID: "tr-1", RequestID: "req-1", TaskID: "T", Subtask: "research", Capability: "research", State: "ESCROWED",
		AgentID: "agent-a", HoldID: "h-1", Price: money.FromUSDC(1), Attempt: 1, CreatedAt: 10,
	})
	if err != nil {
		t.Fatalf("append transition failed: %v", err)
	}
}

func TestLedgerStoreAppendTransitionRollsBack(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		{typ: opExec, err: errors.New("disk full")},
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := NewLedgerStore(db).AppendTransition(context.Background(), &ledger.Transition{ID: "tr-1", RequestID: "req-1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestAgentStoreLoadAll(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "name", "description", "capabilities", "internal", "price", "endpoint", "reputation", "active", "registered_at", "updated_at"},
		values: [][]driver.Value{
			{"builder", "Builder", nil, "build,deploy", true, int64(0), "", 0.7, true, int64(1), int64(1)},
			{"scout", "Scout", "web research", "research", false, int64(1_500_000), "http://scout", 0.5, false, int64(2), int64(3)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, name, description, capabilities, internal, price, endpoint, reputation, active, registered_at, updated_at
        FROM agents ORDER BY registered_at ASC, id ASC`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	agents, err := NewAgentStore(db).LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if !agents[0].Internal || len(agents[0].Capabilities) != 2 || agents[0].Description != "" {
		t.Fatalf("unexpected first agent: %+v", agents[0])
	}
	if agents[1].Price != money.MustParse("1.5") || agents[1].Active || agents[1].Description != "web research" {
		t.Fatalf("unexpected second agent: %+v", agents[1])
	}
}

func TestAgentStoreSave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, result: mockResult{rowsAffected: 1}},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := NewAgentStore(db).Save(context.Background(), registry.Agent{
		ID: "scout", Name: "Scout", Capabilities: []string{"research"}, Price: money.FromUSDC(1), Active: true,
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestFeedbackStoreReturnsOldestFirst(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "agent_id", "task_id", "request_id", "outcome", "quality", "latency_ms", "cost", "created_at"},
		values: [][]driver.Value{
			{"f-2", "a", "T", "r-2", "FAILURE", 0.0, int64(300), int64(0), int64(20)},
			{"f-1", "a", "T", "r-1", "SUCCESS", 0.9, int64(100), int64(1_000_000), int64(10)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO feedback (id, agent_id, task_id, request_id, outcome, quality, latency_ms, cost, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT id, agent_id, task_id, request_id, outcome, quality, latency_ms, cost, created_at
        FROM feedback WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewFeedbackStore(db)
	ctx := context.Background()
	if err := store.Append(ctx, scorer.Feedback{ID: "f-3", AgentID: "a", TaskID: "T", Outcome: scorer.OutcomeSuccess, Quality: 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	records, err := store.ForAgent(ctx, "a", 2)
	if err != nil {
		t.Fatalf("for agent failed: %v", err)
	}
	if len(records) != 2 || records[0].ID != "f-1" || records[1].Outcome != scorer.OutcomeFailure {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Cost != money.FromUSDC(1) {
		t.Fatalf("unexpected cost: %s", records[0].Cost)
	}
}

func readMigrationStatements() []string {
	content, err := embeddedMigrations.ReadFile("0001_marketplace.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
