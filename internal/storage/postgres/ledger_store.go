package postgres

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  task_id TEXT NOT NULL,
  hold_id TEXT NOT NULL DEFAULT '',
  reservation_id TEXT NOT NULL DEFAULT '',
  from_party TEXT NOT NULL,
  to_party TEXT NOT NULL,
  amount BIGINT NOT NULL,
  kind TEXT NOT NULL,
  status TEXT NOT NULL,
  external_ref TEXT NOT NULL DEFAULT '',
  memo TEXT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_task ON transactions (task_id);
CREATE INDEX IF NOT EXISTS idx_transactions_hold ON transactions (hold_id);
CREATE TABLE IF NOT EXISTS hiring_transitions (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  request_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  subtask TEXT NOT NULL DEFAULT '',
  capability TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  agent_id TEXT NOT NULL DEFAULT '',
  hold_id TEXT NOT NULL DEFAULT '',
  price BIGINT NOT NULL DEFAULT 0,
  attempt INT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_request ON hiring_transitions (request_id);
`

const (
	transactionColumns = `id, task_id, hold_id, reservation_id, from_party, to_party, amount, kind, status, external_ref, memo, created_at, updated_at`
	transitionColumns  = `id, request_id, task_id, subtask, capability, state, reason, agent_id, hold_id, price, attempt, created_at`
)

// LedgerStore 实现 ledger.Store，适用于与其它服务共享 Postgres 的部署。
type LedgerStore struct {
	pool *pgxpool.Pool
}

// Open 建立连接池并初始化表结构。
func Open(ctx context.Context, dsn string) (*LedgerStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "postgres dsn 不能为空")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 postgres 失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres 连接检查失败")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 postgres 表结构失败")
	}
	return &LedgerStore{pool: pool}, nil
}

// Append 实现 ledger.Store。
func (s *LedgerStore) Append(ctx context.Context, tx *ledger.Transaction) error {
	if tx == nil || tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.TaskID, tx.HoldID, tx.ReservationID, tx.From, tx.To, tx.Amount.Micro(),
		string(tx.Kind), string(tx.Status), tx.ExternalRef, nullable(tx.Memo), tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.New(xerrors.CodeConflict, "交易已存在")
		}
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "写入交易失败")
	}
	return nil
}

// Settle 只更新仍为 PENDING 的交易。
func (s *LedgerStore) Settle(ctx context.Context, id string, status ledger.Status, externalRef string, updatedAt int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET status = $1, external_ref = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(status), externalRef, updatedAt, id, string(ledger.StatusPending),
	)
	if err != nil {
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "更新交易状态失败")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ledger.ErrTransactionSettled
}

// Get 实现 ledger.Store。
func (s *LedgerStore) Get(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrTransactionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

// List 按写入顺序返回交易。
func (s *LedgerStore) List(ctx context.Context, filter ledger.Filter) ([]*ledger.Transaction, error) {
	query, args := transactionQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	out := make([]*ledger.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易失败")
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return out, nil
}

// AppendTransition 实现 ledger.Store。
func (s *LedgerStore) AppendTransition(ctx context.Context, tr *ledger.Transition) error {
	if tr == nil || tr.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "迁移记录 ID 不能为空")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hiring_transitions (`+transitionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tr.ID, tr.RequestID, tr.TaskID, tr.Subtask, tr.Capability, tr.State, tr.Reason,
		tr.AgentID, tr.HoldID, tr.Price.Micro(), tr.Attempt, tr.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "写入状态迁移失败")
	}
	return nil
}

// Transitions 按写入顺序返回状态迁移。
func (s *LedgerStore) Transitions(ctx context.Context, filter ledger.Filter) ([]*ledger.Transition, error) {
	query, args := transitionQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询状态迁移失败")
	}
	defer rows.Close()

	out := make([]*ledger.Transition, 0)
	for rows.Next() {
		var (
			tr    ledger.Transition
			price int64
		)
		if err := rows.Scan(&tr.ID, &tr.RequestID, &tr.TaskID, &tr.Subtask, &tr.Capability, &tr.State, &tr.Reason,
			&tr.AgentID, &tr.HoldID, &price, &tr.Attempt, &tr.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析状态迁移失败")
		}
		tr.Price = money.FromMicro(price)
		out = append(out, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历状态迁移失败")
	}
	return out, nil
}

// Close 关闭连接池。
func (s *LedgerStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// queryBuilder 生成 $n 形式的占位符。
type queryBuilder struct {
	conditions []string
	args       []any
}

func (b *queryBuilder) add(column string, value any) {
	b.args = append(b.args, value)
	b.conditions = append(b.conditions, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *queryBuilder) build(base string, limit int) (string, []any) {
	query := base
	if len(b.conditions) > 0 {
		query += " WHERE " + strings.Join(b.conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		b.args = append(b.args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(b.args))
	}
	return query, b.args
}

func transactionQuery(filter ledger.Filter) (string, []any) {
	var b queryBuilder
	if filter.TaskID != "" {
		b.add("task_id", filter.TaskID)
	}
	if filter.HoldID != "" {
		b.add("hold_id", filter.HoldID)
	}
	if filter.Kind != "" {
		b.add("kind", string(filter.Kind))
	}
	if filter.Status != "" {
		b.add("status", string(filter.Status))
	}
	return b.build(`SELECT `+transactionColumns+` FROM transactions`, filter.Limit)
}

func transitionQuery(filter ledger.Filter) (string, []any) {
	var b queryBuilder
	if filter.TaskID != "" {
		b.add("task_id", filter.TaskID)
	}
	if filter.RequestID != "" {
		b.add("request_id", filter.RequestID)
	}
	if filter.HoldID != "" {
		b.add("hold_id", filter.HoldID)
	}
	return b.build(`SELECT `+transitionColumns+` FROM hiring_transitions`, filter.Limit)
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		amount       int64
		kind, status string
		memo         *string
	)
	if err := row.Scan(&tx.ID, &tx.TaskID, &tx.HoldID, &tx.ReservationID, &tx.From, &tx.To,
		&amount, &kind, &status, &tx.ExternalRef, &memo, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Amount = money.FromMicro(amount)
	tx.Kind = ledger.Kind(kind)
	tx.Status = ledger.Status(status)
	if memo != nil {
		tx.Memo = *memo
	}
	return &tx, nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stdErrors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ ledger.Store = (*LedgerStore)(nil)
