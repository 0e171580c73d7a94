package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
)

// LedgerStore 将账本写入 transactions 与 hiring_transitions 表，
// 同时维护 hiring_requests 中每个雇佣请求的最新状态。
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore 基于已迁移的连接创建账本存储。
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const transactionColumns = `id, task_id, hold_id, reservation_id, from_party, to_party, amount, kind, status, external_ref, memo, created_at, updated_at`

// Append 实现 ledger.Store。
func (s *LedgerStore) Append(ctx context.Context, tx *ledger.Transaction) error {
	if tx == nil || tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	const stmt = `INSERT INTO transactions (` + transactionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.TaskID,
		tx.HoldID,
		tx.ReservationID,
		tx.From,
		tx.To,
		tx.Amount.Micro(),
		string(tx.Kind),
		string(tx.Status),
		tx.ExternalRef,
		nullString(tx.Memo),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "交易已存在")
		}
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "写入交易失败")
	}
	return nil
}

// Settle 只更新仍为 PENDING 的交易。
func (s *LedgerStore) Settle(ctx context.Context, id string, status ledger.Status, externalRef string, updatedAt int64) error {
	const stmt = `UPDATE transactions SET status = ?, external_ref = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), externalRef, updatedAt, id, string(ledger.StatusPending))
	if err != nil {
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "更新交易状态失败")
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ledger.ErrTransactionSettled
}

// Get 实现 ledger.Store。
func (s *LedgerStore) Get(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrTransactionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

// List 按写入顺序返回交易。
func (s *LedgerStore) List(ctx context.Context, filter ledger.Filter) ([]*ledger.Transaction, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.HoldID != "" {
		conditions = append(conditions, "hold_id = ?")
		args = append(args, filter.HoldID)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where(conditions) + ` ORDER BY seq ASC` + limit(filter.Limit, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

const transitionColumns = `id, request_id, task_id, subtask, capability, state, reason, agent_id, hold_id, price, attempt, created_at`

// AppendTransition 在同一事务内追加迁移并更新请求的最新状态。
func (s *LedgerStore) AppendTransition(ctx context.Context, tr *ledger.Transition) error {
	if tr == nil || tr.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "迁移记录 ID 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "开启事务失败")
	}

	const insertStmt = `INSERT INTO hiring_transitions (` + transitionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertStmt,
		tr.ID, tr.RequestID, tr.TaskID, tr.Subtask, tr.Capability, tr.State, tr.Reason,
		tr.AgentID, tr.HoldID, tr.Price.Micro(), tr.Attempt, tr.CreatedAt,
	); err != nil {
		tx.Rollback()
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "写入状态迁移失败")
	}

	const upsertStmt = `INSERT INTO hiring_requests (id, task_id, subtask, state, reason, agent_id, hold_id, price, attempt, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE state = VALUES(state), reason = VALUES(reason), agent_id = VALUES(agent_id),
        hold_id = VALUES(hold_id), price = VALUES(price), updated_at = VALUES(updated_at)`
	if _, err := tx.ExecContext(ctx, upsertStmt,
		tr.RequestID, tr.TaskID, tr.Subtask, tr.State, tr.Reason,
		tr.AgentID, tr.HoldID, tr.Price.Micro(), tr.Attempt, tr.CreatedAt,
	); err != nil {
		tx.Rollback()
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "更新雇佣请求失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(ledger.CodeLedgerWrite, err, "提交状态迁移失败")
	}
	return nil
}

// Transitions 按写入顺序返回状态迁移。
func (s *LedgerStore) Transitions(ctx context.Context, filter ledger.Filter) ([]*ledger.Transition, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.HoldID != "" {
		conditions = append(conditions, "hold_id = ?")
		args = append(args, filter.HoldID)
	}
	query := `SELECT ` + transitionColumns + ` FROM hiring_transitions` + where(conditions) + ` ORDER BY seq ASC` + limit(filter.Limit, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// Close 关闭底层连接。
func (s *LedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		amount       int64
		kind, status string
		memo         sql.NullString
	)
	if err := row.Scan(&tx.ID, &tx.TaskID, &tx.HoldID, &tx.ReservationID, &tx.From, &tx.To,
		&amount, &kind, &status, &tx.ExternalRef, &memo, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Amount = money.FromMicro(amount)
	tx.Kind = ledger.Kind(kind)
	tx.Status = ledger.Status(status)
	tx.Memo = memo.String
	return &tx, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func where(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

func limit(n int, args *[]any) string {
	if n <= 0 {
		return ""
	}
	*args = append(*args, n)
	return " LIMIT ?"
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ ledger.Store = (*LedgerStore)(nil)
