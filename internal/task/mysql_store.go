package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

// MySQLStore 使用 MySQL 的 tasks 表记录任务状态，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const taskColumns = `id, description, budget, plan, metadata, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusReceived
	}

	plan, err := marshalJSON(task.Plan)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务计划失败")
	}
	metadata, err := marshalJSON(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	const stmt = `INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Description,
		task.Budget.Micro(),
		plan,
		metadata,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 领取任务并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE tasks SET
        status = CASE WHEN status = ? THEN ? ELSE status END,
        attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status NOT IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusReceived, StatusAnalyzing,
		time.Now().Unix(),
		id,
		StatusCompleted, StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if task.Status.Terminal() {
			return task, ErrTaskCompleted
		}
		if task.Attempts >= task.MaxRetries {
			return task, ErrTaskExhausted
		}
		return task, ErrTaskConflict
	}
	return task, nil
}

// Advance 仅在新状态位于当前状态之后时更新。
func (s *MySQLStore) Advance(ctx context.Context, id string, status Status) error {
	earlier := make([]any, 0, len(statusRank))
	for candidate := range statusRank {
		if status.After(candidate) {
			earlier = append(earlier, candidate)
		}
	}
	if len(earlier) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)`, placeholders(len(earlier)))
	args := append([]any{status, time.Now().Unix(), id}, earlier...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进任务状态失败")
	}
	return nil
}

// MarkCompleted 将任务标记为完成。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result Result) error {
	encoded, err := marshalJSON(&result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}
	const stmt = `UPDATE tasks SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status NOT IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, StatusCompleted, encoded, time.Now().Unix(), id, StatusCompleted, StatusFailed)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务完成失败")
	}
	return s.checkUpdated(ctx, res, id)
}

// MarkFailed 记录失败原因，terminal 为 true 时进入 failed。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE tasks SET status = CASE WHEN ? THEN ? ELSE status END, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt,
		terminal, StatusFailed,
		lastError,
		string(code),
		time.Now().Unix(),
		id,
		StatusCompleted, StatusFailed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	return s.checkUpdated(ctx, res, id)
}

func (s *MySQLStore) checkUpdated(ctx context.Context, res sql.Result, id string) error {
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrTaskCompleted
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.OldestFirst {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS received,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusReceived), string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Received,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	stats.InProgress = stats.Total - stats.Received - stats.Completed - stats.Failed
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		task                   Task
		budget                 int64
		plan, metadata, result sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.Description,
		&budget,
		&plan,
		&metadata,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&task.LastError,
		&task.ErrorCode,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Budget = money.FromMicro(budget)
	if err := unmarshalJSON(plan, &task.Plan); err != nil {
		return nil, fmt.Errorf("解析任务计划失败: %w", err)
	}
	if err := unmarshalJSON(metadata, &task.Metadata); err != nil {
		return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
	}
	if err := unmarshalJSON(result, &task.Result); err != nil {
		return nil, fmt.Errorf("解析任务结果失败: %w", err)
	}
	return &task, nil
}

func marshalJSON(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case nil:
		return sql.NullString{}, nil
	case *Plan:
		if v == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSON(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.From > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.From)
	}
	if opts.To > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.To)
	}
	if opts.Settled != nil {
		op := "NOT IN"
		if *opts.Settled {
			op = "IN"
		}
		conditions = append(conditions, "status "+op+" (?, ?)")
		args = append(args, StatusCompleted, StatusFailed)
	}
	if opts.MinBudget > 0 {
		conditions = append(conditions, "budget >= ?")
		args = append(args, opts.MinBudget.Micro())
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR description LIKE ? OR last_error LIKE ? OR result LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
