package mysql

import (
	"context"
	"database/sql"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/scorer"
)

// FeedbackStore 实现 scorer.FeedbackStore。
type FeedbackStore struct {
	db *sql.DB
}

// NewFeedbackStore 创建反馈存储。
func NewFeedbackStore(db *sql.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

// Append 追加一条反馈。
func (s *FeedbackStore) Append(ctx context.Context, fb scorer.Feedback) error {
	const stmt = `INSERT INTO feedback (id, agent_id, task_id, request_id, outcome, quality, latency_ms, cost, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		fb.ID, fb.AgentID, fb.TaskID, fb.RequestID, string(fb.Outcome),
		fb.Quality, fb.LatencyMS, fb.Cost.Micro(), fb.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入反馈失败")
	}
	return nil
}

// ForAgent 返回最近 limit 条反馈，按旧到新排列。
func (s *FeedbackStore) ForAgent(ctx context.Context, agentID string, limit int) ([]scorer.Feedback, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, task_id, request_id, outcome, quality, latency_ms, cost, created_at
        FROM feedback WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询反馈失败")
	}
	defer rows.Close()

	var records []scorer.Feedback
	for rows.Next() {
		var (
			fb      scorer.Feedback
			outcome string
			cost    int64
		)
		if err := rows.Scan(&fb.ID, &fb.AgentID, &fb.TaskID, &fb.RequestID, &outcome,
			&fb.Quality, &fb.LatencyMS, &cost, &fb.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析反馈失败")
		}
		fb.Outcome = scorer.Outcome(outcome)
		fb.Cost = money.FromMicro(cost)
		records = append(records, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历反馈失败")
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

var _ scorer.FeedbackStore = (*FeedbackStore)(nil)
