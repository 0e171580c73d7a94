package scorer

import (
	"context"
	"sync"

	"github.com/opspawn/agentos/internal/money"
)

// Outcome 表示一次雇佣的结果。
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomePartial Outcome = "PARTIAL"
	OutcomeFailure Outcome = "FAILURE"
)

func (o Outcome) credit() float64 {
	switch o {
	case OutcomeSuccess:
		return 1
	case OutcomePartial:
		return 0.5
	default:
		return 0
	}
}

// Feedback 是一次雇佣结束后写入的不可变反馈记录。
type Feedback struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	TaskID    string       `json:"task_id"`
	RequestID string       `json:"request_id,omitempty"`
	Outcome   Outcome      `json:"outcome"`
	Quality   float64      `json:"quality"`
	LatencyMS int64        `json:"latency_ms"`
	Cost      money.Amount `json:"cost"`
	CreatedAt int64        `json:"created_at"`
}

// FeedbackStore 持久化反馈记录。ForAgent 按写入顺序（旧→新）返回最近 limit 条。
type FeedbackStore interface {
	Append(ctx context.Context, fb Feedback) error
	ForAgent(ctx context.Context, agentID string, limit int) ([]Feedback, error)
}

// MemoryFeedbackStore 以内存保存反馈记录。
type MemoryFeedbackStore struct {
	mu      sync.RWMutex
	byAgent map[string][]Feedback
}

// NewMemoryFeedbackStore 创建内存反馈存储。
func NewMemoryFeedbackStore() *MemoryFeedbackStore {
	return &MemoryFeedbackStore{byAgent: make(map[string][]Feedback)}
}

// Append 实现 FeedbackStore。
func (m *MemoryFeedbackStore) Append(_ context.Context, fb Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAgent[fb.AgentID] = append(m.byAgent[fb.AgentID], fb)
	return nil
}

// ForAgent 实现 FeedbackStore。
func (m *MemoryFeedbackStore) ForAgent(_ context.Context, agentID string, limit int) ([]Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.byAgent[agentID]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]Feedback(nil), records...), nil
}
