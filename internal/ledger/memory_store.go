package ledger

import (
	"context"
	"sync"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

// MemoryStore 以内存方式保存账本，主要用于测试与单机开发。
type MemoryStore struct {
	mu          sync.RWMutex
	txs         []*Transaction
	index       map[string]int
	transitions []*Transition
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, tx *Transaction) error {
	if tx == nil || tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[tx.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易已存在")
	}
	m.index[tx.ID] = len(m.txs)
	m.txs = append(m.txs, cloneTransaction(tx))
	return nil
}

// Settle 将 PENDING 交易迁移为终态，只允许一次。
func (m *MemoryStore) Settle(_ context.Context, id string, status Status, externalRef string, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.index[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx := m.txs[pos]
	if tx.Status != StatusPending {
		return ErrTransactionSettled
	}
	tx.Status = status
	tx.ExternalRef = externalRef
	tx.UpdatedAt = updatedAt
	return nil
}

// Get 返回指定交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.index[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(m.txs[pos]), nil
}

// List 按写入顺序返回符合条件的交易。
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0)
	for _, tx := range m.txs {
		if !filter.matchTransaction(tx) {
			continue
		}
		out = append(out, cloneTransaction(tx))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// AppendTransition 追加一条状态迁移。
func (m *MemoryStore) AppendTransition(_ context.Context, tr *Transition) error {
	if tr == nil || tr.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "迁移记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, cloneTransition(tr))
	return nil
}

// Transitions 按写入顺序返回状态迁移。
func (m *MemoryStore) Transitions(_ context.Context, filter Filter) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transition, 0)
	for _, tr := range m.transitions {
		if !filter.matchTransition(tr) {
			continue
		}
		out = append(out, cloneTransition(tr))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
