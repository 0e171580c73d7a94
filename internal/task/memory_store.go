package task

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，适合单机部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 保存新任务，ID 重复时返回 ErrTaskConflict。
func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	switch {
	case t == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	case t.ID == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	t.CreatedAt = cmp.Or(t.CreatedAt, now)
	t.UpdatedAt = now
	t.Status = cmp.Or(t.Status, StatusReceived)
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[id]; ok {
		return cloneTask(t), nil
	}
	return nil, ErrTaskNotFound
}

// update 在写锁内修改任务并返回修改后的副本。fn 返回错误时任务保持不变，
// 返回修改前的副本。
func (m *MemoryStore) update(id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(t); err != nil {
		return cloneTask(t), err
	}
	t.UpdatedAt = time.Now().Unix()
	return cloneTask(t), nil
}

// Claim 领取任务并累计尝试次数，首次领取时进入 analyzing。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskCompleted
		}
		if t.Attempts >= t.MaxRetries {
			return ErrTaskExhausted
		}
		if StatusAnalyzing.After(t.Status) {
			t.Status = StatusAnalyzing
		}
		t.Attempts++
		t.LastError, t.ErrorCode = "", ""
		return nil
	})
}

// Advance 推进状态，终态或回退请求被忽略。
func (m *MemoryStore) Advance(_ context.Context, id string, status Status) error {
	_, err := m.update(id, func(t *Task) error {
		if !t.Status.Terminal() && status.After(t.Status) {
			t.Status = status
		}
		return nil
	})
	return err
}

// MarkCompleted 记录成功结果。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result Result) error {
	_, err := m.update(id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskCompleted
		}
		t.Status = StatusCompleted
		t.Result = cloneResult(&result)
		t.LastError, t.ErrorCode = "", ""
		return nil
	})
	return err
}

// MarkFailed 记录失败原因，terminal 为 false 时任务保持原状态等待重试。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.update(id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskCompleted
		}
		if terminal {
			t.Status = StatusFailed
		}
		t.LastError, t.ErrorCode = lastError, string(code)
		return nil
	})
	return err
}

// List 返回符合过滤条件的任务，默认最近更新的在前。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	matched := m.filter(opts)

	slices.SortFunc(matched, func(a, b *Task) int {
		if opts.OldestFirst {
			return compareRecency(b, a)
		}
		return compareRecency(a, b)
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	return matched[:min(len(matched), opts.Limit)], nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	var stats TaskStats
	for _, t := range m.filter(opts) {
		stats.add(t)
	}
	return stats, nil
}

func (m *MemoryStore) filter(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if opts.matches(t) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// compareRecency 按更新时间、创建时间、ID 倒序比较。
func compareRecency(a, b *Task) int {
	return cmp.Or(
		cmp.Compare(b.UpdatedAt, a.UpdatedAt),
		cmp.Compare(b.CreatedAt, a.CreatedAt),
		cmp.Compare(b.ID, a.ID),
	)
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
