// Package budget 维护每个任务的预算分配，保证任意时刻 held + spent <= allocated。
// 同一任务上的 reserve/commit/cancel 通过任务级互斥锁线性化，不同任务之间互不阻塞。
package budget

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/pkg/logger"
)

// Allocation 是预算分配的只读快照。
type Allocation struct {
	TaskID    string       `json:"task_id"`
	Allocated money.Amount `json:"allocated"`
	Held      money.Amount `json:"held"`
	Spent     money.Amount `json:"spent"`
	Closed    bool         `json:"closed"`
	CreatedAt int64        `json:"created_at"`
	UpdatedAt int64        `json:"updated_at"`
}

// Headroom 返回剩余可冻结额度 allocated - held - spent。
func (a Allocation) Headroom() money.Amount {
	return a.Allocated - a.Held - a.Spent
}

type reservation struct {
	id     string
	amount money.Amount
	// settled 为 true 表示已 commit 或 cancel。
	settled bool
}

type account struct {
	mu           sync.Mutex
	ready        bool
	alloc        Allocation
	reservations map[string]*reservation
}

// Intent 在检查通过、状态变更之前执行，通常用于先行落账。
// 返回错误时操作整体放弃，不产生任何状态变化。
type Intent func(ctx context.Context, reservationID string) error

type opConfig struct {
	intent Intent
	id     string
}

// Option 配置单次资金操作。
type Option func(*opConfig)

// WithIntent 注册预写回调。
func WithIntent(fn Intent) Option {
	return func(c *opConfig) {
		c.intent = fn
	}
}

// WithReservationID 指定预留 ID，账本重放时使用。
func WithReservationID(id string) Option {
	return func(c *opConfig) {
		c.id = id
	}
}

// Tracker 管理所有任务的预算。
type Tracker struct {
	journal  *ledger.Journal
	payer    string
	accounts sync.Map // taskID -> *account
	index    sync.Map // reservationID -> taskID
}

// NewTracker 创建预算跟踪器。journal 为空时不写 ALLOCATE 账目（仅测试使用）。
func NewTracker(journal *ledger.Journal, payer string) *Tracker {
	if strings.TrimSpace(payer) == "" {
		payer = "orchestrator"
	}
	return &Tracker{journal: journal, payer: payer}
}

// Allocate 为任务创建预算分配，并先写入 ALLOCATE 账目。
func (t *Tracker) Allocate(ctx context.Context, taskID string, amount money.Amount) (Allocation, error) {
	if strings.TrimSpace(taskID) == "" {
		return Allocation{}, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !amount.IsPositive() {
		return Allocation{}, ErrInvalidAmount
	}

	acct := &account{reservations: make(map[string]*reservation)}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if _, loaded := t.accounts.LoadOrStore(taskID, acct); loaded {
		return Allocation{}, ErrDuplicateAllocation
	}

	if t.journal != nil {
		if _, err := t.journal.Record(ctx, ledger.Transaction{
			TaskID: taskID,
			From:   t.payer,
			To:     taskID,
			Amount: amount,
			Kind:   ledger.KindAllocate,
		}); err != nil {
			t.accounts.Delete(taskID)
			return Allocation{}, err
		}
	}

	ts := time.Now().UnixMilli()
	acct.alloc = Allocation{TaskID: taskID, Allocated: amount, CreatedAt: ts, UpdatedAt: ts}
	acct.ready = true
	logger.Named("budget").Info("预算已分配", slog.String("task_id", taskID), slog.String("amount", amount.String()))
	return acct.alloc, nil
}

// Get 返回任务预算快照（getBudget）。
func (t *Tracker) Get(taskID string) (Allocation, error) {
	acct, err := t.lock(taskID)
	if err != nil {
		return Allocation{}, err
	}
	defer acct.mu.Unlock()
	return acct.alloc, nil
}

// Reserve 冻结额度并返回预留 ID。超出剩余额度时返回 BudgetExceeded。
func (t *Tracker) Reserve(ctx context.Context, taskID string, amount money.Amount, opts ...Option) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	cfg := applyOptions(opts)
	acct, err := t.lock(taskID)
	if err != nil {
		return "", err
	}
	defer acct.mu.Unlock()

	if acct.alloc.Closed {
		return "", ErrBudgetClosed
	}
	if amount > acct.alloc.Headroom() {
		return "", xerrors.New(CodeBudgetExceeded, "预算不足",
			xerrors.WithMetadata("task_id", taskID),
			xerrors.WithMetadata("requested", amount.String()),
			xerrors.WithMetadata("headroom", acct.alloc.Headroom().String()),
		)
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.intent != nil {
		if err := cfg.intent(ctx, id); err != nil {
			return "", err
		}
	}

	acct.reservations[id] = &reservation{id: id, amount: amount}
	acct.alloc.Held += amount
	acct.alloc.UpdatedAt = time.Now().UnixMilli()
	t.index.Store(id, taskID)
	return id, nil
}

// Commit 将预留额度从 held 转入 spent。
func (t *Tracker) Commit(ctx context.Context, reservationID string, opts ...Option) error {
	return t.settle(ctx, reservationID, true, applyOptions(opts))
}

// Cancel 释放预留额度，不影响 spent。
func (t *Tracker) Cancel(ctx context.Context, reservationID string, opts ...Option) error {
	return t.settle(ctx, reservationID, false, applyOptions(opts))
}

func (t *Tracker) settle(ctx context.Context, reservationID string, commit bool, cfg opConfig) error {
	taskID, ok := t.index.Load(reservationID)
	if !ok {
		return ErrReservationNotFound
	}
	acct, err := t.lock(taskID.(string))
	if err != nil {
		return err
	}
	defer acct.mu.Unlock()

	res, ok := acct.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if res.settled {
		return ErrReservationSettled
	}
	if cfg.intent != nil {
		if err := cfg.intent(ctx, reservationID); err != nil {
			return err
		}
	}

	res.settled = true
	acct.alloc.Held -= res.amount
	if commit {
		acct.alloc.Spent += res.amount
	}
	acct.alloc.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Close 在任务进入终态后冻结预算。仍有冻结额度时拒绝关闭。
func (t *Tracker) Close(taskID string) (Allocation, error) {
	acct, err := t.lock(taskID)
	if err != nil {
		return Allocation{}, err
	}
	defer acct.mu.Unlock()
	if acct.alloc.Held != 0 {
		return acct.alloc, xerrors.New(CodeBudgetInvalidState, "预算仍有未结算的冻结额度",
			xerrors.WithMetadata("task_id", taskID),
			xerrors.WithMetadata("held", acct.alloc.Held.String()),
		)
	}
	acct.alloc.Closed = true
	acct.alloc.UpdatedAt = time.Now().UnixMilli()
	return acct.alloc, nil
}

// Restore 在账本重放时恢复一条分配，不写账本。
func (t *Tracker) Restore(alloc Allocation) error {
	if !alloc.Allocated.IsPositive() {
		return ErrInvalidAmount
	}
	acct := &account{reservations: make(map[string]*reservation), ready: true, alloc: Allocation{
		TaskID:    alloc.TaskID,
		Allocated: alloc.Allocated,
		CreatedAt: alloc.CreatedAt,
		UpdatedAt: alloc.CreatedAt,
	}}
	if _, loaded := t.accounts.LoadOrStore(alloc.TaskID, acct); loaded {
		return ErrDuplicateAllocation
	}
	return nil
}

// Snapshot 返回全部预算快照。
func (t *Tracker) Snapshot() []Allocation {
	var out []Allocation
	t.accounts.Range(func(_, value any) bool {
		acct := value.(*account)
		acct.mu.Lock()
		if acct.ready {
			out = append(out, acct.alloc)
		}
		acct.mu.Unlock()
		return true
	})
	return out
}

func (t *Tracker) lock(taskID string) (*account, error) {
	value, ok := t.accounts.Load(taskID)
	if !ok {
		return nil, ErrAllocationNotFound
	}
	acct := value.(*account)
	acct.mu.Lock()
	if !acct.ready {
		acct.mu.Unlock()
		return nil, ErrAllocationNotFound
	}
	return acct, nil
}

func applyOptions(opts []Option) opConfig {
	var cfg opConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
