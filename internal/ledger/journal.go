package ledger

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/pkg/logger"
)

// Journal 在 Store 之上补充校验、ID 分配与审计日志。
// 所有资金决策必须先经过 Journal 落账。
type Journal struct {
	store    Store
	observer func(*Transaction)
}

// JournalOption 自定义 Journal。
type JournalOption func(*Journal)

// WithObserver 在每次交易写入或结算后回调，用于指标统计。
func WithObserver(fn func(*Transaction)) JournalOption {
	return func(j *Journal) {
		j.observer = fn
	}
}

// NewJournal 创建 Journal。
func NewJournal(store Store, opts ...JournalOption) *Journal {
	j := &Journal{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Record 追加一条交易并返回落账后的副本。
func (j *Journal) Record(ctx context.Context, tx Transaction) (*Transaction, error) {
	if !tx.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易金额必须大于 0")
	}
	switch tx.Kind {
	case KindAllocate, KindHold, KindRelease, KindRefund:
	default:
		return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "未知交易类型 %q", tx.Kind)
	}
	if strings.TrimSpace(tx.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易缺少任务 ID")
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = StatusConfirmed
	}
	ts := now()
	tx.CreatedAt, tx.UpdatedAt = ts, ts

	if err := j.store.Append(ctx, &tx); err != nil {
		return nil, xerrors.Wrap(CodeLedgerWrite, err, "写入账本失败")
	}
	logger.Audit().Info("账本记录",
		slog.String("transaction_id", tx.ID),
		slog.String("task_id", tx.TaskID),
		slog.String("hold_id", tx.HoldID),
		slog.String("kind", string(tx.Kind)),
		slog.String("status", string(tx.Status)),
		slog.String("from", tx.From),
		slog.String("to", tx.To),
		slog.String("amount", tx.Amount.String()),
	)
	j.observe(&tx)
	return &tx, nil
}

// Settle 完成 PENDING 交易的确认或失败标记。
func (j *Journal) Settle(ctx context.Context, id string, status Status, externalRef string) (*Transaction, error) {
	if status != StatusConfirmed && status != StatusFailed {
		return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "无效的结算状态 %q", status)
	}
	if err := j.store.Settle(ctx, id, status, externalRef, now()); err != nil {
		if xerrors.Is(err, CodeTransactionNotFound) || xerrors.Is(err, CodeTransactionSettled) {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeLedgerWrite, err, "更新交易状态失败")
	}
	tx, err := j.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("交易结算",
		slog.String("transaction_id", id),
		slog.String("task_id", tx.TaskID),
		slog.String("status", string(status)),
		slog.String("external_ref", externalRef),
	)
	j.observe(tx)
	return tx, nil
}

// Transition 记录雇佣状态迁移。
func (j *Journal) Transition(ctx context.Context, tr Transition) error {
	if tr.RequestID == "" || tr.State == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "迁移记录缺少请求 ID 或状态")
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	tr.CreatedAt = now()
	if err := j.store.AppendTransition(ctx, &tr); err != nil {
		return xerrors.Wrap(CodeLedgerWrite, err, "写入状态迁移失败")
	}
	logger.Audit().Info("雇佣状态迁移",
		slog.String("request_id", tr.RequestID),
		slog.String("task_id", tr.TaskID),
		slog.String("subtask", tr.Subtask),
		slog.String("state", tr.State),
		slog.String("reason", tr.Reason),
		slog.String("agent_id", tr.AgentID),
	)
	return nil
}

// Get 返回单条交易。
func (j *Journal) Get(ctx context.Context, id string) (*Transaction, error) {
	return j.store.Get(ctx, id)
}

// List 返回交易列表（getLedger）。
func (j *Journal) List(ctx context.Context, filter Filter) ([]*Transaction, error) {
	return j.store.List(ctx, filter)
}

// Transitions 返回状态迁移记录。
func (j *Journal) Transitions(ctx context.Context, filter Filter) ([]*Transition, error) {
	return j.store.Transitions(ctx, filter)
}

// Balance 汇总某一方已确认的收付金额。
type Balance struct {
	Party    string       `json:"party"`
	Received money.Amount `json:"received"`
	Paid     money.Amount `json:"paid"`
}

// Balances 依据已确认的 RELEASE 交易计算各方净收付。
func (j *Journal) Balances(ctx context.Context) ([]Balance, error) {
	txs, err := j.store.List(ctx, Filter{Kind: KindRelease, Status: StatusConfirmed})
	if err != nil {
		return nil, err
	}
	acc := make(map[string]*Balance)
	get := func(party string) *Balance {
		b, ok := acc[party]
		if !ok {
			b = &Balance{Party: party}
			acc[party] = b
		}
		return b
	}
	for _, tx := range txs {
		get(tx.To).Received += tx.Amount
		get(tx.From).Paid += tx.Amount
	}
	out := make([]Balance, 0, len(acc))
	for _, b := range acc {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Party < out[k].Party })
	return out, nil
}

// Close 关闭底层存储。
func (j *Journal) Close() error {
	return j.store.Close()
}

func (j *Journal) observe(tx *Transaction) {
	if j.observer != nil {
		j.observer(tx)
	}
}
