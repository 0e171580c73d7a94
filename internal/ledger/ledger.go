// Package ledger 是资金流转的唯一事实来源：追加写入预算分配、托管冻结、
// 放款、退款交易，以及雇佣状态机的每一次状态迁移。
package ledger

import (
	"context"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

// Kind 表示交易类型。
type Kind string

const (
	KindAllocate Kind = "ALLOCATE"
	KindHold     Kind = "HOLD"
	KindRelease  Kind = "RELEASE"
	KindRefund   Kind = "REFUND"
)

// Status 表示交易确认状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Transaction 是一条账本记录。除状态 PENDING→CONFIRMED/FAILED 的一次性迁移外不可修改。
type Transaction struct {
	ID            string       `json:"id"`
	TaskID        string       `json:"task_id"`
	HoldID        string       `json:"hold_id,omitempty"`
	ReservationID string       `json:"reservation_id,omitempty"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	Amount        money.Amount `json:"amount"`
	Kind          Kind         `json:"kind"`
	Status        Status       `json:"status"`
	ExternalRef   string       `json:"external_ref,omitempty"`
	Memo          string       `json:"memo,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
}

// Transition 记录雇佣请求的一次状态迁移，先于内存状态写入。
type Transition struct {
	ID         string       `json:"id"`
	RequestID  string       `json:"request_id"`
	TaskID     string       `json:"task_id"`
	Subtask    string       `json:"subtask"`
	Capability string       `json:"capability,omitempty"`
	State      string       `json:"state"`
	Reason     string       `json:"reason,omitempty"`
	AgentID    string       `json:"agent_id,omitempty"`
	HoldID     string       `json:"hold_id,omitempty"`
	Price      money.Amount `json:"price"`
	Attempt    int          `json:"attempt"`
	CreatedAt  int64        `json:"created_at"`
}

// Filter 用于筛选账本记录。空字段表示不过滤。
type Filter struct {
	TaskID    string
	HoldID    string
	RequestID string
	Kind      Kind
	Status    Status
	Limit     int
}

func (f Filter) matchTransaction(tx *Transaction) bool {
	if f.TaskID != "" && tx.TaskID != f.TaskID {
		return false
	}
	if f.HoldID != "" && tx.HoldID != f.HoldID {
		return false
	}
	if f.Kind != "" && tx.Kind != f.Kind {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	return true
}

func (f Filter) matchTransition(tr *Transition) bool {
	if f.TaskID != "" && tr.TaskID != f.TaskID {
		return false
	}
	if f.RequestID != "" && tr.RequestID != f.RequestID {
		return false
	}
	if f.HoldID != "" && tr.HoldID != f.HoldID {
		return false
	}
	return true
}

// Store 定义账本的持久化接口，必须支持多个任务并发追加。
// 返回的记录按写入顺序排列。
type Store interface {
	Append(ctx context.Context, tx *Transaction) error
	Settle(ctx context.Context, id string, status Status, externalRef string, updatedAt int64) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, filter Filter) ([]*Transaction, error)
	AppendTransition(ctx context.Context, tr *Transition) error
	Transitions(ctx context.Context, filter Filter) ([]*Transition, error)
	Close() error
}

const (
	CodeTransactionNotFound xerrors.Code = "TRANSACTION_NOT_FOUND"
	CodeTransactionSettled  xerrors.Code = "TRANSACTION_SETTLED"
	CodeLedgerWrite         xerrors.Code = "LEDGER_WRITE_FAILED"
)

var (
	// ErrTransactionNotFound 表示交易不存在。
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
	// ErrTransactionSettled 表示交易状态已经确定，不可再次修改。
	ErrTransactionSettled = xerrors.New(CodeTransactionSettled, "transaction already settled")
)

func init() {
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:    "transaction not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeTransactionSettled, xerrors.Attributes{
		Message:    "transaction already settled",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeLedgerWrite, xerrors.Attributes{
		Message:   "ledger write failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneTransaction(tx *Transaction) *Transaction {
	if tx == nil {
		return nil
	}
	copied := *tx
	return &copied
}

func cloneTransition(tr *Transition) *Transition {
	if tr == nil {
		return nil
	}
	copied := *tr
	return &copied
}

func now() int64 { return time.Now().UnixMilli() }
