// Package escrow 管理以 (task, payer, payee) 为单位的资金冻结、放款与退款。
// 每个 (task, payee) 同一时刻最多一条 HELD 冻结；放款需等待结算服务确认。
package escrow

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opspawn/agentos/internal/budget"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/payment"
	"github.com/opspawn/agentos/pkg/logger"
)

// State 表示冻结状态。
type State string

const (
	StateHeld     State = "HELD"
	StateReleased State = "RELEASED"
	StateRefunded State = "REFUNDED"
)

// Hold 是一条托管冻结的快照。
type Hold struct {
	ID            string       `json:"id"`
	TaskID        string       `json:"task_id"`
	Payer         string       `json:"payer"`
	Payee         string       `json:"payee"`
	Amount        money.Amount `json:"amount"`
	State         State        `json:"state"`
	ReservationID string       `json:"reservation_id"`
	SettlementTx  string       `json:"settlement_tx,omitempty"`
	ExternalRef   string       `json:"external_ref,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	ResolvedAt    int64        `json:"resolved_at,omitempty"`
}

type entry struct {
	mu       sync.Mutex
	hold     Hold
	settling bool
	// pending 为重放时发现的未确认 RELEASE 交易。
	pending *ledger.Transaction
}

type pairSlot struct {
	mu     sync.Mutex
	active string
}

// Option 自定义 Escrow。
type Option func(*Escrow)

// WithObserver 在冻结创建或结算后回调。
func WithObserver(fn func(Hold)) Option {
	return func(e *Escrow) {
		e.observer = fn
	}
}

// Escrow 组合预算跟踪器、账本与结算服务。
type Escrow struct {
	tracker     *budget.Tracker
	journal     *ledger.Journal
	facilitator payment.Facilitator
	observer    func(Hold)
	log         *slog.Logger

	holds sync.Map // holdID -> *entry
	pairs sync.Map // task|payee -> *pairSlot
}

// New 创建 Escrow。
func New(tracker *budget.Tracker, journal *ledger.Journal, facilitator payment.Facilitator, opts ...Option) *Escrow {
	e := &Escrow{
		tracker:     tracker,
		journal:     journal,
		facilitator: facilitator,
		log:         logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// HoldOption 配置单次冻结。
type HoldOption func(*holdConfig)

type holdConfig struct {
	id string
}

// WithHoldID 预先指定冻结 ID，便于调用方在冻结前写入意图记录。
func WithHoldID(id string) HoldOption {
	return func(c *holdConfig) { c.id = id }
}

// Hold 冻结资金。同一 (task, payee) 已有 HELD 冻结时立即返回 EscrowConflict。
func (e *Escrow) Hold(ctx context.Context, taskID, payer, payee string, amount money.Amount, opts ...HoldOption) (Hold, error) {
	if !amount.IsPositive() {
		return Hold{}, budget.ErrInvalidAmount
	}
	if strings.TrimSpace(payee) == "" || strings.TrimSpace(taskID) == "" {
		return Hold{}, xerrors.New(xerrors.CodeInvalidArgument, "task 与 payee 不能为空")
	}

	slot := e.slot(taskID, payee)
	if !slot.mu.TryLock() {
		return Hold{}, conflict(taskID, payee)
	}
	defer slot.mu.Unlock()
	if slot.active != "" {
		return Hold{}, conflict(taskID, payee)
	}

	var cfg holdConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	holdID := cfg.id
	if holdID == "" {
		holdID = uuid.NewString()
	}
	if _, exists := e.holds.Load(holdID); exists {
		return Hold{}, xerrors.New(xerrors.CodeConflict, "冻结 ID 已存在")
	}
	resID, err := e.tracker.Reserve(ctx, taskID, amount, budget.WithIntent(func(ctx context.Context, reservationID string) error {
		_, err := e.journal.Record(ctx, ledger.Transaction{
			TaskID:        taskID,
			HoldID:        holdID,
			ReservationID: reservationID,
			From:          payer,
			To:            payee,
			Amount:        amount,
			Kind:          ledger.KindHold,
			Status:        ledger.StatusConfirmed,
		})
		return err
	}))
	if err != nil {
		return Hold{}, err
	}

	h := Hold{
		ID:            holdID,
		TaskID:        taskID,
		Payer:         payer,
		Payee:         payee,
		Amount:        amount,
		State:         StateHeld,
		ReservationID: resID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	e.holds.Store(holdID, &entry{hold: h})
	slot.active = holdID
	e.log.Info("资金已冻结", slog.String("hold_id", holdID), slog.String("task_id", taskID), slog.String("payee", payee), slog.String("amount", amount.String()))
	e.observe(h)
	return h, nil
}

// Release 放款：写入 PENDING 交易、请求结算服务确认，确认后 commit 预算并迁移到 RELEASED。
// 结算服务拒绝时交易标记 FAILED、冻结自动退款，并返回 PaymentNotConfirmed。
func (e *Escrow) Release(ctx context.Context, holdID string) (Hold, error) {
	ent, err := e.entry(holdID)
	if err != nil {
		return Hold{}, err
	}
	ent.mu.Lock()
	if err := ent.checkResolvable(); err != nil {
		h := ent.hold
		ent.mu.Unlock()
		return h, err
	}
	ent.settling = true
	h := ent.hold
	ent.mu.Unlock()

	proof, err := e.facilitator.ProposePayment(ctx, payment.Request{
		TaskID: h.TaskID,
		HoldID: h.ID,
		Payer:  h.Payer,
		Payee:  h.Payee,
		Amount: h.Amount,
	})
	if err != nil {
		ent.mu.Lock()
		ent.settling = false
		ent.mu.Unlock()
		return h, xerrors.Wrap(payment.CodeFacilitatorFailure, err, "生成支付凭证失败")
	}

	tx, err := e.journal.Record(ctx, ledger.Transaction{
		TaskID:        h.TaskID,
		HoldID:        h.ID,
		ReservationID: h.ReservationID,
		From:          h.Payer,
		To:            h.Payee,
		Amount:        h.Amount,
		Kind:          ledger.KindRelease,
		Status:        ledger.StatusPending,
		Memo:          proof.Encode(),
	})
	if err != nil {
		ent.mu.Lock()
		ent.settling = false
		ent.mu.Unlock()
		return h, err
	}

	conf, confirmErr := e.facilitator.Confirm(ctx, proof)
	// 结算结果已确定，后续记账不随调用方取消而中断。
	return e.finishRelease(context.WithoutCancel(ctx), ent, tx, conf, confirmErr)
}

func (e *Escrow) finishRelease(ctx context.Context, ent *entry, tx *ledger.Transaction, conf payment.Confirmation, confirmErr error) (Hold, error) {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.pending = nil

	if confirmErr == nil && conf.Confirmed {
		err := e.tracker.Commit(ctx, ent.hold.ReservationID, budget.WithIntent(func(ctx context.Context, _ string) error {
			_, err := e.journal.Settle(ctx, tx.ID, ledger.StatusConfirmed, conf.ExternalRef)
			return err
		}))
		if err != nil {
			// 资金可能已在链上转出，保持 settling 阻止退款，等待人工对账。
			e.log.Error("放款已确认但记账失败", slog.String("hold_id", ent.hold.ID), slog.String("transaction_id", tx.ID), slog.Any("error", err))
			return ent.hold, err
		}
		ent.settling = false
		ent.hold.State = StateReleased
		ent.hold.SettlementTx = tx.ID
		ent.hold.ExternalRef = conf.ExternalRef
		ent.hold.ResolvedAt = time.Now().UnixMilli()
		e.clearPair(ent.hold)
		e.log.Info("放款已确认", slog.String("hold_id", ent.hold.ID), slog.String("external_ref", conf.ExternalRef))
		e.observe(ent.hold)
		return ent.hold, nil
	}

	reason := conf.Reason
	if confirmErr != nil {
		reason = confirmErr.Error()
	}
	if _, err := e.journal.Settle(ctx, tx.ID, ledger.StatusFailed, ""); err != nil {
		e.log.Error("标记放款失败出错", slog.String("transaction_id", tx.ID), slog.Any("error", err))
	}
	ent.settling = false
	h, err := e.refundLocked(ctx, ent)
	if err != nil {
		return h, err
	}
	cause := confirmErr
	if cause == nil {
		cause = xerrors.New(payment.CodePaymentNotConfirmed, reason)
	}
	return h, xerrors.Wrap(payment.CodePaymentNotConfirmed, cause, "结算服务未确认支付，已退款",
		xerrors.WithMetadata("hold_id", h.ID),
		xerrors.WithMetadata("reason", reason),
	)
}

// Refund 退款：HELD→REFUNDED，释放预算冻结额度。
func (e *Escrow) Refund(ctx context.Context, holdID string) (Hold, error) {
	ent, err := e.entry(holdID)
	if err != nil {
		return Hold{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if err := ent.checkResolvable(); err != nil {
		return ent.hold, err
	}
	return e.refundLocked(ctx, ent)
}

func (e *Escrow) refundLocked(ctx context.Context, ent *entry) (Hold, error) {
	h := ent.hold
	err := e.tracker.Cancel(ctx, h.ReservationID, budget.WithIntent(func(ctx context.Context, reservationID string) error {
		_, err := e.journal.Record(ctx, ledger.Transaction{
			TaskID:        h.TaskID,
			HoldID:        h.ID,
			ReservationID: reservationID,
			From:          h.Payee,
			To:            h.Payer,
			Amount:        h.Amount,
			Kind:          ledger.KindRefund,
			Status:        ledger.StatusConfirmed,
		})
		return err
	}))
	if err != nil {
		return h, err
	}
	ent.hold.State = StateRefunded
	ent.hold.ResolvedAt = time.Now().UnixMilli()
	e.clearPair(ent.hold)
	e.log.Info("冻结已退款", slog.String("hold_id", h.ID), slog.String("task_id", h.TaskID), slog.String("amount", h.Amount.String()))
	e.observe(ent.hold)
	return ent.hold, nil
}

// Get 返回冻结快照。
func (e *Escrow) Get(holdID string) (Hold, error) {
	ent, err := e.entry(holdID)
	if err != nil {
		return Hold{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.hold, nil
}

// HoldsForTask 返回任务下的全部冻结，按创建时间排序。
func (e *Escrow) HoldsForTask(taskID string) []Hold {
	var out []Hold
	e.holds.Range(func(_, value any) bool {
		ent := value.(*entry)
		ent.mu.Lock()
		if ent.hold.TaskID == taskID {
			out = append(out, ent.hold)
		}
		ent.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// RefundOpen 退还任务下所有仍为 HELD 的冻结，任务进入终态时调用。
func (e *Escrow) RefundOpen(ctx context.Context, taskID string) ([]Hold, error) {
	var (
		refunded []Hold
		errs     []error
	)
	for _, h := range e.HoldsForTask(taskID) {
		if h.State != StateHeld {
			continue
		}
		resolved, err := e.Refund(ctx, h.ID)
		switch {
		case err == nil:
			refunded = append(refunded, resolved)
		case xerrors.Is(err, CodeAlreadyResolved):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return refunded, xerrors.Wrap(CodeInvalidState, errs[0], "部分冻结退款失败")
	}
	return refunded, nil
}

func (e *Escrow) entry(holdID string) (*entry, error) {
	value, ok := e.holds.Load(holdID)
	if !ok {
		return nil, ErrHoldNotFound
	}
	return value.(*entry), nil
}

func (e *Escrow) slot(taskID, payee string) *pairSlot {
	value, _ := e.pairs.LoadOrStore(taskID+"|"+payee, &pairSlot{})
	return value.(*pairSlot)
}

func (e *Escrow) clearPair(h Hold) {
	slot := e.slot(h.TaskID, h.Payee)
	slot.mu.Lock()
	if slot.active == h.ID {
		slot.active = ""
	}
	slot.mu.Unlock()
}

func (e *Escrow) observe(h Hold) {
	if e.observer != nil {
		e.observer(h)
	}
}

func (ent *entry) checkResolvable() error {
	if ent.hold.State != StateHeld {
		return ErrAlreadyResolved
	}
	if ent.settling {
		return ErrInvalidState
	}
	return nil
}

func conflict(taskID, payee string) error {
	return xerrors.New(CodeEscrowConflict, "同一任务与收款方已存在未结算的冻结",
		xerrors.WithMetadata("task_id", taskID),
		xerrors.WithMetadata("payee", payee),
	)
}
