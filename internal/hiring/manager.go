package hiring

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opspawn/agentos/internal/budget"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/escrow"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/payment"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/scorer"
	"github.com/opspawn/agentos/pkg/logger"
)

// Directory 提供候选 Agent。
type Directory interface {
	Find(capability string, maxPrice money.Amount, exclude ...string) []registry.Agent
}

// Budgets 提供任务预算余量。
type Budgets interface {
	Get(taskID string) (budget.Allocation, error)
}

// Funds 是托管操作。
type Funds interface {
	Hold(ctx context.Context, taskID, payer, payee string, amount money.Amount, opts ...escrow.HoldOption) (escrow.Hold, error)
	Release(ctx context.Context, holdID string) (escrow.Hold, error)
	Refund(ctx context.Context, holdID string) (escrow.Hold, error)
	Get(holdID string) (escrow.Hold, error)
}

// Ranker 对候选 Agent 重新排序。
type Ranker interface {
	Order(ctx context.Context, candidates []registry.Agent) ([]registry.Agent, error)
}

// FeedbackSink 接收雇佣结果反馈。
type FeedbackSink interface {
	RecordOutcome(ctx context.Context, fb scorer.Feedback) (scorer.AgentScore, error)
}

// Config 控制雇佣流程。
type Config struct {
	Payer                string
	DispatchTimeout      time.Duration
	VerifyTimeout        time.Duration
	MaxNegotiationRounds int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Payer) == "" {
		c.Payer = "ceo"
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Minute
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 30 * time.Second
	}
	if c.MaxNegotiationRounds <= 0 {
		c.MaxNegotiationRounds = 1
	}
	return c
}

// Dependencies 汇总雇佣管理器依赖的组件。
type Dependencies struct {
	Directory  Directory
	Budgets    Budgets
	Funds      Funds
	Journal    *ledger.Journal
	Invoker    Invoker
	Verifier   Verifier
	Negotiator Negotiator
	Ranker     Ranker
	Feedback   FeedbackSink
}

// Option 配置 Manager。
type Option func(*Manager)

// WithObserver 注册状态变化回调。
func WithObserver(fn func(Request)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}

// Manager 驱动雇佣状态机。每次迁移先写账本，再推进内存状态。
type Manager struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	observers []func(Request)

	mu       sync.RWMutex
	requests map[string]*Request
	live     map[string]string
}

// NewManager 创建雇佣管理器。
func NewManager(cfg Config, deps Dependencies, opts ...Option) *Manager {
	if deps.Negotiator == nil {
		deps.Negotiator = ListPrice{}
	}
	if deps.Verifier == nil {
		deps.Verifier = NonEmpty()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		log:      logger.Named("hiring"),
		requests: make(map[string]*Request),
		live:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Hire 为子任务完成一次完整的雇佣尝试并返回终态请求。
// 业务失败（无候选、超时、验收不通过等）体现在 Request.Reason 中；
// 返回的 error 仅表示参数错误、基础设施故障或需要告警的结算问题。
func (m *Manager) Hire(ctx context.Context, spec Spec) (*Request, error) {
	spec.TaskID = strings.TrimSpace(spec.TaskID)
	spec.Capability = strings.ToLower(strings.TrimSpace(spec.Capability))
	if spec.TaskID == "" || spec.Capability == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "雇佣请求缺少任务 ID 或能力")
	}
	if spec.Ceiling < 0 {
		return nil, budget.ErrInvalidAmount
	}
	if strings.TrimSpace(spec.Subtask) == "" {
		spec.Subtask = spec.Capability
	}
	if spec.Attempt <= 0 {
		spec.Attempt = 1
	}

	req, err := m.open(spec)
	if err != nil {
		return nil, err
	}
	if err := m.advance(ctx, req, StateDiscovering, ReasonNone, nil); err != nil {
		m.abandon(req)
		return nil, err
	}
	err = m.run(ctx, req, spec)
	out := m.snapshot(req)
	return &out, err
}

func (m *Manager) open(spec Spec) (*Request, error) {
	key := spec.TaskID + "|" + spec.Subtask
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.live[key]; ok {
		return nil, xerrors.New(CodeHireInFlight, "子任务已有进行中的雇佣",
			xerrors.WithMetadata("request_id", id))
	}
	now := time.Now().UnixMilli()
	req := &Request{
		ID:         uuid.NewString(),
		TaskID:     spec.TaskID,
		Subtask:    spec.Subtask,
		Capability: spec.Capability,
		Ceiling:    spec.Ceiling,
		Attempt:    spec.Attempt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.requests[req.ID] = req
	m.live[key] = req.ID
	return req, nil
}

func (m *Manager) abandon(req *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, req.ID)
	delete(m.live, req.TaskID+"|"+req.Subtask)
}

func (m *Manager) run(ctx context.Context, req *Request, spec Spec) error {
	alloc, err := m.deps.Budgets.Get(spec.TaskID)
	if err != nil {
		return m.fail(ctx, req, ReasonBudgetUnavailable, err)
	}
	maxPrice := money.Min(spec.Ceiling, alloc.Headroom())
	candidates := m.deps.Directory.Find(spec.Capability, maxPrice, spec.Exclude...)
	if len(candidates) == 0 {
		return m.fail(ctx, req, ReasonNoCandidate, nil)
	}
	if m.deps.Ranker != nil && len(candidates) > 1 {
		ordered, err := m.deps.Ranker.Order(ctx, candidates)
		if err != nil {
			m.log.Warn("候选排序失败，沿用注册表顺序", slog.String("task_id", spec.TaskID), slog.Any("error", err))
		} else if len(ordered) > 0 {
			candidates = ordered
		}
	}
	agent := candidates[0]

	if err := m.advance(ctx, req, StateCandidateSelected, ReasonNone, func(r *Request) {
		r.AgentID = agent.ID
	}); err != nil {
		return err
	}

	price, ok, err := m.negotiate(ctx, req, agent, spec, maxPrice)
	if err != nil {
		return err
	}
	if !ok {
		return m.fail(ctx, req, ReasonPriceExceeded, nil)
	}

	started := time.Now()
	if price.IsPositive() {
		holdID := uuid.NewString()
		if err := m.advance(ctx, req, StateEscrowed, ReasonNone, func(r *Request) {
			r.Price = price
			r.HoldID = holdID
		}); err != nil {
			return err
		}
		if _, err := m.deps.Funds.Hold(ctx, spec.TaskID, m.cfg.Payer, agent.ID, price, escrow.WithHoldID(holdID)); err != nil {
			m.setHold(req, "")
			switch {
			case xerrors.Is(err, escrow.CodeEscrowConflict):
				return m.fail(ctx, req, ReasonEscrowConflict, nil)
			case xerrors.Is(err, budget.CodeBudgetExceeded):
				return m.fail(ctx, req, ReasonBudgetExceeded, nil)
			default:
				_ = m.fail(ctx, req, ReasonSettlementFailed, err)
				return err
			}
		}
	} else {
		if err := m.advance(ctx, req, StateEscrowed, ReasonNone, func(r *Request) { r.Price = 0 }); err != nil {
			return err
		}
	}

	if err := m.advance(ctx, req, StateAssigned, ReasonNone, nil); err != nil {
		m.resolveHold(ctx, req)
		return err
	}

	result, err := m.dispatch(ctx, req, agent, spec)
	if err != nil {
		reason := ReasonAgentFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || xerrors.Is(err, CodeAgentTimeout) {
			reason = ReasonAgentTimeout
		}
		m.log.Warn("agent 执行失败",
			slog.String("request_id", req.ID),
			slog.String("agent_id", agent.ID),
			slog.String("reason", string(reason)),
			slog.Any("error", err),
		)
		m.feedback(ctx, req, scorer.OutcomeFailure, 0, started)
		return m.fail(ctx, req, reason, err)
	}

	if err := m.advance(ctx, req, StateVerifying, ReasonNone, func(r *Request) {
		r.Output = result.Output
	}); err != nil {
		m.resolveHold(ctx, req)
		return err
	}

	verdict := m.verify(ctx, req, agent, spec, result)
	if !verdict.Passed {
		m.feedback(ctx, req, scorer.OutcomeFailure, verdict.Quality, started)
		setQuality := func(r *Request) {
			r.Quality = verdict.Quality
			r.Error = verdict.Notes
		}
		if req.HoldID == "" {
			return m.finish(ctx, req, StateFailed, ReasonVerificationFailed, setQuality)
		}
		return m.finish(ctx, req, StateRefunded, ReasonVerificationFailed, setQuality)
	}

	if req.HoldID != "" {
		if _, err := m.deps.Funds.Release(ctx, req.HoldID); err != nil {
			if xerrors.Is(err, payment.CodePaymentNotConfirmed) {
				// 工作本身已通过验收，反馈仍记为成功。
				m.feedback(ctx, req, scorer.OutcomeSuccess, verdict.Quality, started)
				_ = m.finish(ctx, req, StateFailed, ReasonPaymentNotConfirmed, func(r *Request) {
					r.Quality = verdict.Quality
					r.Error = err.Error()
				})
				return err
			}
			_ = m.fail(ctx, req, ReasonSettlementFailed, err)
			return err
		}
	}
	m.feedback(ctx, req, scorer.OutcomeSuccess, verdict.Quality, started)
	return m.finish(ctx, req, StateReleased, ReasonNone, func(r *Request) {
		r.Quality = verdict.Quality
	})
}

// negotiate 进行有限轮议价，报价不超过 maxPrice 即成交。
func (m *Manager) negotiate(ctx context.Context, req *Request, agent registry.Agent, spec Spec, maxPrice money.Amount) (money.Amount, bool, error) {
	for round := 1; round <= m.cfg.MaxNegotiationRounds; round++ {
		if err := m.advance(ctx, req, StateNegotiating, ReasonNone, func(r *Request) {
			r.Rounds = round
		}); err != nil {
			return 0, false, err
		}
		quote, err := m.deps.Negotiator.Quote(ctx, agent, Offer{Round: round, Ceiling: maxPrice, Spec: spec})
		if err != nil {
			m.log.Warn("议价失败", slog.String("agent_id", agent.ID), slog.Int("round", round), slog.Any("error", err))
			return 0, false, nil
		}
		if quote >= 0 && quote <= maxPrice {
			return quote, true, nil
		}
	}
	return 0, false, nil
}

// dispatch 在超时内等待 Agent 返回，即使 Invoker 未遵守 context 也不会无限阻塞。
func (m *Manager) dispatch(ctx context.Context, req *Request, agent registry.Agent, spec Spec) (Result, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	inv := Invocation{
		RequestID:  req.ID,
		TaskID:     spec.TaskID,
		Subtask:    spec.Subtask,
		Capability: spec.Capability,
		Goal:       spec.Goal,
		Input:      spec.Input,
		Price:      m.snapshot(req).Price,
	}
	go func() {
		result, err := m.deps.Invoker.Invoke(dctx, agent, inv)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && dctx.Err() != nil {
			return Result{}, xerrors.Wrap(CodeAgentTimeout, out.err, "")
		}
		return out.result, out.err
	case <-dctx.Done():
		return Result{}, xerrors.Wrap(CodeAgentTimeout, dctx.Err(), "")
	}
}

func (m *Manager) verify(ctx context.Context, req *Request, agent registry.Agent, spec Spec, result Result) Verdict {
	vctx, cancel := context.WithTimeout(ctx, m.cfg.VerifyTimeout)
	defer cancel()
	verdict, err := m.deps.Verifier.Verify(vctx, Check{
		TaskID:     spec.TaskID,
		Subtask:    spec.Subtask,
		Capability: spec.Capability,
		Goal:       spec.Goal,
		Input:      spec.Input,
		AgentID:    agent.ID,
		Result:     result,
	})
	if err != nil {
		m.log.Warn("验收失败，按不通过处理", slog.String("request_id", req.ID), slog.Any("error", err))
		return Verdict{Passed: false, Notes: err.Error()}
	}
	return verdict
}

// fail 以 FAILED 结束请求，未结算的冻结一并退款。
func (m *Manager) fail(ctx context.Context, req *Request, reason Reason, cause error) error {
	return m.finish(ctx, req, StateFailed, reason, func(r *Request) {
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// finish 写入终态迁移，然后退还仍处于 HELD 的冻结。
func (m *Manager) finish(ctx context.Context, req *Request, state State, reason Reason, mutate func(*Request)) error {
	if err := m.advance(ctx, req, state, reason, mutate); err != nil {
		m.resolveHold(ctx, req)
		return err
	}
	m.resolveHold(ctx, req)
	return nil
}

// resolveHold 退还请求名下未结算的冻结。
func (m *Manager) resolveHold(ctx context.Context, req *Request) {
	holdID := m.snapshot(req).HoldID
	if holdID == "" {
		return
	}
	_, err := m.deps.Funds.Refund(context.WithoutCancel(ctx), holdID)
	switch {
	case err == nil:
	case xerrors.Is(err, escrow.CodeAlreadyResolved), xerrors.Is(err, escrow.CodeHoldNotFound):
	default:
		m.log.Error("退还冻结失败，需要人工对账",
			slog.String("request_id", req.ID),
			slog.String("hold_id", holdID),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) feedback(ctx context.Context, req *Request, outcome scorer.Outcome, quality float64, started time.Time) {
	if m.deps.Feedback == nil {
		return
	}
	snap := m.snapshot(req)
	if snap.AgentID == "" {
		return
	}
	_, err := m.deps.Feedback.RecordOutcome(context.WithoutCancel(ctx), scorer.Feedback{
		AgentID:   snap.AgentID,
		TaskID:    snap.TaskID,
		RequestID: snap.ID,
		Outcome:   outcome,
		Quality:   quality,
		LatencyMS: time.Since(started).Milliseconds(),
		Cost:      snap.Price,
	})
	if err != nil {
		m.log.Warn("写入反馈失败", slog.String("agent_id", snap.AgentID), slog.Any("error", err))
	}
}

// advance 先把迁移写入账本，成功后才修改内存状态并通知观察者。
func (m *Manager) advance(ctx context.Context, req *Request, state State, reason Reason, mutate func(*Request)) error {
	next := m.snapshot(req)
	if mutate != nil {
		mutate(&next)
	}
	err := m.deps.Journal.Transition(context.WithoutCancel(ctx), ledger.Transition{
		RequestID:  next.ID,
		TaskID:     next.TaskID,
		Subtask:    next.Subtask,
		Capability: next.Capability,
		State:      string(state),
		Reason:     string(reason),
		AgentID:    next.AgentID,
		HoldID:     next.HoldID,
		Price:      next.Price,
		Attempt:    next.Attempt,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	next.State = state
	next.Reason = reason
	next.UpdatedAt = time.Now().UnixMilli()
	*req = next
	if state.Terminal() {
		delete(m.live, req.TaskID+"|"+req.Subtask)
	}
	out := *req
	m.mu.Unlock()

	for _, fn := range m.observers {
		fn(out)
	}
	return nil
}

func (m *Manager) setHold(req *Request, holdID string) {
	m.mu.Lock()
	req.HoldID = holdID
	m.mu.Unlock()
}

func (m *Manager) snapshot(req *Request) Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *req
}

// Get 返回请求快照。
func (m *Manager) Get(id string) (Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return *req, nil
}

// List 返回任务下的全部请求，按创建时间排序。taskID 为空时返回全部。
func (m *Manager) List(taskID string) []Request {
	m.mu.RLock()
	out := make([]Request, 0, len(m.requests))
	for _, req := range m.requests {
		if taskID == "" || req.TaskID == taskID {
			out = append(out, *req)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Recover 扫描账本中未到终态的请求，退还其冻结并以 Interrupted 结束。
// 应在托管 Replay 与 Reconcile 之后、接收新请求之前调用。
func (m *Manager) Recover(ctx context.Context) ([]Request, error) {
	transitions, err := m.deps.Journal.Transitions(ctx, ledger.Filter{})
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*ledger.Transition)
	order := make([]string, 0)
	for _, tr := range transitions {
		if _, seen := latest[tr.RequestID]; !seen {
			order = append(order, tr.RequestID)
		}
		latest[tr.RequestID] = tr
	}

	var recovered []Request
	for _, id := range order {
		tr := latest[id]
		if State(tr.State).Terminal() {
			continue
		}
		req := &Request{
			ID:         tr.RequestID,
			TaskID:     tr.TaskID,
			Subtask:    tr.Subtask,
			Capability: tr.Capability,
			Attempt:    tr.Attempt,
			State:      State(tr.State),
			AgentID:    tr.AgentID,
			HoldID:     tr.HoldID,
			Price:      tr.Price,
			CreatedAt:  tr.CreatedAt,
			UpdatedAt:  tr.CreatedAt,
		}
		m.mu.Lock()
		m.requests[req.ID] = req
		m.mu.Unlock()

		if hold, err := m.deps.Funds.Get(req.HoldID); req.HoldID != "" && err == nil && hold.State == escrow.StateReleased {
			// 付款已完成但终态迁移未写入。
			if err := m.advance(ctx, req, StateReleased, ReasonNone, nil); err != nil {
				return recovered, err
			}
		} else if err := m.fail(ctx, req, ReasonInterrupted, nil); err != nil {
			return recovered, err
		}
		m.log.Warn("恢复中断的雇佣请求",
			slog.String("request_id", req.ID),
			slog.String("task_id", req.TaskID),
			slog.String("state", tr.State),
		)
		recovered = append(recovered, m.snapshot(req))
	}
	return recovered, nil
}
