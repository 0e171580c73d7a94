package orchestrator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/opspawn/agentos/internal/budget"
	"github.com/opspawn/agentos/internal/escrow"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/hiring"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/task"
	"github.com/opspawn/agentos/pkg/logger"
)

// Hirer 为一个子任务执行一次雇佣尝试。
type Hirer interface {
	Hire(ctx context.Context, spec hiring.Spec) (*hiring.Request, error)
}

// Directory 提供内部智能体兜底所需的查询。
type Directory interface {
	FindInternal(capability string) []registry.Agent
	List(capability string) []registry.Agent
}

// Funds 在任务终态时退还未结算的冻结。
type Funds interface {
	RefundOpen(ctx context.Context, taskID string) ([]escrow.Hold, error)
}

// Budgets 在任务终态时关闭预算。
type Budgets interface {
	Close(taskID string) (budget.Allocation, error)
}

// Config 控制编排行为。
type Config struct {
	// RetryLimit 是单个子任务在首次尝试之外允许的重试次数。
	RetryLimit        int
	Concurrency       int
	MaxDialogueRounds int
}

func (c Config) withDefaults() Config {
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxDialogueRounds <= 0 {
		c.MaxDialogueRounds = 10
	}
	return c
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithDecomposer 设置任务拆解器。
func WithDecomposer(d Decomposer) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.decomposer = d
		}
	}
}

// WithDirectory 配置内部智能体兜底。
func WithDirectory(d Directory) Option {
	return func(o *Orchestrator) {
		o.directory = d
	}
}

// WithStatusSink 配置任务状态推进。
func WithStatusSink(sink task.StatusSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithSettlement 配置终态时的资金清理。
func WithSettlement(funds Funds, budgets Budgets) Option {
	return func(o *Orchestrator) {
		o.funds = funds
		o.budgets = budgets
	}
}

// Orchestrator 实现 task.Executor 与 task.Finalizer。
type Orchestrator struct {
	cfg        Config
	hirer      Hirer
	decomposer Decomposer
	directory  Directory
	sink       task.StatusSink
	funds      Funds
	budgets    Budgets
	log        *slog.Logger
}

// New 创建一个 Orchestrator。
func New(hirer Hirer, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		hirer:      hirer,
		decomposer: Static{},
		log:        logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Execute 拆解任务并按计划组合子任务结果。
func (o *Orchestrator) Execute(ctx context.Context, t *task.Task) (*task.Result, error) {
	if o.hirer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置雇佣管理器")
	}
	if t == nil || t.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}

	plan, err := o.decomposer.Decompose(ctx, t)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "任务拆解超时")
		}
		return nil, err
	}
	o.log.Info("任务拆解完成",
		slog.String("task_id", t.ID),
		slog.String("mode", string(plan.Mode)),
		slog.Int("subtasks", len(plan.Subtasks)),
	)
	o.advance(ctx, t.ID, task.StatusHiring)

	run := &execution{o: o, task: t, plan: plan, started: time.Now()}
	var result *task.Result
	switch plan.Mode {
	case task.ModeConcurrent:
		result, err = run.concurrent(ctx)
	case task.ModeDialogue:
		result, err = run.dialogue(ctx)
	default:
		result, err = run.sequential(ctx)
	}
	if err != nil {
		if ctx.Err() != nil && !xerrors.Is(err, xerrors.CodeTimeout) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "任务超过截止时间",
				xerrors.WithRetryable(false))
		}
		return nil, err
	}
	o.log.Info("任务编排完成",
		slog.String("task_id", t.ID),
		slog.String("spent", result.Spent.String()),
		slog.Duration("elapsed", time.Since(run.started)),
	)
	return result, nil
}

// Finalize 退还任务遗留的冻结并关闭预算。
func (o *Orchestrator) Finalize(ctx context.Context, t *task.Task) error {
	if t == nil {
		return nil
	}
	var errs []error
	if o.funds != nil {
		refunded, err := o.funds.RefundOpen(ctx, t.ID)
		if err != nil {
			errs = append(errs, err)
		}
		if len(refunded) > 0 {
			o.log.Warn("任务终态时退还遗留冻结", slog.String("task_id", t.ID), slog.Int("holds", len(refunded)))
		}
	}
	if o.budgets != nil && len(errs) == 0 {
		alloc, err := o.budgets.Close(t.ID)
		switch {
		case err == nil:
			logger.Audit().Info("任务预算已关闭",
				slog.String("task_id", t.ID),
				slog.String("status", string(t.Status)),
				slog.String("allocated", alloc.Allocated.String()),
				slog.String("spent", alloc.Spent.String()),
			)
		case xerrors.Is(err, budget.CodeAllocationNotFound), xerrors.Is(err, budget.CodeBudgetClosed):
		default:
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func (o *Orchestrator) advance(ctx context.Context, taskID string, status task.Status) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Advance(context.WithoutCancel(ctx), taskID, status); err != nil {
		o.log.Warn("推进任务状态失败", slog.String("task_id", taskID), slog.String("status", string(status)), slog.Any("error", err))
	}
}

// StatusObserver 把雇佣状态映射为任务状态，注册到 hiring.WithObserver。
func StatusObserver(sink task.StatusSink) func(hiring.Request) {
	return func(req hiring.Request) {
		var status task.Status
		switch req.State {
		case hiring.StateDiscovering, hiring.StateCandidateSelected, hiring.StateNegotiating, hiring.StateEscrowed:
			status = task.StatusHiring
		case hiring.StateAssigned:
			status = task.StatusExecuting
		case hiring.StateVerifying:
			status = task.StatusVerifying
		default:
			return
		}
		if err := sink.Advance(context.Background(), req.TaskID, status); err != nil {
			logger.Named("orchestrator").Debug("同步任务状态失败", slog.String("task_id", req.TaskID), slog.Any("error", err))
		}
	}
}
