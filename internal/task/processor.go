package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/observability/alerting"
	"github.com/opspawn/agentos/pkg/logger"
)

// Executor 执行一次任务尝试。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Result, error)
}

// Processor 从队列消费任务 ID，领取后交给 Executor 执行，并根据结果
// 完成、重新排队或终止任务。进入终态的任务都会经过 Finalizer 清理。
type Processor struct {
	executor Executor
	store    Store
	consumer Consumer
	producer Producer

	workers   int
	timeout   time.Duration
	log       *slog.Logger
	finalizer Finalizer
	alerter   alerting.Dispatcher
	observer  func(*Task)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出，默认不输出调试日志。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithTaskTimeout 设置单次尝试的截止时间，0 表示不限制。
func WithTaskTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.timeout = d }
}

// WithFinalizer 配置终态清理逻辑。
func WithFinalizer(f Finalizer) ProcessorOption {
	return func(p *Processor) { p.finalizer = f }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// WithTaskObserver 在任务进入终态并完成清理后回调。
func WithTaskObserver(fn func(*Task)) ProcessorOption {
	return func(p *Processor) { p.observer = fn }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor: executor,
		store:    store,
		consumer: consumer,
		producer: producer,
		workers:  1,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费队列直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	task, err := p.store.Claim(ctx, taskID)
	switch {
	case stdErrors.Is(err, ErrTaskNotFound), stdErrors.Is(err, ErrTaskCompleted):
		p.log.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	case stdErrors.Is(err, ErrTaskExhausted):
		return p.fail(ctx, task, CodeTaskExhausted, err)
	case err != nil:
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.alert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, err := p.attempt(ctx, task)
	if err != nil {
		return p.retryOrFail(ctx, task, err)
	}
	return p.complete(ctx, task, result)
}

// attempt 在截止时间内执行一次任务，执行器忽略超时返回成功时仍按超时处理。
func (p *Processor) attempt(ctx context.Context, task *Task) (Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	result, err := p.executor.Execute(ctx, task)
	if err == nil && ctx.Err() != nil {
		err = xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "任务超过截止时间")
	}
	if err != nil || result == nil {
		return Result{}, err
	}
	return *result, nil
}

func (p *Processor) complete(ctx context.Context, task *Task, result Result) error {
	if err := p.store.MarkCompleted(ctx, task.ID, result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		p.alert(ctx, task, CodeTaskProcessing, err, "mark_completed")
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("mode", string(result.Mode)),
		slog.String("spent", result.Spent.String()),
		slog.Int("subtasks", len(result.Subtasks)),
	)
	p.finalize(ctx, task.ID)
	return nil
}

// retryOrFail 对可重试且仍有剩余次数的失败重新排队，其余直接终止。
func (p *Processor) retryOrFail(ctx context.Context, task *Task, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	if task.Attempts >= task.MaxRetries || !xerrors.RetryableError(cause) {
		return p.fail(ctx, task, code, cause)
	}

	if err := p.store.MarkFailed(ctx, task.ID, code, cause.Error(), false); err != nil {
		logger.L().Error("记录任务失败原因出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	auditFailure("任务执行失败，等待重试", task, code, cause)
	p.alert(ctx, task, code, cause, "retry")

	if err := p.producer.Publish(ctx, task.ID); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "任务重投失败", xerrors.WithMetadata("task_id", task.ID))
		_ = p.fail(ctx, task, CodeTaskPublish, wrapped)
		return wrapped
	}
	p.log.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

// fail 将任务标记为终态失败并执行清理，任务已是终态时只做清理。
func (p *Processor) fail(ctx context.Context, task *Task, code xerrors.Code, cause error) error {
	err := p.store.MarkFailed(ctx, task.ID, code, cause.Error(), true)
	if err != nil && !stdErrors.Is(err, ErrTaskCompleted) {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	auditFailure("任务执行失败", task, code, cause)
	p.alert(ctx, task, code, cause, "terminal")
	p.finalize(ctx, task.ID)
	return nil
}

func auditFailure(msg string, task *Task, code xerrors.Code, cause error) {
	logger.Audit().Warn(msg,
		slog.String("task_id", task.ID),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
}

func (p *Processor) finalize(ctx context.Context, taskID string) {
	ctx = context.WithoutCancel(ctx)
	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		logger.L().Error("读取终态任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return
	}
	if p.finalizer != nil {
		if err := p.finalizer.Finalize(ctx, task); err != nil {
			logger.L().Error("任务终态清理失败", slog.Any("error", err), slog.String("task_id", taskID))
			p.alert(ctx, task, CodeTaskCompensate, xerrors.Wrap(CodeTaskCompensate, err, "任务终态清理失败"), "finalize")
		}
	}
	if p.observer != nil {
		p.observer(task)
	}
}

// alert 在错误本身或错误码要求告警时派发事件。
func (p *Processor) alert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	attrs := xerrors.AttributesOf(code)
	if p.alerter == nil || task == nil || !(attrs.Alert || xerrors.ShouldAlert(cause)) {
		return
	}
	event := alerting.FromError(cause, task.ID, map[string]string{"stage": stage, "cause": cause.Error()})
	event.Code = code
	event.Severity = attrs.Severity
	event.Attempts = task.Attempts
	event.MaxRetries = task.MaxRetries
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("stage", stage))
	}
}
