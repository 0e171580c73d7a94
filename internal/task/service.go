package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opspawn/agentos/internal/budget"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/pkg/logger"
)

// SubmitRequest 描述一次任务提交。
type SubmitRequest struct {
	ID          string         `json:"id,omitempty"`
	Description string         `json:"description"`
	Budget      money.Amount   `json:"budget"`
	Plan        *Plan          `json:"plan,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// BudgetAllocator 在任务受理时为其分配预算。
type BudgetAllocator interface {
	Allocate(ctx context.Context, taskID string, amount money.Amount) (budget.Allocation, error)
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	budgets    BudgetAllocator
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, budgets BudgetAllocator, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, budgets: budgets, maxRetries: maxRetries}
}

// Submit 校验并保存任务，分配预算后推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}
	if !req.Budget.IsPositive() {
		return nil, xerrors.New(CodeTaskValidation, "任务预算必须大于 0")
	}
	if err := validatePlan(req.Plan); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil || s.budgets == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:          taskID,
		Description: strings.TrimSpace(req.Description),
		Budget:      req.Budget,
		Plan:        clonePlan(req.Plan),
		Metadata:    cloneMetadata(req.Metadata),
		Status:      StatusReceived,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if _, err := s.budgets.Allocate(ctx, taskID, req.Budget); err != nil && !xerrors.Is(err, budget.CodeDuplicateAllocation) {
		logger.L().Error("分配任务预算失败", slog.Any("error", err), slog.String("task_id", taskID))
		_ = s.store.MarkFailed(ctx, taskID, xerrors.CodeOf(err), err.Error(), true)
		return nil, err
	}

	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("budget", task.Budget.String()),
		slog.Bool("planned", task.Plan != nil),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

func validatePlan(plan *Plan) error {
	if plan == nil {
		return nil
	}
	switch plan.Mode {
	case "", ModeSequential, ModeConcurrent, ModeDialogue:
	default:
		return xerrors.Errorf(CodeTaskValidation, "不支持的组合方式 %q", plan.Mode)
	}
	if len(plan.Subtasks) == 0 {
		return xerrors.New(CodeTaskValidation, "计划至少需要一个子任务")
	}
	seen := make(map[string]struct{}, len(plan.Subtasks))
	for i, sub := range plan.Subtasks {
		if strings.TrimSpace(sub.Capability) == "" {
			return xerrors.Errorf(CodeTaskValidation, "第 %d 个子任务缺少能力", i+1)
		}
		if sub.Ceiling < 0 {
			return xerrors.Errorf(CodeTaskValidation, "第 %d 个子任务价格上限为负数", i+1)
		}
		if sub.ID == "" {
			continue
		}
		if _, dup := seen[sub.ID]; dup {
			return xerrors.Errorf(CodeTaskValidation, "子任务 ID %q 重复", sub.ID)
		}
		seen[sub.ID] = struct{}{}
	}
	return nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
