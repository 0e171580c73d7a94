package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/hiring"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/task"
)

// hireSubtask 为子任务雇佣 Agent：可重试的失败会排除已失败的 Agent 后换人重试，
// 无候选或报价超限时若注册了内部 Agent 则退回内部执行。
func (e *execution) hireSubtask(ctx context.Context, sub task.Subtask, key, input string) (task.SubtaskResult, error) {
	o := e.o
	ceiling := sub.Ceiling
	if !ceiling.IsPositive() {
		ceiling = e.task.Budget
	}

	var (
		exclude  []string
		lastErr  error
		fellBack bool
		retries  int
	)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return task.SubtaskResult{}, subtaskError(sub, lastErr)
			}
			return task.SubtaskResult{}, xerrors.Wrap(xerrors.CodeTimeout, err, "子任务未能在截止时间前开始")
		}
		req, err := o.hirer.Hire(ctx, hiring.Spec{
			TaskID:      e.task.ID,
			Subtask:     key,
			Capability:  sub.Capability,
			Ceiling:     ceiling,
			Goal:        e.task.Description,
			Input:       input,
			Exclude:     exclude,
			Attempt:     attempt,
			Description: sub.Input,
		})
		if err != nil {
			return task.SubtaskResult{}, subtaskError(sub, err)
		}
		if req.State == hiring.StateReleased {
			return task.SubtaskResult{
				ID:         key,
				Capability: sub.Capability,
				AgentID:    req.AgentID,
				RequestID:  req.ID,
				Price:      req.Price,
				Internal:   e.isInternal(sub.Capability, req.AgentID),
				Attempts:   attempt,
				Output:     req.Output,
			}, nil
		}

		lastErr = req.Err()
		o.log.Info("子任务雇佣未成功",
			slog.String("task_id", e.task.ID),
			slog.String("subtask", key),
			slog.String("request_id", req.ID),
			slog.String("agent_id", req.AgentID),
			slog.String("reason", string(req.Reason)),
			slog.Int("attempt", attempt),
		)

		switch {
		case req.Retryable() || req.Reason == hiring.ReasonEscrowConflict:
			if retries >= o.cfg.RetryLimit {
				return task.SubtaskResult{}, subtaskError(sub, lastErr)
			}
			retries++
			if req.AgentID != "" {
				exclude = append(exclude, req.AgentID)
			}
		case req.Reason == hiring.ReasonNoCandidate || req.Reason == hiring.ReasonPriceExceeded:
			if fellBack {
				return task.SubtaskResult{}, subtaskError(sub, lastErr)
			}
			next, ok := e.internalOnly(sub.Capability, exclude)
			if !ok {
				return task.SubtaskResult{}, subtaskError(sub, lastErr)
			}
			fellBack = true
			exclude = next
			o.log.Info("退回内部智能体执行", slog.String("task_id", e.task.ID), slog.String("subtask", key))
		default:
			return task.SubtaskResult{}, subtaskError(sub, lastErr)
		}
	}
}

// internalOnly 返回排除所有外部 Agent 的列表；没有可用的内部 Agent 时返回 false。
func (e *execution) internalOnly(capability string, exclude []string) ([]string, bool) {
	dir := e.o.directory
	if dir == nil {
		return nil, false
	}
	skipped := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skipped[id] = struct{}{}
	}
	available := false
	for _, agent := range dir.FindInternal(capability) {
		if _, ok := skipped[agent.ID]; !ok {
			available = true
			break
		}
	}
	if !available {
		return nil, false
	}
	next := append([]string(nil), exclude...)
	for _, agent := range dir.List(capability) {
		if !agent.Internal {
			next = append(next, agent.ID)
		}
	}
	return next, true
}

func (e *execution) isInternal(capability, agentID string) bool {
	if e.o.directory == nil || agentID == "" {
		return false
	}
	for _, agent := range e.o.directory.FindInternal(capability) {
		if agent.ID == agentID {
			return true
		}
	}
	return false
}

// subtaskError 保留底层错误码，但子任务内部已经重试过，任务层不再整体重试。
func subtaskError(sub task.Subtask, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeExecutorFailure
	}
	retryable := false
	if !isHiringOutcome(code) {
		retryable = xerrors.RetryableError(cause)
	}
	return xerrors.Wrap(code, cause, fmt.Sprintf("子任务 %s (%s) 失败", sub.ID, sub.Capability),
		xerrors.WithRetryable(retryable),
		xerrors.WithMetadata("subtask", sub.ID),
	)
}

func isHiringOutcome(code xerrors.Code) bool {
	switch code {
	case hiring.CodeNoCandidate, hiring.CodePriceExceeded, hiring.CodeAgentTimeout,
		hiring.CodeAgentFailed, hiring.CodeVerificationFailed:
		return true
	}
	return false
}

func sumSpent(results []task.SubtaskResult) money.Amount {
	var total money.Amount
	for _, r := range results {
		total += r.Price
	}
	return total
}
