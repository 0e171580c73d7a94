package task

import (
	"context"
	stdErrors "errors"
	"net/http"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

// Status 表示任务在生命周期中的状态，只能向前推进。
type Status string

const (
	StatusReceived  Status = "received"
	StatusAnalyzing Status = "analyzing"
	StatusHiring    Status = "hiring"
	StatusExecuting Status = "executing"
	StatusVerifying Status = "verifying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusReceived:  0,
	StatusAnalyzing: 1,
	StatusHiring:    2,
	StatusExecuting: 3,
	StatusVerifying: 4,
	StatusCompleted: 5,
	StatusFailed:    5,
}

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// After 判断 s 是否位于 other 之后。
func (s Status) After(other Status) bool {
	return statusRank[s] > statusRank[other]
}

// Mode 描述子任务的组合方式。
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
	ModeDialogue   Mode = "dialogue"
)

// Subtask 是计划中的一个工作单元。
type Subtask struct {
	ID         string       `json:"id"`
	Capability string       `json:"capability"`
	Input      string       `json:"input,omitempty"`
	Ceiling    money.Amount `json:"ceiling,omitempty"`
}

// Plan 是任务拆解结果，也可以随任务一起提交。
type Plan struct {
	Mode     Mode      `json:"mode"`
	Subtasks []Subtask `json:"subtasks"`
}

// SubtaskResult 是子任务的最终产出。
type SubtaskResult struct {
	ID         string       `json:"id"`
	Capability string       `json:"capability"`
	AgentID    string       `json:"agent_id,omitempty"`
	RequestID  string       `json:"request_id,omitempty"`
	Price      money.Amount `json:"price"`
	Internal   bool         `json:"internal,omitempty"`
	Attempts   int          `json:"attempts"`
	Output     string       `json:"output,omitempty"`
}

// Result 汇总任务执行结果。
type Result struct {
	Mode     Mode            `json:"mode"`
	Output   string          `json:"output"`
	Subtasks []SubtaskResult `json:"subtasks,omitempty"`
	Rounds   int             `json:"rounds,omitempty"`
	Spent    money.Amount    `json:"spent"`
}

// Task 描述一次提交给 CEO 的任务。
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Budget      money.Amount   `json:"budget"`
	Plan        *Plan          `json:"plan,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *Result        `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
	// ErrTaskCompleted 表示任务已经到达终态。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already finished")
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:    "task already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCompensate, xerrors.Attributes{
		Message:  "task compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func clonePlan(plan *Plan) *Plan {
	if plan == nil {
		return nil
	}
	out := *plan
	out.Subtasks = append([]Subtask(nil), plan.Subtasks...)
	return &out
}

func cloneResult(result *Result) *Result {
	if result == nil {
		return nil
	}
	out := *result
	out.Subtasks = append([]SubtaskResult(nil), result.Subtasks...)
	return &out
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Plan = clonePlan(task.Plan)
	clone.Result = cloneResult(task.Result)
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	_, ok := statusRank[status]
	return ok
}

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 领取任务并增加尝试次数，终态任务返回 ErrTaskCompleted。
	Claim(ctx context.Context, id string) (*Task, error)
	// Advance 只在 status 位于当前状态之后时生效。
	Advance(ctx context.Context, id string, status Status) error
	MarkCompleted(ctx context.Context, id string, result Result) error
	// MarkFailed 记录失败；terminal 为 false 时保持当前状态等待重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
