package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/llm"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/task"
)

// Decomposer 将任务拆解为执行计划。
type Decomposer interface {
	Decompose(ctx context.Context, t *task.Task) (task.Plan, error)
}

// DecomposerFunc 允许普通函数实现 Decomposer。
type DecomposerFunc func(ctx context.Context, t *task.Task) (task.Plan, error)

// Decompose 实现 Decomposer。
func (f DecomposerFunc) Decompose(ctx context.Context, t *task.Task) (task.Plan, error) {
	return f(ctx, t)
}

// DefaultPlan 先调研再构建。
func DefaultPlan() task.Plan {
	return task.Plan{
		Mode: task.ModeSequential,
		Subtasks: []task.Subtask{
			{ID: "research", Capability: "research"},
			{ID: "build", Capability: "build"},
		},
	}
}

// Static 优先使用任务自带的计划，缺省时交给 fallback。
type Static struct {
	Fallback Decomposer
}

// Decompose 实现 Decomposer。
func (s Static) Decompose(ctx context.Context, t *task.Task) (task.Plan, error) {
	if t.Plan != nil && len(t.Plan.Subtasks) > 0 {
		return normalizePlan(*t.Plan)
	}
	if s.Fallback != nil {
		return s.Fallback.Decompose(ctx, t)
	}
	return normalizePlan(DefaultPlan())
}

// Catalog 列出注册表中的智能体。
type Catalog interface {
	List(capability string) []registry.Agent
}

// LLMDecomposer 让大模型在已注册的能力范围内生成计划，失败时退回默认计划。
type LLMDecomposer struct {
	client  llm.Client
	catalog Catalog
}

// NewLLMDecomposer 创建 LLMDecomposer。
func NewLLMDecomposer(client llm.Client, catalog Catalog) *LLMDecomposer {
	return &LLMDecomposer{client: client, catalog: catalog}
}

// Decompose 实现 Decomposer。
func (d *LLMDecomposer) Decompose(ctx context.Context, t *task.Task) (task.Plan, error) {
	if d.client == nil {
		return normalizePlan(DefaultPlan())
	}
	capabilities := d.capabilities()
	resp, err := d.client.Generate(ctx, llm.Request{
		Purpose:      llm.PurposeDecompose,
		Goal:         t.Description,
		Capabilities: capabilities,
	})
	if err != nil {
		return task.Plan{}, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型拆解任务失败")
	}
	plan, err := parsePlan(resp.Reply)
	if err != nil {
		return task.Plan{}, err
	}
	if len(capabilities) > 0 {
		known := make(map[string]struct{}, len(capabilities))
		for _, c := range capabilities {
			known[c] = struct{}{}
		}
		for _, sub := range plan.Subtasks {
			if _, ok := known[sub.Capability]; !ok {
				return task.Plan{}, xerrors.Errorf(xerrors.CodeExecutorFailure, "计划包含未注册的能力 %q", sub.Capability)
			}
		}
	}
	return plan, nil
}

func (d *LLMDecomposer) capabilities() []string {
	if d.catalog == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, agent := range d.catalog.List("") {
		if !agent.Active {
			continue
		}
		for _, c := range agent.Capabilities {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func parsePlan(reply string) (task.Plan, error) {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	var plan task.Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &plan); err != nil {
		return task.Plan{}, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "无法解析任务计划")
	}
	return normalizePlan(plan)
}

func normalizePlan(plan task.Plan) (task.Plan, error) {
	if plan.Mode == "" {
		plan.Mode = task.ModeSequential
	}
	switch plan.Mode {
	case task.ModeSequential, task.ModeConcurrent, task.ModeDialogue:
	default:
		return task.Plan{}, xerrors.Errorf(xerrors.CodeInvalidArgument, "不支持的组合方式 %q", plan.Mode)
	}
	if len(plan.Subtasks) == 0 {
		return task.Plan{}, xerrors.New(xerrors.CodeInvalidArgument, "计划中没有子任务")
	}
	out := task.Plan{Mode: plan.Mode, Subtasks: make([]task.Subtask, 0, len(plan.Subtasks))}
	seen := make(map[string]int, len(plan.Subtasks))
	for i, sub := range plan.Subtasks {
		sub.Capability = strings.ToLower(strings.TrimSpace(sub.Capability))
		if sub.Capability == "" {
			return task.Plan{}, xerrors.Errorf(xerrors.CodeInvalidArgument, "第 %d 个子任务缺少能力", i+1)
		}
		sub.ID = strings.TrimSpace(sub.ID)
		if sub.ID == "" {
			sub.ID = sub.Capability
		}
		if n := seen[sub.ID]; n > 0 {
			sub.ID = fmt.Sprintf("%s-%d", sub.ID, n+1)
		}
		seen[sub.ID]++
		out.Subtasks = append(out.Subtasks, sub)
	}
	return out, nil
}
