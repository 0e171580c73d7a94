package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/hiring"
	"github.com/opspawn/agentos/internal/llm"
	"github.com/opspawn/agentos/internal/registry"
)

// Worker 是内部智能体的执行器。配置大模型时由大模型产出交付物，
// 否则生成确定性的工作报告。
type Worker struct {
	llmClient   llm.Client
	memoryDepth int
	llmTimeout  time.Duration

	mu      sync.Mutex
	history map[string][]llm.HistoryEntry
}

// Option 定义可选的 Worker 配置。
type Option func(*Worker)

// defaultMemoryDepth 是同一任务内可参考的历史产出数量的默认值。
const defaultMemoryDepth = 5

// WithMemoryDepth 设置大模型调用时可参考的历史产出数量。
func WithMemoryDepth(depth int) Option {
	return func(w *Worker) {
		w.memoryDepth = depth
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(w *Worker) {
		if timeout <= 0 {
			w.llmTimeout = 0
			return
		}
		w.llmTimeout = timeout
	}
}

// New 创建内部 Worker。llmClient 可以为 nil。
func New(llmClient llm.Client, opts ...Option) *Worker {
	w := &Worker{
		llmClient:   llmClient,
		memoryDepth: defaultMemoryDepth,
		history:     make(map[string][]llm.HistoryEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.memoryDepth <= 0 {
		w.memoryDepth = defaultMemoryDepth
	}
	return w
}

// Invoke 实现 hiring.Invoker。
func (w *Worker) Invoke(ctx context.Context, agent registry.Agent, inv hiring.Invocation) (hiring.Result, error) {
	if strings.TrimSpace(inv.Capability) == "" {
		return hiring.Result{}, xerrors.New(xerrors.CodeInvalidArgument, "调用缺少能力标签")
	}
	if err := ctx.Err(); err != nil {
		return hiring.Result{}, err
	}

	var (
		output  string
		thought string
	)
	if w.llmClient == nil {
		output = report(agent, inv)
	} else {
		llmCtx := ctx
		if w.llmTimeout > 0 {
			var cancel context.CancelFunc
			llmCtx, cancel = context.WithTimeout(ctx, w.llmTimeout)
			defer cancel()
		}
		resp, err := w.llmClient.Generate(llmCtx, llm.Request{
			Purpose:      llm.PurposeExecute,
			Goal:         goalOf(inv),
			Input:        inv.Input,
			Capabilities: []string{inv.Capability},
			History:      w.loadHistory(inv.TaskID),
		})
		if err != nil {
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return hiring.Result{}, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
			}
			return hiring.Result{}, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
		}
		output, thought = strings.TrimSpace(resp.Reply), resp.Thought
		if output == "" {
			return hiring.Result{}, xerrors.New(xerrors.CodeExecutorFailure, "大模型返回空交付物")
		}
	}

	w.remember(inv.TaskID, llm.HistoryEntry{Subtask: inv.Subtask, AgentID: agent.ID, Output: output})
	metadata := map[string]string{"worker": agent.ID}
	if thought != "" {
		metadata["thought"] = thought
	}
	return hiring.Result{Output: output, Metadata: metadata}, nil
}

// Forget 清理任务的历史产出，通常在任务终结时调用。
func (w *Worker) Forget(taskID string) {
	w.mu.Lock()
	delete(w.history, taskID)
	w.mu.Unlock()
}

func (w *Worker) loadHistory(taskID string) []llm.HistoryEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := w.history[taskID]
	out := make([]llm.HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

func (w *Worker) remember(taskID string, entry llm.HistoryEntry) {
	if taskID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := append(w.history[taskID], entry)
	if len(entries) > w.memoryDepth {
		entries = entries[len(entries)-w.memoryDepth:]
	}
	w.history[taskID] = entries
}

func goalOf(inv hiring.Invocation) string {
	if goal := strings.TrimSpace(inv.Goal); goal != "" {
		return goal
	}
	return inv.Capability
}

// report 在没有大模型时生成可复现的交付物。
func report(agent registry.Agent, inv hiring.Invocation) string {
	name := agent.Name
	if name == "" {
		name = agent.ID
	}
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("[%s] %s 完成 %s\n", inv.Capability, name, goalOf(inv)))
	if input := strings.TrimSpace(inv.Input); input != "" {
		builder.WriteString("输入摘要: ")
		builder.WriteString(summarize(input, 280))
		builder.WriteString("\n")
	}
	return strings.TrimSpace(builder.String())
}

func summarize(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
