package hiring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/registry"
)

// Invocation 是派发给 Agent 的工作单元。
type Invocation struct {
	RequestID  string       `json:"request_id"`
	TaskID     string       `json:"task_id"`
	Subtask    string       `json:"subtask"`
	Capability string       `json:"capability"`
	Goal       string       `json:"goal,omitempty"`
	Input      string       `json:"input,omitempty"`
	Price      money.Amount `json:"price"`
}

// Result 是 Agent 返回的产出。
type Result struct {
	Output   string            `json:"output"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Invoker 负责把工作派发给 Agent 并等待结果。
type Invoker interface {
	Invoke(ctx context.Context, agent registry.Agent, inv Invocation) (Result, error)
}

// InvokerFunc 允许普通函数实现 Invoker。
type InvokerFunc func(ctx context.Context, agent registry.Agent, inv Invocation) (Result, error)

// Invoke 实现 Invoker。
func (f InvokerFunc) Invoke(ctx context.Context, agent registry.Agent, inv Invocation) (Result, error) {
	return f(ctx, agent, inv)
}

// Router 将内部 Agent 派发给进程内 worker，其余走远程调用。
// Internal 中没有专属 worker 的内部 Agent 交给 Local 处理。
type Router struct {
	Internal map[string]Invoker
	Local    Invoker
	Remote   Invoker
}

// Invoke 实现 Invoker。
func (r *Router) Invoke(ctx context.Context, agent registry.Agent, inv Invocation) (Result, error) {
	if worker, ok := r.Internal[agent.ID]; ok && worker != nil {
		return worker.Invoke(ctx, agent, inv)
	}
	if agent.Internal && r.Local != nil {
		return r.Local.Invoke(ctx, agent, inv)
	}
	if r.Remote == nil {
		return Result{}, xerrors.Errorf(xerrors.CodeExecutorFailure, "agent %s 没有可用的调用通道", agent.ID)
	}
	return r.Remote.Invoke(ctx, agent, inv)
}

const maxResponseBytes = 1 << 20

// HTTPInvoker 以 JSON POST 调用 Agent 的 Endpoint。
type HTTPInvoker struct {
	client *http.Client
	token  string
}

// NewHTTPInvoker 创建远程调用器。token 非空时以 Bearer 方式携带。
func NewHTTPInvoker(timeout time.Duration, token string) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{client: &http.Client{Timeout: timeout}, token: strings.TrimSpace(token)}
}

// Invoke 实现 Invoker。
func (h *HTTPInvoker) Invoke(ctx context.Context, agent registry.Agent, inv Invocation) (Result, error) {
	endpoint := strings.TrimSpace(agent.Endpoint)
	if endpoint == "" {
		return Result{}, xerrors.Errorf(xerrors.CodeInvalidArgument, "agent %s 未配置 endpoint", agent.ID)
	}
	body, err := json.Marshal(inv)
	if err != nil {
		return Result{}, fmt.Errorf("序列化调用请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("创建调用请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("调用 agent %s 失败: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("读取 agent 响应失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, fmt.Errorf("agent %s 返回状态码 %d: %s", agent.ID, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("解析 agent 响应失败: %w", err)
	}
	return result, nil
}
