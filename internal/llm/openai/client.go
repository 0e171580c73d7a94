package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	// maxHistory 是提示词中保留的最近子任务数量。
	maxHistory = 5
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(orDefault(cfg.BaseURL, defaultBaseURL), "/"),
		model:      orDefault(cfg.Model, defaultModelName),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// envelope 是系统提示词要求模型返回的结构。
type envelope struct {
	Thought string `json:"thought"`
	Reply   string `json:"reply"`
}

// Generate 调用 Chat Completions。模型未按 JSON 返回时整段内容作为 Reply。
// 429 与 5xx 视为可重试错误。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.Purpose)},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 OpenAI 请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "OpenAI 请求被取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return nil, xerrors.New(xerrors.CodeExecutorFailure,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
		)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "OpenAI 响应中没有 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "OpenAI 响应内容为空")
	}

	var out envelope
	if err := json.Unmarshal([]byte(content), &out); err != nil || strings.TrimSpace(out.Reply) == "" {
		return &llm.Response{Reply: content}, nil
	}
	return &llm.Response{Thought: out.Thought, Reply: out.Reply}, nil
}

func systemPrompt(purpose llm.Purpose) string {
	switch purpose {
	case llm.PurposeVerify:
		return "You review work delivered by a hired agent. " +
			"Respond with a compact JSON object: {\"thought\": string, \"reply\": string} where reply is itself " +
			"a JSON object {\"passed\": bool, \"quality\": number between 0 and 1, \"notes\": string}."
	case llm.PurposeExecute:
		return "You are an internal worker agent of a task marketplace. Complete the subtask using the listed " +
			"capability and the provided input. Respond with a compact JSON object: {\"thought\": string, " +
			"\"reply\": string} where reply is the finished deliverable in plain text."
	default:
		return "You split a task into subtasks for a marketplace of agents. " +
			"Respond with a compact JSON object: {\"thought\": string, \"reply\": string} where reply is itself " +
			"a JSON object {\"mode\": \"sequential\"|\"concurrent\"|\"dialogue\", \"subtasks\": " +
			"[{\"id\": string, \"capability\": string, \"input\": string}]}. Only use the listed capabilities."
	}
}

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "## 任务\n目标: %s\n", strings.TrimSpace(req.Goal))
	if input := strings.TrimSpace(req.Input); input != "" {
		builder.WriteString("\n## 待处理内容\n")
		builder.WriteString(truncate(input, 4000))
		builder.WriteString("\n")
	}
	if len(req.Capabilities) > 0 {
		builder.WriteString("\n## 可用能力\n")
		builder.WriteString(strings.Join(req.Capabilities, ", "))
		builder.WriteString("\n")
	}
	if len(req.History) > 0 {
		builder.WriteString("\n## 已完成的子任务\n")
		history := req.History
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}
		for idx, entry := range history {
			fmt.Fprintf(&builder, "[%d] %s (%s): %s\n", idx+1, entry.Subtask, entry.AgentID, truncate(entry.Output, 160))
		}
	}
	return builder.String()
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > limit {
		return string([]rune(text)[:limit]) + "..."
	}
	return text
}
