package hiring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opspawn/agentos/internal/llm"
)

// Check 是一次验收的上下文。
type Check struct {
	TaskID     string
	Subtask    string
	Capability string
	Goal       string
	Input      string
	AgentID    string
	Result     Result
}

// Verdict 是验收结论，Quality 取值 [0,1]。
type Verdict struct {
	Passed  bool    `json:"passed"`
	Quality float64 `json:"quality"`
	Notes   string  `json:"notes,omitempty"`
}

// Verifier 判断 Agent 的产出是否可以付款。
type Verifier interface {
	Verify(ctx context.Context, check Check) (Verdict, error)
}

// VerifierFunc 允许普通函数实现 Verifier。
type VerifierFunc func(ctx context.Context, check Check) (Verdict, error)

// Verify 实现 Verifier。
func (f VerifierFunc) Verify(ctx context.Context, check Check) (Verdict, error) {
	return f(ctx, check)
}

// Predicate 把布尔判定包装成 Verifier，通过时质量记为 1。
func Predicate(fn func(taskID string, result Result) bool) Verifier {
	return VerifierFunc(func(_ context.Context, check Check) (Verdict, error) {
		if fn(check.TaskID, check.Result) {
			return Verdict{Passed: true, Quality: 1}, nil
		}
		return Verdict{Passed: false}, nil
	})
}

// NonEmpty 只要求产出非空。
func NonEmpty() Verifier {
	return Predicate(func(_ string, result Result) bool {
		return strings.TrimSpace(result.Output) != ""
	})
}

// LLMVerifier 让大模型按目标评审产出。
type LLMVerifier struct {
	client    llm.Client
	threshold float64
}

// NewLLMVerifier 创建大模型验收器。threshold 为通过所需的最低质量分。
func NewLLMVerifier(client llm.Client, threshold float64) *LLMVerifier {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &LLMVerifier{client: client, threshold: threshold}
}

// Verify 实现 Verifier。
func (v *LLMVerifier) Verify(ctx context.Context, check Check) (Verdict, error) {
	if strings.TrimSpace(check.Result.Output) == "" {
		return Verdict{Notes: "empty output"}, nil
	}
	resp, err := v.client.Generate(ctx, llm.Request{
		Purpose:      llm.PurposeVerify,
		Goal:         check.Goal,
		Input:        check.Input,
		Capabilities: []string{check.Capability},
		History: []llm.HistoryEntry{{
			Subtask: check.Subtask,
			AgentID: check.AgentID,
			Output:  check.Result.Output,
		}},
	})
	if err != nil {
		return Verdict{}, err
	}
	return parseVerdict(resp.Reply, v.threshold)
}

func parseVerdict(reply string, threshold float64) (Verdict, error) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	var verdict Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("解析验收结论失败: %w", err)
	}
	if verdict.Quality < 0 {
		verdict.Quality = 0
	}
	if verdict.Quality > 1 {
		verdict.Quality = 1
	}
	if verdict.Quality < threshold {
		verdict.Passed = false
	}
	return verdict, nil
}
