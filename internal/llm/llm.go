package llm

import "context"

// Purpose 区分调用场景，决定系统提示词。
type Purpose string

const (
	PurposeDecompose Purpose = "decompose"
	PurposeVerify    Purpose = "verify"
	PurposeExecute   Purpose = "execute"
)

// Request 描述发送给大模型的任务上下文。
type Request struct {
	Purpose      Purpose
	Goal         string
	Input        string
	Capabilities []string
	History      []HistoryEntry
}

// Response 是大模型推理得到的结构化输出。Reply 在拆解场景下是 JSON 计划，
// 在验收场景下是 JSON 判定。
type Response struct {
	Thought string
	Reply   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 是此前子任务的产出，为大模型提供上下文。
type HistoryEntry struct {
	Subtask string
	AgentID string
	Output  string
}
