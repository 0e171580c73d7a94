// Package orchestrator 是 CEO 的执行核心：把任务拆解为子任务，
// 按 sequential、concurrent 或 dialogue 方式组合，并通过雇佣管理器为每个子任务雇佣 Agent。
package orchestrator
