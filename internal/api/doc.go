// Package api 暴露 agentos 的 REST 接口：任务提交与查询、直接雇佣、预算、
// 智能体注册与 x402 支付要求、账本与结算余额、健康检查以及 Prometheus 指标。
package api
