// Package agent 实现平台自有的内部智能体。内部智能体价格为 0，在进程内执行子任务，
// 雇佣流程跳过托管，通过 hiring.Router 的 Local 通道调用。
package agent
