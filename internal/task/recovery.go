package task

import "context"

// Finalizer 在任务进入终态后释放其占用的资源，例如退还未结算的冻结并关闭预算。
type Finalizer interface {
	Finalize(ctx context.Context, task *Task) error
}

// StatusSink 接收执行过程中的任务状态推进。
type StatusSink interface {
	Advance(ctx context.Context, id string, status Status) error
}
