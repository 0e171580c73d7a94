package task

import "context"

// Handler 处理一条出队的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 把任务 ID 放入提交队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的协程消费提交队列，阻塞到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是提交队列，内存、Redis 与 RabbitMQ 三种实现可互换。
type Queue interface {
	Producer
	Consumer
}
