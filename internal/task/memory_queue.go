package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

// ErrQueueClosed 表示队列已关闭，不再接受投递。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed")

// MemoryQueue 是进程内的有界队列，单机部署与测试使用。重启后排队中的任务
// 依赖存储中的非终态记录重新投递。
type MemoryQueue struct {
	items chan string

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{items: make(chan string, size), done: make(chan struct{})}
}

// Publish 投递任务，队列已满时阻塞到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.items <- taskID:
		return nil
	}
}

// Consume 以 workerCount 个协程处理任务，直到 ctx 结束或队列关闭。
// handler 的错误由处理器自行记录，不会中断消费。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workerCount, 1); i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-q.done:
					return nil
				case taskID := <-q.items:
					_ = handler(gctx, taskID)
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Len 返回排队中的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.items)
}

// Close 停止投递与消费，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
