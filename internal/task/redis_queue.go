package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。Client 非空时复用已有连接，
// 地址类参数被忽略，关闭队列也不会关闭该连接。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	Client    redis.UniversalClient
}

// RedisQueue 基于 list 的至少一次投递队列。BLMOVE 把任务移入 processing
// 列表，处理结束后 LREM 确认，进程崩溃遗留的任务在下次消费前被放回。
type RedisQueue struct {
	rdb        redis.UniversalClient
	pending    string
	processing string
	blockWait  time.Duration
	ownsClient bool
}

// NewRedisQueue 创建队列并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	q := &RedisQueue{
		rdb:       cfg.Client,
		pending:   cfg.Queue,
		blockWait: cfg.BlockWait,
	}
	if q.pending == "" {
		q.pending = "agentos:tasks"
	}
	q.processing = q.pending + ":processing"
	if q.blockWait <= 0 {
		q.blockWait = 5 * time.Second
	}
	if q.rdb == nil {
		if cfg.Address == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
		}
		q.rdb = redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
		q.ownsClient = true
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.rdb.Ping(pingCtx).Err(); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return q, nil
}

// Publish 投递任务。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.rdb.LPush(ctx, q.pending, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败", xerrors.WithMetadata("task_id", taskID))
	}
	return nil
}

// Requeue 把 processing 列表中未确认的任务放回队列，返回移动数量。
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	var moved int
	for {
		err := q.rdb.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		switch {
		case errors.Is(err, redis.Nil):
			return moved, nil
		case err != nil:
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 回收任务失败")
		}
		moved++
	}
}

// Consume 先回收遗留任务，再以 workerCount 个协程阻塞取任务。
// handler 失败的任务重新放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	n, err := q.Requeue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.L().Warn("回收未确认的任务", slog.Int("count", n), slog.String("queue", q.pending))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workerCount, 1); i++ {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		taskID, err := q.rdb.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.blockWait).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, redis.ErrClosed):
			return nil
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}
		q.ack(ctx, taskID, handler(ctx, taskID))
	}
	return nil
}

func (q *RedisQueue) ack(ctx context.Context, taskID string, handlerErr error) {
	ctx = context.WithoutCancel(ctx)
	pipe := q.rdb.TxPipeline()
	if handlerErr != nil {
		pipe.RPush(ctx, q.pending, taskID)
	}
	pipe.LRem(ctx, q.processing, 1, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.L().Error("确认 Redis 任务失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Close 仅关闭队列自己创建的连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.rdb == nil || !q.ownsClient {
		return nil
	}
	return q.rdb.Close()
}
