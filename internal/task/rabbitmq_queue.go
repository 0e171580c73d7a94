package task

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 手动确认模式的任务队列。处理失败的消息首次 nack 重新入队，
// 再次失败则丢弃，由存储中的非终态记录在重启时恢复。
type RabbitMQQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
	mode uint8

	// amqp.Channel 不支持并发发布。
	publishMu sync.Mutex
}

// NewRabbitMQQueue 连接 broker 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{name: cfg.Queue, mode: amqp.Transient}
	if q.name == "" {
		q.name = "agentos.tasks"
	}
	if cfg.Durable {
		q.mode = amqp.Persistent
	}

	var err error
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	var err error
	if q.ch, err = q.conn.Channel(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := q.ch.QueueDeclare(q.name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败", xerrors.WithMetadata("queue", q.name))
	}
	return nil
}

// Publish 投递任务。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: q.mode,
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败", xerrors.WithMetadata("task_id", taskID))
	}
	return nil
}

// Consume 以 workerCount 个协程共享同一个 delivery channel，直到 ctx 结束
// 或 broker 关闭连接。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var g errgroup.Group
	for i := 0; i < max(workerCount, 1); i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					settle(d, handler(ctx, string(d.Body)))
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func settle(d amqp.Delivery, handlerErr error) {
	var err error
	if handlerErr != nil {
		err = d.Nack(false, !d.Redelivered)
	} else {
		err = d.Ack(false)
	}
	if err != nil {
		logger.L().Error("RabbitMQ 确认消息失败", slog.String("task_id", string(d.Body)), slog.Any("error", err))
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
