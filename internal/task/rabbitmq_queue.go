package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现任务队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// NewRabbitMQQueue 建立连接与 channel，并声明任务队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue}
	if q.queue == "" {
		q.queue = "swarm.tasks"
	}
	var err error
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err = q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err = q.ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", q.queue, err)
	}
	go q.watchClose(q.conn.NotifyClose(make(chan *amqp.Error, 1)))
	return q, nil
}

// watchClose 记录服务端主动断开连接的原因，正常关闭时通道直接关闭。
func (q *RabbitMQQueue) watchClose(closed <-chan *amqp.Error) {
	if reason, ok := <-closed; ok && reason != nil {
		logger.L().Warn("RabbitMQ 连接断开",
			slog.String("queue", q.queue),
			slog.Int("code", reason.Code),
			slog.String("reason", reason.Reason))
	}
}

// Publish 将任务投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, env Envelope) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	// amqp.Channel 不支持并发发布。
	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Task.ID,
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					env, err := decodeEnvelope(msg.Body)
					if err != nil {
						logger.L().Warn("丢弃无法解析的任务", slog.String("queue", q.queue), slog.Any("error", err))
						_ = msg.Reject(false)
						continue
					}
					// 执行失败的重试由 Processor 重新发布；handler 报错说明存储或投递异常，交回队列。
					if err := handler(ctx, env); err != nil {
						_ = msg.Nack(false, true)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
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
