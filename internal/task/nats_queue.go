package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/pkg/logger"
)

// NATSConfig 描述 NATS 队列的连接参数。
type NATSConfig struct {
	URL        string
	Subject    string
	QueueGroup string
}

const flushTimeout = 5 * time.Second

// NATSQueue 使用 NATS 队列组实现任务队列，同一队列组内每条消息只投递给一个订阅者。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
}

// NewNATSQueue 连接 NATS 并返回队列实例。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "swarm.tasks"
	}
	group := cfg.QueueGroup
	if group == "" {
		group = "swarm-workers"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("swarmd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.L().Warn("NATS 连接断开", slog.Any("error", err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSQueue{conn: conn, subject: subject, group: group}, nil
}

// Publish 将任务发布到 NATS 主题。
func (q *NATSQueue) Publish(ctx context.Context, env Envelope) error {
	if q == nil || q.conn == nil {
		return errors.New("NATS 队列未初始化")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(q.subject)
	msg.Header.Set("Task-Id", env.Task.ID)
	msg.Data = body
	if err := q.conn.PublishMsg(msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布 NATS 消息失败")
	}
	// FlushWithContext 要求上下文带截止时间。
	if _, ok := ctx.Deadline(); !ok {
		err = q.conn.FlushTimeout(flushTimeout)
	} else {
		err = q.conn.FlushWithContext(ctx)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "NATS 刷新发布缓冲失败")
	}
	return nil
}

// Consume 以队列组方式订阅主题，并用 workerCount 个协程处理消息。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return errors.New("NATS 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs := make(chan *nats.Msg, workerCount*16)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, msgs)
	if err != nil {
		return fmt.Errorf("订阅 NATS 主题失败: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					env, err := decodeEnvelope(msg.Data)
					if err != nil {
						logger.L().Warn("丢弃无法解析的任务", slog.String("subject", q.subject), slog.Any("error", err))
						continue
					}
					_ = handler(ctx, env)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 排空订阅后关闭连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return err
	}
	return nil
}
