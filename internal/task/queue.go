package task

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler 处理来自消息队列的任务信封。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("编码任务信封失败: %w", err)
	}
	return body, nil
}

func decodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("解析任务信封失败: %w", err)
	}
	if env.Task.ID == "" {
		return Envelope{}, fmt.Errorf("任务信封缺少 task.id")
	}
	return env, nil
}
