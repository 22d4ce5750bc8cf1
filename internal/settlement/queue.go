package settlement

import (
	"context"
)

// Handler 处理来自巡检队列的结算指纹。
type Handler func(ctx context.Context, fingerprint string) error

// Producer 负责向巡检队列投递指纹。
type Producer interface {
	Publish(ctx context.Context, fingerprint string) error
	Close() error
}

// Consumer 负责从巡检队列中消费指纹。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
