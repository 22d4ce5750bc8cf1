package settlement

import (
	"context"
	"log/slog"

	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/pkg/logger"
)

// Watcher 消费巡检队列中的指纹，将悬挂的 pending 记录推进到终态。
// 在线请求路径由调用方自己 Await；Watcher 负责进程重启后
// 遗留的未决结算，保证没有指纹被永远卡在 pending。
type Watcher struct {
	client      *Client
	store       Store
	queue       Queue
	workerCount int
	onTerminal  func(ctx context.Context, record *Record)
	log         *slog.Logger
}

// WatcherOption 定义可选配置。
type WatcherOption func(*Watcher)

// WithWatcherWorkers 设置消费协程数量。
func WithWatcherWorkers(workers int) WatcherOption {
	return func(w *Watcher) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithTerminalCallback 注册记录到达终态时的回调，供任务层做状态回推。
func WithTerminalCallback(fn func(ctx context.Context, record *Record)) WatcherOption {
	return func(w *Watcher) {
		w.onTerminal = fn
	}
}

// NewWatcher 构造 Watcher。
func NewWatcher(client *Client, store Store, queue Queue, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		client:      client,
		store:       store,
		queue:       queue,
		workerCount: 1,
		log:         logger.Named("settlement-watcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Recover 将存储中的 pending 记录重新投递到队列。启动时调用一次。
func (w *Watcher) Recover(ctx context.Context) error {
	if w.store == nil || w.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "巡检组件未初始化")
	}
	pending, err := w.store.ListPending(ctx, 0)
	if err != nil {
		return err
	}
	for _, record := range pending {
		if err := w.queue.Publish(ctx, record.Fingerprint); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "重投未决结算失败")
		}
	}
	if len(pending) > 0 {
		w.log.Info("已重投未决结算", slog.Int("count", len(pending)))
	}
	return nil
}

// Start 启动巡检消费循环，直至上下文取消。
func (w *Watcher) Start(ctx context.Context) error {
	if w.queue == nil || w.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "巡检组件未初始化")
	}
	return w.queue.Consume(ctx, w.workerCount, w.handle)
}

func (w *Watcher) handle(ctx context.Context, fingerprint string) error {
	record, err := w.client.Await(ctx, fingerprint)
	if err != nil {
		w.log.Warn("结算巡检未收敛",
			slog.String("fingerprint", fingerprint),
			slog.Any("error", err))
		return err
	}
	if record != nil && record.Terminal() && w.onTerminal != nil {
		w.onTerminal(ctx, record)
	}
	return nil
}
