package task

import "context"

// Store 抽象了任务状态的持久化接口。
// Update 以整条任务覆盖写入，调用方通过 Manager 的任务锁保证串行。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task) error
	ListByState(ctx context.Context, state State, limit int) ([]*Task, error)
	Close() error
}
