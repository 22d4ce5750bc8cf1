// Package guard 提供原子性的占用/释放语义，是防止同一付款授权被
// 重复结算、同一任务被重复执行的关键设施。
package guard

import "context"

// Guard 抽象指纹表与 nonce 集合。
//
// Reserve 是原子抢占：首次占用返回 true，已被占用返回 false。
// 结算提交与技能执行各自以不同的键先 Reserve 再推进；失败路径
// 必须调用 Release，否则一次瞬时故障会永久封死该指纹。
// nonce 按付款人隔离，消费后不可再次使用。
type Guard interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	ConsumeNonce(ctx context.Context, payer, nonce string) (bool, error)
	NonceUsed(ctx context.Context, payer, nonce string) (bool, error)
	Close() error
}
