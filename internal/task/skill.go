package task

import (
	"context"

	"HashBot-Chain/internal/x402"
)

// Skill 是一种可被远程调用的能力。Quote 返回 nil 表示免费技能，
// 非 nil 表示该调用必须先完成对应金额的链上付款。
type Skill interface {
	ID() string
	Description() string
	Quote(taskID string) *x402.PriceQuote
	Execute(ctx context.Context, t *Task, input Message) (Message, error)
}

// SkillSet 提供技能查找能力。
type SkillSet interface {
	Lookup(id string) (Skill, bool)
	All() []Skill
}
