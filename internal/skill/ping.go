package skill

import (
	"context"
	"fmt"

	"HashBot-Chain/internal/task"
	"HashBot-Chain/internal/x402"
)

// PingSkill 是免费的连通性技能, 原样回显输入。
type PingSkill struct{}

// NewPingSkill 创建 PingSkill。
func NewPingSkill() *PingSkill {
	return &PingSkill{}
}

// ID 实现 task.Skill。
func (s *PingSkill) ID() string { return "ping" }

// Description 实现 task.Skill。
func (s *PingSkill) Description() string { return "免费连通性检查, 回显输入内容" }

// Quote 返回 nil, 表示免费。
func (s *PingSkill) Quote(string) *x402.PriceQuote { return nil }

// Execute 回显输入文本。
func (s *PingSkill) Execute(_ context.Context, _ *task.Task, input task.Message) (task.Message, error) {
	text := input.Text()
	if text == "" {
		return task.TextMessage(task.RoleAgent, "pong"), nil
	}
	return task.TextMessage(task.RoleAgent, fmt.Sprintf("pong: %s", text)), nil
}

var _ task.Skill = (*PingSkill)(nil)
