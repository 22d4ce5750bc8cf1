package skill

import (
	"context"
	"fmt"
	"strings"

	"HashBot-Chain/internal/chain"
	"HashBot-Chain/internal/task"
	"HashBot-Chain/internal/x402"
)

// CryptoAnalystSkill 是付费的链上行情分析技能。
// 它查询链的最新高度作为数据新鲜度锚点, 输出一份结构化简报。
type CryptoAnalystSkill struct {
	pricing Pricing
	chain   chain.Client
}

// NewCryptoAnalystSkill 创建分析技能。chainClient 可以为 nil,
// 此时简报不包含链上高度。
func NewCryptoAnalystSkill(pricing Pricing, chainClient chain.Client) *CryptoAnalystSkill {
	return &CryptoAnalystSkill{pricing: pricing, chain: chainClient}
}

// ID 实现 task.Skill。
func (s *CryptoAnalystSkill) ID() string { return "crypto_analyst" }

// Description 实现 task.Skill。
func (s *CryptoAnalystSkill) Description() string { return "付费链上行情分析, 输出结构化简报" }

// Quote 返回本次调用的付款条款。
func (s *CryptoAnalystSkill) Quote(string) *x402.PriceQuote {
	return s.pricing.quote(s.Description())
}

// Execute 生成行情简报。
func (s *CryptoAnalystSkill) Execute(ctx context.Context, t *task.Task, input task.Message) (task.Message, error) {
	subject := strings.TrimSpace(input.Text())
	if subject == "" {
		subject = s.pricing.AssetSymbol
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "分析对象: %s\n", subject)
	fmt.Fprintf(&builder, "网络: %s (chain id %d)\n", s.pricing.Network, s.pricing.ChainID)
	if s.chain != nil {
		if head, err := s.chain.BlockNumber(ctx); err == nil {
			fmt.Fprintf(&builder, "数据锚点: 区块高度 %d\n", head)
		}
	}
	if t != nil && t.TxHash != "" {
		fmt.Fprintf(&builder, "结算交易: %s\n", t.TxHash)
	}
	builder.WriteString("结论: 本技能按调用计费, 分析结果仅供参考, 不构成投资建议。")
	return task.TextMessage(task.RoleAgent, builder.String()), nil
}

var _ task.Skill = (*CryptoAnalystSkill)(nil)
