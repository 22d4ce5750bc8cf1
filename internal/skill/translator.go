package skill

import (
	"context"
	"strings"

	"HashBot-Chain/internal/task"
	"HashBot-Chain/internal/x402"
)

// TranslatorSkill 是付费的术语翻译技能, 基于内置词表做确定性替换。
type TranslatorSkill struct {
	pricing  Pricing
	glossary map[string]string
}

// NewTranslatorSkill 创建翻译技能。
func NewTranslatorSkill(pricing Pricing) *TranslatorSkill {
	return &TranslatorSkill{
		pricing: pricing,
		glossary: map[string]string{
			"settlement":    "结算",
			"confirmation":  "确认",
			"authorization": "授权",
			"fingerprint":   "指纹",
			"nonce":         "一次性随机数",
			"quote":         "报价",
		},
	}
}

// ID 实现 task.Skill。
func (s *TranslatorSkill) ID() string { return "translator" }

// Description 实现 task.Skill。
func (s *TranslatorSkill) Description() string { return "付费术语翻译, 覆盖链上支付领域词表" }

// Quote 返回本次调用的付款条款。
func (s *TranslatorSkill) Quote(string) *x402.PriceQuote {
	return s.pricing.quote(s.Description())
}

// Execute 对输入逐词做词表替换, 词表外的词保持原样。
func (s *TranslatorSkill) Execute(_ context.Context, _ *task.Task, input task.Message) (task.Message, error) {
	words := strings.Fields(input.Text())
	for i, word := range words {
		key := strings.ToLower(strings.Trim(word, ".,;:!?"))
		if translated, ok := s.glossary[key]; ok {
			words[i] = translated
		}
	}
	return task.TextMessage(task.RoleAgent, strings.Join(words, " ")), nil
}

var _ task.Skill = (*TranslatorSkill)(nil)
