package a2a

import (
	"encoding/json"
	"os"

	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/internal/task"
)

// AgentCard 是对外公示的智能体名片, 通过 /.well-known/agent.json 提供。
type AgentCard struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	URL          string          `json:"url,omitempty"`
	Version      string          `json:"version,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Skills       []SkillCard     `json:"skills"`
}

// SkillCard 描述名片中的单个技能。
type SkillCard struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Priced      bool   `json:"priced"`
	Price       string `json:"price,omitempty"`
	AssetSymbol string `json:"assetSymbol,omitempty"`
	Network     string `json:"network,omitempty"`
}

// LoadAgentCard 从 JSON 文件加载名片骨架。技能列表由运行时注入。
func LoadAgentCard(path string) (*AgentCard, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取 agent card 失败")
	}
	var card AgentCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 agent card 失败")
	}
	return &card, nil
}

// FillSkills 用技能表的实际内容覆盖名片中的技能列表,
// 保证名片与可调用技能不会漂移。
func (c *AgentCard) FillSkills(skills task.SkillSet) {
	if c == nil || skills == nil {
		return
	}
	all := skills.All()
	cards := make([]SkillCard, 0, len(all))
	for _, s := range all {
		entry := SkillCard{ID: s.ID(), Description: s.Description()}
		if quote := s.Quote(""); quote != nil {
			entry.Priced = true
			entry.Price = quote.Amount.String()
			entry.AssetSymbol = quote.AssetSymbol
			entry.Network = quote.Network
		}
		cards = append(cards, entry)
	}
	c.Skills = cards
}
