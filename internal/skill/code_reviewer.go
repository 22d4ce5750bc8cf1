package skill

import (
	"context"
	"fmt"
	"strings"

	"HashBot-Chain/internal/task"
	"HashBot-Chain/internal/x402"
)

// CodeReviewerSkill 是付费的代码评审技能。从输入中提取代码段,
// 按内置规则给出确定性的评审意见。
type CodeReviewerSkill struct {
	pricing Pricing
}

// NewCodeReviewerSkill 创建代码评审技能。
func NewCodeReviewerSkill(pricing Pricing) *CodeReviewerSkill {
	return &CodeReviewerSkill{pricing: pricing}
}

// ID 实现 task.Skill。
func (s *CodeReviewerSkill) ID() string { return "code_reviewer" }

// Description 实现 task.Skill。
func (s *CodeReviewerSkill) Description() string { return "付费代码评审, 针对合约与函数给出检查清单" }

// Quote 返回本次调用的付款条款。
func (s *CodeReviewerSkill) Quote(string) *x402.PriceQuote {
	return s.pricing.quote(s.Description())
}

// Execute 识别围栏代码块或合约关键词, 产出结构化评审意见。
// 输入里没有可评审内容时提示对端补充代码。
func (s *CodeReviewerSkill) Execute(_ context.Context, _ *task.Task, input task.Message) (task.Message, error) {
	text := input.Text()
	code, ok := extractFencedCode(text)
	if !ok {
		lower := strings.ToLower(text)
		if !strings.Contains(lower, "contract") && !strings.Contains(lower, "function") {
			return task.TextMessage(task.RoleAgent,
				"未识别到可评审的代码, 请用 ``` 围栏粘贴代码片段。"), nil
		}
		code = text
	}

	findings := reviewFindings(code)
	var b strings.Builder
	b.WriteString("代码评审意见:\n")
	for i, finding := range findings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, finding)
	}
	fmt.Fprintf(&b, "共 %d 行代码, %d 条意见。", countLines(code), len(findings))
	return task.TextMessage(task.RoleAgent, b.String()), nil
}

// extractFencedCode 取第一个 ``` 围栏块的内容。
func extractFencedCode(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// 围栏后的首行可能是语言标记。
	if newline := strings.IndexByte(rest, '\n'); newline >= 0 {
		rest = rest[newline+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), strings.TrimSpace(rest) != ""
	}
	code := strings.TrimSpace(rest[:end])
	return code, code != ""
}

// reviewFindings 按固定规则顺序检查代码, 保证同一输入得到同一结论。
func reviewFindings(code string) []string {
	lower := strings.ToLower(code)
	var findings []string
	if strings.Contains(lower, "tx.origin") {
		findings = append(findings, "使用 tx.origin 做鉴权会被钓鱼合约绕过, 改用 msg.sender。")
	}
	if strings.Contains(lower, ".call(") || strings.Contains(lower, ".call{") {
		findings = append(findings, "低层 call 之后必须检查返回值并防范重入。")
	}
	if strings.Contains(lower, "block.timestamp") {
		findings = append(findings, "block.timestamp 可被矿工小幅操纵, 不要用作随机源或精确时限。")
	}
	if strings.Contains(lower, "contract") && !strings.Contains(lower, "event") {
		findings = append(findings, "合约未声明任何事件, 状态变更建议发事件便于链下索引。")
	}
	if strings.Contains(lower, "function") && !strings.Contains(lower, "require") &&
		!strings.Contains(lower, "revert") && !strings.Contains(lower, "if err") {
		findings = append(findings, "未发现入参校验, 公开函数应对输入做 require 检查。")
	}
	if len(findings) == 0 {
		findings = append(findings, "未命中已知风险模式, 建议补充单元测试覆盖边界输入。")
	}
	return findings
}

func countLines(code string) int {
	if code == "" {
		return 0
	}
	return strings.Count(code, "\n") + 1
}

var _ task.Skill = (*CodeReviewerSkill)(nil)
