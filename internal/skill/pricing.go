package skill

import (
	"math/big"

	"HashBot-Chain/internal/x402"
)

// Pricing 描述付费技能的收款条款。所有付费技能共用同一结构,
// 金额使用资产最小单位。
type Pricing struct {
	Amount        *big.Int
	AssetSymbol   string
	Asset         string
	AssetDecimals int
	Network       string
	ChainID       int64
	Recipient     string
}

// quote 将收款条款转换为一次调用的报价。有效期由任务层统一盖章。
func (p Pricing) quote(description string) *x402.PriceQuote {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil
	}
	return &x402.PriceQuote{
		Amount:        new(big.Int).Set(p.Amount),
		AssetSymbol:   p.AssetSymbol,
		Asset:         p.Asset,
		AssetDecimals: p.AssetDecimals,
		Network:       p.Network,
		ChainID:       p.ChainID,
		Recipient:     p.Recipient,
		Description:   description,
	}
}
