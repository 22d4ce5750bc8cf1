package x402

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	xerrors "HashBot-Chain/internal/errors"
)

// SupportedVersion 是当前实现支持的 x402 协议版本。
// x402Version 字段作为签名载荷 schema 的判别值，未知版本一律拒绝。
const SupportedVersion = 1

// Scheme 表示支付方案。目前只支持精确金额支付。
const SchemeExact = "exact"

// PriceQuote 描述解锁一次技能调用所需的付款条件。
// Amount 使用最小单位整数，避免浮点误差。
type PriceQuote struct {
	Amount        *big.Int `json:"-"`
	AssetSymbol   string   `json:"asset_symbol"`
	Asset         string   `json:"asset"`
	AssetDecimals int      `json:"asset_decimals"`
	Network       string   `json:"network"`
	ChainID       int64    `json:"chain_id"`
	Recipient     string   `json:"recipient"`
	Description   string   `json:"description,omitempty"`
	ExpiresAt     int64    `json:"expires_at,omitempty"`
}

type quoteJSON struct {
	Amount        string `json:"amount"`
	AssetSymbol   string `json:"asset_symbol"`
	Asset         string `json:"asset"`
	AssetDecimals int    `json:"asset_decimals"`
	Network       string `json:"network"`
	ChainID       int64  `json:"chain_id"`
	Recipient     string `json:"recipient"`
	Description   string `json:"description,omitempty"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
}

// MarshalJSON 将金额序列化为十进制字符串，避免大整数精度丢失。
func (q PriceQuote) MarshalJSON() ([]byte, error) {
	amount := "0"
	if q.Amount != nil {
		amount = q.Amount.String()
	}
	return json.Marshal(quoteJSON{
		Amount:        amount,
		AssetSymbol:   q.AssetSymbol,
		Asset:         q.Asset,
		AssetDecimals: q.AssetDecimals,
		Network:       q.Network,
		ChainID:       q.ChainID,
		Recipient:     q.Recipient,
		Description:   q.Description,
		ExpiresAt:     q.ExpiresAt,
	})
}

// UnmarshalJSON 从十进制字符串还原金额。
func (q *PriceQuote) UnmarshalJSON(data []byte) error {
	var raw quoteJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw.Amount), 10)
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "无法解析报价金额")
	}
	*q = PriceQuote{
		Amount:        amount,
		AssetSymbol:   raw.AssetSymbol,
		Asset:         raw.Asset,
		AssetDecimals: raw.AssetDecimals,
		Network:       raw.Network,
		ChainID:       raw.ChainID,
		Recipient:     raw.Recipient,
		Description:   raw.Description,
		ExpiresAt:     raw.ExpiresAt,
	}
	return nil
}

// Expired 判断报价是否已经超出有效期。
func (q *PriceQuote) Expired(now time.Time) bool {
	if q == nil || q.ExpiresAt == 0 {
		return false
	}
	return now.Unix() > q.ExpiresAt
}

// Requirements 是对外暴露的 x402 付款要求线格式。
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	ChainID           int64  `json:"chainId"`
	Asset             string `json:"asset"`
	AssetSymbol       string `json:"assetSymbol"`
	AssetDecimals     int    `json:"assetDecimals"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Recipient         string `json:"recipient"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	ExpiresAt         int64  `json:"expiresAt,omitempty"`
	Description       string `json:"description,omitempty"`
}

// PaymentRequired 是 payment-required 响应中 data part 的载荷。
type PaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Accepts     []Requirements `json:"accepts"`
}

// RequirementsFor 将报价转换为针对指定任务的付款要求。
func (q *PriceQuote) RequirementsFor(taskID string) Requirements {
	amount := "0"
	if q.Amount != nil {
		amount = q.Amount.String()
	}
	return Requirements{
		Scheme:            SchemeExact,
		Network:           q.Network,
		ChainID:           q.ChainID,
		Asset:             q.Asset,
		AssetSymbol:       q.AssetSymbol,
		AssetDecimals:     q.AssetDecimals,
		MaxAmountRequired: amount,
		Recipient:         q.Recipient,
		PayTo:             q.Recipient,
		Resource:          taskID,
		ExpiresAt:         q.ExpiresAt,
		Description:       q.Description,
	}
}

// SignedPayload 是客户端按 EIP-712 typed data 签名的付款意图。
// Reference 必须等于所附任务的 task_id，用于阻止跨任务重放。
type SignedPayload struct {
	Payer      string `json:"payer"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Asset      string `json:"asset"`
	Network    string `json:"network"`
	Nonce      string `json:"nonce"`
	ValidUntil int64  `json:"validUntil"`
	Reference  string `json:"reference"`
}

// AmountInt 将金额字符串解析为最小单位整数。
func (p SignedPayload) AmountInt() (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(p.Amount), 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无法解析付款金额")
	}
	return value, nil
}

// PaymentAuthorization 是客户端提交的完整付款证明。
type PaymentAuthorization struct {
	X402Version  int           `json:"x402Version"`
	PayerAddress string        `json:"payerAddress"`
	Signature    string        `json:"signature"`
	Payload      SignedPayload `json:"payload"`
}
