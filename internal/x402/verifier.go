package x402

import (
	"context"
	"math/big"
	"strings"
	"time"

	xerrors "HashBot-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// Reason 描述付款证明被拒绝的原因。
type Reason string

const (
	ReasonReferenceMismatch  Reason = "reference-mismatch"
	ReasonAmountInsufficient Reason = "amount-insufficient"
	ReasonAssetMismatch      Reason = "asset-mismatch"
	ReasonExpired            Reason = "expired"
	ReasonBadSignature       Reason = "bad-signature"
	ReasonNonceReused        Reason = "nonce-reused"
)

const (
	CodePaymentInvalid xerrors.Code = "PAYMENT_PROOF_INVALID"
)

func init() {
	xerrors.Register(CodePaymentInvalid, xerrors.Attributes{
		Message:   "payment proof rejected",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Result 是一次验证的结论。Invalid 时 Reason 非空。
type Result struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

func invalid(reason Reason) Result {
	return Result{Valid: false, Reason: reason}
}

// NonceChecker 提供只读的 nonce 查询。消费动作由调用方在
// 决定进入结算后才执行，避免下游失败烧掉有效 nonce。
type NonceChecker interface {
	NonceUsed(ctx context.Context, payer, nonce string) (bool, error)
}

// Verifier 对付款证明做纯本地校验，不触网。
type Verifier struct {
	chainID *big.Int
	nonces  NonceChecker
	now     func() time.Time
}

// NewVerifier 构造验证器。chainID 参与 EIP-712 domain，实现跨链重放隔离。
func NewVerifier(chainID int64, nonces NonceChecker) *Verifier {
	return &Verifier{
		chainID: big.NewInt(chainID),
		nonces:  nonces,
		now:     time.Now,
	}
}

// Verify 按固定顺序校验证明，遇到第一个失败立即返回。
// 检查顺序: reference -> 金额与资产条款 -> 时效 -> 签名 -> nonce。
// 没有任何副作用。
func (v *Verifier) Verify(ctx context.Context, quote *PriceQuote, taskID string, proof *PaymentAuthorization) (Result, error) {
	if quote == nil || proof == nil {
		return Result{}, xerrors.New(CodePaymentInvalid, "报价与付款证明不能为空")
	}
	if proof.X402Version != SupportedVersion {
		// 未知 schema 版本无法核对签名内容，按坏签名处理。
		return invalid(ReasonBadSignature), nil
	}

	payload := proof.Payload
	if payload.Reference != taskID {
		return invalid(ReasonReferenceMismatch), nil
	}

	amount, err := payload.AmountInt()
	if err != nil {
		return invalid(ReasonAmountInsufficient), nil
	}
	if quote.Amount == nil || amount.Cmp(quote.Amount) < 0 {
		return invalid(ReasonAmountInsufficient), nil
	}
	// 资产、网络、收款人必须精确一致，不做任何隐式换算。
	if !strings.EqualFold(payload.Asset, quote.Asset) ||
		!strings.EqualFold(payload.Network, quote.Network) ||
		!strings.EqualFold(payload.Recipient, quote.Recipient) {
		return invalid(ReasonAssetMismatch), nil
	}

	if payload.ValidUntil <= v.now().Unix() {
		return invalid(ReasonExpired), nil
	}

	payer, ok := v.recoverPayer(proof)
	if !ok {
		return invalid(ReasonBadSignature), nil
	}

	if v.nonces != nil {
		used, err := v.nonces.NonceUsed(ctx, payer, payload.Nonce)
		if err != nil {
			return Result{}, err
		}
		if used {
			return invalid(ReasonNonceReused), nil
		}
	}

	return Result{Valid: true, Payer: payer}, nil
}

// recoverPayer 从 EIP-712 摘要恢复签名者并核对声明的付款人。
func (v *Verifier) recoverPayer(proof *PaymentAuthorization) (string, bool) {
	digest, err := Digest(proof.Payload, v.chainID)
	if err != nil {
		return "", false
	}
	sig, err := decodeSignature(proof.Signature)
	if err != nil {
		return "", false
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), proof.Payload.Payer) {
		return "", false
	}
	if proof.PayerAddress != "" && !strings.EqualFold(recovered.Hex(), proof.PayerAddress) {
		return "", false
	}
	return recovered.Hex(), true
}
