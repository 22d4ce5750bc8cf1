package x402

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// 默认的 EIP-712 domain 参数。链 ID 由调用方提供，实现跨链域隔离。
const (
	DomainName    = "HashBot x402"
	DomainVersion = "1"
)

// TypedData 为签名载荷构造 EIP-712 typed data 结构。
func TypedData(payload SignedPayload, chainID *big.Int) (apitypes.TypedData, error) {
	amount, err := payload.AmountInt()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Payment": []apitypes.Type{
				{Name: "payer", Type: "address"},
				{Name: "recipient", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "asset", Type: "address"},
				{Name: "nonce", Type: "string"},
				{Name: "validUntil", Type: "uint256"},
				{Name: "reference", Type: "string"},
			},
		},
		PrimaryType: "Payment",
		Domain: apitypes.TypedDataDomain{
			Name:    DomainName,
			Version: DomainVersion,
			ChainId: (*math.HexOrDecimal256)(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"payer":      payload.Payer,
			"recipient":  payload.Recipient,
			"amount":     (*math.HexOrDecimal256)(amount),
			"asset":      payload.Asset,
			"nonce":      payload.Nonce,
			"validUntil": (*math.HexOrDecimal256)(big.NewInt(payload.ValidUntil)),
			"reference":  payload.Reference,
		},
	}, nil
}

// Digest 计算签名载荷的 EIP-712 摘要 (keccak256(0x1901 || domain || message))。
func Digest(payload SignedPayload, chainID *big.Int) ([]byte, error) {
	typedData, err := TypedData(payload, chainID)
	if err != nil {
		return nil, err
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("计算 domain 哈希失败: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("计算 message 哈希失败: %w", err)
	}
	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Sign 使用私钥对付款载荷签名，返回 0x 前缀的 65 字节签名。
// 服务端只做验签，该函数主要供客户端 SDK 与测试使用。
func Sign(privateKey *ecdsa.PrivateKey, payload SignedPayload, chainID *big.Int) (string, error) {
	digest, err := Digest(payload, chainID)
	if err != nil {
		return "", err
	}
	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}

// SplitSignature 将 65 字节签名拆分为合约期望的 v/r/s 形式。
func SplitSignature(signature string) (v uint8, r, s [32]byte, err error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return 0, r, s, err
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	// decodeSignature 已归一化到 0/1, 合约按 EIP-3009 期望 27/28。
	return sig[64] + 27, r, s, nil
}

// decodeSignature 解析 0x 前缀的签名并归一化恢复位。
func decodeSignature(signature string) ([]byte, error) {
	raw := signature
	if len(raw) >= 2 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		raw = raw[2:]
	}
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("签名不是合法的十六进制: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("签名长度应为 65 字节, 实际 %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	return normalized, nil
}
