package x402

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Fingerprint 从签名载荷的业务字段推导确定性指纹。
// 故意不掺入签名字节：同一付款意图即便因签名可塑性产生不同签名，
// 指纹也保持一致，重复提交能够被结算层识别。
func Fingerprint(payload SignedPayload, chainID int64) string {
	canonical := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(payload.Payer)),
		strings.ToLower(strings.TrimSpace(payload.Recipient)),
		strings.TrimSpace(payload.Amount),
		strings.ToLower(strings.TrimSpace(payload.Asset)),
		strings.ToLower(strings.TrimSpace(payload.Network)),
		fmt.Sprintf("%d", chainID),
		payload.Nonce,
		payload.Reference,
	}, "|")
	sum := crypto.Keccak256([]byte(canonical))
	return hex.EncodeToString(sum)
}
