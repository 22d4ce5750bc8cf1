package x402

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	xerrors "HashBot-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testChainID   = int64(133)
	testAsset     = "0x2910E325cf29dd912E3476B61ef12F49cb931096"
	testRecipient = "0x08dC58294c62B5865c406c57b808DB0b32e4A0d5"
	testNetwork   = "hashkey-testnet"
)

type staticNonces struct {
	used map[string]bool
}

func (s *staticNonces) NonceUsed(_ context.Context, payer, nonce string) (bool, error) {
	return s.used[payer+":"+nonce], nil
}

func newTestQuote() *PriceQuote {
	return &PriceQuote{
		Amount:        big.NewInt(1_000_000),
		AssetSymbol:   "HKDC",
		Asset:         testAsset,
		AssetDecimals: 18,
		Network:       testNetwork,
		ChainID:       testChainID,
		Recipient:     testRecipient,
	}
}

func signedProof(t *testing.T, key *ecdsa.PrivateKey, mutate func(*SignedPayload)) *PaymentAuthorization {
	t.Helper()
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	payload := SignedPayload{
		Payer:      payer,
		Recipient:  testRecipient,
		Amount:     "1000000",
		Asset:      testAsset,
		Network:    testNetwork,
		Nonce:      "nonce-1",
		ValidUntil: time.Now().Add(10 * time.Minute).Unix(),
		Reference:  "task-1",
	}
	if mutate != nil {
		mutate(&payload)
	}
	signature, err := Sign(key, payload, big.NewInt(testChainID))
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	return &PaymentAuthorization{
		X402Version:  SupportedVersion,
		PayerAddress: payer,
		Signature:    signature,
		Payload:      payload,
	}
}

func TestVerifyAcceptsValidProof(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier := NewVerifier(testChainID, &staticNonces{used: map[string]bool{}})
	proof := signedProof(t, key, nil)

	result, err := verifier.Verify(context.Background(), newTestQuote(), "task-1", proof)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid proof, rejected with %s", result.Reason)
	}
	wantPayer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if result.Payer != wantPayer {
		t.Fatalf("expected payer %s, got %s", wantPayer, result.Payer)
	}
}

func TestVerifyRejectionReasons(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cases := []struct {
		name   string
		proof  func(t *testing.T) *PaymentAuthorization
		reason Reason
	}{
		{
			name: "reference mismatch",
			proof: func(t *testing.T) *PaymentAuthorization {
				return signedProof(t, key, func(p *SignedPayload) { p.Reference = "task-other" })
			},
			reason: ReasonReferenceMismatch,
		},
		{
			name: "amount insufficient",
			proof: func(t *testing.T) *PaymentAuthorization {
				return signedProof(t, key, func(p *SignedPayload) { p.Amount = "999999" })
			},
			reason: ReasonAmountInsufficient,
		},
		{
			name: "asset mismatch",
			proof: func(t *testing.T) *PaymentAuthorization {
				return signedProof(t, key, func(p *SignedPayload) {
					p.Asset = "0x0000000000000000000000000000000000000001"
				})
			},
			reason: ReasonAssetMismatch,
		},
		{
			name: "network mismatch",
			proof: func(t *testing.T) *PaymentAuthorization {
				return signedProof(t, key, func(p *SignedPayload) { p.Network = "hashkey-mainnet" })
			},
			reason: ReasonAssetMismatch,
		},
		{
			name: "recipient mismatch",
			proof: func(t *testing.T) *PaymentAuthorization {
				return signedProof(t, key, func(p *SignedPayload) {
					p.Recipient = "0x0000000000000000000000000000000000000002"
				})
			},
			reason: ReasonAssetMismatch,
		},
		{
			name: "expired",
			proof: func(t *testing.T) *PaymentAuthorization {
				return signedProof(t, key, func(p *SignedPayload) {
					p.ValidUntil = time.Now().Add(-time.Minute).Unix()
				})
			},
			reason: ReasonExpired,
		},
		{
			name: "signer does not match declared payer",
			proof: func(t *testing.T) *PaymentAuthorization {
				proof := signedProof(t, otherKey, nil)
				proof.Payload.Payer = crypto.PubkeyToAddress(key.PublicKey).Hex()
				proof.PayerAddress = proof.Payload.Payer
				return proof
			},
			reason: ReasonBadSignature,
		},
		{
			name: "tampered payload breaks signature",
			proof: func(t *testing.T) *PaymentAuthorization {
				proof := signedProof(t, key, nil)
				proof.Payload.Amount = "2000000"
				return proof
			},
			reason: ReasonBadSignature,
		},
		{
			name: "unsupported version",
			proof: func(t *testing.T) *PaymentAuthorization {
				proof := signedProof(t, key, nil)
				proof.X402Version = 99
				return proof
			},
			reason: ReasonBadSignature,
		},
	}

	verifier := NewVerifier(testChainID, &staticNonces{used: map[string]bool{}})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := verifier.Verify(context.Background(), newTestQuote(), "task-1", tc.proof(t))
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if result.Valid {
				t.Fatalf("expected rejection %s, proof accepted", tc.reason)
			}
			if result.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, result.Reason)
			}
		})
	}
}

func TestVerifyRejectsReusedNonce(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	verifier := NewVerifier(testChainID, &staticNonces{
		used: map[string]bool{payer + ":nonce-1": true},
	})

	result, err := verifier.Verify(context.Background(), newTestQuote(), "task-1", signedProof(t, key, nil))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.Reason != ReasonNonceReused {
		t.Fatalf("expected nonce-reused rejection, got valid=%v reason=%s", result.Valid, result.Reason)
	}
}

// 跨链重放: 同一载荷在不同 chain id 的 domain 下签名不互认。
func TestVerifyRejectsCrossChainReplay(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	proof := signedProof(t, key, nil)

	otherChain := NewVerifier(testChainID+1, &staticNonces{used: map[string]bool{}})
	quote := newTestQuote()
	quote.ChainID = testChainID + 1

	result, err := otherChain.Verify(context.Background(), quote, "task-1", proof)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.Reason != ReasonBadSignature {
		t.Fatalf("expected bad-signature on foreign chain, got valid=%v reason=%s", result.Valid, result.Reason)
	}
}

func TestVerifyRejectsMissingArguments(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier := NewVerifier(testChainID, &staticNonces{used: map[string]bool{}})

	if _, err := verifier.Verify(context.Background(), nil, "task-1", signedProof(t, key, nil)); xerrors.CodeOf(err) != CodePaymentInvalid {
		t.Fatalf("expected %s for nil quote, got %v", CodePaymentInvalid, err)
	}
	if _, err := verifier.Verify(context.Background(), newTestQuote(), "task-1", nil); xerrors.CodeOf(err) != CodePaymentInvalid {
		t.Fatalf("expected %s for nil proof, got %v", CodePaymentInvalid, err)
	}
}
