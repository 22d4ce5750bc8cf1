package x402

import "testing"

func basePayload() SignedPayload {
	return SignedPayload{
		Payer:      "0xAbCd000000000000000000000000000000000001",
		Recipient:  testRecipient,
		Amount:     "1000000",
		Asset:      testAsset,
		Network:    testNetwork,
		Nonce:      "nonce-1",
		ValidUntil: 2_000_000_000,
		Reference:  "task-1",
	}
}

func TestFingerprintIgnoresAddressCasing(t *testing.T) {
	a := basePayload()
	b := basePayload()
	b.Payer = "0xabcd000000000000000000000000000000000001"

	if Fingerprint(a, testChainID) != Fingerprint(b, testChainID) {
		t.Fatal("fingerprint should be case-insensitive for addresses")
	}
}

// 指纹只依赖业务字段, 重签同一意图得到的证明指纹不变。
func TestFingerprintStableAcrossResigning(t *testing.T) {
	a := basePayload()
	b := basePayload()
	b.ValidUntil = a.ValidUntil + 600

	if Fingerprint(a, testChainID) != Fingerprint(b, testChainID) {
		t.Fatal("fingerprint must not depend on validUntil or signature bytes")
	}
}

func TestFingerprintDistinguishesIntents(t *testing.T) {
	base := Fingerprint(basePayload(), testChainID)

	mutations := []func(*SignedPayload){
		func(p *SignedPayload) { p.Payer = "0x0000000000000000000000000000000000000009" },
		func(p *SignedPayload) { p.Recipient = "0x0000000000000000000000000000000000000009" },
		func(p *SignedPayload) { p.Amount = "1000001" },
		func(p *SignedPayload) { p.Asset = "0x0000000000000000000000000000000000000009" },
		func(p *SignedPayload) { p.Network = "hashkey-mainnet" },
		func(p *SignedPayload) { p.Nonce = "nonce-2" },
		func(p *SignedPayload) { p.Reference = "task-2" },
	}
	for i, mutate := range mutations {
		payload := basePayload()
		mutate(&payload)
		if Fingerprint(payload, testChainID) == base {
			t.Fatalf("mutation %d did not change fingerprint", i)
		}
	}

	if Fingerprint(basePayload(), testChainID+1) == base {
		t.Fatal("chain id must participate in the fingerprint")
	}
}
