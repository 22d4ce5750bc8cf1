package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SettlementAuthorization carries everything needed to broadcast an
// EIP-3009 transferWithAuthorization call for a verified payment.
type SettlementAuthorization struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	V           uint8
	R           [32]byte
	S           [32]byte
}

// Receipt summarizes the on-chain outcome of a settlement transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Reverted    bool
}

// ErrReceiptNotFound signals that the transaction has not been mined yet.
// Callers treat it as a transient condition and keep polling.
var ErrReceiptNotFound = errors.New("交易回执尚不存在")

// Client defines the chain access surface the settlement layer depends on,
// so different networks (or a fake backend in tests) plug in uniformly.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SubmitAuthorization(ctx context.Context, auth SettlementAuthorization) (string, error)
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}
