package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"HashBot-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferWithAuthorization 的 ABI 片段 (EIP-3009, v/r/s 形式)。
const erc3009ABI = `[{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// 结算交易的固定 gas 上限。transferWithAuthorization 的开销稳定，
// 估算失败时以此为兜底。
const settlementGasLimit = 120000

// Config describes how to construct an EVM settlement client.
type Config struct {
	Name   string
	RPCURL string
	// ChainID 可选。为 0 时从节点查询。
	ChainID int64
	// SenderKeyHex 是广播结算交易的平台私钥 (hex, 不带 0x)。
	SenderKeyHex string
	Notes        string
}

// Client implements the chain.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	senderKey *ecdsa.PrivateKey
	sender    common.Address
	abi       abi.ABI

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链上 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链上节点失败: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc3009ABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析 ERC-3009 ABI 失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		abi:       parsedABI,
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	if key := strings.TrimSpace(strings.TrimPrefix(cfg.SenderKeyHex, "0x")); key != "" {
		privateKey, err := crypto.HexToECDSA(key)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析平台私钥失败: %w", err)
		}
		client.senderKey = privateKey
		client.sender = crypto.PubkeyToAddress(privateKey.PublicKey)
	}
	return client, nil
}

// ChainID returns the configured or queried chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// SubmitAuthorization packs and broadcasts a transferWithAuthorization call
// signed by the platform key.
func (c *Client) SubmitAuthorization(ctx context.Context, auth chain.SettlementAuthorization) (string, error) {
	if c.senderKey == nil {
		return "", errors.New("未配置结算交易的平台私钥")
	}
	if auth.Value == nil || auth.Value.Sign() <= 0 {
		return "", errors.New("结算金额必须为正数")
	}

	calldata, err := c.abi.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, auth.V, auth.R, auth.S)
	if err != nil {
		return "", fmt.Errorf("打包结算调用失败: %w", err)
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return "", fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	gasLimit := uint64(settlementGasLimit)
	if estimated, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{
		From: c.sender,
		To:   &auth.Token,
		Data: calldata,
	}); err == nil && estimated > 0 {
		gasLimit = estimated + estimated/5
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &auth.Token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signedTx, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.senderKey)
	if err != nil {
		return "", fmt.Errorf("签名结算交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("广播结算交易失败: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// TransactionReceipt maps the go-ethereum receipt into the settlement view.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, chain.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	return &chain.Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Reverted:    receipt.Status == coretypes.ReceiptStatusFailed,
	}, nil
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return height, nil
}

// Sender returns the platform settlement address.
func (c *Client) Sender() common.Address {
	return c.sender
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

var _ chain.Client = (*Client)(nil)
