package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"

	"HashBot-Chain/internal/chain"
	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/internal/guard"
	"HashBot-Chain/internal/x402"
	"HashBot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Config 控制结算轮询的节奏与确认门槛。
type Config struct {
	// Confirmations 是记录进入 confirmed 前要求的最小确认数。
	// 该阈值权衡延迟与重组安全，必须可配置。
	Confirmations uint64
	// PollBase 是轮询退避的起始间隔。
	PollBase time.Duration
	// PollMax 是退避间隔的上限。
	PollMax time.Duration
	// PollAttempts 是单次等待允许的最大轮询次数。
	PollAttempts int
}

func (c *Config) applyDefaults() {
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.PollBase <= 0 {
		c.PollBase = 500 * time.Millisecond
	}
	if c.PollMax <= 0 {
		c.PollMax = 8 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 30
	}
}

// Client 将已验证的付款授权提交上链并跟踪确认进度。
type Client struct {
	chain chain.Client
	store Store
	guard guard.Guard
	cfg   Config
	log   *slog.Logger
}

// NewClient 构造结算客户端。
func NewClient(chainClient chain.Client, store Store, g guard.Guard, cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		chain: chainClient,
		store: store,
		guard: g,
		cfg:   cfg,
		log:   logger.Named("settlement"),
	}
}

// SettleKey 是结算层在防重表中使用的键前缀。
func SettleKey(fingerprint string) string {
	return "settle:" + fingerprint
}

// Submit 将已验证的证明广播上链并立即返回。
// 同一指纹重复提交时直接返回既有记录而不重新广播，
// 这是结算层的核心防双花闸门。
func (c *Client) Submit(ctx context.Context, taskID string, proof *x402.PaymentAuthorization, quote *x402.PriceQuote) (*Record, error) {
	if proof == nil || quote == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款证明与报价不能为空")
	}
	fingerprint := x402.Fingerprint(proof.Payload, quote.ChainID)

	existing, err := c.store.Get(ctx, fingerprint)
	if err == nil && existing.Status != StatusFailed {
		// 已广播或已确认的指纹不重复广播。尚无交易哈希的 pending
		// 记录说明上次广播遭遇瞬时故障, 允许继续重试广播。
		if existing.Status == StatusConfirmed || existing.TxHash != "" {
			c.log.Debug("结算指纹已存在, 跳过广播",
				slog.String("fingerprint", fingerprint),
				slog.String("status", string(existing.Status)))
			return existing, nil
		}
	}
	if err != nil && !stdErrors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	retryingBroadcast := existing != nil && existing.Status == StatusPending
	if !retryingBroadcast {
		// 广播重试路径沿用此前抢占的指纹, 其余路径必须先抢占。
		reserved, err := c.guard.Reserve(ctx, SettleKey(fingerprint))
		if err != nil {
			return nil, err
		}
		if !reserved {
			// 并发提交竞争失败, 返回竞争胜者留下的记录。
			if record, getErr := c.store.Get(ctx, fingerprint); getErr == nil {
				return record, nil
			}
			return nil, xerrors.New(xerrors.CodeConflict, "结算指纹正在被并发处理")
		}
	}

	record := &Record{
		Fingerprint: fingerprint,
		TaskID:      taskID,
		Payer:       proof.Payload.Payer,
		Status:      StatusPending,
	}
	if existing != nil {
		// 广播重试或此前结算失败后携带新授权重试, 复用既有记录。
		record.CreatedAt = existing.CreatedAt
		if err := c.store.Update(ctx, record); err != nil {
			_ = c.guard.Release(ctx, SettleKey(fingerprint))
			return nil, err
		}
	} else if err := c.store.Create(ctx, record); err != nil {
		_ = c.guard.Release(ctx, SettleKey(fingerprint))
		if stdErrors.Is(err, ErrRecordConflict) {
			if dup, getErr := c.store.Get(ctx, fingerprint); getErr == nil {
				return dup, nil
			}
		}
		return nil, err
	}

	auth, err := buildAuthorization(proof, quote)
	if err != nil {
		c.markFailed(ctx, record, err.Error())
		return record, err
	}
	txHash, err := c.chain.SubmitAuthorization(ctx, auth)
	if err != nil {
		if isTransientRPC(err) {
			// 广播失败但可能是瞬时故障, 保留指纹占用, 由调用方重试。
			record.LastError = err.Error()
			_ = c.store.Update(ctx, record)
			return record, xerrors.Wrap(xerrors.CodeChainTransient, err, "广播结算交易失败")
		}
		c.markFailed(ctx, record, err.Error())
		return record, xerrors.Wrap(CodeChainRejected, err, "结算交易被链上拒绝")
	}

	record.TxHash = txHash
	if err := c.store.Update(ctx, record); err != nil {
		return record, err
	}
	logger.Audit().Info("结算交易已广播",
		slog.String("fingerprint", fingerprint),
		slog.String("task_id", taskID),
		slog.String("tx_hash", txHash),
	)
	return record, nil
}

// Poll 做一次确认检查并更新记录, 不做任何等待。
func (c *Client) Poll(ctx context.Context, fingerprint string) (*Record, error) {
	record, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if record.Terminal() || record.TxHash == "" {
		return record, nil
	}

	receipt, err := c.chain.TransactionReceipt(ctx, record.TxHash)
	if err != nil {
		if stdErrors.Is(err, chain.ErrReceiptNotFound) {
			return record, nil
		}
		if isTransientRPC(err) {
			return record, xerrors.Wrap(xerrors.CodeChainTransient, err, "查询结算回执失败")
		}
		c.markFailed(ctx, record, err.Error())
		return record, nil
	}
	if receipt.Reverted {
		c.markFailed(ctx, record, "结算交易被回滚")
		return record, nil
	}

	head, err := c.chain.BlockNumber(ctx)
	if err != nil {
		return record, xerrors.Wrap(xerrors.CodeChainTransient, err, "查询最新区块高度失败")
	}
	if head >= receipt.BlockNumber {
		record.Confirmations = head - receipt.BlockNumber + 1
	}
	if record.Confirmations >= c.cfg.Confirmations {
		record.Status = StatusConfirmed
		if err := c.store.Update(ctx, record); err != nil {
			return record, err
		}
		logger.Audit().Info("结算已确认",
			slog.String("fingerprint", record.Fingerprint),
			slog.String("task_id", record.TaskID),
			slog.String("tx_hash", record.TxHash),
			slog.Uint64("confirmations", record.Confirmations),
		)
		return record, nil
	}
	if err := c.store.Update(ctx, record); err != nil {
		return record, err
	}
	return record, nil
}

// Await 以指数退避轮询直到记录进入终态、退避次数耗尽或上下文取消。
// 瞬时 RPC 故障在内部消化, 不会泄漏为任务失败。
func (c *Client) Await(ctx context.Context, fingerprint string) (*Record, error) {
	delay := c.cfg.PollBase
	for attempt := 0; attempt < c.cfg.PollAttempts; attempt++ {
		record, err := c.Poll(ctx, fingerprint)
		if err != nil && !xerrors.RetryableError(err) {
			return record, err
		}
		if err == nil && record.Terminal() {
			return record, nil
		}

		select {
		case <-ctx.Done():
			return record, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待结算确认被中断")
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.PollMax {
			delay = c.cfg.PollMax
		}
	}
	return nil, xerrors.New(CodePollExhausted, "结算确认轮询次数耗尽")
}

// ReleaseFingerprint 释放指纹占用, 供上层失败路径调用。
func (c *Client) ReleaseFingerprint(ctx context.Context, fingerprint string) error {
	return c.guard.Release(ctx, SettleKey(fingerprint))
}

func (c *Client) markFailed(ctx context.Context, record *Record, reason string) {
	record.Status = StatusFailed
	record.LastError = reason
	if err := c.store.Update(ctx, record); err != nil {
		c.log.Error("回写结算失败状态出错",
			slog.Any("error", err),
			slog.String("fingerprint", record.Fingerprint))
	}
	// 失败后释放指纹, 同一付款人可携带新授权重新结算。
	if err := c.guard.Release(ctx, SettleKey(record.Fingerprint)); err != nil {
		c.log.Error("释放结算指纹失败",
			slog.Any("error", err),
			slog.String("fingerprint", record.Fingerprint))
	}
	logger.Audit().Warn("结算失败",
		slog.String("fingerprint", record.Fingerprint),
		slog.String("task_id", record.TaskID),
		slog.String("reason", reason),
	)
}

// buildAuthorization 将 x402 证明转换为链上结算参数。
func buildAuthorization(proof *x402.PaymentAuthorization, quote *x402.PriceQuote) (chain.SettlementAuthorization, error) {
	value, err := proof.Payload.AmountInt()
	if err != nil {
		return chain.SettlementAuthorization{}, err
	}
	v, r, s, err := x402.SplitSignature(proof.Signature)
	if err != nil {
		return chain.SettlementAuthorization{}, err
	}
	var nonce [32]byte
	copy(nonce[:], crypto.Keccak256([]byte(proof.Payload.Nonce)))
	return chain.SettlementAuthorization{
		Token:       common.HexToAddress(quote.Asset),
		From:        common.HexToAddress(proof.Payload.Payer),
		To:          common.HexToAddress(proof.Payload.Recipient),
		Value:       value,
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(proof.Payload.ValidUntil),
		Nonce:       nonce,
		V:           v,
		R:           r,
		S:           s,
	}, nil
}

// isTransientRPC 区分瞬时 RPC 故障与链上的确定性拒绝。
// 确定性拒绝 (余额不足、nonce 冲突、交易回滚) 不做重试。
func isTransientRPC(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, marker := range []string{
		"insufficient funds", "nonce too low", "reverted", "invalid authorization",
		"authorization is used", "already known",
	} {
		if strings.Contains(message, marker) {
			return false
		}
	}
	for _, marker := range []string{
		"timeout", "timed out", "connection reset", "connection refused",
		"rate limit", "too many requests", "429", "eof", "temporarily",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return xerrors.RetryableError(err)
}
