package settlement

import (
	xerrors "HashBot-Chain/internal/errors"
)

// Status 表示结算记录的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Record 记录一次付款授权的链上结算结果。
// 指纹由签名载荷字段确定性推导，同一指纹至多有一条记录，
// 且一旦 confirmed 即不可变。
type Record struct {
	Fingerprint   string `json:"fingerprint"`
	TaskID        string `json:"task_id"`
	Payer         string `json:"payer"`
	TxHash        string `json:"tx_hash,omitempty"`
	Status        Status `json:"status"`
	Confirmations uint64 `json:"confirmations"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Terminal 判断记录是否已到达终态。
func (r *Record) Terminal() bool {
	return r != nil && (r.Status == StatusConfirmed || r.Status == StatusFailed)
}

var (
	// ErrRecordNotFound 表示指定指纹没有结算记录。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "settlement record not found")
	// ErrRecordConflict 表示指纹已存在结算记录。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "settlement record conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRecordImmutable 表示试图修改已确认的记录。
	ErrRecordImmutable = xerrors.New(CodeRecordImmutable, "confirmed settlement record is immutable", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRecordNotFound  xerrors.Code = "SETTLEMENT_RECORD_NOT_FOUND"
	CodeRecordConflict  xerrors.Code = "SETTLEMENT_RECORD_CONFLICT"
	CodeRecordImmutable xerrors.Code = "SETTLEMENT_RECORD_IMMUTABLE"
	CodeSubmitFailure   xerrors.Code = "SETTLEMENT_SUBMIT_FAILED"
	CodeChainRejected   xerrors.Code = "SETTLEMENT_CHAIN_REJECTED"
	CodePollExhausted   xerrors.Code = "SETTLEMENT_POLL_EXHAUSTED"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "settlement record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:   "settlement record conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordImmutable, xerrors.Attributes{
		Message:   "confirmed settlement record is immutable",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSubmitFailure, xerrors.Attributes{
		Message:   "failed to broadcast settlement",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeChainRejected, xerrors.Attributes{
		Message:   "settlement rejected on-chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePollExhausted, xerrors.Attributes{
		Message:   "settlement polling attempts exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}
