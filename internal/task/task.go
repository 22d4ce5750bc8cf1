package task

import (
	"encoding/json"

	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/internal/x402"
)

// State 表示任务在生命周期中的状态。
type State string

const (
	StateSubmitted     State = "submitted"
	StateInputRequired State = "input-required"
	StateWorking       State = "working"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Terminal 判断状态是否为终态。终态任务不再接受任何操作。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsValidState 检查给定的任务状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateSubmitted, StateInputRequired, StateWorking,
		StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// transitions 是状态机允许的迁移表。working -> input-required
// 只在链上结算被拒绝、允许客户端携带新授权重试时发生。
var transitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateInputRequired, StateFailed, StateCanceled},
	StateInputRequired: {StateWorking, StateFailed, StateCanceled},
	StateWorking:       {StateCompleted, StateFailed, StateCanceled, StateInputRequired},
}

// CanTransition 判断状态迁移是否被允许。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// 消息角色。
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// 消息分片类型。
const (
	PartTypeText = "text"
	PartTypeData = "data"
)

// Part 是消息中的一个分片，文本与结构化数据二选一。
type Part struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message 是任务会话中的一条消息。
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage 构造纯文本消息。
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartTypeText, Text: text}}}
}

// DataMessage 构造携带结构化数据的消息。
func DataMessage(role string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息数据失败")
	}
	return Message{Role: role, Parts: []Part{{Type: PartTypeData, Data: raw}}}, nil
}

// Text 返回消息中第一个文本分片的内容。
func (m Message) Text() string {
	for _, part := range m.Parts {
		if part.Type == PartTypeText {
			return part.Text
		}
	}
	return ""
}

// PaymentProof 从消息的数据分片中解出付款证明。
func (m Message) PaymentProof() (*x402.PaymentAuthorization, bool) {
	for _, part := range m.Parts {
		if part.Type != PartTypeData || len(part.Data) == 0 {
			continue
		}
		var proof x402.PaymentAuthorization
		if err := json.Unmarshal(part.Data, &proof); err != nil {
			continue
		}
		if proof.Signature != "" && proof.Payload.Payer != "" {
			return &proof, true
		}
	}
	return nil, false
}

// Task 描述一次技能调用的完整生命周期。
// History 按时间顺序保存双方消息，Quote 只在付费技能上非空。
type Task struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id,omitempty"`
	SkillID         string           `json:"skill_id"`
	State           State            `json:"state"`
	History         []Message        `json:"history"`
	Quote           *x402.PriceQuote `json:"quote,omitempty"`
	PaymentAttempts int              `json:"payment_attempts"`
	Fingerprint     string           `json:"fingerprint,omitempty"`
	TxHash          string           `json:"tx_hash,omitempty"`
	FailureCode     string           `json:"failure_code,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CreatedAt       int64            `json:"created_at"`
	UpdatedAt       int64            `json:"updated_at"`
}

// Transition 执行一次状态迁移，非法迁移返回错误。
func (t *Task) Transition(to State) error {
	if t.State == to {
		return nil
	}
	if !CanTransition(t.State, to) {
		return xerrors.New(CodeTaskTransition, "任务状态不允许该迁移",
			xerrors.WithMetadata("task_id", t.ID),
			xerrors.WithMetadata("from", string(t.State)),
			xerrors.WithMetadata("to", string(to)))
	}
	t.State = to
	return nil
}

// Append 向历史追加一条消息。
func (t *Task) Append(msg Message) {
	t.History = append(t.History, msg)
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskTerminal 表示任务已进入终态。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict     xerrors.Code = "TASK_CONFLICT"
	CodeTaskTerminal     xerrors.Code = "TASK_TERMINAL"
	CodeTaskTransition   xerrors.Code = "TASK_TRANSITION_DENIED"
	CodeTaskValidation   xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeSkillUnknown     xerrors.Code = "SKILL_UNKNOWN"
	CodeSkillFailed      xerrors.Code = "SKILL_EXECUTION_FAILED"
	CodePaymentRejected  xerrors.Code = "PAYMENT_REJECTED"
	CodePaymentExhausted xerrors.Code = "PAYMENT_RETRIES_EXHAUSTED"
	CodeQuoteExpired     xerrors.Code = "QUOTE_EXPIRED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTransition, xerrors.Attributes{
		Message:   "task state transition denied",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSkillUnknown, xerrors.Attributes{
		Message:   "skill not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSkillFailed, xerrors.Attributes{
		Message:   "skill execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePaymentRejected, xerrors.Attributes{
		Message:   "payment proof rejected",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentExhausted, xerrors.Attributes{
		Message:   "payment retries exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeQuoteExpired, xerrors.Attributes{
		Message:   "price quote expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Quote != nil {
		quoteCopy := *task.Quote
		clone.Quote = &quoteCopy
	}
	if task.History != nil {
		clone.History = make([]Message, len(task.History))
		copy(clone.History, task.History)
	}
	return &clone
}
