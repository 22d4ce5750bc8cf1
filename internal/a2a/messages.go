package a2a

import (
	"encoding/json"

	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/internal/task"
)

// JSON-RPC 2.0 错误码。-32000 承载业务层错误。
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeTaskError      = -32000
)

// request 是 JSON-RPC 请求信封。
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response 是 JSON-RPC 响应信封。
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// sendParams 是 tasks/send 的参数。技能在 metadata.skill_id 中指定,
// 顶层 skillId 作为兼容别名保留; 任务 ID 同理接受 id 或 taskId。
type sendParams struct {
	ID        string       `json:"id,omitempty"`
	TaskID    string       `json:"taskId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	SkillID   string       `json:"skillId,omitempty"`
	Message   task.Message `json:"message"`
	Metadata  sendMetadata `json:"metadata,omitempty"`
}

type sendMetadata struct {
	SkillID string `json:"skill_id,omitempty"`
}

func (p *sendParams) taskID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.TaskID
}

func (p *sendParams) skillID() string {
	if p.Metadata.SkillID != "" {
		return p.Metadata.SkillID
	}
	return p.SkillID
}

// taskParams 是 tasks/get 与 tasks/cancel 的参数。
type taskParams struct {
	ID     string `json:"id,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

func (p *taskParams) taskID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.TaskID
}

// taskStatus 是响应中的状态对象。等待付款时 message 携带
// 付款要求, 对端从 status.message.parts 读取条款。
type taskStatus struct {
	State   task.State    `json:"state"`
	Message *task.Message `json:"message,omitempty"`
}

// taskView 是任务对外的投影。
type taskView struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"sessionId,omitempty"`
	SkillID         string         `json:"skillId"`
	Status          taskStatus     `json:"status"`
	History         []task.Message `json:"history"`
	PaymentAttempts int            `json:"paymentAttempts"`
	TxHash          string         `json:"txHash,omitempty"`
	FailureCode     string         `json:"failureCode,omitempty"`
	FailureReason   string         `json:"failureReason,omitempty"`
	CreatedAt       int64          `json:"createdAt"`
	UpdatedAt       int64          `json:"updatedAt"`
}

func viewOf(t *task.Task) *taskView {
	if t == nil {
		return nil
	}
	history := t.History
	if history == nil {
		history = []task.Message{}
	}
	view := &taskView{
		ID:              t.ID,
		SessionID:       t.SessionID,
		SkillID:         t.SkillID,
		Status:          taskStatus{State: t.State},
		History:         history,
		PaymentAttempts: t.PaymentAttempts,
		TxHash:          t.TxHash,
		FailureCode:     t.FailureCode,
		FailureReason:   t.FailureReason,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.State == task.StateInputRequired {
		view.Status.Message = latestAgentMessage(history)
	}
	return view
}

func latestAgentMessage(history []task.Message) *task.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == task.RoleAgent {
			msg := history[i]
			return &msg
		}
	}
	return nil
}

// errorOf 将内部错误映射为 JSON-RPC 错误。业务错误携带错误码与元数据。
func errorOf(err error) *rpcError {
	if err == nil {
		return nil
	}
	if e, ok := xerrors.From(err); ok {
		data := map[string]any{"code": string(e.Code())}
		for k, v := range e.Metadata() {
			data[k] = v
		}
		return &rpcError{Code: codeTaskError, Message: e.Message(), Data: data}
	}
	return &rpcError{Code: codeInternalError, Message: err.Error()}
}
