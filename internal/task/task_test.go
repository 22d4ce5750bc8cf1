package task

import (
	"encoding/json"
	"testing"

	"HashBot-Chain/internal/x402"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateSubmitted, StateWorking},
		{StateSubmitted, StateInputRequired},
		{StateSubmitted, StateFailed},
		{StateSubmitted, StateCanceled},
		{StateInputRequired, StateWorking},
		{StateInputRequired, StateFailed},
		{StateInputRequired, StateCanceled},
		{StateWorking, StateCompleted},
		{StateWorking, StateFailed},
		{StateWorking, StateCanceled},
		{StateWorking, StateInputRequired},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateSubmitted, StateCompleted},
		{StateInputRequired, StateCompleted},
		{StateCompleted, StateWorking},
		{StateCompleted, StateFailed},
		{StateFailed, StateWorking},
		{StateFailed, StateInputRequired},
		{StateCanceled, StateWorking},
		{StateCanceled, StateCompleted},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s must be denied", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	for _, state := range []State{StateCompleted, StateFailed, StateCanceled} {
		if !state.Terminal() {
			t.Errorf("%s should be terminal", state)
		}
		task := &Task{ID: "t", State: state}
		if err := task.Transition(StateWorking); err == nil {
			t.Errorf("transition out of %s should fail", state)
		}
	}
}

func TestMessagePaymentProofExtraction(t *testing.T) {
	proof := x402.PaymentAuthorization{
		X402Version: x402.SupportedVersion,
		Signature:   "0xdeadbeef",
		Payload: x402.SignedPayload{
			Payer:     "0x0000000000000000000000000000000000000001",
			Reference: "task-1",
		},
	}
	msg, err := DataMessage(RoleUser, proof)
	if err != nil {
		t.Fatalf("data message: %v", err)
	}
	got, ok := msg.PaymentProof()
	if !ok {
		t.Fatal("proof should be extracted from data part")
	}
	if got.Payload.Reference != "task-1" {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}

	if _, ok := TextMessage(RoleUser, "no proof here").PaymentProof(); ok {
		t.Fatal("text message must not yield a proof")
	}

	// 结构化数据但不是付款证明。
	other, err := DataMessage(RoleAgent, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("data message: %v", err)
	}
	if _, ok := other.PaymentProof(); ok {
		t.Fatal("arbitrary data must not yield a proof")
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{Role: RoleAgent, Parts: []Part{
		{Type: PartTypeText, Text: "hello"},
		{Type: PartTypeData, Data: json.RawMessage(`{"k":"v"}`)},
	}}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Text() != "hello" || len(decoded.Parts) != 2 {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}
