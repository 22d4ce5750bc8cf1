package task

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"HashBot-Chain/internal/chain"
	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/internal/guard"
	"HashBot-Chain/internal/observability/alerting"
	"HashBot-Chain/internal/settlement"
	"HashBot-Chain/internal/x402"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	testChainID   = int64(133)
	testNetwork   = "hashkey-testnet"
	testAsset     = "0x2910E325cf29dd912E3476B61ef12F49cb931096"
	testRecipient = "0x08dC58294c62B5865c406c57b808DB0b32e4A0d5"
)

// fakeChain 立即出块确认, 除非预先注入广播错误。
type fakeChain struct {
	mu         sync.Mutex
	submitErrs []error
	submits    int
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(testChainID), nil
}

func (f *fakeChain) SubmitAuthorization(context.Context, chain.SettlementAuthorization) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("0xtx%03d", f.submits), nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: txHash, BlockNumber: 100, Reverted: false}, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeChain) Close() {}

func (f *fakeChain) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

var _ chain.Client = (*fakeChain)(nil)

// stubSkill 是可编程的测试技能。
type stubSkill struct {
	id    string
	price *big.Int
	exec  func(ctx context.Context, t *Task, input Message) (Message, error)
}

func (s *stubSkill) ID() string          { return s.id }
func (s *stubSkill) Description() string { return "test skill" }

func (s *stubSkill) Quote(string) *x402.PriceQuote {
	if s.price == nil {
		return nil
	}
	return &x402.PriceQuote{
		Amount:        new(big.Int).Set(s.price),
		AssetSymbol:   "HKDC",
		Asset:         testAsset,
		AssetDecimals: 18,
		Network:       testNetwork,
		ChainID:       testChainID,
		Recipient:     testRecipient,
	}
}

func (s *stubSkill) Execute(ctx context.Context, t *Task, input Message) (Message, error) {
	if s.exec != nil {
		return s.exec(ctx, t, input)
	}
	return TextMessage(RoleAgent, "done: "+input.Text()), nil
}

type stubSkillSet map[string]Skill

func (s stubSkillSet) Lookup(id string) (Skill, bool) {
	sk, ok := s[id]
	return sk, ok
}

func (s stubSkillSet) All() []Skill {
	all := make([]Skill, 0, len(s))
	for _, sk := range s {
		all = append(all, sk)
	}
	return all
}

type fixture struct {
	manager *Manager
	chain   *fakeChain
	guard   guard.Guard
	records settlement.Store
	key     *ecdsa.PrivateKey
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, skills stubSkillSet, opts ...ManagerOption) *fixture {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fc := &fakeChain{}
	g := guard.NewMemoryGuard()
	records := settlement.NewMemoryStore()
	settler := settlement.NewClient(fc, records, g, settlement.Config{
		Confirmations: 1,
		PollBase:      time.Millisecond,
		PollMax:       2 * time.Millisecond,
		PollAttempts:  10,
	})
	clock := &fakeClock{now: time.Now()}
	manager := NewManager(NewMemoryStore(), skills, x402.NewVerifier(testChainID, g), settler, g,
		ManagerConfig{
			QuoteTTL:           5 * time.Minute,
			MaxPaymentAttempts: 3,
			SubmitRetries:      2,
			SubmitRetryDelay:   time.Millisecond,
		},
		append([]ManagerOption{WithClock(clock.Now)}, opts...)...,
	)
	return &fixture{manager: manager, chain: fc, guard: g, records: records, key: key, clock: clock}
}

// proofMessage 为任务构造签名合法的付款证明消息。
func (f *fixture) proofMessage(t *testing.T, tk *Task, nonce string, mutate func(*x402.SignedPayload)) Message {
	t.Helper()
	payer := gethcrypto.PubkeyToAddress(f.key.PublicKey).Hex()
	payload := x402.SignedPayload{
		Payer:      payer,
		Recipient:  tk.Quote.Recipient,
		Amount:     tk.Quote.Amount.String(),
		Asset:      tk.Quote.Asset,
		Network:    tk.Quote.Network,
		Nonce:      nonce,
		ValidUntil: time.Now().Add(10 * time.Minute).Unix(),
		Reference:  tk.ID,
	}
	if mutate != nil {
		mutate(&payload)
	}
	signature, err := x402.Sign(f.key, payload, big.NewInt(testChainID))
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	msg, err := DataMessage(RoleUser, x402.PaymentAuthorization{
		X402Version:  x402.SupportedVersion,
		PayerAddress: payer,
		Signature:    signature,
		Payload:      payload,
	})
	if err != nil {
		t.Fatalf("build proof message: %v", err)
	}
	return msg
}

func TestSendFreeSkillCompletesDirectly(t *testing.T) {
	f := newFixture(t, stubSkillSet{"ping": &stubSkill{id: "ping"}})
	ctx := context.Background()

	tk, err := f.manager.Send(ctx, SendRequest{SkillID: "ping", Message: TextMessage(RoleUser, "hello")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tk.State != StateCompleted {
		t.Fatalf("expected completed, got %s", tk.State)
	}
	last := tk.History[len(tk.History)-1]
	if last.Role != RoleAgent || last.Text() != "done: hello" {
		t.Fatalf("unexpected reply: %+v", last)
	}
	if got := f.chain.submitCount(); got != 0 {
		t.Fatalf("free skill must not settle, got %d broadcasts", got)
	}
}

func TestSendUnknownSkill(t *testing.T) {
	f := newFixture(t, stubSkillSet{})
	_, err := f.manager.Send(context.Background(), SendRequest{SkillID: "nope", Message: TextMessage(RoleUser, "x")})
	if xerrors.CodeOf(err) != CodeSkillUnknown {
		t.Fatalf("expected skill-unknown, got %v", err)
	}
}

func TestPricedSkillFullLifecycle(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, err := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "analyze HKDC")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tk.State != StateInputRequired {
		t.Fatalf("expected input-required, got %s", tk.State)
	}
	if tk.Quote == nil || tk.Quote.Amount.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("unexpected quote: %+v", tk.Quote)
	}
	// 付款要求作为 agent 数据消息附在历史中。
	last := tk.History[len(tk.History)-1]
	if last.Role != RoleAgent || len(last.Parts) == 0 || last.Parts[0].Type != PartTypeData {
		t.Fatalf("expected payment-required data part, got %+v", last)
	}

	done, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: f.proofMessage(t, tk, "n-1", nil)})
	if err != nil {
		t.Fatalf("send proof: %v", err)
	}
	if done.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%s: %s)", done.State, done.FailureCode, done.FailureReason)
	}
	if done.TxHash == "" {
		t.Fatal("completed task should carry the settlement tx hash")
	}
	if got := f.chain.submitCount(); got != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", got)
	}

	record, err := f.records.Get(ctx, done.Fingerprint)
	if err != nil {
		t.Fatalf("settlement record: %v", err)
	}
	if record.Status != settlement.StatusConfirmed {
		t.Fatalf("expected confirmed settlement, got %s", record.Status)
	}
}

func TestInvalidProofsCountTowardRetryCap(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, err := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	short := func(p *x402.SignedPayload) { p.Amount = "1" }
	for attempt := 1; attempt <= 2; attempt++ {
		got, err := f.manager.Send(ctx, SendRequest{
			TaskID:  tk.ID,
			Message: f.proofMessage(t, tk, fmt.Sprintf("bad-%d", attempt), short),
		})
		if xerrors.CodeOf(err) != CodePaymentRejected {
			t.Fatalf("attempt %d: expected payment-rejected, got %v", attempt, err)
		}
		if got.State != StateInputRequired || got.PaymentAttempts != attempt {
			t.Fatalf("attempt %d: state=%s attempts=%d", attempt, got.State, got.PaymentAttempts)
		}
	}

	got, err := f.manager.Send(ctx, SendRequest{
		TaskID:  tk.ID,
		Message: f.proofMessage(t, tk, "bad-3", short),
	})
	if xerrors.CodeOf(err) != CodePaymentExhausted {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if got.State != StateFailed || got.FailureCode != string(CodePaymentExhausted) {
		t.Fatalf("expected failed task, got %s (%s)", got.State, got.FailureCode)
	}

	// 终态任务拒绝后续消息, 即便证明有效。
	if _, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: f.proofMessage(t, tk, "n-late", nil)}); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected terminal rejection, got %v", err)
	}
	if got := f.chain.submitCount(); got != 0 {
		t.Fatalf("invalid proofs must never reach the chain, got %d", got)
	}
}

func TestProofReferenceMustMatchTask(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})
	msg := f.proofMessage(t, tk, "n-1", func(p *x402.SignedPayload) { p.Reference = "some-other-task" })

	got, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: msg})
	if xerrors.CodeOf(err) != CodePaymentRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Metadata()["reason"] != string(x402.ReasonReferenceMismatch) {
		t.Fatalf("expected reference-mismatch, got %v", e.Metadata())
	}
	if got.State != StateInputRequired {
		t.Fatalf("task should stay input-required, got %s", got.State)
	}
}

func TestNonceReplayAcrossTasksRejected(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	first, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "one")})
	done, err := f.manager.Send(ctx, SendRequest{TaskID: first.ID, Message: f.proofMessage(t, first, "shared-nonce", nil)})
	if err != nil || done.State != StateCompleted {
		t.Fatalf("first payment should complete: state=%v err=%v", done.State, err)
	}

	// 同一 nonce 用于第二个任务: 签名合法、reference 正确, 但 nonce 已消费。
	second, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "two")})
	got, err := f.manager.Send(ctx, SendRequest{TaskID: second.ID, Message: f.proofMessage(t, second, "shared-nonce", nil)})
	if xerrors.CodeOf(err) != CodePaymentRejected {
		t.Fatalf("expected nonce-reuse rejection, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Metadata()["reason"] != string(x402.ReasonNonceReused) {
		t.Fatalf("expected nonce-reused, got %v", e.Metadata())
	}
	if got.State != StateInputRequired {
		t.Fatalf("second task should stay input-required, got %s", got.State)
	}
	if got := f.chain.submitCount(); got != 1 {
		t.Fatalf("replay must not trigger a second broadcast, got %d", got)
	}
}

func TestQuoteExpiryFailsExactlyOnce(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})
	proof := f.proofMessage(t, tk, "n-1", nil)

	f.clock.Advance(6 * time.Minute)

	// 超期后的首次触达: 任务恰好失败一次。
	got, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: proof})
	if xerrors.CodeOf(err) != CodeQuoteExpired {
		t.Fatalf("expected quote-expired, got %v", err)
	}
	if got.State != StateFailed || got.FailureCode != string(CodeQuoteExpired) {
		t.Fatalf("expected failed task, got %s (%s)", got.State, got.FailureCode)
	}

	// 后台扫描不会重复判定。
	n, err := f.manager.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if n != 0 {
		t.Fatalf("task must not be failed twice, scanner failed %d", n)
	}

	// 迟到的有效证明同样被拒。
	if _, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: proof}); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected terminal rejection, got %v", err)
	}
}

func TestExpireOverdueScansWaitingTasks(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})
	f.clock.Advance(6 * time.Minute)

	n, err := f.manager.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired task, got %d", n)
	}
	got, _ := f.manager.Get(ctx, tk.ID)
	if got.State != StateFailed || got.FailureCode != string(CodeQuoteExpired) {
		t.Fatalf("expected quote-expired failure, got %s (%s)", got.State, got.FailureCode)
	}
}

func TestConcurrentSendWhileWorkingRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	skills := stubSkillSet{"analyst": &stubSkill{
		id:    "analyst",
		price: big.NewInt(100_000),
		exec: func(context.Context, *Task, Message) (Message, error) {
			close(started)
			<-release
			return TextMessage(RoleAgent, "slow reply"), nil
		},
	}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})

	proof := f.proofMessage(t, tk, "n-1", nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: proof})
		errCh <- err
	}()

	<-started
	// 执行在途, 第二条消息必须被拒绝而不是再次扣款。
	if _, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: f.proofMessage(t, tk, "n-2", nil)}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict while working, got %v", err)
	}
	close(release)

	if err := <-errCh; err != nil {
		t.Fatalf("first send should complete: %v", err)
	}
	got, _ := f.manager.Get(ctx, tk.ID)
	if got.State != StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if got := f.chain.submitCount(); got != 1 {
		t.Fatalf("expected a single settlement, got %d", got)
	}
}

func TestChainRejectionReturnsTaskToInputRequired(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	f.chain.submitErrs = []error{errors.New("insufficient funds for transfer")}
	ctx := context.Background()

	tk, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})

	got, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: f.proofMessage(t, tk, "n-1", nil)})
	if xerrors.CodeOf(err) != CodePaymentRejected {
		t.Fatalf("expected payment-rejected after chain rejection, got %v", err)
	}
	if got.State != StateInputRequired || got.PaymentAttempts != 1 {
		t.Fatalf("task should return to input-required, got %s attempts=%d", got.State, got.PaymentAttempts)
	}

	// 新授权 (新 nonce) 重新结算成功。
	done, err := f.manager.Send(ctx, SendRequest{TaskID: got.ID, Message: f.proofMessage(t, got, "n-2", nil)})
	if err != nil {
		t.Fatalf("retry with fresh authorization: %v", err)
	}
	if done.State != StateCompleted {
		t.Fatalf("expected completed after retry, got %s", done.State)
	}
}

func TestCancelWaitingTask(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})

	canceled, err := f.manager.Cancel(ctx, tk.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.State != StateCanceled {
		t.Fatalf("expected canceled, got %s", canceled.State)
	}
	if _, err := f.manager.Cancel(ctx, tk.ID); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("double cancel should report terminal, got %v", err)
	}
	if _, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: f.proofMessage(t, tk, "n-1", nil)}); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("send after cancel should report terminal, got %v", err)
	}
}

func TestMessageWithoutProofRejectedWithoutPenalty(t *testing.T) {
	skills := stubSkillSet{"analyst": &stubSkill{id: "analyst", price: big.NewInt(100_000)}}
	f := newFixture(t, skills)
	ctx := context.Background()

	tk, _ := f.manager.Send(ctx, SendRequest{SkillID: "analyst", Message: TextMessage(RoleUser, "go")})

	got, err := f.manager.Send(ctx, SendRequest{TaskID: tk.ID, Message: TextMessage(RoleUser, "where is my result?")})
	if xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got.PaymentAttempts != 0 {
		t.Fatalf("missing proof must not burn an attempt, got %d", got.PaymentAttempts)
	}
}

// stubAlerter 记录分发的告警事件。
type stubAlerter struct {
	events chan alerting.Event
}

func (s *stubAlerter) Notify(_ context.Context, event alerting.Event) error {
	s.events <- event
	return nil
}

func TestSkillFailureFiresAlert(t *testing.T) {
	alerter := &stubAlerter{events: make(chan alerting.Event, 1)}
	skills := stubSkillSet{"ping": &stubSkill{
		id: "ping",
		exec: func(context.Context, *Task, Message) (Message, error) {
			return Message{}, errors.New("boom")
		},
	}}
	f := newFixture(t, skills, WithAlerter(alerter))

	tk, err := f.manager.Send(context.Background(), SendRequest{SkillID: "ping", Message: TextMessage(RoleUser, "x")})
	if xerrors.CodeOf(err) != CodeSkillFailed {
		t.Fatalf("expected skill failure, got %v", err)
	}

	select {
	case event := <-alerter.events:
		if event.Code != CodeSkillFailed || event.TaskID != tk.ID {
			t.Fatalf("unexpected alert event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("skill failure should dispatch an alert")
	}
}

func TestSendHonorsClientSuppliedTaskID(t *testing.T) {
	f := newFixture(t, stubSkillSet{"ping": &stubSkill{id: "ping"}})
	ctx := context.Background()

	// 首次请求携带对端生成的任务 ID, 直接以该 ID 建任务。
	tk, err := f.manager.Send(ctx, SendRequest{TaskID: "peer-task-1", SkillID: "ping", Message: TextMessage(RoleUser, "hi")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tk.ID != "peer-task-1" {
		t.Fatalf("expected the supplied task id, got %s", tk.ID)
	}
	if tk.State != StateCompleted {
		t.Fatalf("expected completed, got %s", tk.State)
	}

	loaded, err := f.manager.Get(ctx, "peer-task-1")
	if err != nil || loaded.ID != "peer-task-1" {
		t.Fatalf("task should be retrievable under the supplied id: %v", err)
	}
}

func TestSkillExecutionTimesOut(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	skills := stubSkillSet{"slow": &stubSkill{
		id: "slow",
		exec: func(context.Context, *Task, Message) (Message, error) {
			// 不配合取消的技能: 无视上下文, 一直阻塞。
			<-block
			return TextMessage(RoleAgent, "too late"), nil
		},
	}}
	f := newFixture(t, skills)
	f.manager.cfg.SkillTimeout = 20 * time.Millisecond
	ctx := context.Background()

	done := make(chan struct{})
	var (
		tk      *Task
		sendErr error
	)
	go func() {
		tk, sendErr = f.manager.Send(ctx, SendRequest{SkillID: "slow", Message: TextMessage(RoleUser, "hang")})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send must return once the skill timeout elapses")
	}
	if xerrors.CodeOf(sendErr) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout error, got %v", sendErr)
	}
	if tk.State != StateFailed || tk.FailureReason != "skill-timeout" {
		t.Fatalf("expected skill-timeout failure, got %s (%s)", tk.State, tk.FailureReason)
	}
}
