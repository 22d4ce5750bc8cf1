package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/internal/guard"
	"HashBot-Chain/internal/observability/alerting"
	"HashBot-Chain/internal/settlement"
	"HashBot-Chain/internal/x402"
	"HashBot-Chain/pkg/logger"

	"github.com/google/uuid"
)

// ManagerConfig 控制任务编排行为。
type ManagerConfig struct {
	// QuoteTTL 是报价的有效期，超期未付款的任务会被判定失败。
	QuoteTTL time.Duration
	// MaxPaymentAttempts 是单个任务允许的付款尝试上限，
	// 包括验证失败与链上结算被拒两类。
	MaxPaymentAttempts int
	// SubmitRetries 是广播结算交易遇到瞬时故障时的重试次数。
	SubmitRetries int
	// SubmitRetryDelay 是广播重试之间的等待间隔。
	SubmitRetryDelay time.Duration
	// SkillTimeout 是单次技能执行的时限, 超时任务以 skill-timeout 判定失败。
	SkillTimeout time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 5 * time.Minute
	}
	if c.MaxPaymentAttempts <= 0 {
		c.MaxPaymentAttempts = 3
	}
	if c.SubmitRetries <= 0 {
		c.SubmitRetries = 3
	}
	if c.SubmitRetryDelay <= 0 {
		c.SubmitRetryDelay = 500 * time.Millisecond
	}
	if c.SkillTimeout <= 0 {
		c.SkillTimeout = 60 * time.Second
	}
}

// Manager 负责任务状态机的全部迁移。每个任务的迁移由任务锁串行化，
// 链上结算等耗时 I/O 一律在锁外进行。
type Manager struct {
	store    Store
	skills   SkillSet
	verifier *x402.Verifier
	settler  *settlement.Client
	guard    guard.Guard
	producer settlement.Producer
	alerter  alerting.Dispatcher
	cfg      ManagerConfig
	locks    *lockTable
	now      func() time.Time
	log      *slog.Logger
}

// ManagerOption 定义可选配置。
type ManagerOption func(*Manager)

// WithSettlementProducer 配置结算巡检队列。配置后轮询超限的结算
// 会转入后台巡检而非直接判定任务失败。
func WithSettlementProducer(producer settlement.Producer) ManagerOption {
	return func(m *Manager) {
		m.producer = producer
	}
}

// WithAlerter 配置告警分发器。任务终态失败中标记需要告警的错误码
// (技能执行失败、付款尝试耗尽等) 会产出告警事件。
func WithAlerter(alerter alerting.Dispatcher) ManagerOption {
	return func(m *Manager) {
		m.alerter = alerter
	}
}

// WithClock 覆盖时间源，供测试使用。
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 构造任务管理器。
func NewManager(store Store, skills SkillSet, verifier *x402.Verifier, settler *settlement.Client, g guard.Guard, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		store:    store,
		skills:   skills,
		verifier: verifier,
		settler:  settler,
		guard:    g,
		cfg:      cfg,
		locks:    newLockTable(),
		now:      time.Now,
		log:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SendRequest 是一次 tasks/send 调用的参数。
type SendRequest struct {
	TaskID    string
	SessionID string
	SkillID   string
	Message   Message
}

// Send 处理客户端消息。TaskID 为空时创建新任务，
// 否则向既有任务追加消息 (通常携带付款证明)。
func (m *Manager) Send(ctx context.Context, req SendRequest) (*Task, error) {
	if m.store == nil || m.skills == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务管理器未初始化")
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return m.create(ctx, req)
	}
	return m.resume(ctx, req)
}

// Get 返回指定任务。
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return m.store.Get(ctx, id)
}

// Cancel 取消非终态任务并中断其在途的结算轮询。
func (m *Manager) Cancel(ctx context.Context, id string) (*Task, error) {
	lock := m.locks.acquire(id)
	task, err := m.store.Get(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if task.State.Terminal() {
		lock.Unlock()
		return task, ErrTaskTerminal
	}
	if err := task.Transition(StateCanceled); err != nil {
		lock.Unlock()
		return task, err
	}
	if err := m.store.Update(ctx, task); err != nil {
		lock.Unlock()
		return task, err
	}
	lock.Unlock()

	m.locks.interrupt(id)
	logger.Audit().Info("任务已取消", slog.String("task_id", id))
	return task, nil
}

// ExpireOverdue 扫描等待付款的任务，将报价超期的任务判定失败。
// 每个任务只会被判定一次。返回本轮失败的任务数。
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	waiting, err := m.store.ListByState(ctx, StateInputRequired, 0)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range waiting {
		if !candidate.Quote.Expired(m.now()) {
			continue
		}
		lock := m.locks.acquire(candidate.ID)
		task, err := m.store.Get(ctx, candidate.ID)
		if err != nil {
			lock.Unlock()
			continue
		}
		// 锁外扫描到锁内可能已有迁移，重新核对状态与时效。
		if task.State != StateInputRequired || !task.Quote.Expired(m.now()) {
			lock.Unlock()
			continue
		}
		task.Append(TextMessage(RoleAgent, "报价已过期, 任务关闭"))
		if err := m.fail(ctx, task, CodeQuoteExpired, "报价超期未完成付款"); err != nil {
			lock.Unlock()
			return expired, err
		}
		lock.Unlock()
		expired++
	}
	return expired, nil
}

// ResolveSettlement 处理后台巡检得到的结算终态，由 Watcher 回调。
func (m *Manager) ResolveSettlement(ctx context.Context, record *settlement.Record) {
	if record == nil || record.TaskID == "" {
		return
	}
	lock := m.locks.acquire(record.TaskID)
	task, err := m.store.Get(ctx, record.TaskID)
	if err != nil || task.State != StateWorking || task.Fingerprint != record.Fingerprint {
		lock.Unlock()
		return
	}
	lock.Unlock()

	switch record.Status {
	case settlement.StatusConfirmed:
		if _, err := m.execute(ctx, record.TaskID, record); err != nil {
			m.log.Error("巡检后执行技能失败",
				slog.Any("error", err),
				slog.String("task_id", record.TaskID))
		}
	case settlement.StatusFailed:
		if _, err := m.rejectSettlement(ctx, record.TaskID, record.LastError); err != nil {
			m.log.Error("巡检后回写结算失败出错",
				slog.Any("error", err),
				slog.String("task_id", record.TaskID))
		}
	}
}

// Close 释放资源。
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// create 建立新任务。免费技能直接执行，付费技能返回付款要求。
func (m *Manager) create(ctx context.Context, req SendRequest) (*Task, error) {
	skillID := strings.TrimSpace(req.SkillID)
	if skillID == "" {
		return nil, xerrors.New(CodeTaskValidation, "技能 ID 不能为空")
	}
	skill, ok := m.skills.Lookup(skillID)
	if !ok {
		return nil, xerrors.New(CodeSkillUnknown, "技能未注册",
			xerrors.WithMetadata("skill_id", skillID))
	}

	// 对端可自带任务 ID, 未提供时生成。
	id := strings.TrimSpace(req.TaskID)
	if id == "" {
		id = uuid.NewString()
	}
	task := &Task{
		ID:        id,
		SessionID: req.SessionID,
		SkillID:   skillID,
		State:     StateSubmitted,
		History:   []Message{req.Message},
	}

	quote := skill.Quote(task.ID)
	if quote == nil {
		// 免费技能跳过付款协商, 直接进入执行。
		if err := task.Transition(StateWorking); err != nil {
			return nil, err
		}
		if err := m.store.Create(ctx, task); err != nil {
			return nil, err
		}
		return m.runSkill(ctx, task.ID, skill)
	}

	if quote.ExpiresAt == 0 {
		quote.ExpiresAt = m.now().Add(m.cfg.QuoteTTL).Unix()
	}
	task.Quote = quote
	if err := task.Transition(StateInputRequired); err != nil {
		return nil, err
	}
	required, err := DataMessage(RoleAgent, x402.PaymentRequired{
		X402Version: x402.SupportedVersion,
		Accepts:     []x402.Requirements{quote.RequirementsFor(task.ID)},
	})
	if err != nil {
		return nil, err
	}
	task.Append(required)
	if err := m.store.Create(ctx, task); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务等待付款",
		slog.String("task_id", task.ID),
		slog.String("skill_id", skillID),
		slog.String("amount", quote.Amount.String()),
		slog.String("asset", quote.AssetSymbol),
	)
	return cloneTask(task), nil
}

// resume 处理携带任务 ID 的后续消息，核心是付款证明的受理。
func (m *Manager) resume(ctx context.Context, req SendRequest) (*Task, error) {
	id := strings.TrimSpace(req.TaskID)
	lock := m.locks.acquire(id)

	task, err := m.store.Get(ctx, id)
	if err != nil {
		lock.Unlock()
		// 首次请求携带对端生成的任务 ID, 按新建处理。
		if stdErrors.Is(err, ErrTaskNotFound) {
			return m.create(ctx, req)
		}
		return nil, err
	}
	if task.State.Terminal() {
		lock.Unlock()
		return task, ErrTaskTerminal
	}
	if task.State != StateInputRequired {
		// 结算或执行在途, 拒绝并发消息, 杜绝重复扣款。
		lock.Unlock()
		return task, ErrTaskConflict
	}

	if task.Quote.Expired(m.now()) {
		task.Append(TextMessage(RoleAgent, "报价已过期, 任务关闭"))
		failErr := m.fail(ctx, task, CodeQuoteExpired, "报价超期未完成付款")
		lock.Unlock()
		if failErr != nil {
			return task, failErr
		}
		return task, xerrors.New(CodeQuoteExpired, "报价已过期")
	}

	proof, ok := req.Message.PaymentProof()
	if !ok {
		lock.Unlock()
		return task, xerrors.New(CodeTaskValidation, "消息中缺少付款证明")
	}
	task.Append(req.Message)

	result, err := m.verifier.Verify(ctx, task.Quote, task.ID, proof)
	if err != nil {
		lock.Unlock()
		return task, err
	}
	if !result.Valid {
		rejErr := m.rejectPayment(ctx, task, string(result.Reason))
		lock.Unlock()
		return task, rejErr
	}

	// 验证通过后才消费 nonce, 下游失败不会烧掉有效授权。
	consumed, err := m.guard.ConsumeNonce(ctx, result.Payer, proof.Payload.Nonce)
	if err != nil {
		lock.Unlock()
		return task, err
	}
	if !consumed {
		rejErr := m.rejectPayment(ctx, task, string(x402.ReasonNonceReused))
		lock.Unlock()
		return task, rejErr
	}

	task.Fingerprint = x402.Fingerprint(proof.Payload, task.Quote.ChainID)
	if err := task.Transition(StateWorking); err != nil {
		lock.Unlock()
		return task, err
	}
	if err := m.store.Update(ctx, task); err != nil {
		lock.Unlock()
		return task, err
	}
	lock.Unlock()

	return m.settle(ctx, task, proof)
}

// settle 在锁外完成链上结算并推动任务进入下一状态。
func (m *Manager) settle(ctx context.Context, task *Task, proof *x402.PaymentAuthorization) (*Task, error) {
	settleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.locks.track(task.ID, cancel)
	defer m.locks.untrack(task.ID)

	record, err := m.submitWithRetry(settleCtx, task, proof)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeChainTransient {
			// 瞬时故障耗尽重试, 指纹占用仍在, 留给巡检收口。
			return m.deferToWatcher(ctx, task, record)
		}
		return m.rejectSettlement(ctx, task.ID, err.Error())
	}
	if record.Status == settlement.StatusFailed {
		return m.rejectSettlement(ctx, task.ID, record.LastError)
	}

	if record.Status != settlement.StatusConfirmed {
		record, err = m.settler.Await(settleCtx, record.Fingerprint)
		if err != nil {
			switch xerrors.CodeOf(err) {
			case xerrors.CodeTimeout:
				// 多半是 Cancel 中断了轮询, 以存储中的状态为准。
				return m.store.Get(ctx, task.ID)
			case settlement.CodePollExhausted:
				return m.deferToWatcher(ctx, task, record)
			default:
				return m.rejectSettlement(ctx, task.ID, err.Error())
			}
		}
	}

	switch record.Status {
	case settlement.StatusConfirmed:
		task.TxHash = record.TxHash
		return m.execute(ctx, task.ID, record)
	case settlement.StatusFailed:
		return m.rejectSettlement(ctx, task.ID, record.LastError)
	default:
		return m.deferToWatcher(ctx, task, record)
	}
}

// submitWithRetry 对瞬时 RPC 故障做有限次重试后放弃。
func (m *Manager) submitWithRetry(ctx context.Context, task *Task, proof *x402.PaymentAuthorization) (*settlement.Record, error) {
	var (
		record *settlement.Record
		err    error
	)
	for attempt := 0; attempt < m.cfg.SubmitRetries; attempt++ {
		record, err = m.settler.Submit(ctx, task.ID, proof, task.Quote)
		if err == nil {
			return record, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeChainTransient {
			return record, err
		}
		select {
		case <-ctx.Done():
			return record, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "结算提交被中断")
		case <-time.After(m.cfg.SubmitRetryDelay):
		}
	}
	return record, err
}

// deferToWatcher 把未收敛的结算转交后台巡检。没有配置巡检队列时
// 无人能收口, 只能判定任务失败。
func (m *Manager) deferToWatcher(ctx context.Context, task *Task, record *settlement.Record) (*Task, error) {
	fingerprint := task.Fingerprint
	if record != nil {
		fingerprint = record.Fingerprint
	}
	if m.producer != nil {
		if err := m.producer.Publish(ctx, fingerprint); err == nil {
			m.log.Warn("结算未收敛, 已转交后台巡检",
				slog.String("task_id", task.ID),
				slog.String("fingerprint", fingerprint))
			return m.store.Get(ctx, task.ID)
		}
	}

	lock := m.locks.acquire(task.ID)
	defer lock.Unlock()
	current, err := m.store.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if current.State != StateWorking {
		return current, nil
	}
	current.Append(TextMessage(RoleAgent, "结算确认超时, 任务关闭"))
	if err := m.fail(ctx, current, settlement.CodePollExhausted, "结算确认轮询次数耗尽"); err != nil {
		return current, err
	}
	// 任务已判定失败, 释放指纹占用, 避免失败路径把指纹永久占死。
	if fingerprint != "" {
		if err := m.settler.ReleaseFingerprint(ctx, fingerprint); err != nil {
			m.log.Error("释放结算指纹失败",
				slog.Any("error", err),
				slog.String("fingerprint", fingerprint))
		}
	}
	return current, xerrors.New(settlement.CodePollExhausted, "结算确认轮询次数耗尽")
}

// execute 在结算确认后恰好执行一次技能。
func (m *Manager) execute(ctx context.Context, taskID string, record *settlement.Record) (*Task, error) {
	// 执行占位保证重放已确认证明也不会触发第二次执行。
	reserved, err := m.guard.Reserve(ctx, execKey(taskID))
	if err != nil {
		return nil, err
	}
	if !reserved {
		return m.store.Get(ctx, taskID)
	}

	lock := m.locks.acquire(taskID)
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if task.State != StateWorking {
		lock.Unlock()
		return task, nil
	}
	if record != nil && task.TxHash == "" {
		task.TxHash = record.TxHash
		if err := m.store.Update(ctx, task); err != nil {
			lock.Unlock()
			return task, err
		}
	}
	lock.Unlock()

	skill, ok := m.skills.Lookup(task.SkillID)
	if !ok {
		return m.failLocked(ctx, taskID, CodeSkillUnknown, "技能未注册")
	}
	return m.runSkillLoaded(ctx, task, skill)
}

// runSkill 执行免费技能 (任务刚创建, 无并发访问)。
func (m *Manager) runSkill(ctx context.Context, taskID string, skill Skill) (*Task, error) {
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return m.runSkillLoaded(ctx, task, skill)
}

// runSkillLoaded 执行技能并在锁内落盘最终状态。执行受 SkillTimeout
// 约束, 不配合取消的技能也会在时限到达后让出, 任务以 skill-timeout 失败。
func (m *Manager) runSkillLoaded(ctx context.Context, task *Task, skill Skill) (*Task, error) {
	input := latestUserMessage(task.History)
	execCtx, cancelExec := context.WithTimeout(ctx, m.cfg.SkillTimeout)
	defer cancelExec()

	type skillResult struct {
		reply Message
		err   error
	}
	resultCh := make(chan skillResult, 1)
	go func() {
		reply, err := skill.Execute(execCtx, cloneTask(task), input)
		resultCh <- skillResult{reply: reply, err: err}
	}()

	var (
		reply   Message
		execErr error
	)
	select {
	case result := <-resultCh:
		reply, execErr = result.reply, result.err
	case <-execCtx.Done():
		execErr = execCtx.Err()
	}

	lock := m.locks.acquire(task.ID)
	defer lock.Unlock()
	current, err := m.store.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if current.State != StateWorking {
		return current, nil
	}
	current.TxHash = task.TxHash
	if execErr != nil {
		if stdErrors.Is(execErr, context.DeadlineExceeded) {
			current.Append(TextMessage(RoleAgent, "技能执行超时"))
			if err := m.fail(ctx, current, xerrors.CodeTimeout, "skill-timeout"); err != nil {
				return current, err
			}
			return current, xerrors.Wrap(xerrors.CodeTimeout, execErr, "技能执行超时")
		}
		current.Append(TextMessage(RoleAgent, "技能执行失败"))
		if err := m.fail(ctx, current, CodeSkillFailed, execErr.Error()); err != nil {
			return current, err
		}
		return current, xerrors.Wrap(CodeSkillFailed, execErr, "技能执行失败")
	}

	current.Append(reply)
	if err := current.Transition(StateCompleted); err != nil {
		return current, err
	}
	if err := m.store.Update(ctx, current); err != nil {
		return current, err
	}
	logger.Audit().Info("任务完成",
		slog.String("task_id", current.ID),
		slog.String("skill_id", current.SkillID),
		slog.String("tx_hash", current.TxHash),
	)
	return current, nil
}

// rejectPayment 记录一次付款拒绝, 尝试耗尽后判定任务失败。
// 调用方必须持有任务锁。
func (m *Manager) rejectPayment(ctx context.Context, task *Task, reason string) error {
	task.PaymentAttempts++
	task.Append(TextMessage(RoleAgent, fmt.Sprintf("付款证明被拒绝: %s", reason)))
	logger.Audit().Warn("付款证明被拒绝",
		slog.String("task_id", task.ID),
		slog.String("reason", reason),
		slog.Int("attempts", task.PaymentAttempts),
	)
	if task.PaymentAttempts >= m.cfg.MaxPaymentAttempts {
		if err := m.fail(ctx, task, CodePaymentExhausted, "付款尝试次数耗尽"); err != nil {
			return err
		}
		return xerrors.New(CodePaymentExhausted, "付款尝试次数耗尽",
			xerrors.WithMetadata("reason", reason))
	}
	if err := m.store.Update(ctx, task); err != nil {
		return err
	}
	return xerrors.New(CodePaymentRejected, "付款证明被拒绝",
		xerrors.WithMetadata("reason", reason))
}

// rejectSettlement 处理链上结算被拒: 任务退回等待付款,
// 客户端可携带新授权重试, 尝试耗尽后判定失败。
func (m *Manager) rejectSettlement(ctx context.Context, taskID, reason string) (*Task, error) {
	lock := m.locks.acquire(taskID)
	defer lock.Unlock()

	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != StateWorking {
		return task, nil
	}

	task.PaymentAttempts++
	task.Fingerprint = ""
	task.Append(TextMessage(RoleAgent, fmt.Sprintf("链上结算失败: %s", reason)))
	logger.Audit().Warn("链上结算失败",
		slog.String("task_id", task.ID),
		slog.String("reason", reason),
		slog.Int("attempts", task.PaymentAttempts),
	)
	if task.PaymentAttempts >= m.cfg.MaxPaymentAttempts {
		if err := m.fail(ctx, task, CodePaymentExhausted, "付款尝试次数耗尽"); err != nil {
			return task, err
		}
		return task, xerrors.New(CodePaymentExhausted, "付款尝试次数耗尽",
			xerrors.WithMetadata("reason", reason))
	}
	if err := task.Transition(StateInputRequired); err != nil {
		return task, err
	}
	if err := m.store.Update(ctx, task); err != nil {
		return task, err
	}
	return task, xerrors.New(CodePaymentRejected, "链上结算失败",
		xerrors.WithMetadata("reason", reason))
}

// fail 将任务判定为失败并落盘。调用方必须持有任务锁。
func (m *Manager) fail(ctx context.Context, task *Task, code xerrors.Code, reason string) error {
	task.FailureCode = string(code)
	task.FailureReason = reason
	if err := task.Transition(StateFailed); err != nil {
		return err
	}
	if err := m.store.Update(ctx, task); err != nil {
		return err
	}
	logger.Audit().Warn("任务失败",
		slog.String("task_id", task.ID),
		slog.String("code", string(code)),
		slog.String("reason", reason),
	)
	m.alert(task, code, reason)
	return nil
}

// alert 在后台分发失败告警, 告警失败不影响任务判定。
func (m *Manager) alert(task *Task, code xerrors.Code, reason string) {
	if m.alerter == nil {
		return
	}
	event, ok := alerting.FromError(task.ID, xerrors.New(code, reason))
	if !ok {
		return
	}
	event.Fingerprint = task.Fingerprint
	event.TxHash = task.TxHash
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.alerter.Notify(ctx, event); err != nil {
			m.log.Error("告警投递失败",
				slog.Any("error", err),
				slog.String("task_id", event.TaskID))
		}
	}()
}

// failLocked 自行加锁后判定任务失败。
func (m *Manager) failLocked(ctx context.Context, taskID string, code xerrors.Code, reason string) (*Task, error) {
	lock := m.locks.acquire(taskID)
	defer lock.Unlock()
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		return task, nil
	}
	if err := m.fail(ctx, task, code, reason); err != nil {
		return task, err
	}
	return task, xerrors.New(code, reason)
}

func execKey(taskID string) string {
	return "exec:" + taskID
}

// latestUserMessage 返回历史中最后一条用户文本消息, 作为技能输入。
func latestUserMessage(history []Message) Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser && history[i].Text() != "" {
			return history[i]
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i]
		}
	}
	return Message{}
}
