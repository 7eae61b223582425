package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"gateway/internal/config"
	"gateway/internal/metrics"
	"gateway/internal/model"
	"gateway/internal/provider"
	"gateway/internal/repository"
	"gateway/pkg/idgen"
)

// ============================================================================
// 派发引擎
// ============================================================================
//
// Process 流程：
//
//	1. 计算指纹，Reserve 占用幂等键
//	2. 已存在且为终态      -> 直接返回已存储的结果，不调用渠道
//	3. 已存在且未终态      -> 返回 PROCESSING；PENDING / IN_FLIGHT 超过接管阈值时由本次调用接管
//	4. 新建 / 接管         -> CAS 为 IN_FLIGHT，attempt_count+1，带超时调用渠道
//	5. 确定的成功 / 失败   -> CAS 写入终态和流水号（只写一次），同一事务写 outbox 事件
//	6. UNKNOWN / 超时      -> CAS 为 UNKNOWN，返回 PROCESSING，交给对账
//	7. 可重试失败且未超限  -> CAS 回 PENDING，退避后重新从第 4 步开始；超限则 FAILED
//
// 账本上的 CAS 冲突说明有其他调用方动过这条记录，重新加载后按最新状态处理，
// 不会把冲突暴露给客户端。
//
// ============================================================================

type OutcomeStatus string

const (
	OutcomeSucceeded  OutcomeStatus = "SUCCEEDED"
	OutcomeFailed     OutcomeStatus = "FAILED"
	OutcomeProcessing OutcomeStatus = "PROCESSING"
)

// Outcome 返回给调用方的结果
type Outcome struct {
	TransactionID     string             `json:"transaction_id"`
	Status            OutcomeStatus      `json:"status"`
	ProviderReference string             `json:"provider_reference,omitempty"`
	FailureCode       string             `json:"failure_code,omitempty"`
	FailureMessage    string             `json:"failure_message,omitempty"`
	Replayed          bool               `json:"replayed"`
	Transaction       *model.Transaction `json:"-"`
}

func outcomeOf(txn *model.Transaction, replayed bool) *Outcome {
	out := &Outcome{
		TransactionID: txn.ID,
		Replayed:      replayed,
		Transaction:   txn,
	}
	switch txn.State {
	case model.TxStateSucceeded:
		out.Status = OutcomeSucceeded
		out.ProviderReference = txn.ProviderReference
	case model.TxStateFailed:
		out.Status = OutcomeFailed
		out.ProviderReference = txn.ProviderReference
		out.FailureCode = txn.FailureCode
		out.FailureMessage = txn.FailureMessage
	default:
		out.Status = OutcomeProcessing
	}
	return out
}

type ChargeRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	Provider       string
	Payload        json.RawMessage
}

type RefundRequest struct {
	ParentID       string
	IdempotencyKey string
	// Amount 为 0 时退还剩余全部金额
	Amount  int64
	Payload json.RawMessage
}

type VoidRequest struct {
	ParentID       string
	IdempotencyKey string
	Payload        json.RawMessage
}

// DispatchEngine 派发引擎
type DispatchEngine struct {
	ledger    repository.Ledger
	idem      *IdempotencyRegistry
	providers *provider.Registry
	events    *EventBuilder
	anomalies *anomalyRecorder
	cfg       config.DispatchConfig
	log       *slog.Logger
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func(kind model.TxKind) string
	rand  func() float64
}

type EngineOption func(*DispatchEngine)

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *DispatchEngine) { e.sleep = sleep }
}

func WithIDGenerator(newID func(kind model.TxKind) string) EngineOption {
	return func(e *DispatchEngine) { e.newID = newID }
}

func NewDispatchEngine(
	ledger repository.Ledger,
	anomalies AnomalyStore,
	providers *provider.Registry,
	events *EventBuilder,
	cfg config.DispatchConfig,
	log *slog.Logger,
	m *metrics.Metrics,
	opts ...EngineOption,
) *DispatchEngine {
	e := &DispatchEngine{
		ledger:    ledger,
		idem:      NewIdempotencyRegistry(ledger, m),
		providers: providers,
		events:    events,
		anomalies: &anomalyRecorder{store: anomalies, log: log, metrics: m},
		cfg:       cfg,
		log:       log,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
		newID:     defaultID,
		rand:      rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultID(kind model.TxKind) string {
	switch kind {
	case model.TxKindRefund:
		return idgen.TransactionID(idgen.PrefixRefund)
	case model.TxKindVoid:
		return idgen.TransactionID(idgen.PrefixVoid)
	default:
		return idgen.TransactionID(idgen.PrefixCharge)
	}
}

// Process 扣款
func (e *DispatchEngine) Process(ctx context.Context, req *ChargeRequest) (*Outcome, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount 必须大于 0", ErrInvalidRequest)
	}
	currency, ok := model.NormalizeCurrency(req.Currency)
	if !ok {
		return nil, fmt.Errorf("%w: 不支持的币种 %q", ErrInvalidRequest, req.Currency)
	}
	p, ok := model.ParseProvider(req.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: 不支持的渠道 %q", ErrInvalidRequest, req.Provider)
	}
	if _, ok := e.providers.Get(p); !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, p)
	}
	payload, err := CanonicalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	candidate := &model.Transaction{
		ID:       e.newID(model.TxKindCharge),
		Kind:     model.TxKindCharge,
		Amount:   req.Amount,
		Currency: currency,
		Provider: p,
		Payload:  payload,
	}
	return e.run(ctx, candidate, req.IdempotencyKey, nil)
}

// Refund 对成功的扣款发起（部分）退款，累计退款金额不超过原扣款金额
func (e *DispatchEngine) Refund(ctx context.Context, req *RefundRequest) (*Outcome, error) {
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount 不能为负数", ErrInvalidRequest)
	}
	payload, err := CanonicalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	parent, err := e.ledger.Get(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}

	// 重放优先：已经受理过的退款不再做额度校验，否则成功的退款会因为把自己算进已退金额而被拒绝
	if replay, err := e.replayChild(ctx, req.IdempotencyKey, model.TxKindRefund, parent, req.Amount, payload); replay != nil || err != nil {
		return replay, err
	}

	if err := e.checkRefundable(ctx, parent); err != nil {
		return nil, err
	}
	refunded, err := e.ledger.SumChildren(ctx, parent.ID, model.TxKindRefund)
	if err != nil {
		return nil, err
	}
	remaining := parent.Amount - refunded
	amount := req.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, fmt.Errorf("%w: 退款金额 %d 超过可退金额 %d", ErrRefundNotAllowed, amount, remaining)
	}

	candidate := &model.Transaction{
		ID:       e.newID(model.TxKindRefund),
		Kind:     model.TxKindRefund,
		ParentID: parent.ID,
		Amount:   amount,
		Currency: parent.Currency,
		Provider: parent.Provider,
		Payload:  payload,
	}

	// 并发的退款或撤销可能同时通过上面的校验，创建成功后按落库数据再校验一次。
	// 退款和撤销各自在落库后检查对方，后落库的一方一定能看到先落库的一方
	guard := func(ctx context.Context, txn *model.Transaction) (string, error) {
		voided, err := e.ledger.SumChildren(ctx, parent.ID, model.TxKindVoid)
		if err != nil {
			return "", err
		}
		if voided > 0 {
			return "同一笔交易存在并发的撤销", nil
		}
		total, err := e.ledger.SumChildren(ctx, parent.ID, model.TxKindRefund)
		if err != nil {
			return "", err
		}
		if total > parent.Amount {
			return fmt.Sprintf("累计退款 %d 超过扣款金额 %d", total, parent.Amount), nil
		}
		return "", nil
	}
	return e.run(ctx, candidate, req.IdempotencyKey, guard)
}

// Void 撤销整笔扣款，要求没有任何退款
func (e *DispatchEngine) Void(ctx context.Context, req *VoidRequest) (*Outcome, error) {
	payload, err := CanonicalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	parent, err := e.ledger.Get(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}

	if replay, err := e.replayChild(ctx, req.IdempotencyKey, model.TxKindVoid, parent, parent.Amount, payload); replay != nil || err != nil {
		return replay, err
	}

	if err := e.checkRefundable(ctx, parent); err != nil {
		return nil, err
	}
	refunded, err := e.ledger.SumChildren(ctx, parent.ID, model.TxKindRefund)
	if err != nil {
		return nil, err
	}
	if refunded > 0 {
		return nil, fmt.Errorf("%w: 已有退款的交易不能撤销", ErrRefundNotAllowed)
	}

	candidate := &model.Transaction{
		ID:       e.newID(model.TxKindVoid),
		Kind:     model.TxKindVoid,
		ParentID: parent.ID,
		Amount:   parent.Amount,
		Currency: parent.Currency,
		Provider: parent.Provider,
		Payload:  payload,
	}

	guard := func(ctx context.Context, txn *model.Transaction) (string, error) {
		refunded, err := e.ledger.SumChildren(ctx, parent.ID, model.TxKindRefund)
		if err != nil {
			return "", err
		}
		voided, err := e.ledger.SumChildren(ctx, parent.ID, model.TxKindVoid)
		if err != nil {
			return "", err
		}
		if refunded > 0 || voided > parent.Amount {
			return "同一笔交易存在并发的退款或撤销", nil
		}
		return "", nil
	}
	return e.run(ctx, candidate, req.IdempotencyKey, guard)
}

// checkRefundable 父交易必须是成功的扣款，且未被撤销
func (e *DispatchEngine) checkRefundable(ctx context.Context, parent *model.Transaction) error {
	if parent.Kind != model.TxKindCharge || parent.State != model.TxStateSucceeded {
		return fmt.Errorf("%w: transaction_id=%s kind=%s state=%s", ErrRefundNotAllowed, parent.ID, parent.Kind, parent.State)
	}
	voided, err := e.ledger.SumChildren(ctx, parent.ID, model.TxKindVoid)
	if err != nil {
		return err
	}
	if voided > 0 {
		return fmt.Errorf("%w: 交易已撤销", ErrRefundNotAllowed)
	}
	return nil
}

// replayChild 幂等键已被使用时按重放处理，没有使用过返回 (nil, nil)
//
// amount 为 0 的退款请求无法在这里复算指纹，按已存在记录的金额比较
func (e *DispatchEngine) replayChild(ctx context.Context, key string, kind model.TxKind, parent *model.Transaction, amount int64, payload []byte) (*Outcome, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := e.ledger.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if amount == 0 && existing.Kind == kind && existing.ParentID == parent.ID {
		amount = existing.Amount
	}
	candidate := &model.Transaction{
		ID:       e.newID(kind),
		Kind:     kind,
		ParentID: parent.ID,
		Amount:   amount,
		Currency: parent.Currency,
		Provider: parent.Provider,
		Payload:  payload,
	}
	return e.run(ctx, candidate, key, nil)
}

// guardFunc 新建记录后、调用渠道前的校验，返回非空原因时直接把记录置为 FAILED
type guardFunc func(ctx context.Context, txn *model.Transaction) (string, error)

func (e *DispatchEngine) run(ctx context.Context, candidate *model.Transaction, key string, guard guardFunc) (*Outcome, error) {
	if key == "" {
		key = candidate.ID
	}
	if len(key) > 255 {
		return nil, fmt.Errorf("%w: idempotency_key 过长", ErrInvalidRequest)
	}
	fp := Fingerprint(candidate.Kind, candidate.ParentID, candidate.Amount, candidate.Currency, candidate.Provider, candidate.Payload)

	res, err := e.idem.Reserve(ctx, key, fp, candidate)
	if err != nil {
		return nil, err
	}
	txn := res.Transaction

	log := e.log.With(
		"transaction_id", txn.ID,
		"idempotency_key", txn.IdempotencyKey,
		"kind", txn.Kind,
		"provider", txn.Provider,
	)

	if !res.Created {
		if txn.State.IsTerminal() {
			log.Debug("重放已完成的交易", "state", txn.State)
			return e.finish(outcomeOf(txn, true)), nil
		}
		if !e.isStale(txn) {
			log.Debug("交易处理中", "state", txn.State)
			return e.finish(outcomeOf(txn, true)), nil
		}
		log.Warn("接管超时未完成的交易",
			"state", txn.State,
			"updated_at", txn.UpdatedAt,
			"attempt_count", txn.AttemptCount,
		)
	} else if guard != nil {
		reason, err := guard(ctx, txn)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return e.reject(ctx, txn, reason, log)
		}
	}

	return e.dispatch(ctx, txn, log)
}

// isStale 只有 PENDING / IN_FLIGHT 可以被接管，UNKNOWN 只能由对账处理
func (e *DispatchEngine) isStale(txn *model.Transaction) bool {
	if txn.State != model.TxStatePending && txn.State != model.TxStateInFlight {
		return false
	}
	return e.now().Sub(txn.UpdatedAt) > e.cfg.StaleLeaseThreshold
}

func (e *DispatchEngine) dispatch(ctx context.Context, txn *model.Transaction, log *slog.Logger) (*Outcome, error) {
	adapter, ok := e.providers.Get(txn.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, txn.Provider)
	}

	var parentRef string
	if txn.ParentID != "" {
		parent, err := e.ledger.Get(ctx, txn.ParentID)
		if err != nil {
			return nil, fmt.Errorf("加载原交易失败: %w", err)
		}
		parentRef = parent.ProviderReference
	}

	// 渠道调用之后的账本写入不能因为客户端断开而丢失
	persistCtx := context.WithoutCancel(ctx)

	for {
		leased, err := e.lease(ctx, txn)
		if err != nil {
			if errors.Is(err, repository.ErrLedgerConflict) {
				e.metrics.RecordLedgerConflict(string(model.ActorDispatch))
				latest, gerr := e.ledger.Get(persistCtx, txn.ID)
				if gerr != nil {
					return nil, gerr
				}
				log.Info("交易已被其他调用方接管", "state", latest.State)
				return e.finish(outcomeOf(latest, true)), nil
			}
			return nil, err
		}
		txn = leased

		res := e.call(ctx, adapter, txn, parentRef)
		log.Info("渠道返回",
			"attempt", txn.AttemptCount,
			"status", res.Status,
			"retryable", res.Retryable,
			"code", res.Code,
			"provider_reference", res.Reference,
		)

		if res.Status == provider.StatusFailed && res.Retryable && txn.AttemptCount < e.cfg.MaxAttempts {
			requeued := txn.Clone()
			requeued.State = model.TxStatePending
			requeued.FailureCode = res.Code
			requeued.FailureMessage = truncate(res.Message, 512)
			if err := e.ledger.CompareAndSet(persistCtx, model.ActorDispatch, txn, requeued); err != nil {
				if errors.Is(err, repository.ErrLedgerConflict) {
					return e.resolveConflict(persistCtx, txn.ID, res, log)
				}
				return nil, err
			}
			txn = requeued
			e.metrics.RecordDispatchRetry(string(txn.Provider))

			delay := Backoff(txn.AttemptCount, e.cfg.BackoffBase, e.cfg.BackoffCap, e.rand())
			log.Info("可重试失败，退避后重试", "attempt", txn.AttemptCount, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				// 记录停在 PENDING，客户端在接管阈值后重放即可继续
				log.Warn("等待重试时请求被取消", "error", err)
				return e.finish(outcomeOf(txn, false)), nil
			}
			continue
		}

		return e.settle(persistCtx, txn, res, log)
	}
}

func (e *DispatchEngine) lease(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	now := e.now()
	leased := txn.Clone()
	leased.State = model.TxStateInFlight
	leased.AttemptCount = txn.AttemptCount + 1
	leased.LastAttemptAt = &now
	if err := e.ledger.CompareAndSet(ctx, model.ActorDispatch, txn, leased); err != nil {
		return nil, err
	}
	return leased, nil
}

// call 带超时调用渠道，并把异常情况归一化为 UNKNOWN
func (e *DispatchEngine) call(ctx context.Context, adapter provider.Adapter, txn *model.Transaction, parentRef string) *provider.Result {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	res, err := provider.Call(callCtx, adapter, provider.OperationFor(txn.Kind), &provider.Request{
		TransactionID:    txn.ID,
		IdempotencyToken: txn.ID,
		Amount:           txn.Amount,
		Currency:         txn.Currency,
		Payload:          json.RawMessage(txn.Payload),
		ParentReference:  parentRef,
	})
	if err != nil {
		return &provider.Result{Status: provider.StatusUnknown, Code: provider.CodeUnavailable, Message: err.Error()}
	}
	if res == nil {
		return &provider.Result{Status: provider.StatusUnknown, Code: provider.CodeUnavailable}
	}
	if !res.Definite() && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		res.Status = provider.StatusUnknown
		res.Code = provider.CodeTimeout
	}
	// 没有流水号无法证明扣款成功
	if res.Status == provider.StatusSucceeded && res.Reference == "" {
		return &provider.Result{Status: provider.StatusUnknown, Code: provider.CodeUnavailable, Message: "渠道返回成功但缺少流水号"}
	}
	if res.Status != provider.StatusSucceeded && res.Status != provider.StatusFailed {
		res.Status = provider.StatusUnknown
	}
	return res
}

// settle 写入渠道结果：SUCCEEDED / FAILED 为终态，其余为 UNKNOWN
func (e *DispatchEngine) settle(ctx context.Context, leased *model.Transaction, res *provider.Result, log *slog.Logger) (*Outcome, error) {
	next, events, err := e.applyResult(leased, res, "dispatch")
	if err != nil {
		return nil, err
	}

	err = e.ledger.CompareAndSet(ctx, model.ActorDispatch, leased, next, events...)
	switch {
	case err == nil:
		if next.State == model.TxStateUnknown {
			log.Warn("渠道结果未知，等待对账", "code", res.Code, "message", res.Message)
		} else {
			log.Info("交易完成", "state", next.State, "provider_reference", next.ProviderReference)
		}
		return e.finish(outcomeOf(next, false)), nil
	case errors.Is(err, repository.ErrLedgerConflict), errors.Is(err, repository.ErrReferenceImmutable):
		return e.resolveConflict(ctx, leased.ID, res, log)
	default:
		return nil, err
	}
}

func (e *DispatchEngine) applyResult(current *model.Transaction, res *provider.Result, source string) (*model.Transaction, []*model.OutboxMessage, error) {
	next := current.Clone()
	switch res.Status {
	case provider.StatusSucceeded:
		next.State = model.TxStateSucceeded
		next.FailureCode = ""
		next.FailureMessage = ""
	case provider.StatusFailed:
		next.State = model.TxStateFailed
		next.FailureCode = res.Code
		next.FailureMessage = truncate(res.Message, 512)
	default:
		next.State = model.TxStateUnknown
		next.FailureCode = res.Code
		next.FailureMessage = truncate(res.Message, 512)
	}
	if next.ProviderReference == "" && res.Reference != "" && res.Status != provider.StatusUnknown {
		next.ProviderReference = res.Reference
	}

	events, err := e.events.eventsFor(next, source, e.now())
	if err != nil {
		return nil, nil, err
	}
	return next, events, nil
}

// resolveConflict 终态写入冲突后按最新记录处理
//
//   - 仍是 IN_FLIGHT（被其他调用方接管）：先拿到确定结果的一方写入
//   - 已是终态：本次也成功但流水号不同（或对方记了失败），说明产生了重复扣款，记异常
//   - UNKNOWN / PENDING：请求链路不处理，交给对账或持有者
func (e *DispatchEngine) resolveConflict(ctx context.Context, id string, res *provider.Result, log *slog.Logger) (*Outcome, error) {
	e.metrics.RecordLedgerConflict(string(model.ActorDispatch))

	for i := 0; i < 3; i++ {
		latest, err := e.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch {
		case latest.State.IsTerminal():
			if res.Status == provider.StatusSucceeded &&
				(latest.State == model.TxStateFailed || latest.ProviderReference != res.Reference) {
				e.anomalies.flag(ctx, latest, model.AnomalyDuplicateCharge, res.Reference,
					fmt.Sprintf("并发派发产生第二笔成功扣款，已记录状态 %s", latest.State))
			}
			return e.finish(outcomeOf(latest, false)), nil

		case latest.State == model.TxStateInFlight && isFinal(res):
			next, events, err := e.applyResult(latest, res, "dispatch")
			if err != nil {
				return nil, err
			}
			err = e.ledger.CompareAndSet(ctx, model.ActorDispatch, latest, next, events...)
			if err == nil {
				log.Info("交易完成（接管冲突后写入）", "state", next.State, "provider_reference", next.ProviderReference)
				return e.finish(outcomeOf(next, false)), nil
			}
			if !errors.Is(err, repository.ErrLedgerConflict) && !errors.Is(err, repository.ErrReferenceImmutable) {
				return nil, err
			}

		default:
			if res.Status == provider.StatusSucceeded {
				log.Warn("渠道返回成功但记录已被其他调用方改写，等待对账确认",
					"state", latest.State,
					"provider_reference", res.Reference,
				)
			}
			return e.finish(outcomeOf(latest, false)), nil
		}
	}

	latest, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.finish(outcomeOf(latest, false)), nil
}

// reject 新建后校验失败：不调用渠道，直接置为 FAILED
func (e *DispatchEngine) reject(ctx context.Context, txn *model.Transaction, reason string, log *slog.Logger) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	leased := txn.Clone()
	leased.State = model.TxStateInFlight
	if err := e.ledger.CompareAndSet(ctx, model.ActorDispatch, txn, leased); err != nil {
		return nil, err
	}

	res := &provider.Result{Status: provider.StatusFailed, Code: "rejected", Message: reason}
	next, events, err := e.applyResult(leased, res, "dispatch")
	if err != nil {
		return nil, err
	}
	if err := e.ledger.CompareAndSet(ctx, model.ActorDispatch, leased, next, events...); err != nil {
		return nil, err
	}

	log.Warn("交易被拒绝", "reason", reason)
	return e.finish(outcomeOf(next, false)), nil
}

// isFinal 确定且不会再重试的结果
func isFinal(res *provider.Result) bool {
	return res.Status == provider.StatusSucceeded || (res.Status == provider.StatusFailed && !res.Retryable)
}

func (e *DispatchEngine) finish(out *Outcome) *Outcome {
	if out.Transaction != nil {
		e.metrics.RecordDispatchOutcome(string(out.Transaction.Kind), string(out.Transaction.Provider), string(out.Status))
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
