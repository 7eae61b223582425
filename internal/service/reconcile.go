package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gateway/internal/config"
	"gateway/internal/metrics"
	"gateway/internal/model"
	"gateway/internal/provider"
	"gateway/internal/repository"
)

// Resolution 单笔对账结果
type Resolution string

const (
	ResolutionSucceeded    Resolution = "succeeded"
	ResolutionFailed       Resolution = "failed"
	ResolutionUnknown      Resolution = "unknown"       // IN_FLIGHT 超时后转为 UNKNOWN
	ResolutionStillUnknown Resolution = "still_unknown" // 仍无法确定
	ResolutionManualReview Resolution = "manual_review" // 超过等待时间，已提交人工处理
	ResolutionSkipped      Resolution = "skipped"       // 记录已被其他方处理
)

// 结果来源，写入事件的 source 字段
const (
	SourceSweeper  = "sweeper"
	SourceCallback = "callback"
	SourceOperator = "operator"
)

// SweepReport 一轮扫描的统计
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Resolved     int `json:"resolved"`
	Parked       int `json:"parked"`
	ManualReview int `json:"manual_review"`
	Errors       int `json:"errors"`
	// Backlog 本轮至少有一类记录取满了 batch，说明还有积压
	Backlog bool `json:"backlog"`
}

// Reconciler 对账：只有它可以把 UNKNOWN 推进到终态
//
// 渠道查询、渠道回调、人工处理三种来源都走 Apply，规则一致：
//   - 确定结果 -> 终态，流水号只在为空时写入
//   - 渠道给出的流水号与已记录的不一致 -> REFERENCE_MISMATCH，保留已记录的流水号
//   - 查不到或不支持查询 -> 保持 UNKNOWN，超过 manual_review_after 提交人工处理
//
// 系统不会猜测资金结果。
type Reconciler struct {
	ledger    repository.Ledger
	providers *provider.Registry
	events    *EventBuilder
	anomalies *anomalyRecorder
	cfg       config.ReconcileConfig
	timeout   time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewReconciler(
	ledger repository.Ledger,
	anomalies AnomalyStore,
	providers *provider.Registry,
	events *EventBuilder,
	cfg config.ReconcileConfig,
	providerTimeout time.Duration,
	log *slog.Logger,
	m *metrics.Metrics,
) *Reconciler {
	return &Reconciler{
		ledger:    ledger,
		providers: providers,
		events:    events,
		anomalies: &anomalyRecorder{store: anomalies, log: log, metrics: m},
		cfg:       cfg,
		timeout:   providerTimeout,
		log:       log,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 测试用
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Sweep 扫描 IN_FLIGHT 超时和所有 UNKNOWN 的记录，逐笔对账
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordReconcilePass(time.Since(start).Seconds())
	}()

	now := r.now()
	inFlight, err := r.ledger.Scan(ctx, model.TxStateInFlight, now.Add(-r.cfg.InFlightTimeout), r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("扫描 IN_FLIGHT 交易失败: %w", err)
	}
	unknown, err := r.ledger.Scan(ctx, model.TxStateUnknown, now, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("扫描 UNKNOWN 交易失败: %w", err)
	}

	report := &SweepReport{
		Backlog: len(inFlight) >= r.cfg.BatchSize || len(unknown) >= r.cfg.BatchSize,
	}
	for _, txn := range append(inFlight, unknown...) {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		res, err := r.Reconcile(ctx, txn)
		if err != nil {
			report.Errors++
			r.log.Error("对账失败", "transaction_id", txn.ID, "error", err)
			continue
		}
		switch res {
		case ResolutionSucceeded, ResolutionFailed:
			report.Resolved++
		case ResolutionUnknown, ResolutionStillUnknown:
			report.Parked++
		case ResolutionManualReview:
			report.ManualReview++
		}
	}

	if report.Scanned > 0 {
		r.log.Info("对账扫描完成",
			"scanned", report.Scanned,
			"resolved", report.Resolved,
			"parked", report.Parked,
			"manual_review", report.ManualReview,
			"errors", report.Errors,
			"backlog", report.Backlog,
		)
	}
	return report, nil
}

// Reconcile 查询渠道并推进单笔交易
func (r *Reconciler) Reconcile(ctx context.Context, txn *model.Transaction) (Resolution, error) {
	adapter, ok := r.providers.Get(txn.Provider)
	if !ok {
		return r.park(ctx, txn, "渠道未启用")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := adapter.Status(callCtx, &provider.StatusQuery{
		TransactionID: txn.ID,
		Kind:          txn.Kind,
		Reference:     txn.ProviderReference,
	})
	if errors.Is(err, provider.ErrStatusUnsupported) {
		return r.park(ctx, txn, "渠道不支持状态查询")
	}
	if err != nil {
		r.log.Warn("查询渠道状态失败", "transaction_id", txn.ID, "provider", txn.Provider, "error", err)
		return r.park(ctx, txn, err.Error())
	}
	if !res.Definite() || (res.Status == provider.StatusSucceeded && res.Reference == "" && txn.ProviderReference == "") {
		return r.park(ctx, txn, "渠道未返回确定结果")
	}

	return r.Apply(ctx, txn, res, SourceSweeper)
}

// Apply 按确定结果推进交易
func (r *Reconciler) Apply(ctx context.Context, txn *model.Transaction, res *provider.Result, source string) (Resolution, error) {
	log := r.log.With("transaction_id", txn.ID, "source", source)

	for i := 0; i < 3; i++ {
		if txn.State.IsTerminal() {
			r.checkTerminal(ctx, txn, res, source)
			return ResolutionSkipped, nil
		}
		if txn.State != model.TxStateInFlight && txn.State != model.TxStateUnknown {
			// PENDING 属于请求链路
			log.Info("交易未进入派发，跳过对账", "state", txn.State)
			return ResolutionSkipped, nil
		}

		next := txn.Clone()
		if res.Status == provider.StatusSucceeded {
			next.State = model.TxStateSucceeded
			next.FailureCode = ""
			next.FailureMessage = ""
		} else {
			next.State = model.TxStateFailed
			next.FailureCode = res.Code
			next.FailureMessage = truncate(res.Message, 512)
		}
		if res.Reference != "" {
			if txn.ProviderReference == "" {
				next.ProviderReference = res.Reference
			} else if txn.ProviderReference != res.Reference {
				r.anomalies.flag(ctx, txn, model.AnomalyReferenceMismatch, res.Reference,
					fmt.Sprintf("%s 返回的流水号与已记录的不一致", source))
			}
		}

		events, err := r.events.eventsFor(next, source, r.now())
		if err != nil {
			return "", err
		}

		err = r.ledger.CompareAndSet(ctx, model.ActorReconciler, txn, next, events...)
		if err == nil {
			log.Info("对账完成", "from", txn.State, "to", next.State, "provider_reference", next.ProviderReference)
			resolution := ResolutionFailed
			if next.State == model.TxStateSucceeded {
				resolution = ResolutionSucceeded
			}
			r.metrics.RecordReconcileResolution(string(resolution))
			return resolution, nil
		}
		if !errors.Is(err, repository.ErrLedgerConflict) {
			return "", err
		}

		r.metrics.RecordLedgerConflict(string(model.ActorReconciler))
		txn, err = r.ledger.Get(ctx, txn.ID)
		if err != nil {
			return "", err
		}
	}
	return ResolutionSkipped, nil
}

// checkTerminal 已是终态时，外部来源给出相反结论或不同流水号，记异常
func (r *Reconciler) checkTerminal(ctx context.Context, txn *model.Transaction, res *provider.Result, source string) {
	switch {
	case res.Status == provider.StatusSucceeded && txn.State == model.TxStateFailed:
		r.anomalies.flag(ctx, txn, model.AnomalyReferenceMismatch, res.Reference,
			fmt.Sprintf("%s 报告成功，但交易已记录为失败", source))
	case res.Reference != "" && txn.ProviderReference != "" && res.Reference != txn.ProviderReference:
		r.anomalies.flag(ctx, txn, model.AnomalyReferenceMismatch, res.Reference,
			fmt.Sprintf("%s 返回的流水号与已记录的不一致", source))
	}
}

// park 无法确定结果：IN_FLIGHT 转为 UNKNOWN，UNKNOWN 标记复查；等待过久的提交人工处理
func (r *Reconciler) park(ctx context.Context, txn *model.Transaction, reason string) (Resolution, error) {
	resolution := ResolutionStillUnknown
	if txn.State == model.TxStateInFlight {
		resolution = ResolutionUnknown
	}

	next := txn.Clone()
	next.State = model.TxStateUnknown
	err := r.ledger.CompareAndSet(ctx, model.ActorReconciler, txn, next)
	if errors.Is(err, repository.ErrLedgerConflict) {
		r.metrics.RecordLedgerConflict(string(model.ActorReconciler))
		return ResolutionSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if resolution == ResolutionUnknown {
		r.log.Warn("交易超时未完成，转为 UNKNOWN", "transaction_id", txn.ID, "reason", reason)
	}

	if r.cfg.ManualReviewAfter > 0 && r.now().Sub(txn.CreatedAt) > r.cfg.ManualReviewAfter {
		r.anomalies.flag(ctx, next, model.AnomalyManualReview, "",
			fmt.Sprintf("超过 %s 仍无法确认结果: %s", r.cfg.ManualReviewAfter, reason))
		resolution = ResolutionManualReview
	}

	r.metrics.RecordReconcileResolution(string(resolution))
	return resolution, nil
}

// ResolveRequest 人工处理
type ResolveRequest struct {
	TransactionID     string
	State             model.TxState
	ProviderReference string
	Note              string
}

// Resolve 运营人工确认 UNKNOWN / IN_FLIGHT 交易的结果
func (r *Reconciler) Resolve(ctx context.Context, req *ResolveRequest) (*Outcome, error) {
	if req.State != model.TxStateSucceeded && req.State != model.TxStateFailed {
		return nil, fmt.Errorf("%w: state 只能为 SUCCEEDED 或 FAILED", ErrInvalidRequest)
	}

	txn, err := r.ledger.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.State != model.TxStateUnknown && txn.State != model.TxStateInFlight {
		return nil, fmt.Errorf("%w: state=%s", ErrResolveNotAllowed, txn.State)
	}
	if req.State == model.TxStateSucceeded && req.ProviderReference == "" && txn.ProviderReference == "" {
		return nil, fmt.Errorf("%w: 确认成功必须提供 provider_reference", ErrInvalidRequest)
	}

	res := &provider.Result{Status: provider.Status(req.State), Reference: req.ProviderReference, Message: req.Note}
	if req.State == model.TxStateFailed {
		res.Code = "operator_resolved"
	}
	if _, err := r.Apply(ctx, txn, res, SourceOperator); err != nil {
		return nil, err
	}

	latest, err := r.ledger.Get(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	return outcomeOf(latest, false), nil
}

// CallbackEvent 渠道异步通知，已验签
type CallbackEvent struct {
	TransactionID string
	Status        provider.Status
	Reference     string
	Code          string
	Message       string
}

// HandleCallback 渠道回调：只接受确定结果，未确定的通知直接忽略
func (r *Reconciler) HandleCallback(ctx context.Context, p model.Provider, ev *CallbackEvent) (Resolution, error) {
	txn, err := r.ledger.Get(ctx, ev.TransactionID)
	if err != nil {
		return "", err
	}
	if txn.Provider != p {
		return "", fmt.Errorf("%w: 交易 %s 不属于渠道 %s", ErrInvalidRequest, txn.ID, p)
	}

	res := &provider.Result{Status: ev.Status, Reference: ev.Reference, Code: ev.Code, Message: ev.Message}
	if !res.Definite() {
		r.log.Info("忽略未确定结果的回调", "transaction_id", txn.ID, "status", ev.Status)
		return ResolutionSkipped, nil
	}
	if res.Status == provider.StatusSucceeded && res.Reference == "" && txn.ProviderReference == "" {
		return "", fmt.Errorf("%w: 成功回调缺少流水号", ErrInvalidRequest)
	}
	return r.Apply(ctx, txn, res, SourceCallback)
}
