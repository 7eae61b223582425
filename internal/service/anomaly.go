package service

import (
	"context"
	"log/slog"

	"gateway/internal/metrics"
	"gateway/internal/model"

	"github.com/google/uuid"
)

// AnomalyStore 异常待办的持久化
type AnomalyStore interface {
	Flag(ctx context.Context, a *model.Anomaly) (bool, error)
}

// anomalyRecorder 记录异常：落库 + error 日志 + 指标
//
// 落库失败只记日志，不影响请求结果；重复上报由唯一索引去重
type anomalyRecorder struct {
	store   AnomalyStore
	log     *slog.Logger
	metrics *metrics.Metrics
}

func (r *anomalyRecorder) flag(ctx context.Context, txn *model.Transaction, kind, reference, detail string) {
	created, err := r.store.Flag(context.WithoutCancel(ctx), &model.Anomaly{
		ID:                uuid.NewString(),
		TransactionID:     txn.ID,
		Kind:              kind,
		ProviderReference: reference,
		ExistingReference: txn.ProviderReference,
		Detail:            detail,
	})
	if err != nil {
		r.log.Error("记录异常失败",
			"transaction_id", txn.ID,
			"kind", kind,
			"error", err,
		)
		return
	}
	if !created {
		return
	}

	r.metrics.RecordAnomaly(kind)
	r.log.Error("发现异常交易，需要人工处理",
		"transaction_id", txn.ID,
		"kind", kind,
		"state", txn.State,
		"provider", txn.Provider,
		"amount", txn.Amount,
		"currency", txn.Currency,
		"existing_reference", txn.ProviderReference,
		"provider_reference", reference,
		"detail", detail,
	)
}
