package service

import (
	"encoding/json"
	"fmt"
	"time"

	"gateway/internal/model"

	"github.com/google/uuid"
)

const (
	EventTransactionSucceeded = "transaction.succeeded"
	EventTransactionFailed    = "transaction.failed"
)

// TransactionEvent 终态事件，写入 outbox 后由 OutboxSender 投递
type TransactionEvent struct {
	EventID           string         `json:"event_id"`
	EventType         string         `json:"event_type"`
	TransactionID     string         `json:"transaction_id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	Kind              model.TxKind   `json:"kind"`
	ParentID          string         `json:"parent_id,omitempty"`
	Amount            int64          `json:"amount"`
	Currency          string         `json:"currency"`
	Provider          model.Provider `json:"provider"`
	State             model.TxState  `json:"state"`
	ProviderReference string         `json:"provider_reference,omitempty"`
	FailureCode       string         `json:"failure_code,omitempty"`
	AttemptCount      int            `json:"attempt_count"`
	Source            string         `json:"source"`
	OccurredAt        time.Time      `json:"occurred_at"`
}

// EventBuilder 构造 outbox 消息
type EventBuilder struct {
	topic string
}

func NewEventBuilder(topic string) *EventBuilder {
	return &EventBuilder{topic: topic}
}

// Build 非终态返回 nil
func (b *EventBuilder) Build(txn *model.Transaction, source string, at time.Time) (*model.OutboxMessage, error) {
	var eventType string
	switch txn.State {
	case model.TxStateSucceeded:
		eventType = EventTransactionSucceeded
	case model.TxStateFailed:
		eventType = EventTransactionFailed
	default:
		return nil, nil
	}

	payload, err := json.Marshal(TransactionEvent{
		EventID:           uuid.NewString(),
		EventType:         eventType,
		TransactionID:     txn.ID,
		IdempotencyKey:    txn.IdempotencyKey,
		Kind:              txn.Kind,
		ParentID:          txn.ParentID,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		Provider:          txn.Provider,
		State:             txn.State,
		ProviderReference: txn.ProviderReference,
		FailureCode:       txn.FailureCode,
		AttemptCount:      txn.AttemptCount,
		Source:            source,
		OccurredAt:        at.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化交易事件失败: %w", err)
	}

	return &model.OutboxMessage{
		MessageKey: txn.ID,
		Topic:      b.topic,
		EventType:  eventType,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}, nil
}

// eventsFor 便于直接展开传给 CompareAndSet
func (b *EventBuilder) eventsFor(txn *model.Transaction, source string, at time.Time) ([]*model.OutboxMessage, error) {
	msg, err := b.Build(txn, source, at)
	if err != nil || msg == nil {
		return nil, err
	}
	return []*model.OutboxMessage{msg}, nil
}
