package repository

import (
	"context"
	"time"

	"gateway/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// GetPendingMessages 查询 now 时已到投递时间的待发送消息
//
// 同一 key 下更早的消息还在退避时，后面的消息也不取出，保证同一交易的事件按顺序投递
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, now time.Time, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Where(`NOT EXISTS (
			SELECT 1 FROM outbox_message prev
			WHERE prev.message_key = outbox_message.message_key
			  AND prev.status = ?
			  AND prev.id < outbox_message.id
			  AND prev.next_attempt_at > ?)`, model.OutboxStatusPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusSent,
			"last_error": "",
		}).Error
}

// RecordFailure 投递失败时累加重试次数并安排在 nextAttemptAt 重试，达到 maxRetry 后标记为 FAILED 不再投递
func (r *OutboxRepository) RecordFailure(ctx context.Context, msg *model.OutboxMessage, lastErr string, maxRetry int, nextAttemptAt time.Time) (dead bool, err error) {
	if len(lastErr) > 512 {
		lastErr = lastErr[:512]
	}

	updates := map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
		"last_error":  lastErr,
	}
	dead = msg.RetryCount+1 >= maxRetry
	if dead {
		updates["status"] = model.OutboxStatusFailed
		updates["next_attempt_at"] = nil
	} else {
		updates["next_attempt_at"] = nextAttemptAt
	}

	err = r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", msg.ID).
		Updates(updates).Error
	return dead, err
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ?", status).
		Count(&n).Error
	return n, err
}

func (r *OutboxRepository) ListByKey(ctx context.Context, key string) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("message_key = ?", key).
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}
