package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"gateway/internal/config"
	"gateway/internal/infrastructure/mq"
	"gateway/internal/metrics"
	"gateway/internal/model"
	"gateway/internal/service"
)

// OutboxStore OutboxSender 需要的发件箱操作
type OutboxStore interface {
	GetPendingMessages(ctx context.Context, now time.Time, limit int) ([]*model.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, msg *model.OutboxMessage, lastErr string, maxRetry int, nextAttemptAt time.Time) (bool, error)
}

// OutboxSender 轮询发件箱，把交易终态事件投递到消息队列
//
// 至少投递一次：发送成功但标记 SENT 失败时下一轮会重发，下游按 event_id 去重。
// 投递失败按指数退避安排下一次时间，用完 max_retry_count 次后才标记为 FAILED
type OutboxSender struct {
	store     OutboxStore
	producer  mq.Producer
	log       *slog.Logger
	metrics   *metrics.Metrics
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	maxRetry  int
	retryBase time.Duration
	retryCap  time.Duration

	now  func() time.Time
	rand func() float64
}

func NewOutboxSender(store OutboxStore, producer mq.Producer, cfg config.EventsConfig, log *slog.Logger, m *metrics.Metrics) *OutboxSender {
	return &OutboxSender{
		store:     store,
		producer:  producer,
		log:       log.With("job", "outbox_sender"),
		metrics:   m,
		stopCh:    make(chan struct{}),
		interval:  cfg.RelayInterval,
		batchSize: cfg.BatchSize,
		maxRetry:  cfg.MaxRetryCount,
		retryBase: cfg.RetryBackoffBase,
		retryCap:  cfg.RetryBackoffCap,
		now:       func() time.Time { return time.Now().UTC() },
		rand:      rand.Float64,
	}
}

// SetClock 测试用
func (s *OutboxSender) SetClock(now func() time.Time) {
	s.now = now
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// RunOnce 处理一批待发送消息，返回成功发送的条数
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.store.GetPendingMessages(ctx, s.now(), s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", "error", err)
		return 0
	}

	sent := 0
	// 同一交易的事件按顺序投递，前一条失败时后面的等下一轮
	blocked := make(map[string]struct{})
	for _, msg := range messages {
		if _, ok := blocked[msg.MessageKey]; ok {
			continue
		}
		if s.sendMessage(ctx, msg) {
			sent++
		} else {
			blocked[msg.MessageKey] = struct{}{}
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.producer.Send(ctx, &mq.Message{
		Topic: msg.Topic,
		Key:   msg.MessageKey,
		ID:    eventID(msg),
		Value: []byte(msg.Payload),
	})

	if err == nil {
		if updateErr := s.store.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("更新消息状态失败", "id", msg.ID, "error", updateErr)
		} else {
			s.log.Debug("消息发送成功", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey)
		}
		s.metrics.RecordOutboxMessage(model.OutboxStatusSent)
		return true
	}

	delay := service.Backoff(msg.RetryCount+1, s.retryBase, s.retryCap, s.rand())
	s.log.Warn("消息发送失败", "id", msg.ID, "key", msg.MessageKey, "retry_count", msg.RetryCount, "retry_in", delay, "error", err)

	dead, recordErr := s.store.RecordFailure(ctx, msg, err.Error(), s.maxRetry, s.now().Add(delay))
	if recordErr != nil {
		s.log.Error("记录发送失败次数失败", "id", msg.ID, "error", recordErr)
		return false
	}
	if dead {
		s.metrics.RecordOutboxMessage(model.OutboxStatusFailed)
		s.log.Error("消息超过最大重试次数，标记为失败", "id", msg.ID, "key", msg.MessageKey, "event_type", msg.EventType)
	} else {
		s.metrics.RecordOutboxMessage("retry")
	}
	return false
}

// eventID 优先使用事件体里的 event_id，旧消息没有时退化为发件箱自增ID
func eventID(msg *model.OutboxMessage) string {
	var body struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &body); err == nil && body.EventID != "" {
		return body.EventID
	}
	return "outbox-" + strconv.FormatInt(msg.ID, 10)
}
