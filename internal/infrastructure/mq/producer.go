package mq

import (
	"context"
	"log/slog"
)

// Message 待投递的事件
type Message struct {
	Topic string
	Key   string // 交易ID，同一交易的事件保持有序
	ID    string // 事件唯一ID，下游据此去重
	Value []byte
}

// Producer 消息投递，OutboxSender 只依赖这个接口
type Producer interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// LogProducer events.driver=none 时使用，只打印事件不投递
type LogProducer struct {
	log *slog.Logger
}

func NewLogProducer(log *slog.Logger) *LogProducer {
	return &LogProducer{log: log}
}

func (p *LogProducer) Send(_ context.Context, msg *Message) error {
	p.log.Info("事件未配置消息队列，仅记录日志",
		"topic", msg.Topic,
		"key", msg.Key,
		"event_id", msg.ID,
	)
	return nil
}

func (p *LogProducer) Close() error {
	return nil
}
