package mq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName JetStream 中交易事件的 stream
	StreamName = "GATEWAY_TRANSACTIONS"

	// StreamRetention 事件保留时间
	StreamRetention = 7 * 24 * time.Hour
)

// NATSProducer 投递到 NATS JetStream
//
// subject 为 "{topic}.{transaction_id}"，消息 ID 写入 Nats-Msg-Id，
// JetStream 在去重窗口内会丢弃重复投递
type NATSProducer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	topic  string
	logger *slog.Logger
}

func NewNATSProducer(natsURL, topic string, logger *slog.Logger) (*NATSProducer, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("gateway-outbox"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("创建 JetStream 失败: %w", err)
	}

	p := &NATSProducer{nc: nc, js: js, topic: topic, logger: logger}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("NATS 生产者初始化完成", "url", natsURL, "stream", StreamName)
	return p, nil
}

func (p *NATSProducer) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	p.logger.Info("创建 JetStream stream", "stream", StreamName)
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "支付网关交易事件",
		Subjects:    []string{p.topic + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("创建 stream 失败: %w", err)
	}
	return nil
}

func (p *NATSProducer) Send(ctx context.Context, msg *Message) error {
	subject := subjectFor(msg.Topic, msg.Key)

	_, err := p.js.Publish(ctx, subject, msg.Value, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return fmt.Errorf("发送 NATS 消息失败: %w", err)
	}

	p.logger.Debug("NATS 消息已发送", "subject", subject, "event_id", msg.ID)
	return nil
}

func (p *NATSProducer) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// subjectFor subject 中不能出现空白和 '.'，交易ID里的这些字符统一替换为 '_'
func subjectFor(topic, key string) string {
	key = strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t':
			return '_'
		}
		return r
	}, key)
	if key == "" {
		key = "_"
	}
	return topic + "." + key
}
