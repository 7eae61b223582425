package mq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// KafkaProducer 基于 sarama 同步生产者
type KafkaProducer struct {
	producer sarama.SyncProducer
	log      *slog.Logger
}

// NewKafkaProducer 创建 Kafka 生产者
func NewKafkaProducer(brokers []string, log *slog.Logger) (*KafkaProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息
	kafkaConfig.Version = sarama.V2_1_0_0
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求

	producer, err := sarama.NewSyncProducer(brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	log.Info("Kafka 生产者创建成功", "brokers", brokers)
	return newKafkaProducer(producer, log), nil
}

func newKafkaProducer(producer sarama.SyncProducer, log *slog.Logger) *KafkaProducer {
	return &KafkaProducer{producer: producer, log: log}
}

// Send 发送消息到 Kafka，以交易ID为分区 key
func (p *KafkaProducer) Send(_ context.Context, msg *Message) error {
	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(msg.ID)},
		},
	}

	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("发送 Kafka 消息失败: %w", err)
	}

	p.log.Debug("Kafka 消息已发送",
		"topic", msg.Topic,
		"key", msg.Key,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func (p *KafkaProducer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
