package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 交易事件发件箱
// 与终态 CAS 写在同一个数据库事务里，由 OutboxSender 投递到消息队列
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);index;not null" json:"message_key"` // 交易ID，保证同一交易的事件落在同一分区
	Topic      string    `gorm:"type:varchar(128);not null" json:"topic"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	LastError  string    `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	// NextAttemptAt 失败后下一次投递时间，为空表示立即可投递
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
