package model

import (
	"time"
)

const (
	AnomalyDuplicateCharge   = "DUPLICATE_CHARGE"   // 同一笔交易出现第二次成功扣款，需要人工退款
	AnomalyReferenceMismatch = "REFERENCE_MISMATCH" // 渠道查询到的流水号与已落库的不一致
	AnomalyManualReview      = "MANUAL_REVIEW"      // 无法查询渠道且超过等待时间，需要人工确认
)

// Anomaly 异常待办
// 只追加，由运营人工处理；同一交易同类异常同一流水号只记一次
type Anomaly struct {
	ID                string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	TransactionID     string    `gorm:"type:varchar(64);uniqueIndex:uq_anomaly;not null" json:"transaction_id"`
	Kind              string    `gorm:"type:varchar(32);uniqueIndex:uq_anomaly;not null" json:"kind"`
	ProviderReference string    `gorm:"type:varchar(128);uniqueIndex:uq_anomaly;not null;default:''" json:"provider_reference,omitempty"`
	ExistingReference string    `gorm:"type:varchar(128)" json:"existing_reference,omitempty"`
	Detail            string    `gorm:"type:varchar(512)" json:"detail,omitempty"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

func (Anomaly) TableName() string {
	return "anomaly"
}
