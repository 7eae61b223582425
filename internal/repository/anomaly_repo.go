package repository

import (
	"context"
	"fmt"

	"gateway/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AnomalyRepository struct {
	db *gorm.DB
}

func NewAnomalyRepository(db *gorm.DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// Flag 记录一条异常，同一 (transaction_id, kind, provider_reference) 重复上报时忽略
// 返回值表示是否为首次记录
func (r *AnomalyRepository) Flag(ctx context.Context, a *model.Anomaly) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "transaction_id"}, {Name: "kind"}, {Name: "provider_reference"},
			},
			DoNothing: true,
		}).
		Create(a)
	if result.Error != nil {
		return false, fmt.Errorf("记录异常失败: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *AnomalyRepository) List(ctx context.Context, kind string, page, pageSize int) ([]*model.Anomaly, int64, error) {
	var anomalies []*model.Anomaly
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Anomaly{})
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize = normalizePage(page, pageSize)
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&anomalies).Error

	return anomalies, total, err
}

func (r *AnomalyRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*model.Anomaly, error) {
	var anomalies []*model.Anomaly
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&anomalies).Error
	return anomalies, err
}
