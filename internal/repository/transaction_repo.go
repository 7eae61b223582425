package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gateway/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTransactionNotFound = errors.New("交易不存在")
	ErrLedgerConflict      = errors.New("交易记录已被并发修改")
	ErrReferenceImmutable  = errors.New("provider_reference 已写入，不可覆盖")
	ErrInvalidTransition   = errors.New("交易状态流转不合法")
)

// Ledger 交易账本
//
// 所有写操作都是单条记录上的原子操作：
//   - InsertIfAbsent 依赖 idempotency_key 唯一索引，同一个 key 只会插入一次
//   - CompareAndSet 以 (id, state, version) 为条件更新，条件不满足返回 ErrLedgerConflict
type Ledger interface {
	InsertIfAbsent(ctx context.Context, txn *model.Transaction) (created bool, stored *model.Transaction, err error)
	Get(ctx context.Context, id string) (*model.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)
	CompareAndSet(ctx context.Context, actor model.Actor, expected, next *model.Transaction, events ...*model.OutboxMessage) error
	Scan(ctx context.Context, state model.TxState, olderThan time.Time, limit int) ([]*model.Transaction, error)
	List(ctx context.Context, filter ListFilter) ([]*model.Transaction, int64, error)
	SumChildren(ctx context.Context, parentID string, kind model.TxKind) (int64, error)
}

type ListFilter struct {
	State    model.TxState
	Provider model.Provider
	Kind     model.TxKind
	ParentID string
	Page     int
	PageSize int
}

type TransactionRepository struct {
	db *gorm.DB
}

var _ Ledger = (*TransactionRepository)(nil)

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// InsertIfAbsent 按 idempotency_key 插入，已存在时不做任何修改并返回已有记录
//
// 并发插入同一个 key 时，只有一个调用方能拿到 created=true
func (r *TransactionRepository) InsertIfAbsent(ctx context.Context, txn *model.Transaction) (bool, *model.Transaction, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(txn)
	if result.Error != nil {
		return false, nil, fmt.Errorf("插入交易失败: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, txn, nil
	}

	existing, err := r.GetByIdempotencyKey(ctx, txn.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *TransactionRepository) Get(ctx context.Context, id string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// CompareAndSet 以 expected 的 (state, version) 为条件，把记录更新为 next
//
// 【校验顺序】
// 1. actor 是否允许 expected.State -> next.State
// 2. provider_reference 只能从空写成非空，不能改写
// 3. 数据库条件更新，RowsAffected == 0 说明记录已被别人修改
//
// events 与状态更新写在同一个数据库事务里，状态写成功则事件一定落库。
// 只更新可变字段，amount / currency / provider 永远不会出现在 UPDATE 语句里。
// 成功后 next.Version 和 next.UpdatedAt 被回填
func (r *TransactionRepository) CompareAndSet(ctx context.Context, actor model.Actor, expected, next *model.Transaction, events ...*model.OutboxMessage) error {
	if !model.CanTransitionTo(actor, expected.State, next.State) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, actor, expected.State, next.State)
	}
	if expected.ProviderReference != "" && next.ProviderReference != expected.ProviderReference {
		return fmt.Errorf("%w: id=%s existing=%s", ErrReferenceImmutable, expected.ID, expected.ProviderReference)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":              next.State,
		"provider_reference": next.ProviderReference,
		"failure_code":       next.FailureCode,
		"failure_message":    next.FailureMessage,
		"attempt_count":      next.AttemptCount,
		"last_attempt_at":    next.LastAttemptAt,
		"version":            expected.Version + 1,
		"updated_at":         now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Transaction{}).
			Where("id = ? AND state = ? AND version = ?", expected.ID, expected.State, expected.Version).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrLedgerConflict
		}

		for _, ev := range events {
			if err := tx.Create(ev).Error; err != nil {
				return fmt.Errorf("写入事件失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	next.Version = expected.Version + 1
	next.UpdatedAt = now
	return nil
}

// Scan 查询指定状态且 updated_at 早于 olderThan 的记录，最久未更新的排在前面
func (r *TransactionRepository) Scan(ctx context.Context, state model.TxState, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", state, olderThan.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) List(ctx context.Context, filter ListFilter) ([]*model.Transaction, int64, error) {
	var txns []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{})
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.ParentID != "" {
		query = query.Where("parent_id = ?", filter.ParentID)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error

	return txns, total, err
}

// SumChildren 统计某笔交易下指定类型、未失败的子交易金额之和
func (r *TransactionRepository) SumChildren(ctx context.Context, parentID string, kind model.TxKind) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("parent_id = ? AND kind = ? AND state <> ?", parentID, kind, model.TxStateFailed).
		Scan(&sum).Error
	return sum, err
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}
