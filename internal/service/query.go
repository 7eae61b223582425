package service

import (
	"context"

	"gateway/internal/model"
	"gateway/internal/repository"
)

// AnomalyReader 异常待办查询
type AnomalyReader interface {
	List(ctx context.Context, kind string, page, pageSize int) ([]*model.Anomaly, int64, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*model.Anomaly, error)
}

// TransactionService 只读查询，不会触发任何派发
type TransactionService struct {
	ledger    repository.Ledger
	anomalies AnomalyReader
}

func NewTransactionService(ledger repository.Ledger, anomalies AnomalyReader) *TransactionService {
	return &TransactionService{ledger: ledger, anomalies: anomalies}
}

func (s *TransactionService) Get(ctx context.Context, id string) (*model.Transaction, error) {
	return s.ledger.Get(ctx, id)
}

func (s *TransactionService) GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	return s.ledger.GetByIdempotencyKey(ctx, key)
}

func (s *TransactionService) List(ctx context.Context, filter repository.ListFilter) ([]*model.Transaction, int64, error) {
	return s.ledger.List(ctx, filter)
}

// Children 某笔扣款下的退款和撤销
func (s *TransactionService) Children(ctx context.Context, parentID string) ([]*model.Transaction, error) {
	if _, err := s.ledger.Get(ctx, parentID); err != nil {
		return nil, err
	}
	txns, _, err := s.ledger.List(ctx, repository.ListFilter{ParentID: parentID, PageSize: 200})
	return txns, err
}

func (s *TransactionService) ListAnomalies(ctx context.Context, kind string, page, pageSize int) ([]*model.Anomaly, int64, error) {
	return s.anomalies.List(ctx, kind, page, pageSize)
}

func (s *TransactionService) AnomaliesOf(ctx context.Context, transactionID string) ([]*model.Anomaly, error) {
	return s.anomalies.ListByTransaction(ctx, transactionID)
}
