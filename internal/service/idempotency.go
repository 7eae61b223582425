package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"gateway/internal/metrics"
	"gateway/internal/model"
	"gateway/internal/repository"
)

// Reservation Reserve 的结果
//
// Created=true 表示本次调用创建了记录，由调用方负责派发；
// 否则 Transaction 为已存在的记录（重放）
type Reservation struct {
	Created     bool
	Transaction *model.Transaction
}

// IdempotencyRegistry 幂等键 -> 第一次请求对应的交易
//
// 完全建立在账本的 InsertIfAbsent 上，唯一索引是唯一的串行化点：
// 同一个 key 并发 N 次，只有一次拿到 Created
type IdempotencyRegistry struct {
	ledger  repository.Ledger
	metrics *metrics.Metrics
}

func NewIdempotencyRegistry(ledger repository.Ledger, m *metrics.Metrics) *IdempotencyRegistry {
	return &IdempotencyRegistry{ledger: ledger, metrics: m}
}

// Reserve 以 candidate 作为新记录尝试占用 key
func (r *IdempotencyRegistry) Reserve(ctx context.Context, key, fingerprint string, candidate *model.Transaction) (*Reservation, error) {
	candidate.IdempotencyKey = key
	candidate.Fingerprint = fingerprint
	candidate.State = model.TxStatePending

	created, stored, err := r.ledger.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("占用幂等键失败: %w", err)
	}
	if created {
		return &Reservation{Created: true, Transaction: stored}, nil
	}

	if stored.Fingerprint != fingerprint {
		r.metrics.RecordIdempotencyConflict()
		return nil, fmt.Errorf("%w: key=%s transaction_id=%s", ErrIdempotencyConflict, key, stored.ID)
	}

	r.metrics.RecordIdempotencyReplay(string(stored.State))
	return &Reservation{Created: false, Transaction: stored}, nil
}

// Fingerprint 请求语义内容的 SHA-256
//
// payload 需先经过 CanonicalPayload，字段顺序不同的同一 JSON 得到同一指纹
func Fingerprint(kind model.TxKind, parentID string, amount int64, currency string, p model.Provider, payload []byte) string {
	h := sha256.New()
	for _, part := range []string{
		string(kind), parentID, strconv.FormatInt(amount, 10), currency, string(p),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalPayload 校验 payload 为 JSON 对象并输出键有序的紧凑形式，空 payload 视为 {}
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}

	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: payload 必须是 JSON 对象", ErrInvalidRequest)
	}
	if obj == nil {
		return []byte("{}"), nil
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: payload 无法序列化", ErrInvalidRequest)
	}
	return out, nil
}
