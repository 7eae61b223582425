package service

import (
	"errors"

	"gateway/internal/repository"
)

var (
	// ErrIdempotencyConflict 同一个幂等键被用于不同的请求，客户端错误，不重试
	ErrIdempotencyConflict   = errors.New("幂等键已被其他请求使用")
	ErrInvalidRequest        = errors.New("请求参数不合法")
	ErrProviderNotConfigured = errors.New("渠道未启用")
	ErrRefundNotAllowed      = errors.New("当前交易不允许退款或撤销")
	ErrResolveNotAllowed     = errors.New("当前交易不允许人工处理")

	ErrTransactionNotFound = repository.ErrTransactionNotFound
)
