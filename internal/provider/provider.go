package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"gateway/internal/config"
	"gateway/internal/metrics"
	"gateway/internal/model"
)

// Status 渠道返回的归一化结果
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusUnknown 无法区分"渠道拒绝"和"请求发出后网络/超时失败"，
	// 交易可能已经在渠道侧执行
	StatusUnknown Status = "UNKNOWN"
)

// 失败分类
const (
	CodeDeclined    = "provider_declined"
	CodeTransient   = "transient_network_error"
	CodeUnavailable = "provider_unavailable"
	CodeTimeout     = "timeout"
	CodeNotFound    = "not_found"
)

type Operation string

const (
	OpCharge Operation = "charge"
	OpRefund Operation = "refund"
	OpVoid   Operation = "void"
	OpStatus Operation = "status"
)

// OperationFor 交易类型对应的渠道操作
func OperationFor(kind model.TxKind) Operation {
	switch kind {
	case model.TxKindRefund:
		return OpRefund
	case model.TxKindVoid:
		return OpVoid
	default:
		return OpCharge
	}
}

var ErrStatusUnsupported = errors.New("渠道不支持状态查询")

type Request struct {
	TransactionID string
	// IdempotencyToken 透传给渠道的幂等 token，始终等于 TransactionID，
	// 渠道据此保证同一交易重试不会重复扣款
	IdempotencyToken string
	Amount           int64
	Currency         string
	Payload          json.RawMessage
	// ParentReference 退款/撤销时原交易在渠道侧的流水号
	ParentReference string
}

type Result struct {
	Status    Status `json:"status"`
	Reference string `json:"reference,omitempty"`
	Retryable bool   `json:"retryable"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Definite 是否为确定结果
func (r *Result) Definite() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

type StatusQuery struct {
	TransactionID string
	Kind          model.TxKind
	Reference     string
}

// Adapter 支付渠道适配器，每个渠道一个实现
type Adapter interface {
	Name() model.Provider
	Charge(ctx context.Context, req *Request) (*Result, error)
	Refund(ctx context.Context, req *Request) (*Result, error)
	Void(ctx context.Context, req *Request) (*Result, error)
	// Status 按交易ID查询渠道侧真实结果，渠道没有查询接口时返回 ErrStatusUnsupported
	Status(ctx context.Context, q *StatusQuery) (*Result, error)
}

// Call 按操作类型调用适配器
func Call(ctx context.Context, a Adapter, op Operation, req *Request) (*Result, error) {
	switch op {
	case OpCharge:
		return a.Charge(ctx, req)
	case OpRefund:
		return a.Refund(ctx, req)
	case OpVoid:
		return a.Void(ctx, req)
	default:
		return nil, fmt.Errorf("不支持的渠道操作: %s", op)
	}
}

// Registry 渠道 -> 适配器
type Registry struct {
	adapters map[model.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(p model.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuildRegistry 按配置创建已启用渠道的适配器，并统一加上调用指标
func BuildRegistry(cfgs map[string]config.ProviderConfig, log *slog.Logger, m *metrics.Metrics) (*Registry, error) {
	var adapters []Adapter
	for name, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		p, ok := model.ParseProvider(name)
		if !ok {
			return nil, fmt.Errorf("未知渠道: %s", name)
		}

		var a Adapter
		if p == model.ProviderSandbox {
			a = NewSandbox(WithStatusLookup(cfg.StatusLookup))
		} else {
			a = NewHTTPAdapter(p, cfg, log)
		}
		adapters = append(adapters, Instrument(a, m))
		log.Info("渠道已启用", "provider", p, "status_lookup", cfg.StatusLookup)
	}
	return NewRegistry(adapters...), nil
}
