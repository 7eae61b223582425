package provider

import (
	"context"
	"time"

	"gateway/internal/metrics"
	"gateway/internal/model"
)

// Instrument 给适配器加上调用次数和耗时指标
func Instrument(a Adapter, m *metrics.Metrics) Adapter {
	if m == nil {
		return a
	}
	return &instrumented{next: a, metrics: m}
}

type instrumented struct {
	next    Adapter
	metrics *metrics.Metrics
}

func (i *instrumented) Name() model.Provider { return i.next.Name() }

func (i *instrumented) Charge(ctx context.Context, req *Request) (*Result, error) {
	return i.observe(OpCharge, func() (*Result, error) { return i.next.Charge(ctx, req) })
}

func (i *instrumented) Refund(ctx context.Context, req *Request) (*Result, error) {
	return i.observe(OpRefund, func() (*Result, error) { return i.next.Refund(ctx, req) })
}

func (i *instrumented) Void(ctx context.Context, req *Request) (*Result, error) {
	return i.observe(OpVoid, func() (*Result, error) { return i.next.Void(ctx, req) })
}

func (i *instrumented) Status(ctx context.Context, q *StatusQuery) (*Result, error) {
	return i.observe(OpStatus, func() (*Result, error) { return i.next.Status(ctx, q) })
}

func (i *instrumented) observe(op Operation, call func() (*Result, error)) (*Result, error) {
	start := time.Now()
	res, err := call()

	status := "error"
	if err == nil && res != nil {
		status = string(res.Status)
	}
	i.metrics.RecordProviderCall(string(i.next.Name()), string(op), status, time.Since(start).Seconds())
	return res, err
}
