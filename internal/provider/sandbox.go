package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gateway/internal/model"
)

// Sandbox 进程内模拟渠道
//
// 行为与真实渠道一致的地方：同一个幂等 token 一旦有确定结果，重放时返回同一个结果和流水号。
//
// 结果来源按优先级：
//  1. Enqueue 排队的脚本（测试用）
//  2. payload.sandbox_outcome: decline | transient | timeout | unknown（本地联调用）
//  3. 默认成功，流水号 sbx_{transaction_id}
type Sandbox struct {
	mu           sync.Mutex
	script       []Step
	settled      map[string]*Result // op:token -> 确定结果
	statuses     map[string]*Result // transaction_id -> Status 查询结果
	calls        []SandboxCall
	statusLookup bool
}

// Step 一次调用的脚本
//
// Block 为 true 时阻塞直到 ctx 结束，返回 UNKNOWN/timeout；
// 此时若 Status 非空，表示渠道侧实际已经按 Status 执行（响应丢失）
type Step struct {
	Status    Status
	Reference string
	Retryable bool
	Code      string
	Block     bool
	Delay     time.Duration
}

type SandboxCall struct {
	Op            Operation
	TransactionID string
	Token         string
	Amount        int64
}

func Succeed(ref string) Step { return Step{Status: StatusSucceeded, Reference: ref} }

func Decline(code string) Step { return Step{Status: StatusFailed, Code: code} }

func Transient() Step { return Step{Status: StatusFailed, Retryable: true, Code: CodeTransient} }

func Unknown() Step { return Step{Status: StatusUnknown, Retryable: true, Code: CodeUnavailable} }

func Timeout() Step { return Step{Block: true} }

// TimeoutAfterSuccess 渠道已扣款但响应超时
func TimeoutAfterSuccess(ref string) Step {
	return Step{Block: true, Status: StatusSucceeded, Reference: ref}
}

type SandboxOption func(*Sandbox)

func WithStatusLookup(enabled bool) SandboxOption {
	return func(s *Sandbox) { s.statusLookup = enabled }
}

func NewSandbox(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		settled:      make(map[string]*Result),
		statuses:     make(map[string]*Result),
		statusLookup: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) Name() model.Provider { return model.ProviderSandbox }

// Enqueue 追加脚本，按调用顺序依次消费
func (s *Sandbox) Enqueue(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, steps...)
}

// SetStatus 设置 Status 查询返回的结果
func (s *Sandbox) SetStatus(txnID string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[txnID] = &res
}

func (s *Sandbox) Calls() []SandboxCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SandboxCall(nil), s.calls...)
}

// CallCount 某笔交易被提交到渠道的次数（不含状态查询）
func (s *Sandbox) CallCount(txnID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.TransactionID == txnID {
			n++
		}
	}
	return n
}

func (s *Sandbox) Charge(ctx context.Context, req *Request) (*Result, error) {
	return s.execute(ctx, OpCharge, req)
}

func (s *Sandbox) Refund(ctx context.Context, req *Request) (*Result, error) {
	return s.execute(ctx, OpRefund, req)
}

func (s *Sandbox) Void(ctx context.Context, req *Request) (*Result, error) {
	return s.execute(ctx, OpVoid, req)
}

func (s *Sandbox) execute(ctx context.Context, op Operation, req *Request) (*Result, error) {
	settleKey := string(op) + ":" + req.IdempotencyToken

	s.mu.Lock()
	s.calls = append(s.calls, SandboxCall{Op: op, TransactionID: req.TransactionID, Token: req.IdempotencyToken, Amount: req.Amount})
	if res, ok := s.settled[settleKey]; ok {
		s.mu.Unlock()
		out := *res
		return &out, nil
	}
	step := s.nextStep(req)
	s.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return &Result{Status: StatusUnknown, Retryable: true, Code: CodeTimeout, Message: ctx.Err().Error()}, nil
		case <-time.After(step.Delay):
		}
	}

	res := &Result{
		Status:    step.Status,
		Reference: step.Reference,
		Retryable: step.Retryable,
		Code:      step.Code,
	}
	if res.Status == StatusSucceeded && res.Reference == "" {
		res.Reference = "sbx_" + req.TransactionID
	}

	if step.Block {
		if res.Status != "" {
			s.settle(settleKey, req.TransactionID, res)
		}
		<-ctx.Done()
		return &Result{Status: StatusUnknown, Retryable: true, Code: CodeTimeout, Message: ctx.Err().Error()}, nil
	}

	// 只有确定且不可重试的结果才会被渠道记住
	if res.Status == StatusSucceeded || (res.Status == StatusFailed && !res.Retryable) {
		s.settle(settleKey, req.TransactionID, res)
	}
	return res, nil
}

func (s *Sandbox) settle(key, txnID string, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *res
	s.settled[key] = &stored
	if _, ok := s.statuses[txnID]; !ok {
		s.statuses[txnID] = &stored
	}
}

// nextStep 调用方持有锁
func (s *Sandbox) nextStep(req *Request) Step {
	if len(s.script) > 0 {
		step := s.script[0]
		s.script = s.script[1:]
		return step
	}

	var payload struct {
		Outcome string `json:"sandbox_outcome"`
	}
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &payload)
	}
	switch payload.Outcome {
	case "decline":
		return Decline("card_declined")
	case "transient":
		return Transient()
	case "timeout":
		return TimeoutAfterSuccess("")
	case "unknown":
		return Unknown()
	default:
		return Succeed("")
	}
}

func (s *Sandbox) Status(_ context.Context, q *StatusQuery) (*Result, error) {
	if !s.statusLookup {
		return nil, ErrStatusUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.statuses[q.TransactionID]; ok {
		out := *res
		return &out, nil
	}
	return &Result{Status: StatusUnknown, Code: CodeNotFound}, nil
}
