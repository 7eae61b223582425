package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gateway/internal/config"
	"gateway/internal/model"
)

// HTTPAdapter 通用 JSON/HTTP 渠道客户端
//
// 请求：
//
//	POST {base}/v1/charges | /v1/refunds | /v1/voids
//	GET  {base}/v1/transactions/{transaction_id}
//
// 每个请求都带 Idempotency-Key: {transaction_id}
//
// 【结果分类】
//
//	连接建立前失败（dial）  -> FAILED, retryable   请求没有发出，可以安全重试
//	请求发出后超时/断连     -> UNKNOWN             渠道可能已经执行
//	429 / 503               -> FAILED, retryable   渠道明确拒绝处理
//	其他 5xx / 409          -> UNKNOWN
//	其他 4xx                -> FAILED              渠道拒绝，不重试
//	2xx                     -> 按 body.status
type HTTPAdapter struct {
	name         model.Provider
	baseURL      string
	apiKey       string
	statusLookup bool
	client       *http.Client
	log          *slog.Logger
}

func NewHTTPAdapter(name model.Provider, cfg config.ProviderConfig, log *slog.Logger) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		name:         name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		statusLookup: cfg.StatusLookup,
		client:       &http.Client{Timeout: timeout},
		log:          log.With("provider", string(name)),
	}
}

func (a *HTTPAdapter) Name() model.Provider { return a.name }

type wireRequest struct {
	TransactionID   string          `json:"transaction_id"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ParentReference string          `json:"parent_reference,omitempty"`
}

type wireResponse struct {
	Status    string `json:"status"` // succeeded | failed | pending
	Reference string `json:"reference"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (a *HTTPAdapter) Charge(ctx context.Context, req *Request) (*Result, error) {
	return a.submit(ctx, "/v1/charges", req)
}

func (a *HTTPAdapter) Refund(ctx context.Context, req *Request) (*Result, error) {
	return a.submit(ctx, "/v1/refunds", req)
}

func (a *HTTPAdapter) Void(ctx context.Context, req *Request) (*Result, error) {
	return a.submit(ctx, "/v1/voids", req)
}

func (a *HTTPAdapter) submit(ctx context.Context, path string, req *Request) (*Result, error) {
	body, err := json.Marshal(wireRequest{
		TransactionID:   req.TransactionID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Payload:         req.Payload,
		ParentReference: req.ParentReference,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化渠道请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构造渠道请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken)
	a.authorize(httpReq)

	return a.do(httpReq, req.TransactionID)
}

func (a *HTTPAdapter) Status(ctx context.Context, q *StatusQuery) (*Result, error) {
	if !a.statusLookup {
		return nil, ErrStatusUnsupported
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/v1/transactions/"+url.PathEscape(q.TransactionID), nil)
	if err != nil {
		return nil, fmt.Errorf("构造渠道请求失败: %w", err)
	}
	a.authorize(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("查询渠道状态失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Result{Status: StatusUnknown, Code: CodeNotFound}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("查询渠道状态失败: http %d", resp.StatusCode)
	}
	return decodeBody(resp.Body)
}

func (a *HTTPAdapter) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

func (a *HTTPAdapter) do(req *http.Request, txnID string) (*Result, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		res := classifyTransportError(err)
		a.log.Warn("渠道请求失败",
			"transaction_id", txnID,
			"status", res.Status,
			"code", res.Code,
			"error", err,
		)
		return res, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return &Result{
			Status:    StatusFailed,
			Retryable: true,
			Code:      CodeUnavailable,
			Message:   fmt.Sprintf("http %d", resp.StatusCode),
		}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusConflict:
		return &Result{
			Status:    StatusUnknown,
			Retryable: true,
			Code:      CodeUnavailable,
			Message:   fmt.Sprintf("http %d", resp.StatusCode),
		}, nil
	case resp.StatusCode >= 400:
		res := &Result{Status: StatusFailed, Code: CodeDeclined, Message: fmt.Sprintf("http %d", resp.StatusCode)}
		if body, err := decodeBody(resp.Body); err == nil && body.Message != "" {
			res.Message = body.Message
		}
		return res, nil
	}

	res, err := decodeBody(resp.Body)
	if err != nil {
		// 2xx 但 body 无法解析：渠道已经受理，结果未知
		return &Result{Status: StatusUnknown, Code: CodeUnavailable, Message: err.Error()}, nil
	}
	return res, nil
}

func decodeBody(r io.Reader) (*Result, error) {
	var body wireResponse
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("解析渠道响应失败: %w", err)
	}

	res := &Result{Reference: body.Reference, Code: body.Code, Message: body.Message}
	switch strings.ToLower(body.Status) {
	case "succeeded", "success":
		res.Status = StatusSucceeded
	case "failed", "declined":
		res.Status = StatusFailed
		if res.Code == "" {
			res.Code = CodeDeclined
		}
	default:
		res.Status = StatusUnknown
	}
	return res, nil
}

// classifyTransportError 区分"请求没发出去"和"发出去后没拿到响应"
//
// 超时一律按 UNKNOWN 处理，包括建连阶段的超时
func classifyTransportError(err error) *Result {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Result{Status: StatusUnknown, Retryable: true, Code: CodeTimeout, Message: err.Error()}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Result{Status: StatusFailed, Retryable: true, Code: CodeTransient, Message: err.Error()}
	}
	return &Result{Status: StatusUnknown, Retryable: true, Code: CodeUnavailable, Message: err.Error()}
}
