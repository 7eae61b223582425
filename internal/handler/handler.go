package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"gateway/internal/model"
	"gateway/internal/provider"
	"gateway/internal/repository"
	"gateway/internal/service"
	"gateway/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Gateway-Signature"

	maxCallbackBody = 1 << 20
)

// SweepRunner 对账任务，手动触发与定时任务共用同一把锁
type SweepRunner interface {
	RunOnce(ctx context.Context) *service.SweepReport
	Trigger()
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	engine     *service.DispatchEngine
	reconciler *service.Reconciler
	query      *service.TransactionService
	sweeps     SweepRunner
	// webhookSecrets 渠道 -> 回调验签密钥，未配置的渠道拒绝回调
	webhookSecrets map[model.Provider]string
	log            *slog.Logger
}

// NewHandler 创建处理器实例
func NewHandler(
	engine *service.DispatchEngine,
	reconciler *service.Reconciler,
	query *service.TransactionService,
	sweeps SweepRunner,
	webhookSecrets map[model.Provider]string,
	log *slog.Logger,
) *Handler {
	return &Handler{
		engine:         engine,
		reconciler:     reconciler,
		query:          query,
		sweeps:         sweeps,
		webhookSecrets: webhookSecrets,
		log:            log,
	}
}

// ============================================================
// 扣款
// ============================================================

// ChargeRequest 扣款请求
type ChargeRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         int64           `json:"amount" binding:"required,gt=0"`
	Currency       string          `json:"currency" binding:"required"`
	Provider       string          `json:"provider" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
}

// CreatePayment 扣款
// POST /api/v1/payments
//
// 【关键点】
// 1. 幂等：同一个 idempotency_key 只会调用一次渠道，重放返回第一次的结果
// 2. 结果未确定时返回 202，客户端用同一个 key 重放即可
// 3. 同一个 key 对应不同的请求内容返回 409
func (h *Handler) CreatePayment(c *gin.Context) {
	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	out, err := h.engine.Process(c.Request.Context(), &service.ChargeRequest{
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Provider:       req.Provider,
		Payload:        req.Payload,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	writeOutcome(c, out)
}

// GetPayment 查询交易
// GET /api/v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	txn, err := h.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// GetPaymentByKey 按幂等键查询交易
// GET /api/v1/payments/by-key/:key
func (h *Handler) GetPaymentByKey(c *gin.Context) {
	txn, err := h.query.GetByIdempotencyKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// ============================================================
// 退款 / 撤销
// ============================================================

// RefundRequest 退款请求，amount 为空时退还剩余全部金额
type RefundRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         int64           `json:"amount" binding:"gte=0"`
	Payload        json.RawMessage `json:"payload"`
}

// CreateRefund 退款
// POST /api/v1/payments/:id/refunds
func (h *Handler) CreateRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	out, err := h.engine.Refund(c.Request.Context(), &service.RefundRequest{
		ParentID:       c.Param("id"),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Amount:         req.Amount,
		Payload:        req.Payload,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	writeOutcome(c, out)
}

type VoidRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// VoidPayment 撤销
// POST /api/v1/payments/:id/void
func (h *Handler) VoidPayment(c *gin.Context) {
	var req VoidRequest
	// 撤销可以不带 body
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}
	}

	out, err := h.engine.Void(c.Request.Context(), &service.VoidRequest{
		ParentID:       c.Param("id"),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Payload:        req.Payload,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	writeOutcome(c, out)
}

// ============================================================
// 渠道回调
// ============================================================

type CallbackRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Status        string `json:"status" binding:"required"`
	Reference     string `json:"reference"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// ProviderCallback 渠道异步通知
// POST /api/v1/callbacks/:provider
//
// body 使用渠道的 webhook_secret 做 HMAC-SHA256，十六进制放在 X-Gateway-Signature
func (h *Handler) ProviderCallback(c *gin.Context) {
	p, ok := model.ParseProvider(c.Param("provider"))
	if !ok {
		response.NotFound(c, "未知渠道")
		return
	}
	secret := h.webhookSecrets[p]
	if secret == "" {
		response.Unauthorized(c, response.CodeInvalidSignature, "渠道未配置回调密钥")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}
	if !VerifySignature(secret, body, c.GetHeader(HeaderSignature)) {
		h.log.Warn("回调验签失败", "provider", p, "client_ip", c.ClientIP())
		response.Unauthorized(c, response.CodeInvalidSignature, "签名错误")
		return
	}

	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TransactionID == "" || req.Status == "" {
		response.ParamError(c, "回调内容不合法")
		return
	}

	res, err := h.reconciler.HandleCallback(c.Request.Context(), p, &service.CallbackEvent{
		TransactionID: req.TransactionID,
		Status:        provider.Status(strings.ToUpper(req.Status)),
		Reference:     req.Reference,
		Code:          req.Code,
		Message:       req.Message,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"result": res})
}

// ============================================================
// 运营接口
// ============================================================

// ListTransactions 交易列表
// GET /api/v1/admin/transactions?state=UNKNOWN&provider=stripe&kind=CHARGE&parent_id=&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	txns, total, err := h.query.List(c.Request.Context(), repository.ListFilter{
		State:    model.TxState(strings.ToUpper(c.Query("state"))),
		Provider: model.Provider(strings.ToLower(c.Query("provider"))),
		Kind:     model.TxKind(strings.ToUpper(c.Query("kind"))),
		ParentID: c.Query("parent_id"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      txns,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListAnomalies 异常待办
// GET /api/v1/admin/anomalies?kind=DUPLICATE_CHARGE&transaction_id=&page=1&page_size=20
func (h *Handler) ListAnomalies(c *gin.Context) {
	if id := c.Query("transaction_id"); id != "" {
		anomalies, err := h.query.AnomaliesOf(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err)
			return
		}
		response.Success(c, gin.H{"list": anomalies, "total": len(anomalies)})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	anomalies, total, err := h.query.ListAnomalies(c.Request.Context(), strings.ToUpper(c.Query("kind")), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      anomalies,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type ResolveRequest struct {
	State             string `json:"state" binding:"required"`
	ProviderReference string `json:"provider_reference"`
	Note              string `json:"note"`
}

// ResolveTransaction 人工确认 UNKNOWN 交易的结果
// POST /api/v1/admin/transactions/:id/resolve
func (h *Handler) ResolveTransaction(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	out, err := h.reconciler.Resolve(c.Request.Context(), &service.ResolveRequest{
		TransactionID:     c.Param("id"),
		State:             model.TxState(strings.ToUpper(req.State)),
		ProviderReference: req.ProviderReference,
		Note:              req.Note,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("人工处理交易", "transaction_id", out.TransactionID, "state", out.Status, "note", req.Note)
	response.Success(c, out)
}

// RunReconcile 立即执行一轮对账
// POST /api/v1/admin/reconcile?async=true
//
// 同步执行时返回本轮统计；async=true 时交给后台任务执行，返回 202
func (h *Handler) RunReconcile(c *gin.Context) {
	if async, _ := strconv.ParseBool(c.Query("async")); async {
		h.sweeps.Trigger()
		response.Accepted(c, gin.H{"triggered": true})
		return
	}

	report := h.sweeps.RunOnce(c.Request.Context())
	if report == nil {
		response.Error(c, http.StatusConflict, response.CodeReconcileBusy, "对账正在进行，请稍后重试")
		return
	}
	response.Success(c, report)
}

// ============================================================

func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader(HeaderIdempotencyKey)
}

func writeOutcome(c *gin.Context, out *service.Outcome) {
	if out.Status == service.OutcomeProcessing {
		response.Accepted(c, out)
		return
	}
	response.Success(c, out)
}

// fail 业务错误 -> HTTP 状态码
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrProviderNotConfigured):
		response.Error(c, http.StatusBadRequest, response.CodeProviderNotConfigured, err.Error())
	case errors.Is(err, service.ErrIdempotencyConflict):
		response.Conflict(c, response.CodeIdempotencyConflict, err.Error())
	case errors.Is(err, service.ErrTransactionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, service.ErrRefundNotAllowed):
		response.Conflict(c, response.CodeRefundNotAllowed, err.Error())
	case errors.Is(err, service.ErrResolveNotAllowed):
		response.Conflict(c, response.CodeResolveNotAllowed, err.Error())
	default:
		h.log.Error("请求处理失败", "path", c.FullPath(), "error", err)
		response.ServerError(c, "服务器内部错误")
	}
}
