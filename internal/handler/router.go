package handler

import (
	"log/slog"
	"net/http"

	"gateway/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, mode string, log *slog.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(log))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(MetricsMiddleware(m))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		payments := api.Group("/payments")
		{
			payments.POST("", h.CreatePayment)
			payments.GET("/:id", h.GetPayment)
			payments.GET("/by-key/:key", h.GetPaymentByKey)
			payments.POST("/:id/refunds", h.CreateRefund)
			payments.POST("/:id/void", h.VoidPayment)
		}

		api.POST("/callbacks/:provider", h.ProviderCallback)

		// 运营接口，鉴权由网关层负责
		admin := api.Group("/admin")
		{
			admin.GET("/transactions", h.ListTransactions)
			admin.POST("/transactions/:id/resolve", h.ResolveTransaction)
			admin.GET("/anomalies", h.ListAnomalies)
			admin.POST("/reconcile", h.RunReconcile)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
