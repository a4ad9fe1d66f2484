package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"peercall/internal/infrastructure/middleware"
	"peercall/pkg/logger"
)

type RouterConfig struct {
	// Token protects /call routes when set.
	Token     string
	RateLimit middleware.RateLimitConfig
	// Gatherer serves /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the control API engine.
func NewRouter(handler *CallHandler, cfg RouterConfig, log *zap.SugaredLogger) *gin.Engine {
	cl := logger.NewContextLogger(log.Desugar())

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(cl),
		middleware.TracingMiddleware(handler.identity),
		middleware.RequestLoggingMiddleware(cl, handler.identity),
		middleware.NewHTTPRateLimitMiddleware(cfg.RateLimit),
		middleware.ErrorHandlerMiddleware(cl),
	)

	call := router.Group("/call", middleware.TokenAuthMiddleware(cfg.Token))
	{
		call.GET("/state", handler.GetState)
		call.POST("/mute", handler.ToggleMute)
		call.POST("/video", handler.ToggleVideo)
		call.POST("/screenshare", handler.ToggleScreenShare)
		call.POST("/leave", handler.Leave)
	}
	router.GET("/health", handler.Health)

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return router
}
