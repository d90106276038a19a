package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meshcall/internal/infrastructure/middleware"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
)

// NewRouter builds the diagnostics server. A nil gatherer disables /metrics.
func NewRouter(cfg *config.Config, handler *ConferenceHandler, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *gin.Engine {
	ctxLog := logger.NewContextLogger(log.Desugar())

	router := gin.New()
	router.Use(
		middleware.RequestLogger(ctxLog, cfg.Room.ID),
		middleware.Recovery(ctxLog),
		middleware.Tracing(),
		middleware.ErrorHandler(ctxLog),
	)

	handler.SetupRoutes(router, middleware.RateLimit(cfg, log))

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}
