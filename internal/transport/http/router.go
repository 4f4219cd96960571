package http

import (
	"github.com/gin-gonic/gin"
	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/repo"
	"github.com/mesaops/mesa-events/internal/retryqueue"
	"github.com/mesaops/mesa-events/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.BillingService, q *retryqueue.Queue, rp repo.RepositoryInterface, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, svc, q, rp, cfg, log)
	return r
}
