package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/repo"
	"github.com/mesaops/mesa-events/internal/retryqueue"
	"github.com/mesaops/mesa-events/internal/service"
	"go.uber.org/zap"
)

func RegisterHandlers(r *gin.Engine, svc *service.BillingService, q *retryqueue.Queue, rp repo.RepositoryInterface, cfg *config.Config, log *zap.SugaredLogger) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	{
		v1.POST("/webhooks/payments/:provider", webhookHandler(svc, q, log))
		v1.GET("/ops/outbox/failed", failedOutboxHandler(rp))
		v1.POST("/ops/outbox/:id/replay", replayOutboxHandler(rp))
		v1.GET("/ops/retry/dlq", retryDLQHandler(rp, cfg))
	}
}

// webhookHandler ingests a provider callback. Processing failures are parked
// in the retry queue and answered 202 so the provider does not race our own
// retry schedule.
func webhookHandler(svc *service.BillingService, q *retryqueue.Queue, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
			return
		}
		if err := svc.ProcessPaymentWebhook(c, provider, body); err != nil {
			log.Warnf("webhook %s deferred: %v", provider, err)
			payload, perr := service.EncodeWebhookDelivery(provider, body)
			if perr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
				return
			}
			if qerr := q.Enqueue(c, service.WebhookRetryKind, payload, err.Error(), 0); qerr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": qerr.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func failedOutboxHandler(rp repo.RepositoryInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		entries, err := rp.ListFailedOutbox(c, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func replayOutboxHandler(rp repo.RepositoryInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		if err := rp.ReplayOutbox(c, id); err != nil {
			if errors.Is(err, repo.ErrNotReplayable) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "replayed"})
	}
}

func retryDLQHandler(rp repo.RepositoryInterface, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
		raw, err := rp.DLQRange(c, cfg.Retry.DLQKey, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]json.RawMessage, len(raw))
		for i, s := range raw {
			items[i] = json.RawMessage(s)
		}
		c.JSON(http.StatusOK, items)
	}
}
