// Package webapi is the HTTP surface of the sync engine: the CRM webhook
// receiver plus a small operator API over the queue and dead letters.
package webapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/scheduler"
	"github.com/greenfieldops/organizer_mirror/syncerr"
)

type webhookPayload struct {
	EntityKind string `json:"entity_kind" binding:"required"`
	EntityID   string `json:"entity_id" binding:"required"`
}

func NewRouter(orc *scheduler.Orchestrator, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/webhooks/crm", webhookHandler(orc, logger))

	admin := r.Group("/admin")
	admin.GET("/queue", queueHandler(orc, logger))
	admin.GET("/dead-letters", deadLetterListHandler(orc, logger))
	admin.POST("/dead-letters/:id/resubmit", resubmitHandler(orc, logger))
	admin.POST("/full-scan", fullScanHandler(orc, logger))
	admin.POST("/seed", seedHandler(orc, logger))

	return r
}

// webhookHandler enqueues a sync task for the changed entity. The webhook
// body names the change; the record itself is always re-fetched, so a
// malformed or stale payload can at worst cause a redundant sync.
func webhookHandler(orc *scheduler.Orchestrator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload webhookPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind := models.EntityKind(payload.EntityKind)
		if !models.ValidKind(kind) || kind == models.KindPublish {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity_kind " + payload.EntityKind})
			return
		}
		if err := orc.Enqueue(c.Request.Context(), kind, payload.EntityID, "webhook"); err != nil {
			config.LogError(logger, "webapi", "webhookHandler", "enqueue", payload, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}

func queueHandler(orc *scheduler.Orchestrator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		depth, err := orc.QueueDepth(c.Request.Context())
		if err != nil {
			config.LogError(logger, "webapi", "queueHandler", "depth", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"depth": depth})
	}
}

func deadLetterListHandler(orc *scheduler.Orchestrator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		rows, err := orc.ListDeadLetters(c.Request.Context(), limit)
		if err != nil {
			config.LogError(logger, "webapi", "deadLetterListHandler", "list", limit, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": rows})
	}
}

func resubmitHandler(orc *scheduler.Orchestrator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		if err := orc.ResubmitDeadLetter(c.Request.Context(), uint(id)); err != nil {
			if syncerr.IsNotFound(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
				return
			}
			config.LogError(logger, "webapi", "resubmitHandler", "resubmit", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resubmit failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "requeued"})
	}
}

// seedHandler starts a bulk walk of the upstream feeds in the background.
// An optional since=YYYY-MM-DD query bounds the walk to recent records.
func seedHandler(orc *scheduler.Orchestrator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var since time.Time
		if v := c.Query("since"); v != "" {
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be YYYY-MM-DD"})
				return
			}
			since = parsed
		}
		go func() {
			n, err := orc.SeedFromUpstream(context.Background(), since)
			if err != nil {
				config.LogError(logger, "webapi", "seedHandler", "seed", since, err)
				return
			}
			logger.WithFields(logrus.Fields{"module": "webapi", "seeded": n}).Info("seed complete")
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "seeding"})
	}
}

// fullScanHandler kicks off a scan in the background; the scan itself can
// take minutes on a large mirror.
func fullScanHandler(orc *scheduler.Orchestrator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		go func() {
			if err := orc.TriggerFullScan(context.Background()); err != nil {
				config.LogError(logger, "webapi", "fullScanHandler", "scan", nil, err)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "scanning"})
	}
}
