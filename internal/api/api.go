// Package api exposes the daemon's HTTP surface: hook ingestion, the
// respond path, and read projections. It is a thin adapter; everything it
// does is a call into the core pipeline.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/card"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/ingest"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// transcriptPageLimit caps one transcript read.
const transcriptPageLimit = 200

// Handlers serves the REST surface.
type Handlers struct {
	ingestor  *ingest.Ingestor
	store     repository.Store
	projector *card.Projector
	locks     lockmgr.Manager
	logger    *logger.Logger
}

// NewHandlers creates the REST handler set.
func NewHandlers(
	ingestor *ingest.Ingestor,
	store repository.Store,
	projector *card.Projector,
	locks lockmgr.Manager,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		ingestor:  ingestor,
		store:     store,
		projector: projector,
		locks:     locks,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts all endpoints on the router.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.POST("/hooks/:kind", h.postHook)
	api.GET("/projects", h.listProjects)
	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id/card", h.getCard)
	api.GET("/agents/:id/transcript", h.getTranscript)
	api.GET("/agents/:id/events", h.listEvents)
	api.POST("/agents/:id/respond", h.respond)
	api.GET("/debug/locks", h.debugLocks)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "headspace",
	})
}
