package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/card"
	"github.com/samotage/claude-headspace/internal/ingest"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

func (h *Handlers) listProjects(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// listAgents returns the card projection of every live agent.
func (h *Handlers) listAgents(c *gin.Context) {
	ctx := c.Request.Context()
	agents, err := h.store.ListActiveAgents(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	cards := make([]*card.Card, 0, len(agents))
	for _, agent := range agents {
		projected, err := h.projector.Project(ctx, agent)
		if err != nil {
			h.logger.Warn("failed to project card",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
			continue
		}
		cards = append(cards, projected)
	}
	c.JSON(http.StatusOK, gin.H{"agents": cards})
}

func (h *Handlers) getCard(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	projected, err := h.projector.Project(ctx, agent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, projected)
}

// getTranscript pages turns newest-first across the agent's tasks and
// returns them in chronological order. before_turn_id anchors the page;
// internal sub-agent chatter is hidden unless include_internal is set.
func (h *Handlers) getTranscript(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	limit := transcriptPageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}
	var beforeTurnID int64
	if raw := c.Query("before_turn_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before_turn_id must be an integer"})
			return
		}
		beforeTurnID = parsed
	}
	includeInternal := c.Query("include_internal") == "true"

	tasks, err := h.store.ListTasksForAgent(ctx, agent.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Walk tasks newest-first, collecting turn pages until the limit fills.
	var collected []*models.Turn
	for i := len(tasks) - 1; i >= 0 && len(collected) < limit; i-- {
		turns, err := h.store.ListTurnsForTask(ctx, tasks[i].ID, repository.ListTurnsOptions{
			BeforeTurnID:    beforeTurnID,
			Limit:           limit - len(collected),
			IncludeInternal: includeInternal,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Prepend: older tasks go in front of what newer tasks contributed.
		collected = append(turns, collected...)
	}
	if len(collected) > limit {
		collected = collected[len(collected)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id": agent.ID,
		"turns":    collected,
	})
}

func (h *Handlers) listEvents(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed < 1000 {
			limit = parsed
		}
	}

	events, err := h.store.ListEventsForAgent(ctx, agent.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agent.ID, "events": events})
}

// respondRequest is the user-answer body.
type respondRequest struct {
	Text string           `json:"text"`
	File *models.FileMeta `json:"file,omitempty"`
}

// respondResponse distinguishes failure kinds so the UI can tell "terminal
// missing" from "session dead" from "bridge timeout".
type respondResponse struct {
	OK        bool   `json:"ok"`
	NewState  string `json:"new_state,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handlers) respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, respondResponse{ErrorKind: "payload_invalid", Error: err.Error()})
		return
	}

	start := time.Now()
	res, err := h.ingestor.Respond(c.Request.Context(), c.Param("id"), req.Text, req.File)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		h.writeRespondError(c, latency, err)
		return
	}

	resp := respondResponse{OK: true, LatencyMS: latency}
	if res != nil && res.Task != nil {
		resp.NewState = string(res.Task.State)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) writeRespondError(c *gin.Context, latency int64, err error) {
	resp := respondResponse{LatencyMS: latency, Error: err.Error()}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		resp.ErrorKind = "agent_not_found"
		c.JSON(http.StatusNotFound, resp)
	case errors.Is(err, ingest.ErrNotAwaiting):
		resp.ErrorKind = "not_awaiting_input"
		c.JSON(http.StatusConflict, resp)
	case errors.Is(err, ingest.ErrAgentEnded):
		resp.ErrorKind = "session_ended"
		c.JSON(http.StatusGone, resp)
	case errors.Is(err, ingest.ErrNoPane):
		resp.ErrorKind = "terminal_missing"
		c.JSON(http.StatusBadGateway, resp)
	case errors.Is(err, lockmgr.ErrTimeout):
		resp.ErrorKind = "bridge_timeout"
		c.JSON(http.StatusServiceUnavailable, resp)
	default:
		resp.ErrorKind = "send_failed"
		c.JSON(http.StatusBadGateway, resp)
	}
}

func (h *Handlers) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
