package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/ingest"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// hookResponse is the body returned to the agent-side shim.
type hookResponse struct {
	OK           bool   `json:"ok"`
	AgentID      string `json:"agent_id,omitempty"`
	NewState     string `json:"new_state,omitempty"`
	StateChanged bool   `json:"state_changed"`
	Suppressed   bool   `json:"suppressed,omitempty"`
	Deferred     bool   `json:"deferred,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (h *Handlers) postHook(c *gin.Context) {
	kind := c.Param("kind")

	var payload ingest.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, hookResponse{Error: "invalid payload: " + err.Error()})
		return
	}

	outcome, err := h.ingestor.Handle(c.Request.Context(), kind, payload)
	if err != nil {
		h.writeHookError(c, kind, err)
		return
	}

	resp := hookResponse{
		OK:         true,
		AgentID:    outcome.AgentID,
		Suppressed: outcome.Suppressed,
		Deferred:   outcome.Deferred,
	}
	if res := outcome.Result; res != nil {
		resp.StateChanged = res.StateChanged
		if res.Task != nil {
			resp.NewState = string(res.Task.State)
		}
		if !res.Success {
			// The state machine declined the move; the hook itself is fine.
			resp.Error = res.Reason
		}
	}
	c.JSON(http.StatusOK, resp)
}

// writeHookError maps core errors onto the status codes the shim retries on.
func (h *Handlers) writeHookError(c *gin.Context, kind string, err error) {
	switch {
	case errors.Is(err, ingest.ErrMissingSession), errors.Is(err, ingest.ErrUnknownKind):
		c.JSON(http.StatusBadRequest, hookResponse{Error: err.Error()})
	case errors.Is(err, lockmgr.ErrTimeout):
		// Retry is permissible: reconciler hash dedup makes replays safe.
		c.JSON(http.StatusServiceUnavailable, hookResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, repository.ErrDeadlock):
		c.JSON(http.StatusInternalServerError, hookResponse{Error: err.Error()})
	default:
		h.logger.Error("hook failed",
			zap.String("kind", kind),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, hookResponse{Error: err.Error()})
	}
}
