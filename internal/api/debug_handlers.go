package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// heldLockView flattens a lockmgr.HeldLock for JSON output.
type heldLockView struct {
	Namespace  string    `json:"namespace"`
	AgentID    string    `json:"agent_id"`
	PID        int       `json:"pid"`
	Mode       string    `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	HeldForMS  int64     `json:"held_for_ms"`
}

// debugLocks enumerates currently held advisory locks. This is the probe
// used when a hook path appears wedged: a lock held for seconds is a stuck
// transaction, not contention.
func (h *Handlers) debugLocks(c *gin.Context) {
	held := h.locks.HeldLocks()
	views := make([]heldLockView, 0, len(held))
	for _, l := range held {
		views = append(views, heldLockView{
			Namespace:  string(l.Key.Namespace),
			AgentID:    l.Key.AgentID,
			PID:        l.PID,
			Mode:       l.Mode,
			AcquiredAt: l.AcquiredAt,
			HeldForMS:  l.HeldFor.Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"locks": views})
}
