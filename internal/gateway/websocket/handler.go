package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to loopback; cross-origin pages on the same host
		// are the dashboard's own dev servers.
		return true
	},
}

// Handler upgrades HTTP connections and binds them to the broadcaster.
type Handler struct {
	hub         *Hub
	broadcaster *broadcast.Broadcaster
	logger      *logger.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(hub *Hub, b *broadcast.Broadcaster, log *logger.Logger) *Handler {
	return &Handler{
		hub:         hub,
		broadcaster: b,
		logger:      log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and streams filtered events.
// Filters come from query parameters: types (comma-separated event types),
// project_id, agent_id.
func (h *Handler) HandleConnection(c *gin.Context) {
	filter := filterFromQuery(c)

	sub := h.broadcaster.Subscribe(filter)
	if sub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscriber capacity reached, try again"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, sub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// filterFromQuery builds the subscription filter from request parameters.
func filterFromQuery(c *gin.Context) broadcast.Filter {
	filter := broadcast.Filter{
		ProjectID: c.Query("project_id"),
		AgentID:   c.Query("agent_id"),
	}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, broadcast.EventType(t))
			}
		}
	}
	return filter
}
