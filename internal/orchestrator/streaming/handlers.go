package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens at the CORS layer.
		return true
	},
}

// WSHandler upgrades HTTP connections and attaches them to the hub.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a WebSocket handler.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "websocket_handler")),
	}
}

// Stream handles GET /ws. The connection starts with no subscriptions;
// the client sends subscribe messages to follow tasks.
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Debug("WebSocket connection established", zap.String("client_id", client.ID))

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *WSHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.Stream)
}
