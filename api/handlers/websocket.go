package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WebSocketHandler admits terminal WebSocket connections.
type WebSocketHandler struct {
	ws      http.Handler
	limiter *rate.Limiter
}

// NewWebSocketHandler creates a new WebSocketHandler. A nil limiter admits
// every upgrade.
func NewWebSocketHandler(ws http.Handler, limiter *rate.Limiter) *WebSocketHandler {
	return &WebSocketHandler{
		ws:      ws,
		limiter: limiter,
	}
}

// NewConnectLimiter returns a limiter for upgrade requests, or nil when
// perSecond is not positive.
func NewConnectLimiter(perSecond, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perSecond
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Attach handles GET {WS_PATH} - upgrades to a terminal WebSocket.
// Query: sessionId (optional), cols, rows.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		sendError(c, http.StatusBadRequest, "UPGRADE_REQUIRED", "WebSocket upgrade required")
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		sendError(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many connection attempts")
		return
	}

	h.ws.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route at path.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes, path string) {
	r.GET(path, h.Attach)
}
