package bus

import (
	"net/http"
	"slices"

	"github.com/coder/websocket"
)

// Handler upgrades requests to websockets and registers them with a Hub.
// Clients only receive; anything they send is discarded.
type Handler struct {
	hub            *Hub
	allowedOrigins []string
}

// NewHandler creates a websocket handler. An empty or "*" origin list
// accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{hub: hub, allowedOrigins: allowedOrigins}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.hub.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.hub.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.hub.Register(ws)
	defer h.hub.Unregister(ws)

	// CloseRead drains control frames and cancels ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())
	<-ctx.Done()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.hub.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}
