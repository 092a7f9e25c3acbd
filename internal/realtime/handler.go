package realtime

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/matestay/matestay-chat/internal/identity"
	"github.com/matestay/matestay-chat/internal/protocol"
)

// Handler upgrades authenticated requests to realtime connections.
type Handler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket handler. The identity middleware must run first.
func NewHandler(hub *Hub, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.hub.opts.ReadLimit)

	conn := newConn(ws, userID, h.hub.opts)
	if !h.hub.attach(conn) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer func() {
		conn.Close(websocket.StatusNormalClosure, "session ended")
		h.hub.detach(conn)
	}()

	go conn.writeLoop()

	h.readLoop(r, conn)
	slog.Info("WebSocket session ended", "user_id", userID, "connection_id", conn.ID())
}

func (h *Handler) readLoop(r *http.Request, conn *Conn) {
	ctx := r.Context()
	for {
		typ, frame, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", conn.userID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "user_id", conn.userID)
			}
			return
		}
		if typ != websocket.MessageText {
			h.hub.reject(conn, "", protocol.ErrInvalidEvent)
			continue
		}
		h.hub.HandleFrame(ctx, conn, frame)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
