package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitalk/internal/chat"
	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/logger"
)

// wsFrame is what the UI receives on /ws: Kind is "state" or "effect".
type wsFrame struct {
	Kind   string             `json:"kind"`
	State  *chat.SessionState `json:"state,omitempty"`
	Effect *chat.Effect       `json:"effect,omitempty"`
}

type WSHandler struct {
	chat           ChatService
	allowedOrigins string
	writeWait      time.Duration
	pongWait       time.Duration
}

// NewWSHandler serves the UI socket. allowedOrigins is a CORS style list or "*".
func NewWSHandler(chat ChatService, allowedOrigins string, cfg config.SocketConfig) *WSHandler {
	h := &WSHandler{
		chat:           chat,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
		writeWait:      cfg.WriteTimeout,
		pongWait:       cfg.PongTimeout,
	}
	if h.writeWait <= 0 {
		h.writeWait = 10 * time.Second
	}
	if h.pongWait <= 0 {
		h.pongWait = 60 * time.Second
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS attaches the connection as the effect consumer and streams every
// state snapshot. A newer connection takes over and this one is closed.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	states := h.chat.Watch(ctx)
	effects := h.chat.Effects(ctx)
	logger.Debugf("ws: ui attached from %s", r.RemoteAddr)

	go h.readPump(conn, cancel)
	h.writePump(ctx, cancel, conn, states, effects)
	logger.Debugf("ws: ui detached from %s", r.RemoteAddr)
}

// readPump only watches for close and pongs; the UI sends intents over HTTP.
func (h *WSHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read: %v", err)
			}
			return
		}
	}
}

func (h *WSHandler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, states <-chan chat.SessionState, effects <-chan chat.Effect) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()
	write := func(f wsFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err := conn.WriteJSON(f); err != nil {
			logger.Debugf("ws write: %v", err)
			return false
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if !write(wsFrame{Kind: "state", State: &s}) {
				return
			}
		case e, ok := <-effects:
			if !ok {
				// replaced by a newer consumer
				_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced"))
				return
			}
			if !write(wsFrame{Kind: "effect", Effect: &e}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
