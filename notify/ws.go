package notify

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/shiftly/logger"
)

// Gorilla websocket timings, see github.com/gorilla/websocket/examples/chat
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// ServeWS upgrades the request and streams events for the topics named by
// repeated ?topic= query parameters until the peer disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		http.Error(w, "at least one topic query parameter is required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err.Error())
		return
	}

	sub, err := h.Subscribe(topics...)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}

	h.logger.Infow("WebSocket subscriber connected",
		logger.FieldAddress, r.RemoteAddr,
		logger.FieldTopics, topics,
	)

	done := make(chan struct{})
	go h.writePump(conn, sub, done)
	h.readPump(conn, sub)
	close(done)
}

// readPump drains control frames and detects disconnects.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		h.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Warnw("WebSocket read error", logger.FieldError, err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debugw("Event write error",
					logger.FieldJobID, ev.JobID,
					logger.FieldError, err.Error(),
				)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts requests without an Origin header and origins matching
// a configured prefix. With no configuration only localhost is accepted.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := h.allowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "https://localhost"}
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
