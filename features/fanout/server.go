package fanout

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscriptions are read-only; cross-origin dashboards are expected.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades the request to a WebSocket and streams events for the
// channel named in the "channel" query parameter. Only workflow and
// execution channels are served.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if !validChannel(channel) {
			http.Error(w, "channel must be workflow:<id> or execution:<id>", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf(r.Context(), err, "fanout: upgrade failed")
			return
		}
		if err := h.Register(context.Background(), channel, conn); err != nil {
			log.Errorf(r.Context(), err, "fanout: subscribe %s failed", channel)
			_ = conn.Close()
			return
		}
		go h.readLoop(channel, conn)
	})
}

func validChannel(channel string) bool {
	for _, prefix := range []string{"workflow:", "execution:"} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}

// readLoop discards inbound frames so pings and close handshakes are
// processed, and unregisters the socket when the peer goes away.
func (h *Hub) readLoop(channel string, conn *websocket.Conn) {
	defer h.Unregister(channel, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
