// Package fanout bridges the event fabric to WebSocket clients. Browsers
// subscribe to a workflow or execution channel; the hub holds one bus
// subscription per active channel and broadcasts every envelope to the
// registered sockets. A socket is dropped on its first failed send so a slow
// client can never block the bus.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/runtime/stream"
)

// sendBuffer is the per-client outbound queue; a client that falls this far
// behind is disconnected.
const sendBuffer = 64

// writeWait bounds a single socket write.
const writeWait = 10 * time.Second

// Hub fans bus events out to WebSocket clients grouped by channel.
type Hub struct {
	bus stream.Bus

	mu       sync.Mutex
	channels map[string]*channelGroup
}

type channelGroup struct {
	clients map[*client]struct{}
	cancel  context.CancelFunc
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a hub over the given bus.
func NewHub(bus stream.Bus) *Hub {
	return &Hub{bus: bus, channels: make(map[string]*channelGroup)}
}

// Register attaches the connection to a channel ("workflow:<id>" or
// "execution:<id>"). The first client on a channel opens the bus
// subscription; the last one leaving closes it. Register starts the write
// pump and returns immediately.
func (h *Hub) Register(ctx context.Context, channel string, conn *websocket.Conn) error {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	group, ok := h.channels[channel]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		events, err := h.bus.Subscribe(subCtx, channel)
		if err != nil {
			cancel()
			h.mu.Unlock()
			return err
		}
		group = &channelGroup{clients: make(map[*client]struct{}), cancel: cancel}
		h.channels[channel] = group
		go h.pump(channel, group, events)
	}
	group.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop(func() { h.unregister(channel, c) })
	return nil
}

// Unregister detaches the connection from the channel.
func (h *Hub) Unregister(channel string, conn *websocket.Conn) {
	h.mu.Lock()
	group, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	var found *client
	for c := range group.clients {
		if c.conn == conn {
			found = c
			break
		}
	}
	h.mu.Unlock()
	if found != nil {
		h.unregister(channel, found)
	}
}

// ClientCount reports the number of sockets attached to the channel.
func (h *Hub) ClientCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group, ok := h.channels[channel]; ok {
		return len(group.clients)
	}
	return 0
}

// pump forwards bus envelopes to every client of the channel until the
// subscription closes.
func (h *Hub) pump(channel string, group *channelGroup, events <-chan stream.Envelope) {
	for env := range events {
		payload, err := json.Marshal(env)
		if err != nil {
			continue
		}
		h.mu.Lock()
		for c := range group.clients {
			select {
			case c.send <- payload:
			default:
				// Client too slow; closing the queue ends its write loop.
				delete(group.clients, c)
				close(c.send)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) unregister(channel string, c *client) {
	h.mu.Lock()
	group, ok := h.channels[channel]
	if ok {
		if _, member := group.clients[c]; member {
			delete(group.clients, c)
			close(c.send)
		}
		if len(group.clients) == 0 {
			group.cancel()
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// writeLoop drains the send queue onto the socket. The first failed write
// drops the client.
func (c *client) writeLoop(drop func()) {
	defer drop()
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
}
