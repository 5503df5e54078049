package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/stream"
)

// scriptedBus hands out manually fed subscription channels.
type scriptedBus struct {
	mu   sync.Mutex
	subs map[string]chan stream.Envelope
}

func newScriptedBus() *scriptedBus {
	return &scriptedBus{subs: make(map[string]chan stream.Envelope)}
}

func (b *scriptedBus) Publish(ctx context.Context, workflowID, executionID string, env stream.Envelope) error {
	return nil
}

func (b *scriptedBus) Subscribe(ctx context.Context, channel string) (<-chan stream.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan stream.Envelope, 16)
	b.subs[channel] = ch
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subs[channel] == ch {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *scriptedBus) Replay(ctx context.Context, channel, cursor string, limit int) ([]stream.Envelope, string, error) {
	return nil, cursor, nil
}

func (b *scriptedBus) emit(channel string, env stream.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[channel]
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (b *scriptedBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[channel]
	return ok
}

func dial(t *testing.T, srv *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?channel=" + channel
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

func TestHubBroadcastsBusEvents(t *testing.T) {
	bus := newScriptedBus()
	hub := NewHub(bus)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "execution:exec-1")
	eventually(t, func() bool { return hub.ClientCount("execution:exec-1") == 1 }, "client registers")
	eventually(t, func() bool { return bus.subscribed("execution:exec-1") }, "first client opens the bus subscription")

	env := stream.NewEnvelope(stream.NodeCompleted, map[string]any{"node_id": "n1"}, time.Now())
	require.True(t, bus.emit("execution:exec-1", env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got stream.Envelope
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, stream.NodeCompleted, got.EventType)
}

func TestHubFansOutToMultipleClients(t *testing.T) {
	bus := newScriptedBus()
	hub := NewHub(bus)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	c1 := dial(t, srv, "workflow:wf-1")
	c2 := dial(t, srv, "workflow:wf-1")
	eventually(t, func() bool { return hub.ClientCount("workflow:wf-1") == 2 }, "both clients register")

	env := stream.NewEnvelope(stream.WorkflowCompleted, nil, time.Now())
	require.True(t, bus.emit("workflow:wf-1", env))

	for _, conn := range []*websocket.Conn{c1, c2} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var got stream.Envelope
		require.NoError(t, json.Unmarshal(payload, &got))
		require.Equal(t, stream.WorkflowCompleted, got.EventType)
	}
}

func TestHubClosesSubscriptionWhenLastClientLeaves(t *testing.T) {
	bus := newScriptedBus()
	hub := NewHub(bus)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "execution:exec-2")
	eventually(t, func() bool { return bus.subscribed("execution:exec-2") }, "subscription opens")

	require.NoError(t, conn.Close())
	eventually(t, func() bool { return hub.ClientCount("execution:exec-2") == 0 }, "client unregisters")
	eventually(t, func() bool { return !bus.subscribed("execution:exec-2") }, "subscription is canceled")
}

func TestHandlerRejectsInvalidChannels(t *testing.T) {
	hub := NewHub(newScriptedBus())
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	for _, channel := range []string{"", "random", "workflow:", "execution:"} {
		resp, err := http.Get(srv.URL + "/?channel=" + channel)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "channel %q", channel)
	}
}
