package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/stream"
)

func newBus(t *testing.T, opts Options) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts.Client = client
	b, err := New(opts)
	require.NoError(t, err)
	return b, mr
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestPublishAppendsToBothStreams(t *testing.T) {
	b, mr := newBus(t, Options{})
	ctx := context.Background()

	env := stream.NewEnvelope(stream.NodeCompleted, map[string]any{"node_id": "n1"}, time.Now())
	require.NoError(t, b.Publish(ctx, "wf-1", "exec-1", env))

	require.True(t, mr.Exists("workflow:wf-1:events"))
	require.True(t, mr.Exists("execution:exec-1:events"))
}

func TestPublishWithoutExecutionID(t *testing.T) {
	b, mr := newBus(t, Options{})
	env := stream.NewEnvelope(stream.WorkflowStarted, nil, time.Now())
	require.NoError(t, b.Publish(context.Background(), "wf-1", "", env))

	require.True(t, mr.Exists("workflow:wf-1:events"))
	require.False(t, mr.Exists("execution::events"))
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b, _ := newBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.Subscribe(ctx, ExecutionChannel("exec-1"))
	require.NoError(t, err)

	env := stream.NewEnvelope(stream.NodeStarted, map[string]any{"node_id": "n1"}, time.Now())
	require.NoError(t, b.Publish(ctx, "wf-1", "exec-1", env))

	select {
	case got := <-events:
		require.Equal(t, stream.NodeStarted, got.EventType)
		payload, err := got.Payload()
		require.NoError(t, err)
		require.Equal(t, "n1", payload["node_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	select {
	case _, open := <-events:
		require.False(t, open, "channel closes when the context is canceled")
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestReplayPagination(t *testing.T) {
	b, _ := newBus(t, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env := stream.NewEnvelope(stream.NodeCompleted, map[string]any{"seq": i}, time.Now())
		require.NoError(t, b.Publish(ctx, "wf-1", "exec-r", env))
	}

	first, cursor, err := b.Replay(ctx, ExecutionChannel("exec-r"), "", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.NotEmpty(t, cursor)

	rest, next, err := b.Replay(ctx, ExecutionChannel("exec-r"), cursor, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2, "cursor start is exclusive")

	// Exhausted stream returns no events and echoes the cursor.
	empty, final, err := b.Replay(ctx, ExecutionChannel("exec-r"), next, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.Equal(t, next, final)

	seen := map[string]struct{}{}
	for _, env := range append(first, rest...) {
		payload, err := env.Payload()
		require.NoError(t, err)
		seen[fmt.Sprint(payload["seq"])] = struct{}{}
	}
	require.Len(t, seen, 5, "pagination covers every event exactly once")
}

func TestReplay_EmptyStream(t *testing.T) {
	b, _ := newBus(t, Options{})
	envs, cursor, err := b.Replay(context.Background(), ExecutionChannel("nothing"), "", 10)
	require.NoError(t, err)
	require.Empty(t, envs)
	require.Equal(t, "", cursor)
}

func TestChannelNames(t *testing.T) {
	require.Equal(t, "workflow:wf-1", WorkflowChannel("wf-1"))
	require.Equal(t, "execution:exec-1", ExecutionChannel("exec-1"))
}
