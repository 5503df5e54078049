package compensation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/store/inmem"
	"github.com/loomworks/loom/runtime/stream"
)

type recordedCall struct {
	Method string
	Path   string
	Body   map[string]any
}

type rollbackServer struct {
	mu    sync.Mutex
	calls []recordedCall
	srv   *httptest.Server
}

func newRollbackServer(t *testing.T, status int) *rollbackServer {
	t.Helper()
	rs := &rollbackServer{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rs.mu.Lock()
		rs.calls = append(rs.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body})
		rs.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"reverted": true}`))
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

type memBus struct {
	mu   sync.Mutex
	envs []stream.Envelope
}

func (b *memBus) Publish(ctx context.Context, workflowID, executionID string, env stream.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan stream.Envelope, error) {
	ch := make(chan stream.Envelope)
	close(ch)
	return ch, nil
}

func (b *memBus) Replay(ctx context.Context, channel, cursor string, limit int) ([]stream.Envelope, string, error) {
	return nil, cursor, nil
}

func (b *memBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.envs))
	for i, e := range b.envs {
		out[i] = e.EventType
	}
	return out
}

func TestCompensate_ReverseOrder(t *testing.T) {
	rs := newRollbackServer(t, http.StatusOK)
	log := inmem.New().Compensations()
	bus := &memBus{}
	c := New(Options{Log: log, Bus: bus})

	res, err := c.Compensate(context.Background(), Input{
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		Reason:      "node n3 failed",
		Entries: []Entry{
			{NodeID: "n1", NodeType: graph.NodeAgent, CleanupURL: rs.srv.URL + "/cleanup"},
			{NodeID: "n2", NodeType: graph.NodeAPICall, URL: rs.srv.URL + "/orders"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, Result{Attempted: 2, Succeeded: 2}, res)

	// api_call (n2) rolls back before the agent (n1).
	require.Len(t, rs.calls, 2)
	require.Equal(t, http.MethodDelete, rs.calls[0].Method)
	require.Equal(t, "/orders", rs.calls[0].Path)
	require.Equal(t, "compensate", rs.calls[0].Body["action"])
	require.Equal(t, http.MethodPost, rs.calls[1].Method)
	require.Equal(t, "/cleanup", rs.calls[1].Path)
	require.Equal(t, "n1", rs.calls[1].Body["node_id"])

	recs, err := log.ListByExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "n2", recs[0].NodeID)
	require.Equal(t, store.CompensationSuccess, recs[0].Status)

	require.Equal(t, []string{stream.CompensationStarted, stream.CompensationCompleted}, bus.types())
}

func TestCompensate_FailureDoesNotStopOthers(t *testing.T) {
	ok := newRollbackServer(t, http.StatusOK)
	bad := newRollbackServer(t, http.StatusInternalServerError)
	log := inmem.New().Compensations()
	bus := &memBus{}
	c := New(Options{Log: log, Bus: bus})

	res, err := c.Compensate(context.Background(), Input{
		WorkflowID:  "wf-1",
		ExecutionID: "exec-2",
		Entries: []Entry{
			{NodeID: "first", NodeType: graph.NodeAPICall, URL: ok.srv.URL},
			{NodeID: "second", NodeType: graph.NodeAPICall, URL: bad.srv.URL},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempted)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, []string{"second"}, res.Failed)

	recs, err := log.ListByExecution(context.Background(), "exec-2")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, store.CompensationFailed, recs[0].Status)
	require.NotEmpty(t, recs[0].Error)
	require.Equal(t, store.CompensationSuccess, recs[1].Status)

	require.Equal(t, []string{stream.CompensationStarted, stream.CompensationFailed}, bus.types())
}

func TestCompensate_CustomMethodAndNoOps(t *testing.T) {
	rs := newRollbackServer(t, http.StatusOK)
	log := inmem.New().Compensations()
	c := New(Options{Log: log})

	res, err := c.Compensate(context.Background(), Input{
		ExecutionID: "exec-3",
		Entries: []Entry{
			{NodeID: "timer", NodeType: graph.NodeTimer},
			{NodeID: "gate", NodeType: graph.NodeApproval},
			{NodeID: "agent-no-cleanup", NodeType: graph.NodeAgent},
			{NodeID: "call", NodeType: graph.NodeAPICall, URL: rs.srv.URL, Method: http.MethodPost},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 4, res.Succeeded)

	// Only the api_call reached the network, with the configured verb.
	require.Len(t, rs.calls, 1)
	require.Equal(t, http.MethodPost, rs.calls[0].Method)

	recs, err := log.ListByExecution(context.Background(), "exec-3")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	require.Equal(t, "none", recs[1].Data["action"])
	require.Equal(t, "audit_reverted", recs[2].Data["action"])
}
