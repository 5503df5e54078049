// Package compensation rolls back the side effects of completed nodes after
// an execution fails. Handlers run in reverse completion order (saga style);
// each node's rollback is attempted exactly once and its outcome recorded,
// and a failed rollback does not stop the remaining ones.
package compensation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

// Entry describes one completed node eligible for rollback, captured by the
// workflow in completion order.
type Entry struct {
	NodeID   string         `json:"node_id"`
	NodeType graph.NodeType `json:"node_type"`
	// URL is the api_call target; CleanupURL the agent rollback endpoint.
	URL        string `json:"url,omitempty"`
	CleanupURL string `json:"cleanup_url,omitempty"`
	// Method overrides the api_call compensation verb (default DELETE).
	Method string `json:"method,omitempty"`
	// State is the node's captured output, forwarded to rollback endpoints.
	State map[string]any `json:"state,omitempty"`
}

// Input is the coordinator activity argument.
type Input struct {
	WorkflowID  string  `json:"workflow_id"`
	ExecutionID string  `json:"execution_id"`
	Reason      string  `json:"reason"`
	Entries     []Entry `json:"entries"`
}

// Result summarizes a compensation pass.
type Result struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    []string `json:"failed,omitempty"` // node ids
}

// Coordinator executes rollback handlers and records their outcomes.
type Coordinator struct {
	client  *http.Client
	log     store.CompensationLog
	bus     stream.Bus
	timeout time.Duration
}

// Options configures a Coordinator.
type Options struct {
	// Client issues rollback HTTP calls. Defaults to http.DefaultClient.
	Client *http.Client
	// Log persists per-node outcomes. Required.
	Log store.CompensationLog
	// Bus publishes compensation lifecycle events. Optional.
	Bus stream.Bus
	// Timeout bounds each rollback call. Defaults to 30s.
	Timeout time.Duration
}

// New constructs a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		client:  opts.Client,
		log:     opts.Log,
		bus:     opts.Bus,
		timeout: opts.Timeout,
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}
	return c
}

// Compensate rolls back the given entries in reverse order. It never returns
// an error for individual handler failures; those are recorded and counted.
func (c *Coordinator) Compensate(ctx context.Context, in Input) (Result, error) {
	res := Result{}
	c.publish(ctx, in, stream.CompensationStarted, map[string]any{
		"execution_id": in.ExecutionID,
		"reason":       in.Reason,
		"node_count":   len(in.Entries),
	})

	for i := len(in.Entries) - 1; i >= 0; i-- {
		entry := in.Entries[i]
		res.Attempted++
		rec := &store.CompensationRecord{
			ID:          uuid.NewString(),
			WorkflowID:  in.WorkflowID,
			ExecutionID: in.ExecutionID,
			NodeID:      entry.NodeID,
			Status:      store.CompensationPending,
			CreatedAt:   time.Now().UTC(),
		}
		if err := c.log.Create(ctx, rec); err != nil {
			return res, fmt.Errorf("record compensation for node %s: %w", entry.NodeID, err)
		}

		data, err := c.rollback(ctx, entry)
		now := time.Now().UTC()
		if err != nil {
			res.Failed = append(res.Failed, entry.NodeID)
			_ = c.log.Complete(ctx, rec.ID, store.CompensationFailed, data, err.Error(), now)
			continue
		}
		res.Succeeded++
		_ = c.log.Complete(ctx, rec.ID, store.CompensationSuccess, data, "", now)
	}

	eventType := stream.CompensationCompleted
	if len(res.Failed) > 0 {
		eventType = stream.CompensationFailed
	}
	c.publish(ctx, in, eventType, map[string]any{
		"execution_id": in.ExecutionID,
		"attempted":    res.Attempted,
		"succeeded":    res.Succeeded,
		"failed":       res.Failed,
	})
	return res, nil
}

// rollback dispatches on node type. Nodes without side effects are no-ops.
func (c *Coordinator) rollback(ctx context.Context, entry Entry) (map[string]any, error) {
	switch entry.NodeType {
	case graph.NodeAgent:
		if entry.CleanupURL == "" {
			return map[string]any{"action": "none"}, nil
		}
		return c.call(ctx, http.MethodPost, entry.CleanupURL, map[string]any{
			"node_id": entry.NodeID,
			"state":   entry.State,
		})
	case graph.NodeAPICall:
		if entry.URL == "" {
			return map[string]any{"action": "none"}, nil
		}
		method := entry.Method
		if method == "" {
			method = http.MethodDelete
		}
		return c.call(ctx, method, entry.URL, map[string]any{
			"action": "compensate",
			"state":  entry.State,
		})
	case graph.NodeApproval:
		// Approvals have no external side effect to undo; the record that
		// the decision was voided is the rollback.
		return map[string]any{"action": "audit_reverted"}, nil
	default:
		return map[string]any{"action": "none"}, nil
	}
}

func (c *Coordinator) call(ctx context.Context, method, url string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode rollback payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rollback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rollback call %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	data := map[string]any{
		"method":      method,
		"url":         url,
		"status_code": resp.StatusCode,
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("rollback call %s %s returned %d", method, url, resp.StatusCode)
	}
	var parsed any
	if json.Unmarshal(respBody, &parsed) == nil {
		data["response"] = parsed
	}
	return data, nil
}

func (c *Coordinator) publish(ctx context.Context, in Input, eventType string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	env := stream.NewEnvelope(eventType, payload, time.Now().UTC())
	_ = c.bus.Publish(ctx, in.WorkflowID, in.ExecutionID, env)
}
