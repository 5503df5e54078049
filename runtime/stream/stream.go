// Package stream defines the event fabric contract: the envelope every
// engine event travels in, the event-type vocabulary, and the Bus interface
// implemented by features/stream/redis. Publishing is fire-and-forget from
// the engine's point of view; a broken fabric must never fail an execution.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted by the engine. UI clients and audit consumers switch
// on these strings.
const (
	WorkflowStarted   = "workflow.started"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowCanceled  = "workflow.canceled"
	WorkflowPaused    = "workflow.paused"
	WorkflowResumed   = "workflow.resumed"

	NodeStarted   = "node.started"
	NodeCompleted = "node.completed"
	NodeFailed    = "node.failed"
	NodeWarning   = "node.warning"

	ApprovalRequested = "approval.requested"
	ApprovalResponded = "approval.responded"
	ApprovalResolved  = "approval.resolved"

	EvalCompleted = "eval.completed"
	EvalWarning   = "eval.warning"

	TimerStarted   = "timer.started"
	TimerCompleted = "timer.completed"

	MergeCompleted = "merge.completed"

	AgentRerouted = "agent.rerouted"

	CompensationStarted   = "compensation.started"
	CompensationCompleted = "compensation.completed"
	CompensationFailed    = "compensation.failed"
)

// Envelope is the wire form of an event. Data is a JSON-encoded string
// rather than a nested object so consumers in any language can relay the
// payload without re-marshaling it.
type Envelope struct {
	EventType string `json:"event_type"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

// NewEnvelope builds an envelope, JSON-encoding the payload. Encoding
// failures degrade to an empty object rather than dropping the event.
func NewEnvelope(eventType string, payload map[string]any, at time.Time) Envelope {
	data := "{}"
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = string(b)
		}
	}
	return Envelope{
		EventType: eventType,
		Data:      data,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// Payload decodes the envelope data back into a map.
func (e Envelope) Payload() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(e.Data), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Bus publishes events to live subscribers and appends them to bounded
// replay streams keyed by workflow and execution.
type Bus interface {
	// Publish fans the event out to the workflow and execution channels and
	// appends it to both replay streams.
	Publish(ctx context.Context, workflowID, executionID string, env Envelope) error
	// Subscribe delivers events for the given channel ("workflow:<id>" or
	// "execution:<id>") until the context is canceled. The returned channel
	// is closed when the subscription ends.
	Subscribe(ctx context.Context, channel string) (<-chan Envelope, error)
	// Replay returns buffered events for the channel starting after the
	// given cursor; an empty cursor replays from the beginning. The second
	// result is the cursor to resume from.
	Replay(ctx context.Context, channel string, cursor string, limit int) ([]Envelope, string, error)
}
