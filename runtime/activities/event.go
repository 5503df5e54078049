package activities

import (
	"context"

	"github.com/loomworks/loom/runtime/outputs"
)

// EventRequest is the event executor input. Payload is the previous node's
// output, forwarded onto the user channel.
type EventRequest struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	Channel   string `json:"channel"`
	Operation string `json:"operation"` // publish|subscribe
	Payload   any    `json:"payload,omitempty"`
}

// ExecuteEvent publishes the previous output onto the named user channel.
// Subscribe is recorded but performs no work; consumers attach to channels
// through the fabric directly, not through the interpreter.
func (a *Activities) ExecuteEvent(ctx context.Context, req EventRequest) (*outputs.EventOut, error) {
	if req.Operation == "subscribe" {
		return &outputs.EventOut{EventName: req.Channel}, nil
	}
	a.publish(ctx, EventPublication{
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		EventType:   req.Channel,
		Payload: map[string]any{
			"workflow_id":  req.WorkflowID,
			"execution_id": req.ExecutionID,
			"node_id":      req.NodeID,
			"payload":      req.Payload,
		},
	})
	return &outputs.EventOut{EventName: req.Channel, Payload: req.Payload}, nil
}
