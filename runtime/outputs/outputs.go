// Package outputs models the normalized output of every node type as a
// tagged union. Executors return type-specific payloads; the mapper wraps
// them in a NodeOutput so heterogeneous nodes can be chained safely. Exactly
// one variant pointer is set per value; the TextContent projection gives
// downstream nodes a uniform textual view.
package outputs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/graph"
)

// Status classifies the outcome of a single node execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// NodeOutput is the common header plus exactly one type-specific variant.
// Raw preserves the executor's unmodified result for audit and fallback
// extraction.
type NodeOutput struct {
	NodeID    string         `json:"node_id"`
	NodeType  graph.NodeType `json:"node_type"`
	Timestamp time.Time      `json:"timestamp"`
	Status    Status         `json:"status"`
	Raw       any            `json:"raw,omitempty"`
	Error     string         `json:"error,omitempty"`

	Trigger   *TriggerOut   `json:"trigger,omitempty"`
	Agent     *AgentOut     `json:"agent,omitempty"`
	API       *APIOut       `json:"api,omitempty"`
	Condition *ConditionOut `json:"condition,omitempty"`
	Eval      *EvalOut      `json:"eval,omitempty"`
	Approval  *ApprovalOut  `json:"approval,omitempty"`
	Timer     *TimerOut     `json:"timer,omitempty"`
	Merge     *MergeOut     `json:"merge,omitempty"`
	Event     *EventOut     `json:"event,omitempty"`
	End       *EndOut       `json:"end,omitempty"`
}

// TriggerOut carries the workflow input into the graph.
type TriggerOut struct {
	Input       map[string]any `json:"input"`
	TriggerType string         `json:"trigger_type"`
}

// AgentOut is the result of an agent invocation.
type AgentOut struct {
	Output      string         `json:"output"`
	Model       string         `json:"model"`
	Cost        float64        `json:"cost"`
	Temperature float64        `json:"temperature_used"`
	Usage       map[string]int `json:"usage,omitempty"`
}

// APIOut is the result of an HTTP call.
type APIOut struct {
	StatusCode     int               `json:"status_code"`
	Body           any               `json:"body"`
	Headers        map[string]string `json:"headers,omitempty"`
	ResponseTimeMS float64           `json:"response_time_ms"`
	URL            string            `json:"url"`
}

// IsSuccess reports whether the call returned a 2xx status.
func (a *APIOut) IsSuccess() bool {
	return a.StatusCode >= 200 && a.StatusCode < 300
}

// ConditionOut records a branching decision.
type ConditionOut struct {
	Matched    bool           `json:"matched"`
	Branch     string         `json:"branch"` // "true" or "false"
	Evaluation map[string]any `json:"evaluation,omitempty"`
}

// EvalOut is the result of a quality gate.
type EvalOut struct {
	Passed    bool           `json:"passed"`
	Score     float64        `json:"score"`
	Feedback  string         `json:"feedback"`
	Criteria  map[string]any `json:"criteria,omitempty"`
	OnFailure string         `json:"on_failure,omitempty"`
}

// ApprovalOut records a resolved human decision.
type ApprovalOut struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver,omitempty"`
	Comments string `json:"comments,omitempty"`
}

// TimerOut records a completed wait.
type TimerOut struct {
	WaitedSeconds int       `json:"waited_seconds"`
	CompletedAt   time.Time `json:"completed_at"`
}

// MergeOut is the result of combining upstream branches.
type MergeOut struct {
	Merged   any      `json:"merged"`
	Sources  []string `json:"sources"`
	Strategy string   `json:"strategy"`
}

// EventOut records a publication onto a named channel.
type EventOut struct {
	EventName string `json:"event_name"`
	Payload   any    `json:"payload,omitempty"`
}

// EndOut is the terminal marker output.
type EndOut struct {
	Captured any `json:"captured,omitempty"`
}

// TextContent projects the output to a human-readable string for downstream
// nodes that consume text (agent prompts, fallback extraction). It never
// fails; unknown shapes are stringified.
func (o *NodeOutput) TextContent() string {
	switch {
	case o.Trigger != nil:
		return triggerText(o.Trigger.Input)
	case o.Agent != nil:
		return o.Agent.Output
	case o.API != nil:
		return stringify(o.API.Body)
	case o.Condition != nil:
		return fmt.Sprintf("Condition evaluated to %s", o.Condition.Branch)
	case o.Eval != nil:
		return fmt.Sprintf("Score: %.2f - %s", o.Eval.Score, o.Eval.Feedback)
	case o.Approval != nil:
		if o.Approval.Approved {
			return approvalText("Approved", o.Approval.Approver)
		}
		return approvalText("Rejected", o.Approval.Approver)
	case o.Timer != nil:
		return fmt.Sprintf("Waited %d seconds", o.Timer.WaitedSeconds)
	case o.Merge != nil:
		return fmt.Sprintf("Merged %d sources", len(o.Merge.Sources))
	case o.Event != nil:
		return fmt.Sprintf("Event %q published", o.Event.EventName)
	case o.End != nil:
		if o.End.Captured != nil {
			return stringify(o.End.Captured)
		}
		return "Workflow completed"
	}
	return rawText(o.Raw)
}

// triggerText picks the most prompt-like field out of the workflow input.
func triggerText(input map[string]any) string {
	for _, field := range []string{"prompt", "input_text", "text", "message", "query", "content"} {
		if v, ok := input[field]; ok {
			return stringify(v)
		}
	}
	if len(input) == 1 {
		for _, v := range input {
			return stringify(v)
		}
	}
	return stringify(input)
}

func approvalText(status, approver string) string {
	if approver == "" {
		return status
	}
	return fmt.Sprintf("%s by %s", status, approver)
}

// rawText extracts text from an arbitrary raw payload, trying common field
// names before stringifying the whole value.
func rawText(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		for _, field := range []string{"output", "text", "content", "message", "result"} {
			if inner, ok := v[field]; ok {
				return stringify(inner)
			}
		}
		return stringify(v)
	default:
		return stringify(v)
	}
}

// stringify renders a value as a string. Maps and slices are rendered as
// canonical JSON (sorted keys) so the projection is deterministic.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// CanonicalJSON serializes a value to JSON. encoding/json orders map keys,
// so equal values yield byte-identical strings; merge voting and replay
// comparisons rely on this.
func CanonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// AsMap converts the output to a generic map for expression evaluation.
// The conversion goes through JSON so the shape matches what conditions see
// in stored history.
func (o *NodeOutput) AsMap() map[string]any {
	b, err := json.Marshal(o)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
