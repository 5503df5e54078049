// Package mapper converts node outputs between heterogeneous node types. It
// owns two responsibilities: wrapping raw executor results into the
// outputs.NodeOutput tagged union, and extracting from an upstream output the
// input shape the downstream node expects.
//
// Every function here is a pure function of its arguments: no clock reads, no
// I/O. Replaying a recorded execution through the mapper yields byte-identical
// results. Extractors never fail; missing data degrades to a minimum viable
// payload (empty prompt, zero delay).
package mapper

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/outputs"
)

// AgentInput is the extracted input of a downstream agent node.
type AgentInput struct {
	Prompt  string `json:"prompt"`
	Context any    `json:"context,omitempty"`
}

// APIInput is the extracted request-body contribution for an api_call node.
type APIInput struct {
	Body map[string]any `json:"body"`
}

// TimerInput is the extracted wait specification for a timer node.
type TimerInput struct {
	DelaySeconds int `json:"delay_seconds"`
}

// EvalInput is the extracted evaluation target for an eval node.
type EvalInput struct {
	Content  any            `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Map wraps a raw executor result into the tagged union for the given node.
// The timestamp comes from the caller (the interpreter uses workflow time) so
// mapping stays deterministic under replay. Unrecognized raw shapes produce a
// header-only output with the raw value preserved.
func Map(nodeID string, typ graph.NodeType, cfg *graph.Config, ts time.Time, raw any) outputs.NodeOutput {
	out := outputs.NodeOutput{
		NodeID:    nodeID,
		NodeType:  typ,
		Timestamp: ts,
		Status:    outputs.StatusSuccess,
		Raw:       raw,
	}
	switch typ {
	case graph.NodeTrigger:
		input, _ := raw.(map[string]any)
		if input == nil {
			input = map[string]any{}
		}
		triggerType := "manual"
		if cfg != nil && cfg.TriggerType != "" {
			triggerType = cfg.TriggerType
		}
		out.Trigger = &outputs.TriggerOut{Input: input, TriggerType: triggerType}
	case graph.NodeAgent:
		if v, ok := raw.(*outputs.AgentOut); ok {
			out.Agent = v
		}
	case graph.NodeAPICall:
		if v, ok := raw.(*outputs.APIOut); ok {
			out.API = v
		}
	case graph.NodeConditional:
		if v, ok := raw.(*outputs.ConditionOut); ok {
			out.Condition = v
		}
	case graph.NodeEval:
		if v, ok := raw.(*outputs.EvalOut); ok {
			out.Eval = v
		}
	case graph.NodeApproval:
		if v, ok := raw.(*outputs.ApprovalOut); ok {
			out.Approval = v
		}
	case graph.NodeTimer:
		if v, ok := raw.(*outputs.TimerOut); ok {
			out.Timer = v
		}
	case graph.NodeMerge:
		if v, ok := raw.(*outputs.MergeOut); ok {
			out.Merge = v
		}
	case graph.NodeEvent:
		if v, ok := raw.(*outputs.EventOut); ok {
			out.Event = v
		}
	case graph.NodeEnd:
		if v, ok := raw.(*outputs.EndOut); ok {
			out.End = v
		}
	}
	return out
}

type pair struct {
	source graph.NodeType
	target graph.NodeType
}

type extractor func(up *outputs.NodeOutput, cfg *graph.Config) any

// rules is the source×target extraction table. Pairs absent from the table
// fall through to the TextContent heuristic.
var rules = map[pair]extractor{
	{graph.NodeTrigger, graph.NodeAgent}:       triggerToAgent,
	{graph.NodeTrigger, graph.NodeTimer}:       triggerToTimer,
	{graph.NodeTrigger, graph.NodeConditional}: triggerToCondition,
	{graph.NodeTrigger, graph.NodeAPICall}:     triggerToAPI,

	{graph.NodeAgent, graph.NodeAgent}:       agentToAgent,
	{graph.NodeAgent, graph.NodeTimer}:       agentToTimer,
	{graph.NodeAgent, graph.NodeConditional}: agentToCondition,
	{graph.NodeAgent, graph.NodeAPICall}:     agentToAPI,
	{graph.NodeAgent, graph.NodeEval}:        agentToEval,

	{graph.NodeTimer, graph.NodeAgent}: timerToAgent,

	{graph.NodeConditional, graph.NodeAgent}: conditionToAgent,

	{graph.NodeAPICall, graph.NodeAgent}:       apiToAgent,
	{graph.NodeAPICall, graph.NodeConditional}: apiToCondition,
	{graph.NodeAPICall, graph.NodeEval}:        apiToEval,

	{graph.NodeEval, graph.NodeConditional}: evalToCondition,
	{graph.NodeEval, graph.NodeAgent}:       evalToAgent,

	{graph.NodeApproval, graph.NodeConditional}: approvalToCondition,
	{graph.NodeApproval, graph.NodeAgent}:       approvalToAgent,

	{graph.NodeMerge, graph.NodeAgent}:   mergeToAgent,
	{graph.NodeMerge, graph.NodeAPICall}: mergeToAPI,

	{graph.NodeEvent, graph.NodeAgent}: eventToAgent,
}

// Extract converts the upstream output into the input shape the target node
// type expects. Returns one of AgentInput, APIInput, TimerInput, EvalInput, a
// bare bool (conditional targets), or a fallback string/raw value.
func Extract(up *outputs.NodeOutput, target graph.NodeType, cfg *graph.Config) any {
	if up == nil {
		return fallback(nil, target)
	}
	if fn, ok := rules[pair{up.NodeType, target}]; ok {
		return fn(up, cfg)
	}
	return fallback(up, target)
}

func fallback(up *outputs.NodeOutput, target graph.NodeType) any {
	if up == nil {
		switch target {
		case graph.NodeAgent:
			return AgentInput{}
		case graph.NodeAPICall:
			return APIInput{Body: map[string]any{}}
		case graph.NodeTimer:
			return TimerInput{}
		}
		return nil
	}
	text := up.TextContent()
	switch target {
	case graph.NodeAgent:
		return AgentInput{Prompt: text}
	case graph.NodeAPICall:
		return APIInput{Body: map[string]any{"content": text}}
	case graph.NodeTimer:
		return TimerInput{}
	case graph.NodeConditional:
		return text != ""
	case graph.NodeEval:
		return EvalInput{Content: up.Raw}
	}
	if text != "" {
		return text
	}
	return up.Raw
}

func triggerToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{Prompt: up.TextContent(), Context: up.Trigger.Input}
}

func triggerToTimer(up *outputs.NodeOutput, _ *graph.Config) any {
	if v, ok := up.Trigger.Input["delay_seconds"]; ok {
		if secs, ok := asInt(v); ok {
			return TimerInput{DelaySeconds: secs}
		}
	}
	return TimerInput{}
}

func triggerToCondition(up *outputs.NodeOutput, _ *graph.Config) any {
	return up.Trigger.Input
}

func triggerToAPI(up *outputs.NodeOutput, _ *graph.Config) any {
	return APIInput{Body: map[string]any{"body": up.Trigger.Input}}
}

func agentToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{
		Prompt: up.Agent.Output,
		Context: map[string]any{
			"previous_agent_output": up.Agent.Output,
			"cost_so_far":           up.Agent.Cost,
		},
	}
}

var templatePattern = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// ResolveTemplate substitutes {{path.to.value}} placeholders with values
// looked up by dotted path in data. String values are inserted verbatim,
// anything else as canonical JSON. Placeholders that resolve to nothing are
// left in place so the gap stays visible downstream.
func ResolveTemplate(s string, data map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		path := templatePattern.FindStringSubmatch(m)[1]
		v, ok := lookupPath(data, strings.Split(path, "."))
		if !ok {
			return m
		}
		if str, isStr := v.(string); isStr {
			return str
		}
		return outputs.CanonicalJSON(v)
	})
}

func lookupPath(data map[string]any, parts []string) (any, bool) {
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

var (
	isoPattern   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)
	delayPattern = regexp.MustCompile(`(?i)(\d+)\s*(second|minute|hour|day)s?`)
)

var delayUnits = map[string]int{"second": 1, "minute": 60, "hour": 3600, "day": 86400}

// ParseDelay extracts a wait duration in seconds from free text. It accepts
// an ISO timestamp (delay relative to ref) or a "<n> <unit>" phrase; anything
// else yields zero.
func ParseDelay(text string, ref time.Time) int {
	if m := isoPattern.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02T15:04:05", m); err == nil {
			delay := int(t.Sub(ref).Seconds())
			if delay > 0 {
				return delay
			}
			return 0
		}
	}
	if m := delayPattern.FindStringSubmatch(text); m != nil {
		amount, err := strconv.Atoi(m[1])
		if err != nil {
			return 0
		}
		unit := strings.ToLower(m[2])
		return amount * delayUnits[unit]
	}
	return 0
}

func agentToTimer(up *outputs.NodeOutput, _ *graph.Config) any {
	// The relative reference for ISO timestamps is the output's own
	// timestamp, keeping extraction replay-deterministic.
	return TimerInput{DelaySeconds: ParseDelay(up.Agent.Output, up.Timestamp)}
}

var (
	affirmative = []string{"yes", "true", "correct", "affirmative", "approve", "accept"}
	negative    = []string{"no", "false", "incorrect", "negative", "reject", "deny"}
)

func agentToCondition(up *outputs.NodeOutput, _ *graph.Config) any {
	text := strings.ToLower(up.Agent.Output)
	for _, w := range affirmative {
		if strings.Contains(text, w) {
			return true
		}
	}
	for _, w := range negative {
		if strings.Contains(text, w) {
			return false
		}
	}
	var parsed any
	if err := json.Unmarshal([]byte(up.Agent.Output), &parsed); err == nil {
		switch v := parsed.(type) {
		case bool:
			return v
		case map[string]any:
			if r, ok := v["result"].(bool); ok {
				return r
			}
		}
	}
	return strings.TrimSpace(up.Agent.Output) != ""
}

func agentToAPI(up *outputs.NodeOutput, _ *graph.Config) any {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(up.Agent.Output), &parsed); err == nil {
		return APIInput{Body: parsed}
	}
	return APIInput{Body: map[string]any{"content": up.Agent.Output}}
}

func agentToEval(up *outputs.NodeOutput, _ *graph.Config) any {
	return EvalInput{
		Content: up.Agent.Output,
		Metadata: map[string]any{
			"model": up.Agent.Model,
			"cost":  up.Agent.Cost,
		},
	}
}

func timerToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{Prompt: up.TextContent()}
}

func conditionToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{
		Prompt:  "Condition evaluated to: " + up.Condition.Branch,
		Context: map[string]any{"condition_result": up.Condition.Matched},
	}
}

func apiToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{
		Prompt: "API response (status " + strconv.Itoa(up.API.StatusCode) + "): " + up.TextContent(),
		Context: map[string]any{
			"api_response": up.API.Body,
			"status_code":  up.API.StatusCode,
		},
	}
}

func apiToCondition(up *outputs.NodeOutput, _ *graph.Config) any {
	return up.API.IsSuccess()
}

func apiToEval(up *outputs.NodeOutput, _ *graph.Config) any {
	return EvalInput{
		Content: up.API.Body,
		Metadata: map[string]any{
			"status_code":      up.API.StatusCode,
			"response_time_ms": up.API.ResponseTimeMS,
			"url":              up.API.URL,
		},
	}
}

func evalToCondition(up *outputs.NodeOutput, _ *graph.Config) any {
	return up.Eval.Passed
}

func evalToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	verdict := "Failed"
	if up.Eval.Passed {
		verdict = "Passed"
	}
	return AgentInput{
		Prompt: "Evaluation result: " + verdict + ". Score: " +
			strconv.FormatFloat(up.Eval.Score, 'g', -1, 64) + ". Feedback: " + up.Eval.Feedback,
		Context: map[string]any{"eval_passed": up.Eval.Passed, "eval_score": up.Eval.Score},
	}
}

func approvalToCondition(up *outputs.NodeOutput, _ *graph.Config) any {
	return up.Approval.Approved
}

func approvalToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{
		Prompt:  "Request was " + up.TextContent(),
		Context: map[string]any{"approved": up.Approval.Approved},
	}
}

func mergeToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{
		Prompt: "Merged data from " + strconv.Itoa(len(up.Merge.Sources)) + " sources: " +
			outputs.CanonicalJSON(up.Merge.Merged),
		Context: map[string]any{"merged_data": up.Merge.Merged},
	}
}

func mergeToAPI(up *outputs.NodeOutput, _ *graph.Config) any {
	if body, ok := up.Merge.Merged.(map[string]any); ok {
		return APIInput{Body: body}
	}
	return APIInput{Body: map[string]any{"merged": up.Merge.Merged}}
}

func eventToAgent(up *outputs.NodeOutput, _ *graph.Config) any {
	return AgentInput{
		Prompt:  "Event '" + up.Event.EventName + "' published with data: " + outputs.CanonicalJSON(up.Event.Payload),
		Context: map[string]any{"event_data": up.Event.Payload},
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
