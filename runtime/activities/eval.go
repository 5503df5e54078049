package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/model"
	"github.com/loomworks/loom/runtime/outputs"
	"github.com/loomworks/loom/runtime/stream"
)

// judgeModel scores content in llm_judge evaluations.
const judgeModel = "gpt-4o-mini"

// defaultJudgeThreshold is the passing score when the node does not set one.
const defaultJudgeThreshold = 0.8

// EvalRequest is the eval executor input. Content is the mapper-extracted
// evaluation target; Metadata carries cost/confidence context for policy
// rules.
type EvalRequest struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	EvalType string           `json:"eval_type"`
	Config   graph.EvalConfig `json:"config"`
	Content  any              `json:"content"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// ExecuteEval runs the configured quality gate and emits eval.completed.
// A failed gate is a result, not an error; the interpreter dispatches on
// on_failure.
func (a *Activities) ExecuteEval(ctx context.Context, req EvalRequest) (*outputs.EvalOut, error) {
	var out *outputs.EvalOut
	switch req.EvalType {
	case "schema":
		out = a.evalSchema(req)
	case "llm_judge":
		out = a.evalJudge(ctx, req)
	case "policy":
		out = a.evalPolicy(req)
	case "custom":
		out = &outputs.EvalOut{Passed: true, Score: 1.0, Feedback: "custom evaluation not configured"}
	default:
		out = &outputs.EvalOut{Passed: false, Score: 0, Feedback: fmt.Sprintf("unknown eval type %q", req.EvalType)}
	}

	a.publish(ctx, EventPublication{
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		EventType:   stream.EvalCompleted,
		Payload: map[string]any{
			"node_id":  req.NodeID,
			"passed":   out.Passed,
			"score":    out.Score,
			"feedback": out.Feedback,
		},
	})
	return out, nil
}

// evalSchema validates the content against the node's JSON schema. Schema
// compilation errors fail the gate rather than the activity; a bad schema is
// a configuration problem no retry will fix.
func (a *Activities) evalSchema(req EvalRequest) *outputs.EvalOut {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", req.Config.SchemaDef); err != nil {
		return &outputs.EvalOut{Passed: false, Score: 0, Feedback: fmt.Sprintf("invalid schema: %v", err)}
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return &outputs.EvalOut{Passed: false, Score: 0, Feedback: fmt.Sprintf("compile schema: %v", err)}
	}
	if err := schema.Validate(jsonInstance(req.Content)); err != nil {
		return &outputs.EvalOut{
			Passed:   false,
			Score:    0,
			Feedback: fmt.Sprintf("schema validation failed: %v", err),
			Criteria: map[string]any{"error": err.Error()},
		}
	}
	return &outputs.EvalOut{Passed: true, Score: 1.0, Feedback: "schema validation passed"}
}

// jsonInstance normalizes the content to decoded-JSON shapes the validator
// understands. Strings holding JSON documents are decoded first.
func jsonInstance(content any) any {
	if s, ok := content.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed
		}
		return s
	}
	b, err := json.Marshal(content)
	if err != nil {
		return content
	}
	var normalized any
	if err := json.Unmarshal(b, &normalized); err != nil {
		return content
	}
	return normalized
}

// evalJudge asks the judge model to score the content and applies the
// configured threshold. Judge failures fail the gate with the error as
// feedback.
func (a *Activities) evalJudge(ctx context.Context, req EvalRequest) *outputs.EvalOut {
	threshold := req.Config.ConfidenceThreshold
	if threshold == 0 {
		threshold = defaultJudgeThreshold
	}
	resp, err := a.provider.Complete(ctx, model.Request{
		Model: judgeModel,
		System: "You are an evaluator. Respond with a JSON object containing " +
			"'score' (0.0-1.0), 'passed' (boolean), and 'reason' (string).",
		Prompt:   req.Config.JudgePrompt + "\n\nData to evaluate:\n" + outputs.CanonicalJSON(req.Content),
		JSONMode: true,
	})
	if err != nil {
		return &outputs.EvalOut{Passed: false, Score: 0, Feedback: fmt.Sprintf("llm judge failed: %v", err)}
	}
	var verdict struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(resp.Output), &verdict); err != nil {
		return &outputs.EvalOut{Passed: false, Score: 0, Feedback: fmt.Sprintf("llm judge returned malformed verdict: %v", err)}
	}
	feedback := verdict.Reason
	if feedback == "" {
		feedback = "llm evaluation completed"
	}
	return &outputs.EvalOut{
		Passed:   verdict.Score >= threshold,
		Score:    verdict.Score,
		Feedback: feedback,
		Criteria: map[string]any{"threshold": threshold, "model": judgeModel},
	}
}

// evalPolicy checks the content and metadata against the node's policy rules.
func (a *Activities) evalPolicy(req EvalRequest) *outputs.EvalOut {
	var failed []string
	for _, rule := range req.Config.PolicyRules {
		switch rule.Type {
		case "cost_limit":
			cost := metaFloat(req.Metadata, "cost")
			if cost > rule.MaxCost {
				failed = append(failed, fmt.Sprintf("cost $%g exceeds limit $%g", cost, rule.MaxCost))
			}
		case "confidence_threshold":
			confidence := metaFloat(req.Metadata, "confidence")
			if confidence < rule.MinConfidence {
				failed = append(failed, fmt.Sprintf("confidence %g below threshold %g", confidence, rule.MinConfidence))
			}
		case "pii_detection":
			content := strings.ToLower(outputs.CanonicalJSON(req.Content))
			for _, pattern := range []string{"ssn", "credit card", "password"} {
				if strings.Contains(content, pattern) {
					failed = append(failed, "potential PII detected")
					break
				}
			}
		}
	}
	if len(failed) > 0 {
		return &outputs.EvalOut{
			Passed:   false,
			Score:    0,
			Feedback: "failed: " + strings.Join(failed, ", "),
			Criteria: map[string]any{"failed_rules": failed},
		}
	}
	return &outputs.EvalOut{Passed: true, Score: 1.0, Feedback: "all policies passed"}
}

func metaFloat(meta map[string]any, key string) float64 {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
