package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/loomworks/loom/runtime/model"
	"github.com/loomworks/loom/runtime/outputs"
)

// Temperature bands used by auto-tuning. A weak previous eval pushes the
// agent toward exploration; a strong one toward determinism.
const (
	tempLow    = 0.3
	tempMedium = 0.7
	tempHigh   = 1.0
)

// AgentRequest is the agent executor input.
type AgentRequest struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	Provider           string   `json:"provider"`
	AgentID            string   `json:"agent_id"`
	SystemInstructions string   `json:"system_instructions,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	EnableAutoTuning   bool     `json:"enable_auto_tuning,omitempty"`
	// PrevEvalScore is the most recent eval score seen by the interpreter,
	// feeding temperature auto-tuning.
	PrevEvalScore *float64 `json:"prev_eval_score,omitempty"`

	Prompt  string `json:"prompt"`
	Context any    `json:"context,omitempty"`
}

// ExecuteAgent invokes the configured model and folds the outcome into the
// agent's reliability score. Provider errors are retryable; the score records
// the failure either way.
func (a *Activities) ExecuteAgent(ctx context.Context, req AgentRequest) (*outputs.AgentOut, error) {
	provider := req.Provider
	if provider == "" {
		provider = "openai"
	}
	temp := tuneTemperature(req)

	start := time.Now()
	resp, err := a.provider.Complete(ctx, model.Request{
		Model:       req.AgentID,
		System:      req.SystemInstructions,
		Prompt:      req.Prompt,
		Temperature: temp,
	})
	latencyMS := float64(time.Since(start).Milliseconds())

	if err != nil {
		a.recordScore(ctx, provider, req.AgentID, false, latencyMS, 0)
		return nil, err
	}

	cost := model.Cost(resp.Model, resp.Usage)
	a.recordScore(ctx, provider, req.AgentID, true, latencyMS, cost)

	out := &outputs.AgentOut{
		Output: resp.Output,
		Model:  resp.Model,
		Cost:   cost,
		Usage: map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
	if temp != nil {
		out.Temperature = *temp
	}
	return out, nil
}

// tuneTemperature picks the effective temperature. An explicit configuration
// always wins; auto-tuning applies only when enabled and a previous eval
// score exists.
func tuneTemperature(req AgentRequest) *float64 {
	if req.Temperature != nil {
		return req.Temperature
	}
	if !req.EnableAutoTuning || req.PrevEvalScore == nil {
		return nil
	}
	var t float64
	switch score := *req.PrevEvalScore; {
	case score < 0.5:
		t = tempHigh
	case score > 0.9:
		t = tempLow
	default:
		t = tempMedium
	}
	return &t
}

func (a *Activities) recordScore(ctx context.Context, provider, agentID string, success bool, latencyMS, cost float64) {
	if a.healing == nil {
		return
	}
	if _, err := a.healing.Record(ctx, provider, agentID, success, latencyMS, cost); err != nil {
		activity.GetLogger(ctx).Warn("agent score update failed",
			"provider", provider, "agent_id", agentID, "error", err)
	}
}
