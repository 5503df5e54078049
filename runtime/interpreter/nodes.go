package interpreter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/activities"
	"github.com/loomworks/loom/runtime/approvals"
	"github.com/loomworks/loom/runtime/mapper"
	"github.com/loomworks/loom/runtime/outputs"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

// Per-type activity budgets.
const (
	agentTimeout    = 10 * time.Minute
	apiCallTimeout  = 2 * time.Minute
	evalTimeout     = 2 * time.Minute
	approvalTimeout = 60 * time.Second
	mergeTimeout    = 60 * time.Second
	eventTimeout    = 30 * time.Second
	healingTimeout  = 10 * time.Second

	// evalRetryAttempts bounds interpreter-driven re-runs of an eval node
	// whose gate failed with on_failure=retry.
	evalRetryAttempts = 3
)

// mapNode wraps a raw executor result for the node at the given time.
func mapNode(node *graph.Node, ts time.Time, raw any) *outputs.NodeOutput {
	out := mapper.Map(node.ID, node.Type, &node.Config, ts, raw)
	return &out
}

// executeNode dispatches the node to its executor and returns the mapped
// output.
func (r *run) executeNode(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	now := workflow.Now(ctx).UTC()
	switch node.Type {
	case graph.NodeTrigger:
		input := r.in.Input
		if input == nil {
			input = map[string]any{}
		}
		return mapNode(node, now, input), nil
	case graph.NodeAgent:
		return r.runAgent(ctx, node)
	case graph.NodeAPICall:
		return r.runAPICall(ctx, node)
	case graph.NodeApproval:
		return r.runApproval(ctx, node)
	case graph.NodeConditional:
		return r.runConditional(ctx, node)
	case graph.NodeEval:
		return r.runEval(ctx, node)
	case graph.NodeMerge:
		return r.runMerge(ctx, node)
	case graph.NodeTimer:
		return r.runTimer(ctx, node)
	case graph.NodeEvent:
		return r.runEvent(ctx, node)
	default:
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("unknown node type %q", node.Type), "ConfigError", nil)
	}
}

// runAgent invokes the agent with self-healing: a proactively rerouted or
// failing agent is replaced by the healthiest configured alternate, at most
// once per node execution.
func (r *run) runAgent(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	cfg := &node.Config
	in, _ := mapper.Extract(r.prev, graph.NodeAgent, cfg).(mapper.AgentInput)

	// {{path.to.value}} templates in the instructions and prompt resolve
	// against the workflow input, prior node outputs, and the upstream
	// output.
	tmpl := map[string]any{"input": r.in.Input, "nodes": r.nodesContext()}
	if r.prev != nil {
		tmpl["output"] = conditionOutput(r.prev)
	}

	req := activities.AgentRequest{
		WorkflowID:         r.in.WorkflowID,
		ExecutionID:        r.executionID,
		NodeID:             node.ID,
		Provider:           cfg.Provider,
		AgentID:            cfg.AgentID,
		SystemInstructions: mapper.ResolveTemplate(cfg.SystemInstructions, tmpl),
		Temperature:        cfg.Temperature,
		EnableAutoTuning:   cfg.EnableAutoTuning,
		PrevEvalScore:      r.lastEvalScore,
		Prompt:             mapper.ResolveTemplate(in.Prompt, tmpl),
		Context:            in.Context,
	}

	hctx := withOptions(ctx, healingTimeout, 2)
	if len(cfg.AlternateAgentIDs) > 0 {
		var reroute bool
		err := workflow.ExecuteActivity(hctx, acts.ShouldReroute, activities.RerouteQuery{
			Provider: req.Provider, AgentID: req.AgentID,
		}).Get(ctx, &reroute)
		if err == nil && reroute {
			if alt := r.alternateAgent(ctx, cfg, req.AgentID); alt != "" {
				r.rerouted(ctx, node.ID, req.AgentID, alt, "unreliable agent")
				req.AgentID = alt
				r.lastFallback = true
			}
		}
	}

	actx := withOptions(ctx, agentTimeout, 3)
	var out outputs.AgentOut
	err := workflow.ExecuteActivity(actx, acts.ExecuteAgent, req).Get(ctx, &out)
	if err != nil && !r.lastFallback && len(cfg.AlternateAgentIDs) > 0 {
		if alt := r.alternateAgent(ctx, cfg, req.AgentID); alt != "" {
			r.rerouted(ctx, node.ID, req.AgentID, alt, err.Error())
			req.AgentID = alt
			r.lastFallback = true
			err = workflow.ExecuteActivity(actx, acts.ExecuteAgent, req).Get(ctx, &out)
		}
	}
	if err != nil {
		return nil, err
	}
	return mapNode(node, workflow.Now(ctx).UTC(), &out), nil
}

func (r *run) alternateAgent(ctx workflow.Context, cfg *graph.Config, failing string) string {
	hctx := withOptions(ctx, healingTimeout, 2)
	var alt string
	err := workflow.ExecuteActivity(hctx, acts.AlternateAgent, activities.AlternateQuery{
		Provider:       cfg.Provider,
		FailingAgentID: failing,
		Candidates:     cfg.AlternateAgentIDs,
	}).Get(ctx, &alt)
	if err != nil {
		workflow.GetLogger(ctx).Warn("alternate agent lookup failed", "error", err)
		return ""
	}
	return alt
}

func (r *run) rerouted(ctx workflow.Context, nodeID, from, to, reason string) {
	r.emit(ctx, stream.AgentRerouted, nodeID, map[string]any{
		"node_id": nodeID, "from_agent": from, "to_agent": to, "reason": reason,
	})
}

func (r *run) runAPICall(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	cfg := &node.Config
	mapped, _ := mapper.Extract(r.prev, graph.NodeAPICall, cfg).(mapper.APIInput)

	actx := withOptions(ctx, apiCallTimeout, 3)
	var out outputs.APIOut
	err := workflow.ExecuteActivity(actx, acts.ExecuteAPICall, activities.APIRequest{
		WorkflowID:  r.in.WorkflowID,
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		URL:         cfg.URL,
		Method:      cfg.Method,
		Headers:     cfg.Headers,
		Body:        cfg.Body,
		MappedBody:  mapped.Body,
		Upstream:    r.prev,
	}).Get(ctx, &out)
	if err != nil {
		return nil, err
	}
	return mapNode(node, workflow.Now(ctx).UTC(), &out), nil
}

// runApproval dispatches the request then suspends until the approval
// signals resolve the slot or the configured deadline passes.
func (r *run) runApproval(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	cfg := &node.Config
	id := approvals.ID(r.executionID, node.ID)

	context := ""
	if r.prev != nil {
		context = r.prev.TextContent()
	}
	actx := withOptions(ctx, approvalTimeout, 1)
	err := workflow.ExecuteActivity(actx, acts.DispatchApproval, activities.ApprovalDispatch{
		WorkflowID:   r.in.WorkflowID,
		ExecutionID:  r.executionID,
		NodeID:       node.ID,
		Title:        node.Label,
		Description:  cfg.Description,
		Approvers:    cfg.Approvers,
		Channels:     cfg.Channels,
		ApprovalType: cfg.ApprovalType,
		Context:      context,
	}).Get(ctx, nil)
	if err != nil {
		return nil, err
	}

	slot := pendingSlot(id, r.executionID, node.ID, cfg)
	var deadline time.Time
	if cfg.TimeoutHours > 0 {
		deadline = workflow.Now(ctx).Add(time.Duration(cfg.TimeoutHours * float64(time.Hour)))
	}

	var decision approvals.Decision
	for !decision.Resolved {
		pending := func() bool { return len(r.approvalSignals) > 0 || r.canceled }
		if deadline.IsZero() {
			if err := workflow.Await(ctx, pending); err != nil {
				return nil, err
			}
		} else {
			remaining := deadline.Sub(workflow.Now(ctx))
			ok, err := workflow.AwaitWithTimeout(ctx, remaining, pending)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, temporal.NewNonRetryableApplicationError(
					fmt.Sprintf("approval timeout after %g hours", cfg.TimeoutHours),
					"ApprovalTimeout", nil)
			}
		}
		if r.canceled {
			return nil, errCanceled
		}
		for len(r.approvalSignals) > 0 && !decision.Resolved {
			sig := r.approvalSignals[0]
			r.approvalSignals = r.approvalSignals[1:]
			if !sig.Addressed(id, node.ID) {
				continue
			}
			action, ok := approvals.NormalizeAction(sig.Action)
			if !ok && len(sig.Responses) == 0 {
				workflow.GetLogger(ctx).Warn("ignoring approval signal with unknown action",
					"approval_id", id, "action", sig.Action)
				continue
			}
			if ok {
				sig.Action = action
			}
			r.emit(ctx, stream.ApprovalResponded, node.ID, map[string]any{
				"approval_id": id, "approver": sig.Approver, "action": sig.Action,
			})
			decision = approvals.Apply(slot, sig, workflow.Now(ctx).UTC())
		}
	}

	rctx := withOptions(ctx, approvalTimeout, 2)
	err = workflow.ExecuteActivity(rctx, acts.ResolveApproval, activities.ApprovalResolution{
		WorkflowID:  r.in.WorkflowID,
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		ApprovalID:  id,
		Approved:    decision.Approved,
		Approver:    decision.Approver,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("approval resolution persist failed", "approval_id", id, "error", err)
	}

	raw := &outputs.ApprovalOut{
		Approved: decision.Approved,
		Approver: decision.Approver,
		Comments: strings.Join(decision.Comments, "; "),
	}
	return mapNode(node, workflow.Now(ctx).UTC(), raw), nil
}

// pendingSlot is the in-memory slot the workflow folds approval signals
// into; the persisted copy lives with the approval store.
func pendingSlot(id, executionID, nodeID string, cfg *graph.Config) *store.ApprovalSlot {
	return &store.ApprovalSlot{
		ID:             id,
		ExecutionID:    executionID,
		NodeID:         nodeID,
		Status:         store.ApprovalPending,
		ApprovalType:   cfg.ApprovalType,
		TotalApprovers: len(cfg.Approvers),
	}
}

// conditionOutput is the `output` variable seen by condition expressions: the
// mapped envelope plus, when an agent's reply is a JSON object, its parsed
// fields promoted to the top level so expressions can address them directly.
// Envelope keys win on collision.
func conditionOutput(out *outputs.NodeOutput) map[string]any {
	m := out.AsMap()
	if out.Agent == nil {
		return m
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(out.Agent.Output), &parsed); err != nil {
		return m
	}
	for k, v := range parsed {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// runConditional evaluates the branch expression in workflow code; the
// evaluator is pure so no activity is needed.
func (r *run) runConditional(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	var output any
	if r.prev != nil {
		output = conditionOutput(r.prev)
	}
	matched, err := r.eval.Evaluate(node.Config.ConditionExpression, output, r.nodesContext(), r.in.Input)
	evaluation := map[string]any{"expression": node.Config.ConditionExpression}
	if err != nil {
		// A broken expression routes to the false branch rather than
		// failing the execution.
		workflow.GetLogger(ctx).Warn("condition evaluation failed",
			"node_id", node.ID, "error", err)
		evaluation["error"] = err.Error()
		matched = false
	}
	branch := graph.HandleFalse
	if matched {
		branch = graph.HandleTrue
	}
	raw := &outputs.ConditionOut{Matched: matched, Branch: branch, Evaluation: evaluation}
	return mapNode(node, workflow.Now(ctx).UTC(), raw), nil
}

// runEval runs the quality gate and dispatches on on_failure. A retry
// disposition re-drives the gate up to the attempt budget.
func (r *run) runEval(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	cfg := &node.Config
	in, _ := mapper.Extract(r.prev, graph.NodeEval, cfg).(mapper.EvalInput)
	req := activities.EvalRequest{
		WorkflowID:  r.in.WorkflowID,
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		EvalType:    cfg.EvalType,
		Config:      cfg.Eval,
		Content:     in.Content,
		Metadata:    in.Metadata,
	}
	onFailure := cfg.OnFailure
	if onFailure == "" {
		onFailure = graph.OnFailureBlock
	}

	actx := withOptions(ctx, evalTimeout, 3)
	var out outputs.EvalOut
	for attempt := 1; ; attempt++ {
		if err := workflow.ExecuteActivity(actx, acts.ExecuteEval, req).Get(ctx, &out); err != nil {
			return nil, err
		}
		r.lastEvalScore = &out.Score
		if out.Passed || onFailure != graph.OnFailureRetry || attempt >= evalRetryAttempts {
			break
		}
	}
	out.OnFailure = onFailure

	if !out.Passed {
		switch onFailure {
		case graph.OnFailureWarn:
			r.emit(ctx, stream.EvalWarning, node.ID, map[string]any{
				"node_id": node.ID, "score": out.Score, "feedback": out.Feedback,
			})
		default:
			// block, compensate and an exhausted retry budget all fail the
			// node; the walk triggers compensation on any failure.
			return nil, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("eval failed: %s", out.Feedback), "EvalFailure", nil)
		}
	}
	return mapNode(node, workflow.Now(ctx).UTC(), &out), nil
}

func (r *run) runMerge(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	incoming := r.def.IncomingEdges(node.ID)
	var sources []string
	var branches []any
	for _, e := range incoming {
		out, ok := r.outputs[e.Source]
		if !ok {
			continue
		}
		sources = append(sources, e.Source)
		if out.Raw != nil {
			branches = append(branches, out.Raw)
		} else {
			branches = append(branches, out.AsMap())
		}
	}

	actx := withOptions(ctx, mergeTimeout, 1)
	var out outputs.MergeOut
	err := workflow.ExecuteActivity(actx, acts.ExecuteMerge, activities.MergeRequest{
		WorkflowID:  r.in.WorkflowID,
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		Strategy:    node.Config.MergeStrategy,
		Sources:     sources,
		Branches:    branches,
	}).Get(ctx, &out)
	if err != nil {
		return nil, err
	}
	return mapNode(node, workflow.Now(ctx).UTC(), &out), nil
}

// runTimer sleeps in the workflow; the duration comes from the config or,
// when absent, from the upstream output. Events around the sleep are
// best-effort.
func (r *run) runTimer(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	delay := node.Config.DurationSeconds
	if delay == 0 {
		if in, ok := mapper.Extract(r.prev, graph.NodeTimer, &node.Config).(mapper.TimerInput); ok {
			delay = in.DelaySeconds
		}
	}

	r.emit(ctx, stream.TimerStarted, node.ID, map[string]any{
		"node_id": node.ID, "duration": delay,
	})
	if delay > 0 {
		if _, err := workflow.AwaitWithTimeout(ctx, time.Duration(delay)*time.Second,
			func() bool { return r.canceled }); err != nil {
			return nil, err
		}
		if r.canceled {
			return nil, errCanceled
		}
	}
	r.emit(ctx, stream.TimerCompleted, node.ID, map[string]any{"node_id": node.ID})

	raw := &outputs.TimerOut{WaitedSeconds: delay, CompletedAt: workflow.Now(ctx).UTC()}
	return mapNode(node, workflow.Now(ctx).UTC(), raw), nil
}

func (r *run) runEvent(ctx workflow.Context, node *graph.Node) (*outputs.NodeOutput, error) {
	var payload any
	if r.prev != nil {
		if r.prev.Raw != nil {
			payload = r.prev.Raw
		} else {
			payload = r.prev.AsMap()
		}
	}
	actx := withOptions(ctx, eventTimeout, 2)
	var out outputs.EventOut
	err := workflow.ExecuteActivity(actx, acts.ExecuteEvent, activities.EventRequest{
		WorkflowID:  r.in.WorkflowID,
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		Channel:     node.Config.Channel,
		Operation:   node.Config.Operation,
		Payload:     payload,
	}).Get(ctx, &out)
	if err != nil {
		return nil, err
	}
	return mapNode(node, workflow.Now(ctx).UTC(), &out), nil
}
