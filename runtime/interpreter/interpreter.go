// Package interpreter implements the durable workflow: a deterministic graph
// walk over a workflow definition. All side effects run in activities; the
// workflow itself only routes, suspends and records. Every nondeterministic
// value (time, ids) comes from the Temporal runtime so the walk replays
// byte-identically.
package interpreter

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/activities"
	"github.com/loomworks/loom/runtime/approvals"
	"github.com/loomworks/loom/runtime/compensation"
	"github.com/loomworks/loom/runtime/conditions"
	"github.com/loomworks/loom/runtime/outputs"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

// Signal and query names exposed by the workflow.
const (
	SignalApproval = "approval_signal"
	SignalPause    = "pause"
	SignalResume   = "resume"
	SignalCancel   = "cancel"

	QueryState    = "get_state"
	QueryHistory  = "get_execution_history"
	QueryIsPaused = "is_paused"
)

// Execution result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Input starts an execution.
type Input struct {
	WorkflowID string           `json:"workflow_id"`
	Definition graph.Definition `json:"definition"`
	Input      map[string]any   `json:"input,omitempty"`
	// CompensateOnCancel rolls back completed nodes when the execution is
	// canceled. Off by default: a cancel is an operator choice, not a
	// failure.
	CompensateOnCancel bool `json:"compensate_on_cancel,omitempty"`
}

// Result is the workflow return value. Failures are reported here rather
// than as workflow errors so callers always get the history.
type Result struct {
	Status  string         `json:"status"`
	Output  any            `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	History []HistoryEntry `json:"execution_history"`
}

// HistoryEntry records one node execution.
type HistoryEntry struct {
	NodeID      string              `json:"node_id"`
	NodeType    graph.NodeType      `json:"node_type"`
	Status      string              `json:"status"` // success|failed
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	Output      *outputs.NodeOutput `json:"output,omitempty"`
	Error       string              `json:"error,omitempty"`
	IsFallback  bool                `json:"is_fallback,omitempty"`
}

// errCanceled aborts a suspension point when the cancel signal arrives.
var errCanceled = errors.New("execution canceled")

// acts provides method references for activity dispatch; never invoked.
var acts *activities.Activities

// run is the per-execution workflow state.
type run struct {
	in          Input
	def         *graph.Definition
	executionID string
	eval        *conditions.Evaluator

	paused   bool
	canceled bool
	// approvalSignals queues signals until the walk reaches the waiting
	// approval node.
	approvalSignals []approvals.Signal

	current     string
	outputs     map[string]*outputs.NodeOutput
	prev        *outputs.NodeOutput
	history     []HistoryEntry
	finalOutput any

	// lastEvalScore feeds agent temperature auto-tuning.
	lastEvalScore *float64
	// compEntries lists completed nodes in order for saga compensation.
	compEntries []compensation.Entry
	// lastFallback is set by the agent executor when it rerouted.
	lastFallback bool
}

// Execute is the workflow entry point.
func Execute(ctx workflow.Context, in Input) (*Result, error) {
	eval, err := conditions.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create condition evaluator: %w", err)
	}
	r := &run{
		in:          in,
		def:         &in.Definition,
		executionID: workflow.GetInfo(ctx).WorkflowExecution.ID,
		eval:        eval,
		outputs:     make(map[string]*outputs.NodeOutput),
	}
	if err := r.register(ctx); err != nil {
		return nil, err
	}
	if err := graph.Validate(r.def); err != nil {
		return r.fail(ctx, "", fmt.Errorf("invalid definition: %w", err)), nil
	}

	r.record(ctx, store.ExecutionRunning, activities.ExecutionUpdate{Started: true, Input: in.Input})
	r.emit(ctx, stream.WorkflowStarted, "", map[string]any{
		"workflow_id":  in.WorkflowID,
		"execution_id": r.executionID,
		"input":        in.Input,
	})

	return r.walk(ctx)
}

// register installs the signal drains and query handlers.
func (r *run) register(ctx workflow.Context) error {
	approvalCh := workflow.GetSignalChannel(ctx, SignalApproval)
	workflow.Go(ctx, func(ctx workflow.Context) {
		for {
			var sig approvals.Signal
			approvalCh.Receive(ctx, &sig)
			r.approvalSignals = append(r.approvalSignals, sig)
		}
	})
	drain := func(name string, fn func()) {
		ch := workflow.GetSignalChannel(ctx, name)
		workflow.Go(ctx, func(ctx workflow.Context) {
			for {
				ch.Receive(ctx, nil)
				fn()
			}
		})
	}
	drain(SignalPause, func() { r.paused = true })
	drain(SignalResume, func() { r.paused = false })
	drain(SignalCancel, func() { r.canceled = true })

	if err := workflow.SetQueryHandler(ctx, QueryState, func() (map[string]any, error) {
		return map[string]any{
			"execution_id":   r.executionID,
			"current_node":   r.current,
			"paused":         r.paused,
			"nodes_executed": len(r.history),
			"final_output":   r.finalOutput,
			"summary":        r.summary(),
		}, nil
	}); err != nil {
		return err
	}
	if err := workflow.SetQueryHandler(ctx, QueryHistory, func() ([]HistoryEntry, error) {
		return r.history, nil
	}); err != nil {
		return err
	}
	return workflow.SetQueryHandler(ctx, QueryIsPaused, func() (bool, error) {
		return r.paused, nil
	})
}

// walk drives the main node loop.
func (r *run) walk(ctx workflow.Context) (*Result, error) {
	logger := workflow.GetLogger(ctx)
	r.current = r.def.StartNode()

	for r.current != "" {
		if r.paused {
			r.emit(ctx, stream.WorkflowPaused, "", map[string]any{"execution_id": r.executionID})
			r.record(ctx, store.ExecutionPaused, activities.ExecutionUpdate{CurrentNode: r.current})
			if err := workflow.Await(ctx, func() bool { return !r.paused || r.canceled }); err != nil {
				return nil, err
			}
			if !r.canceled {
				r.emit(ctx, stream.WorkflowResumed, "", map[string]any{"execution_id": r.executionID})
				r.record(ctx, store.ExecutionRunning, activities.ExecutionUpdate{CurrentNode: r.current})
			}
		}
		if r.canceled {
			return r.cancel(ctx), nil
		}

		node := r.def.FindNode(r.current)
		if node == nil {
			return r.fail(ctx, r.current, fmt.Errorf("node %q not in definition", r.current)), nil
		}
		if node.Type == graph.NodeEnd {
			return r.complete(ctx, node), nil
		}

		logger.Info("executing node", "node_id", node.ID, "node_type", node.Type)
		started := workflow.Now(ctx).UTC()
		r.emit(ctx, stream.NodeStarted, node.ID, map[string]any{
			"node_id": node.ID, "node_type": node.Type,
		})

		r.lastFallback = false
		out, err := r.executeNode(ctx, node)
		completed := workflow.Now(ctx).UTC()
		if errors.Is(err, errCanceled) || r.canceled {
			return r.cancel(ctx), nil
		}
		if err != nil {
			r.history = append(r.history, HistoryEntry{
				NodeID: node.ID, NodeType: node.Type, Status: "failed",
				StartedAt: started, CompletedAt: completed, Error: err.Error(),
			})
			r.emit(ctx, stream.NodeFailed, node.ID, map[string]any{
				"node_id": node.ID, "node_type": node.Type, "error": err.Error(),
			})
			return r.fail(ctx, node.ID, err), nil
		}

		r.history = append(r.history, HistoryEntry{
			NodeID: node.ID, NodeType: node.Type, Status: "success",
			StartedAt: started, CompletedAt: completed, Output: out,
			IsFallback: r.lastFallback,
		})
		r.outputs[node.ID] = out
		r.prev = out
		r.recordCompensation(node, out)
		r.emit(ctx, stream.NodeCompleted, node.ID, map[string]any{
			"node_id": node.ID, "node_type": node.Type, "result": out.AsMap(),
		})

		r.current = r.next(ctx, node, out)
	}

	// Ran off the graph without an end node; terminate successfully.
	return r.complete(ctx, nil), nil
}

// next picks the following node id per the branching rules, or "" to
// terminate.
func (r *run) next(ctx workflow.Context, node *graph.Node, out *outputs.NodeOutput) string {
	edges := r.def.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return ""
	}

	switch node.Type {
	case graph.NodeConditional:
		branch := graph.HandleFalse
		if out.Condition != nil && out.Condition.Matched {
			branch = graph.HandleTrue
		}
		for _, e := range edges {
			if e.SourceHandle == branch {
				return e.Target
			}
		}
		for _, e := range edges {
			if e.SourceHandle == "" {
				return e.Target
			}
		}
		return ""
	case graph.NodeApproval:
		want := graph.HandleReject
		if out.Approval != nil && out.Approval.Approved {
			want = graph.HandleApprove
		}
		for _, e := range edges {
			if e.SourceHandle == want {
				return e.Target
			}
		}
		for _, e := range edges {
			if e.SourceHandle == "" {
				return e.Target
			}
		}
		return ""
	}

	if len(edges) > 1 {
		r.emit(ctx, stream.NodeWarning, node.ID, map[string]any{
			"node_id": node.ID,
			"warning": fmt.Sprintf("node has %d outgoing edges; following the first by edge id", len(edges)),
		})
	}
	for _, e := range edges {
		if e.Condition == "" {
			return e.Target
		}
		ok, err := r.eval.Evaluate(e.Condition, conditionOutput(out), r.nodesContext(), r.in.Input)
		if err != nil {
			workflow.GetLogger(ctx).Warn("edge condition failed", "edge_id", e.ID, "error", err)
			continue
		}
		if ok {
			return e.Target
		}
	}
	return edges[0].Target
}

// summary aggregates cost, token and per-type node counts over the history so
// far.
func (r *run) summary() map[string]any {
	var cost float64
	var tokens int
	byType := make(map[string]int)
	for _, h := range r.history {
		byType[string(h.NodeType)]++
		if h.Output != nil && h.Output.Agent != nil {
			cost += h.Output.Agent.Cost
			tokens += h.Output.Agent.Usage["total_tokens"]
		}
	}
	return map[string]any{
		"total_cost":    cost,
		"total_tokens":  tokens,
		"nodes_by_type": byType,
	}
}

// nodesContext exposes all mapped outputs to condition expressions keyed by
// node id.
func (r *run) nodesContext() map[string]any {
	ctx := make(map[string]any, len(r.outputs))
	for id, out := range r.outputs {
		ctx[id] = out.AsMap()
	}
	return ctx
}

// recordCompensation captures the rollback entry for a completed node.
func (r *run) recordCompensation(node *graph.Node, out *outputs.NodeOutput) {
	r.compEntries = append(r.compEntries, compensation.Entry{
		NodeID:     node.ID,
		NodeType:   node.Type,
		URL:        node.Config.URL,
		CleanupURL: node.Config.CleanupURL,
		Method:     node.Config.CompensationMethod,
		State:      out.AsMap(),
	})
}

func (r *run) complete(ctx workflow.Context, end *graph.Node) *Result {
	if end != nil && end.Config.CaptureOutput && r.prev != nil {
		r.finalOutput = r.prev.AsMap()
		endOut := mapNode(end, workflow.Now(ctx).UTC(), &outputs.EndOut{Captured: r.finalOutput})
		r.history = append(r.history, HistoryEntry{
			NodeID: end.ID, NodeType: end.Type, Status: "success",
			StartedAt: workflow.Now(ctx).UTC(), CompletedAt: workflow.Now(ctx).UTC(),
			Output: endOut,
		})
	} else if r.prev != nil {
		r.finalOutput = r.prev.AsMap()
	}
	r.record(ctx, store.ExecutionCompleted, activities.ExecutionUpdate{Output: r.finalOutput})
	r.emit(ctx, stream.WorkflowCompleted, "", map[string]any{
		"workflow_id":  r.in.WorkflowID,
		"execution_id": r.executionID,
		"result":       r.finalOutput,
	})
	return &Result{Status: StatusCompleted, Output: r.finalOutput, History: r.history}
}

func (r *run) fail(ctx workflow.Context, nodeID string, cause error) *Result {
	r.compensate(ctx, cause.Error())
	r.record(ctx, store.ExecutionFailed, activities.ExecutionUpdate{
		Error: cause.Error(), CurrentNode: nodeID,
	})
	r.emit(ctx, stream.WorkflowFailed, nodeID, map[string]any{
		"workflow_id":  r.in.WorkflowID,
		"execution_id": r.executionID,
		"node_id":      nodeID,
		"error":        cause.Error(),
	})
	return &Result{Status: StatusFailed, Error: cause.Error(), History: r.history}
}

func (r *run) cancel(ctx workflow.Context) *Result {
	if r.in.CompensateOnCancel {
		r.compensate(ctx, "execution canceled")
	}
	r.record(ctx, store.ExecutionCanceled, activities.ExecutionUpdate{})
	r.emit(ctx, stream.WorkflowCanceled, "", map[string]any{
		"workflow_id":  r.in.WorkflowID,
		"execution_id": r.executionID,
	})
	return &Result{Status: StatusCanceled, History: r.history}
}

// compensate rolls back completed nodes in reverse order. Compensation
// failures are recorded by the coordinator and never mask the original
// failure.
func (r *run) compensate(ctx workflow.Context, reason string) {
	if len(r.compEntries) == 0 {
		return
	}
	actx := withOptions(ctx, 5*time.Minute, 1)
	err := workflow.ExecuteActivity(actx, acts.Compensate, compensation.Input{
		WorkflowID:  r.in.WorkflowID,
		ExecutionID: r.executionID,
		Reason:      reason,
		Entries:     r.compEntries,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Error("compensation failed", "error", err)
	}
}

// emit publishes a lifecycle event, best-effort.
func (r *run) emit(ctx workflow.Context, eventType, nodeID string, payload map[string]any) {
	actx := withOptions(ctx, 30*time.Second, 2)
	err := workflow.ExecuteActivity(actx, acts.PublishEvent, activities.EventPublication{
		WorkflowID:  r.in.WorkflowID,
		ExecutionID: r.executionID,
		NodeID:      nodeID,
		EventType:   eventType,
		Payload:     payload,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("event publish failed", "event_type", eventType, "error", err)
	}
}

// record updates the execution row, best-effort.
func (r *run) record(ctx workflow.Context, status store.ExecutionStatus, u activities.ExecutionUpdate) {
	u.ExecutionID = r.executionID
	u.WorkflowID = r.in.WorkflowID
	u.Status = status
	actx := withOptions(ctx, 30*time.Second, 2)
	if err := workflow.ExecuteActivity(actx, acts.RecordExecution, u).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("execution record update failed", "status", status, "error", err)
	}
}

// withOptions applies the standard activity options used across executors.
func withOptions(ctx workflow.Context, timeout time.Duration, attempts int32) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			MaximumInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    attempts,
		},
	})
}
