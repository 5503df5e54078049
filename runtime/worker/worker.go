// Package worker wires the interpreter workflow and its activities into a
// Temporal worker, and exposes the client surface used to start, signal,
// query and await executions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/activities"
	"github.com/loomworks/loom/runtime/approvals"
	"github.com/loomworks/loom/runtime/interpreter"
	"github.com/loomworks/loom/runtime/store"
)

// DefaultTaskQueue is used when Options leaves TaskQueue empty.
const DefaultTaskQueue = "loom-orchestration"

// Options configures the engine. Either a pre-configured Client or
// ClientOptions must be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// engine creates a lazy client from ClientOptions and owns its lifetime.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when
	// Client is nil.
	ClientOptions *client.Options

	// TaskQueue names the queue the worker polls and executions are started
	// on. Defaults to DefaultTaskQueue.
	TaskQueue string

	// Activities is the registered activity set. Required.
	Activities *activities.Activities

	// Approvals persists approver responses when signaling. Optional; the
	// workflow's in-memory slot still resolves without it.
	Approvals store.Approvals

	// WorkerOptions are forwarded to the Temporal worker constructor.
	WorkerOptions worker.Options
}

// Engine owns the Temporal worker and client handles.
type Engine struct {
	client      client.Client
	closeClient bool
	worker      worker.Worker
	taskQueue   string
	approvals   store.Approvals
}

// New constructs the engine and registers the workflow and activities.
func New(opts Options) (*Engine, error) {
	if opts.Activities == nil {
		return nil, fmt.Errorf("worker: activities are required")
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("worker: client options are required when Client is nil")
		}
		var err error
		cli, err = client.NewLazyClient(*opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("worker: create client: %w", err)
		}
		closeClient = true
	}

	w := worker.New(cli, taskQueue, opts.WorkerOptions)
	w.RegisterWorkflow(interpreter.Execute)
	w.RegisterActivity(opts.Activities)

	return &Engine{
		client:      cli,
		closeClient: closeClient,
		worker:      w,
		taskQueue:   taskQueue,
		approvals:   opts.Approvals,
	}, nil
}

// Start begins polling the task queue without blocking.
func (e *Engine) Start() error {
	if err := e.worker.Start(); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}
	return nil
}

// Run polls until the interrupt channel fires. Blocks.
func (e *Engine) Run(interruptCh <-chan interface{}) error {
	return e.worker.Run(interruptCh)
}

// Close stops the worker and releases the client when the engine owns it.
func (e *Engine) Close() {
	e.worker.Stop()
	if e.closeClient {
		e.client.Close()
	}
}

// StartExecution validates the definition and starts a workflow run.
// Returns the execution id used for signals and queries.
func (e *Engine) StartExecution(ctx context.Context, in interpreter.Input) (string, error) {
	if err := graph.Validate(&in.Definition); err != nil {
		return "", err
	}
	executionID := "exec-" + uuid.NewString()
	_, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        executionID,
		TaskQueue: e.taskQueue,
	}, interpreter.Execute, in)
	if err != nil {
		return "", fmt.Errorf("start execution: %w", err)
	}
	return executionID, nil
}

// Result blocks until the execution finishes and returns its result.
func (e *Engine) Result(ctx context.Context, executionID string) (*interpreter.Result, error) {
	var res interpreter.Result
	if err := e.client.GetWorkflow(ctx, executionID, "").Get(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SignalApproval records the approver's response and delivers it to the
// waiting execution. The response is persisted first so the audit trail
// never lags the decision.
func (e *Engine) SignalApproval(ctx context.Context, executionID string, sig approvals.Signal) error {
	action, ok := approvals.NormalizeAction(sig.Action)
	if !ok && len(sig.Responses) == 0 {
		return fmt.Errorf("invalid approval action %q", sig.Action)
	}
	if ok {
		sig.Action = action
	}
	if sig.ApprovalID == "" && sig.NodeID != "" {
		sig.ApprovalID = approvals.ID(executionID, sig.NodeID)
	}
	if e.approvals != nil && sig.ApprovalID != "" {
		now := time.Now().UTC()
		persist := func(approver, action, comment string) error {
			canonical, valid := approvals.NormalizeAction(action)
			if !valid {
				return nil
			}
			_, err := e.approvals.AppendResponse(ctx, sig.ApprovalID, store.ApprovalResponse{
				Approver:  approver,
				Action:    canonical,
				Comment:   comment,
				Timestamp: now,
			})
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("record approval response: %w", err)
			}
			return nil
		}
		for _, r := range sig.Responses {
			if err := persist(r.Approver, r.Action, r.Comment); err != nil {
				return err
			}
		}
		if err := persist(sig.Approver, sig.Action, sig.Comment); err != nil {
			return err
		}
	}
	return e.client.SignalWorkflow(ctx, executionID, "", interpreter.SignalApproval, sig)
}

// Pause suspends the execution at its next node boundary.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	return e.client.SignalWorkflow(ctx, executionID, "", interpreter.SignalPause, nil)
}

// Resume lifts a pause.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	return e.client.SignalWorkflow(ctx, executionID, "", interpreter.SignalResume, nil)
}

// Cancel stops the execution cooperatively at its next suspension point.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.client.SignalWorkflow(ctx, executionID, "", interpreter.SignalCancel, nil)
}

// State queries the execution's current position and pause state.
func (e *Engine) State(ctx context.Context, executionID string) (map[string]any, error) {
	val, err := e.client.QueryWorkflow(ctx, executionID, "", interpreter.QueryState)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := val.Get(&state); err != nil {
		return nil, err
	}
	return state, nil
}

// History queries the per-node execution history.
func (e *Engine) History(ctx context.Context, executionID string) ([]interpreter.HistoryEntry, error) {
	val, err := e.client.QueryWorkflow(ctx, executionID, "", interpreter.QueryHistory)
	if err != nil {
		return nil, err
	}
	var history []interpreter.HistoryEntry
	if err := val.Get(&history); err != nil {
		return nil, err
	}
	return history, nil
}
