// Package activities implements the side-effectful node executors dispatched
// by the workflow interpreter. Every method runs under Temporal activity
// semantics: it may be retried independently of the workflow, so each one is
// idempotent with respect to its request.
package activities

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/loomworks/loom/runtime/compensation"
	"github.com/loomworks/loom/runtime/healing"
	"github.com/loomworks/loom/runtime/model"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

// Notifier delivers approval requests to external channels.
type Notifier interface {
	NotifyApproval(ctx context.Context, n ApprovalNotification) error
}

// ApprovalNotification is the external-channel payload for a pending
// approval.
type ApprovalNotification struct {
	ApprovalID  string   `json:"approval_id"`
	WorkflowID  string   `json:"workflow_id"`
	ExecutionID string   `json:"execution_id"`
	NodeID      string   `json:"node_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Approvers   []string `json:"approvers"`
	Context     string   `json:"context,omitempty"`
}

// Activities bundles the executor dependencies. Register one instance per
// worker; all methods are safe for concurrent use.
type Activities struct {
	provider    model.Provider
	client      *http.Client
	bus         stream.Bus
	executions  store.Executions
	approvals   store.Approvals
	events      store.EventLog
	healing     *healing.Service
	compensator *compensation.Coordinator
	notifier    Notifier
}

// Options configures Activities.
type Options struct {
	// Provider invokes AI models for agent and llm_judge eval nodes.
	Provider model.Provider
	// Client issues api_call requests. Defaults to http.DefaultClient.
	Client *http.Client
	// Bus publishes lifecycle events. Optional; publishing degrades to the
	// audit log alone when nil.
	Bus stream.Bus
	// Executions persists execution lifecycle rows. Optional.
	Executions store.Executions
	// Approvals persists approval slots. Required when the graph contains
	// approval nodes.
	Approvals store.Approvals
	// Events persists the long-term audit trail. Optional.
	Events store.EventLog
	// Healing tracks agent reliability. Optional; agents run untracked
	// without it.
	Healing *healing.Service
	// Compensator rolls back completed nodes after a failure. Optional.
	Compensator *compensation.Coordinator
	// Notifier delivers approval requests externally. Optional.
	Notifier Notifier
}

// New constructs the activity set.
func New(opts Options) *Activities {
	a := &Activities{
		provider:    opts.Provider,
		client:      opts.Client,
		bus:         opts.Bus,
		executions:  opts.Executions,
		approvals:   opts.Approvals,
		events:      opts.Events,
		healing:     opts.Healing,
		compensator: opts.Compensator,
		notifier:    opts.Notifier,
	}
	if a.client == nil {
		a.client = http.DefaultClient
	}
	return a
}

// EventPublication is the request for the generic event-publishing activity
// the interpreter uses for workflow and node lifecycle events.
type EventPublication struct {
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// PublishEvent fans an event out to the bus and appends it to the audit log.
// Both sinks are best-effort: a broken fabric never fails the caller.
func (a *Activities) PublishEvent(ctx context.Context, pub EventPublication) error {
	a.publish(ctx, pub)
	return nil
}

func (a *Activities) publish(ctx context.Context, pub EventPublication) {
	now := time.Now().UTC()
	env := stream.NewEnvelope(pub.EventType, pub.Payload, now)
	if a.bus != nil {
		if err := a.bus.Publish(ctx, pub.WorkflowID, pub.ExecutionID, env); err != nil {
			activity.GetLogger(ctx).Warn("event publish failed",
				"event_type", pub.EventType, "error", err)
		}
	}
	if a.events != nil {
		rec := &store.EventRecord{
			ID:          uuid.NewString(),
			WorkflowID:  pub.WorkflowID,
			ExecutionID: pub.ExecutionID,
			NodeID:      pub.NodeID,
			EventType:   pub.EventType,
			Data:        env.Data,
			Timestamp:   now,
		}
		if err := a.events.Append(ctx, rec); err != nil {
			activity.GetLogger(ctx).Warn("event audit append failed",
				"event_type", pub.EventType, "error", err)
		}
	}
}

// ExecutionUpdate records an execution lifecycle transition.
type ExecutionUpdate struct {
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      store.ExecutionStatus `json:"status"`
	Input       map[string]any        `json:"input,omitempty"`
	Output      any                   `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
	CurrentNode string                `json:"current_node,omitempty"`
	// Started marks the initial transition, creating the row.
	Started bool `json:"started,omitempty"`
}

// RecordExecution upserts the execution row. Without a configured executions
// store this is a no-op so the interpreter can call it unconditionally.
func (a *Activities) RecordExecution(ctx context.Context, u ExecutionUpdate) error {
	if a.executions == nil {
		return nil
	}
	now := time.Now().UTC()
	if u.Started {
		return a.executions.Create(ctx, &store.Execution{
			ID:         u.ExecutionID,
			WorkflowID: u.WorkflowID,
			Status:     u.Status,
			Input:      u.Input,
			StartedAt:  now,
		})
	}
	e, err := a.executions.Get(ctx, u.ExecutionID)
	if err != nil {
		e = &store.Execution{
			ID:         u.ExecutionID,
			WorkflowID: u.WorkflowID,
			Input:      u.Input,
			StartedAt:  now,
		}
		if err := a.executions.Create(ctx, e); err != nil {
			return err
		}
	}
	e.Status = u.Status
	e.CurrentNode = u.CurrentNode
	if u.Output != nil {
		e.Output = u.Output
	}
	if u.Error != "" {
		e.Error = u.Error
	}
	switch u.Status {
	case store.ExecutionCompleted, store.ExecutionFailed, store.ExecutionCanceled:
		e.CompletedAt = &now
	}
	return a.executions.Update(ctx, e)
}

// RerouteQuery asks whether an agent's track record warrants bypassing it.
type RerouteQuery struct {
	Provider string `json:"provider"`
	AgentID  string `json:"agent_id"`
}

// ShouldReroute reports whether the agent is unhealthy enough to route
// around. Without a healing service every agent is trusted.
func (a *Activities) ShouldReroute(ctx context.Context, q RerouteQuery) (bool, error) {
	if a.healing == nil {
		return false, nil
	}
	return a.healing.ShouldReroute(ctx, q.Provider, q.AgentID)
}

// AlternateQuery asks for the healthiest replacement for a failing agent.
type AlternateQuery struct {
	Provider       string   `json:"provider"`
	FailingAgentID string   `json:"failing_agent_id"`
	Candidates     []string `json:"candidates"`
}

// AlternateAgent picks the best candidate, or "" when none qualifies.
func (a *Activities) AlternateAgent(ctx context.Context, q AlternateQuery) (string, error) {
	if a.healing == nil {
		return "", nil
	}
	return a.healing.GetAlternateAgent(ctx, q.Provider, q.FailingAgentID, q.Candidates)
}

// Compensate rolls back completed nodes in reverse order.
func (a *Activities) Compensate(ctx context.Context, in compensation.Input) (compensation.Result, error) {
	if a.compensator == nil {
		return compensation.Result{}, nil
	}
	return a.compensator.Compensate(ctx, in)
}
