// Package store defines the persistent record types shared by the engine and
// its REST surface, plus the narrow store interfaces the engine depends on.
// Concrete implementations live under features/store; package store/inmem
// provides in-memory variants for tests and single-process deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ExecutionStatus enumerates the lifecycle states of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCanceled  ExecutionStatus = "canceled"
)

// Execution is the persisted state of a single workflow run.
type Execution struct {
	ID                 string          `json:"id"`
	WorkflowID         string          `json:"workflow_id"`
	Status             ExecutionStatus `json:"status"`
	Input              map[string]any  `json:"input,omitempty"`
	Output             any             `json:"output,omitempty"`
	CurrentNode        string          `json:"current_node,omitempty"`
	Error              string          `json:"error,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	RetryCount         int             `json:"retry_count"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	CompensationStatus string          `json:"compensation_status,omitempty"`
}

// ApprovalStatus enumerates the states of an approval slot.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalResponse is one approver's recorded decision.
type ApprovalResponse struct {
	Approver  string    `json:"approver"`
	Action    string    `json:"action"` // approve|reject
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalSlot mediates a human-in-the-loop decision. Once Status leaves
// pending no further responses are accepted.
type ApprovalSlot struct {
	ID             string             `json:"approval_id"`
	ExecutionID    string             `json:"execution_id"`
	NodeID         string             `json:"node_id"`
	Status         ApprovalStatus     `json:"status"`
	ApprovalType   string             `json:"approval_type"` // any|all|majority
	TotalApprovers int                `json:"total_approvers"`
	Responses      []ApprovalResponse `json:"responses,omitempty"`
	RequestedAt    time.Time          `json:"requested_at"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

// EventRecord is a durable audit row for a published event.
type EventRecord struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	EventType   string    `json:"event_type"`
	Data        string    `json:"data"` // JSON-encoded payload
	Timestamp   time.Time `json:"timestamp"`
}

// CompensationStatus enumerates the states of a compensation record.
type CompensationStatus string

const (
	CompensationPending CompensationStatus = "pending"
	CompensationSuccess CompensationStatus = "success"
	CompensationFailed  CompensationStatus = "failed"
)

// CompensationRecord tracks one node's rollback attempt.
type CompensationRecord struct {
	ID          string             `json:"id"`
	WorkflowID  string             `json:"workflow_id"`
	ExecutionID string             `json:"execution_id"`
	NodeID      string             `json:"node_id"`
	Status      CompensationStatus `json:"status"`
	Data        map[string]any     `json:"data,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// AgentScore tracks reliability per (provider, agent) pair. Reliability is
// success_count / execution_count, defaulting to 1.0 with no history.
type AgentScore struct {
	Provider       string    `json:"provider"`
	AgentID        string    `json:"agent_id"`
	ExecutionCount int       `json:"execution_count"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	AvgLatencyMS   float64   `json:"avg_latency_ms"`
	TotalCost      float64   `json:"total_cost"`
	Reliability    float64   `json:"reliability_score"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Executions persists execution lifecycle state.
type Executions interface {
	Create(ctx context.Context, e *Execution) error
	Update(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
}

// Approvals persists approval slots. AppendResponse must reject responses on
// resolved slots; Resolve must be idempotent for the same terminal status.
type Approvals interface {
	Create(ctx context.Context, a *ApprovalSlot) error
	Get(ctx context.Context, id string) (*ApprovalSlot, error)
	AppendResponse(ctx context.Context, id string, r ApprovalResponse) (*ApprovalSlot, error)
	Resolve(ctx context.Context, id string, status ApprovalStatus, at time.Time) error
}

// EventLog persists event records for long-term audit.
type EventLog interface {
	Append(ctx context.Context, rec *EventRecord) error
	ListByExecution(ctx context.Context, executionID string) ([]EventRecord, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]EventRecord, error)
}

// CompensationLog persists per-node rollback outcomes.
type CompensationLog interface {
	Create(ctx context.Context, rec *CompensationRecord) error
	Complete(ctx context.Context, id string, status CompensationStatus, data map[string]any, errMsg string, at time.Time) error
	ListByExecution(ctx context.Context, executionID string) ([]CompensationRecord, error)
}

// AgentScores persists per-agent reliability counters. Record performs the
// read-modify-write atomically per (provider, agent) key. List with an empty
// agentIDs slice returns every recorded score for the provider, ordered by
// agent id.
type AgentScores interface {
	Record(ctx context.Context, provider, agentID string, success bool, latencyMS, cost float64) (*AgentScore, error)
	Get(ctx context.Context, provider, agentID string) (*AgentScore, error)
	List(ctx context.Context, provider string, agentIDs []string) ([]AgentScore, error)
}
