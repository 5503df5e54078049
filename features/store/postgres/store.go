// Package postgres implements the engine store interfaces on PostgreSQL via
// pgx. All implementations share one pgxpool and are safe for concurrent
// use; agent score updates fold the running averages inside a single upsert
// so concurrent activity workers never lose counts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/loom/runtime/store"
)

// Store bundles the PostgreSQL-backed store implementations.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs the store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Executions returns the execution store view.
func (s *Store) Executions() store.Executions { return executions{s.pool} }

// Approvals returns the approval slot store view.
func (s *Store) Approvals() store.Approvals { return approvalsStore{s.pool} }

// Events returns the event log view.
func (s *Store) Events() store.EventLog { return eventLog{s.pool} }

// Compensations returns the compensation log view.
func (s *Store) Compensations() store.CompensationLog { return compensationLog{s.pool} }

// Scores returns the agent score store view.
func (s *Store) Scores() store.AgentScores { return agentScores{s.pool} }

type executions struct{ pool *pgxpool.Pool }

func (e executions) Create(ctx context.Context, ex *store.Execution) error {
	input, err := json.Marshal(ex.Input)
	if err != nil {
		return fmt.Errorf("encode execution input: %w", err)
	}
	_, err = e.pool.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, status, input, current_node, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		ex.ID, ex.WorkflowID, string(ex.Status), input, ex.CurrentNode, ex.Error, ex.StartedAt)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", ex.ID, err)
	}
	return nil
}

func (e executions) Update(ctx context.Context, ex *store.Execution) error {
	output, err := json.Marshal(ex.Output)
	if err != nil {
		return fmt.Errorf("encode execution output: %w", err)
	}
	tag, err := e.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, output = $3, current_node = $4, error = $5, completed_at = $6
		WHERE id = $1`,
		ex.ID, string(ex.Status), output, ex.CurrentNode, ex.Error, ex.CompletedAt)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", ex.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (e executions) Get(ctx context.Context, id string) (*store.Execution, error) {
	row := e.pool.QueryRow(ctx, `
		SELECT id, workflow_id, status, input, output, current_node, error, started_at, completed_at
		FROM executions WHERE id = $1`, id)
	var (
		ex            store.Execution
		status        string
		input, output []byte
	)
	err := row.Scan(&ex.ID, &ex.WorkflowID, &status, &input, &output,
		&ex.CurrentNode, &ex.Error, &ex.StartedAt, &ex.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	ex.Status = store.ExecutionStatus(status)
	if len(input) > 0 {
		_ = json.Unmarshal(input, &ex.Input)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &ex.Output)
	}
	return &ex, nil
}

type approvalsStore struct{ pool *pgxpool.Pool }

func (a approvalsStore) Create(ctx context.Context, slot *store.ApprovalSlot) error {
	responses, err := json.Marshal(slot.Responses)
	if err != nil {
		return fmt.Errorf("encode approval responses: %w", err)
	}
	// Idempotent by id: dispatch retries must not reset an existing slot.
	_, err = a.pool.Exec(ctx, `
		INSERT INTO approval_requests (id, execution_id, node_id, status, approval_type, total_approvers, responses, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		slot.ID, slot.ExecutionID, slot.NodeID, string(slot.Status),
		slot.ApprovalType, slot.TotalApprovers, responses, slot.RequestedAt)
	if err != nil {
		return fmt.Errorf("create approval %s: %w", slot.ID, err)
	}
	return nil
}

func (a approvalsStore) Get(ctx context.Context, id string) (*store.ApprovalSlot, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT id, execution_id, node_id, status, approval_type, total_approvers, responses, requested_at, resolved_at
		FROM approval_requests WHERE id = $1`, id)
	var (
		slot      store.ApprovalSlot
		status    string
		responses []byte
	)
	err := row.Scan(&slot.ID, &slot.ExecutionID, &slot.NodeID, &status,
		&slot.ApprovalType, &slot.TotalApprovers, &responses, &slot.RequestedAt, &slot.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	slot.Status = store.ApprovalStatus(status)
	if len(responses) > 0 {
		_ = json.Unmarshal(responses, &slot.Responses)
	}
	return &slot, nil
}

func (a approvalsStore) AppendResponse(ctx context.Context, id string, r store.ApprovalResponse) (*store.ApprovalSlot, error) {
	encoded, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode approval response: %w", err)
	}
	tag, err := a.pool.Exec(ctx, `
		UPDATE approval_requests
		SET responses = responses || $2::jsonb
		WHERE id = $1 AND status = 'pending'`, id, encoded)
	if err != nil {
		return nil, fmt.Errorf("append approval response %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		slot, err := a.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("approval %s already %s", id, slot.Status)
	}
	return a.Get(ctx, id)
}

func (a approvalsStore) Resolve(ctx context.Context, id string, status store.ApprovalStatus, at time.Time) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE approval_requests
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND (status = 'pending' OR status = $2)`,
		id, string(status), at)
	if err != nil {
		return fmt.Errorf("resolve approval %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		slot, err := a.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("approval %s already %s", id, slot.Status)
	}
	return nil
}

type eventLog struct{ pool *pgxpool.Pool }

func (l eventLog) Append(ctx context.Context, rec *store.EventRecord) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO event_logs (id, workflow_id, execution_id, node_id, event_type, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.WorkflowID, rec.ExecutionID, rec.NodeID, rec.EventType, rec.Data, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append event %s: %w", rec.EventType, err)
	}
	return nil
}

func (l eventLog) ListByExecution(ctx context.Context, executionID string) ([]store.EventRecord, error) {
	return l.list(ctx, `
		SELECT id, workflow_id, execution_id, node_id, event_type, data, timestamp
		FROM event_logs WHERE execution_id = $1 ORDER BY timestamp, id`, executionID)
}

func (l eventLog) ListByWorkflow(ctx context.Context, workflowID string) ([]store.EventRecord, error) {
	return l.list(ctx, `
		SELECT id, workflow_id, execution_id, node_id, event_type, data, timestamp
		FROM event_logs WHERE workflow_id = $1 ORDER BY timestamp, id`, workflowID)
}

func (l eventLog) list(ctx context.Context, query, key string) ([]store.EventRecord, error) {
	rows, err := l.pool.Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []store.EventRecord
	for rows.Next() {
		var rec store.EventRecord
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.ExecutionID,
			&rec.NodeID, &rec.EventType, &rec.Data, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type compensationLog struct{ pool *pgxpool.Pool }

func (l compensationLog) Create(ctx context.Context, rec *store.CompensationRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode compensation data: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO compensation_logs (id, workflow_id, execution_id, node_id, status, data, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.WorkflowID, rec.ExecutionID, rec.NodeID, string(rec.Status), data, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create compensation record %s: %w", rec.ID, err)
	}
	return nil
}

func (l compensationLog) Complete(ctx context.Context, id string, status store.CompensationStatus, data map[string]any, errMsg string, at time.Time) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode compensation data: %w", err)
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE compensation_logs
		SET status = $2, data = $3, error = $4, completed_at = $5
		WHERE id = $1`, id, string(status), encoded, errMsg, at)
	if err != nil {
		return fmt.Errorf("complete compensation record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (l compensationLog) ListByExecution(ctx context.Context, executionID string) ([]store.CompensationRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, workflow_id, execution_id, node_id, status, data, error, created_at, completed_at
		FROM compensation_logs WHERE execution_id = $1 ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list compensation records: %w", err)
	}
	defer rows.Close()
	var out []store.CompensationRecord
	for rows.Next() {
		var (
			rec    store.CompensationRecord
			status string
			data   []byte
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.ExecutionID, &rec.NodeID,
			&status, &data, &rec.Error, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan compensation record: %w", err)
		}
		rec.Status = store.CompensationStatus(status)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Data)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type agentScores struct{ pool *pgxpool.Pool }

func (a agentScores) Record(ctx context.Context, provider, agentID string, success bool, latencyMS, cost float64) (*store.AgentScore, error) {
	successInc, failureInc := 0, 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}
	row := a.pool.QueryRow(ctx, `
		INSERT INTO agent_scores (provider, agent_id, execution_count, success_count, failure_count,
			avg_latency_ms, total_cost, reliability_score, last_updated)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $3::float, now())
		ON CONFLICT (provider, agent_id) DO UPDATE SET
			execution_count = agent_scores.execution_count + 1,
			success_count = agent_scores.success_count + $3,
			failure_count = agent_scores.failure_count + $4,
			avg_latency_ms = (agent_scores.avg_latency_ms * agent_scores.execution_count + $5)
				/ (agent_scores.execution_count + 1),
			total_cost = agent_scores.total_cost + $6,
			reliability_score = (agent_scores.success_count + $3)::float
				/ (agent_scores.execution_count + 1),
			last_updated = now()
		RETURNING execution_count, success_count, failure_count, avg_latency_ms,
			total_cost, reliability_score, last_updated`,
		provider, agentID, successInc, failureInc, latencyMS, cost)

	sc := store.AgentScore{Provider: provider, AgentID: agentID}
	err := row.Scan(&sc.ExecutionCount, &sc.SuccessCount, &sc.FailureCount,
		&sc.AvgLatencyMS, &sc.TotalCost, &sc.Reliability, &sc.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("record agent score %s/%s: %w", provider, agentID, err)
	}
	return &sc, nil
}

func (a agentScores) Get(ctx context.Context, provider, agentID string) (*store.AgentScore, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT execution_count, success_count, failure_count, avg_latency_ms,
			total_cost, reliability_score, last_updated
		FROM agent_scores WHERE provider = $1 AND agent_id = $2`, provider, agentID)
	sc := store.AgentScore{Provider: provider, AgentID: agentID}
	err := row.Scan(&sc.ExecutionCount, &sc.SuccessCount, &sc.FailureCount,
		&sc.AvgLatencyMS, &sc.TotalCost, &sc.Reliability, &sc.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent score %s/%s: %w", provider, agentID, err)
	}
	return &sc, nil
}

func (a agentScores) List(ctx context.Context, provider string, agentIDs []string) ([]store.AgentScore, error) {
	query := `
		SELECT agent_id, execution_count, success_count, failure_count, avg_latency_ms,
			total_cost, reliability_score, last_updated
		FROM agent_scores WHERE provider = $1 AND agent_id = ANY($2)
		ORDER BY agent_id`
	args := []any{provider, agentIDs}
	if len(agentIDs) == 0 {
		query = `
		SELECT agent_id, execution_count, success_count, failure_count, avg_latency_ms,
			total_cost, reliability_score, last_updated
		FROM agent_scores WHERE provider = $1
		ORDER BY agent_id`
		args = []any{provider}
	}
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent scores: %w", err)
	}
	defer rows.Close()
	var out []store.AgentScore
	for rows.Next() {
		sc := store.AgentScore{Provider: provider}
		if err := rows.Scan(&sc.AgentID, &sc.ExecutionCount, &sc.SuccessCount,
			&sc.FailureCount, &sc.AvgLatencyMS, &sc.TotalCost, &sc.Reliability, &sc.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan agent score: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
