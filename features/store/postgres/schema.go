package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the DDL for every engine table. Idempotent; applied on
// startup by EnsureSchema.
const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	input JSONB,
	output JSONB,
	current_node TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_workflow_idx ON executions (workflow_id);

CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL,
	approval_type TEXT NOT NULL DEFAULT '',
	total_approvers INT NOT NULL DEFAULT 0,
	responses JSONB NOT NULL DEFAULT '[]',
	requested_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS approval_requests_execution_idx ON approval_requests (execution_id);

CREATE TABLE IF NOT EXISTS event_logs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	node_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS event_logs_execution_idx ON event_logs (execution_id, timestamp);
CREATE INDEX IF NOT EXISTS event_logs_workflow_idx ON event_logs (workflow_id, timestamp);

CREATE TABLE IF NOT EXISTS compensation_logs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL,
	data JSONB,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS compensation_logs_execution_idx ON compensation_logs (execution_id, created_at);

CREATE TABLE IF NOT EXISTS agent_scores (
	provider TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	execution_count INT NOT NULL DEFAULT 0,
	success_count INT NOT NULL DEFAULT 0,
	failure_count INT NOT NULL DEFAULT 0,
	avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	reliability_score DOUBLE PRECISION NOT NULL DEFAULT 1,
	last_updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, agent_id)
);
`

// EnsureSchema creates the engine tables when they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}
