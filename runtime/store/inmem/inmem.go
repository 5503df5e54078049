// Package inmem provides in-memory implementations of the store interfaces.
// They back unit tests and single-process deployments; production services
// use the Postgres implementations under features/store/postgres.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/store"
)

// Store implements every store interface in memory. Safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	executions    map[string]store.Execution
	approvals     map[string]store.ApprovalSlot
	events        []store.EventRecord
	compensations map[string]store.CompensationRecord
	compOrder     []string
	scores        map[string]store.AgentScore
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		executions:    make(map[string]store.Execution),
		approvals:     make(map[string]store.ApprovalSlot),
		compensations: make(map[string]store.CompensationRecord),
		scores:        make(map[string]store.AgentScore),
	}
}

func (s *Store) Create(ctx context.Context, e *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = *e
	return nil
}

func (s *Store) Update(ctx context.Context, e *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return store.ErrNotFound
	}
	s.executions[e.ID] = *e
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

// Approvals

type approvalStore struct{ s *Store }

// Approvals returns the approval slot store view.
func (s *Store) Approvals() store.Approvals { return approvalStore{s} }

func (a approvalStore) Create(ctx context.Context, slot *store.ApprovalSlot) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	// Idempotent by id: dispatch retries must not reset an existing slot.
	if _, ok := a.s.approvals[slot.ID]; ok {
		return nil
	}
	a.s.approvals[slot.ID] = *slot
	return nil
}

func (a approvalStore) Get(ctx context.Context, id string) (*store.ApprovalSlot, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	slot, ok := a.s.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := slot
	cp.Responses = append([]store.ApprovalResponse(nil), slot.Responses...)
	return &cp, nil
}

func (a approvalStore) AppendResponse(ctx context.Context, id string, r store.ApprovalResponse) (*store.ApprovalSlot, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	slot, ok := a.s.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if slot.Status != store.ApprovalPending {
		return nil, fmt.Errorf("approval %s already %s", id, slot.Status)
	}
	slot.Responses = append(slot.Responses, r)
	a.s.approvals[id] = slot
	cp := slot
	cp.Responses = append([]store.ApprovalResponse(nil), slot.Responses...)
	return &cp, nil
}

func (a approvalStore) Resolve(ctx context.Context, id string, status store.ApprovalStatus, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	slot, ok := a.s.approvals[id]
	if !ok {
		return store.ErrNotFound
	}
	if slot.Status == status {
		return nil
	}
	if slot.Status != store.ApprovalPending {
		return fmt.Errorf("approval %s already %s", id, slot.Status)
	}
	slot.Status = status
	slot.ResolvedAt = &at
	a.s.approvals[id] = slot
	return nil
}

// EventLog

type eventLog struct{ s *Store }

// Events returns the event log view.
func (s *Store) Events() store.EventLog { return eventLog{s} }

func (l eventLog) Append(ctx context.Context, rec *store.EventRecord) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.events = append(l.s.events, *rec)
	return nil
}

func (l eventLog) ListByExecution(ctx context.Context, executionID string) ([]store.EventRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []store.EventRecord
	for _, rec := range l.s.events {
		if rec.ExecutionID == executionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l eventLog) ListByWorkflow(ctx context.Context, workflowID string) ([]store.EventRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []store.EventRecord
	for _, rec := range l.s.events {
		if rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CompensationLog

type compensationLog struct{ s *Store }

// Compensations returns the compensation log view.
func (s *Store) Compensations() store.CompensationLog { return compensationLog{s} }

func (l compensationLog) Create(ctx context.Context, rec *store.CompensationRecord) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.compensations[rec.ID] = *rec
	l.s.compOrder = append(l.s.compOrder, rec.ID)
	return nil
}

func (l compensationLog) Complete(ctx context.Context, id string, status store.CompensationStatus, data map[string]any, errMsg string, at time.Time) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	rec, ok := l.s.compensations[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	rec.Data = data
	rec.Error = errMsg
	rec.CompletedAt = &at
	l.s.compensations[id] = rec
	return nil
}

func (l compensationLog) ListByExecution(ctx context.Context, executionID string) ([]store.CompensationRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []store.CompensationRecord
	for _, id := range l.s.compOrder {
		if rec := l.s.compensations[id]; rec.ExecutionID == executionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AgentScores

type agentScores struct{ s *Store }

// Scores returns the agent score store view.
func (s *Store) Scores() store.AgentScores { return agentScores{s} }

func scoreKey(provider, agentID string) string { return provider + "/" + agentID }

func (a agentScores) Record(ctx context.Context, provider, agentID string, success bool, latencyMS, cost float64) (*store.AgentScore, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	key := scoreKey(provider, agentID)
	sc, ok := a.s.scores[key]
	if !ok {
		sc = store.AgentScore{Provider: provider, AgentID: agentID, Reliability: 1.0}
	}
	sc.ExecutionCount++
	if success {
		sc.SuccessCount++
	} else {
		sc.FailureCount++
	}
	sc.AvgLatencyMS = (sc.AvgLatencyMS*float64(sc.ExecutionCount-1) + latencyMS) / float64(sc.ExecutionCount)
	sc.TotalCost += cost
	sc.Reliability = float64(sc.SuccessCount) / float64(sc.ExecutionCount)
	sc.LastUpdated = time.Now().UTC()
	a.s.scores[key] = sc
	cp := sc
	return &cp, nil
}

func (a agentScores) Get(ctx context.Context, provider, agentID string) (*store.AgentScore, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	sc, ok := a.s.scores[scoreKey(provider, agentID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := sc
	return &cp, nil
}

func (a agentScores) List(ctx context.Context, provider string, agentIDs []string) ([]store.AgentScore, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []store.AgentScore
	if len(agentIDs) == 0 {
		for _, sc := range a.s.scores {
			if sc.Provider == provider {
				out = append(out, sc)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
		return out, nil
	}
	for _, id := range agentIDs {
		if sc, ok := a.s.scores[scoreKey(provider, id)]; ok {
			out = append(out, sc)
		}
	}
	return out, nil
}
