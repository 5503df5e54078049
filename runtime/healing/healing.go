// Package healing tracks per-agent reliability and decides when an unhealthy
// agent should be bypassed in favor of an alternate. Scores accumulate across
// executions; rerouting kicks in only after enough history exists to trust
// the signal.
package healing

import (
	"context"
	"errors"
	"sort"

	"github.com/loomworks/loom/runtime/store"
)

// Reroute thresholds. An agent is considered unhealthy once its reliability
// drops below the floor over at least the minimum number of executions.
const (
	reliabilityFloor = 0.5
	minExecutions    = 3
)

// Service wraps an AgentScores store with the reroute policy.
type Service struct {
	scores store.AgentScores
}

// New constructs a healing service over the given score store.
func New(scores store.AgentScores) *Service {
	return &Service{scores: scores}
}

// Record folds one execution outcome into the agent's running score and
// returns the updated snapshot.
func (s *Service) Record(ctx context.Context, provider, agentID string, success bool, latencyMS, cost float64) (*store.AgentScore, error) {
	return s.scores.Record(ctx, provider, agentID, success, latencyMS, cost)
}

// ShouldReroute reports whether the agent's track record warrants routing
// around it. Agents with no history are trusted.
func (s *Service) ShouldReroute(ctx context.Context, provider, agentID string) (bool, error) {
	sc, err := s.scores.Get(ctx, provider, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return unhealthy(sc), nil
}

// GetAlternateAgent picks the healthiest candidate from the given pool,
// excluding the failing agent. Candidates with no recorded history rank as
// fully reliable. Returns "" when no candidate beats the unhealthy bar.
func (s *Service) GetAlternateAgent(ctx context.Context, provider, failingAgentID string, candidates []string) (string, error) {
	type ranked struct {
		id          string
		reliability float64
		latency     float64
	}
	var pool []ranked
	known, err := s.scores.List(ctx, provider, candidates)
	if err != nil {
		return "", err
	}
	byID := make(map[string]store.AgentScore, len(known))
	for _, sc := range known {
		byID[sc.AgentID] = sc
	}
	for _, id := range candidates {
		if id == "" || id == failingAgentID {
			continue
		}
		r := ranked{id: id, reliability: 1.0}
		if sc, ok := byID[id]; ok {
			if unhealthy(&sc) {
				continue
			}
			r.reliability = sc.Reliability
			r.latency = sc.AvgLatencyMS
		}
		pool = append(pool, r)
	}
	if len(pool) == 0 {
		return "", nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].reliability != pool[j].reliability {
			return pool[i].reliability > pool[j].reliability
		}
		return pool[i].latency < pool[j].latency
	})
	return pool[0].id, nil
}

// Summary is an aggregate view over a provider's recorded agent scores,
// backing the metrics surface.
type Summary struct {
	Provider        string   `json:"provider"`
	AgentCount      int      `json:"agent_count"`
	TotalExecutions int      `json:"total_executions"`
	TotalFailures   int      `json:"total_failures"`
	TotalCost       float64  `json:"total_cost"`
	AvgReliability  float64  `json:"avg_reliability"`
	UnhealthyAgents []string `json:"unhealthy_agents,omitempty"`
}

// Summary aggregates every recorded score for the provider. AvgReliability
// is the unweighted mean across agents; an empty provider yields zeroes.
func (s *Service) Summary(ctx context.Context, provider string) (*Summary, error) {
	scores, err := s.scores.List(ctx, provider, nil)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Provider: provider, AgentCount: len(scores)}
	for _, sc := range scores {
		sum.TotalExecutions += sc.ExecutionCount
		sum.TotalFailures += sc.FailureCount
		sum.TotalCost += sc.TotalCost
		sum.AvgReliability += sc.Reliability
		if unhealthy(&sc) {
			sum.UnhealthyAgents = append(sum.UnhealthyAgents, sc.AgentID)
		}
	}
	if len(scores) > 0 {
		sum.AvgReliability /= float64(len(scores))
	}
	return sum, nil
}

func unhealthy(sc *store.AgentScore) bool {
	return sc.ExecutionCount >= minExecutions && sc.Reliability < reliabilityFloor
}
