package activities

import (
	"context"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/outputs"
	"github.com/loomworks/loom/runtime/stream"
)

// MergeRequest is the merge executor input. Sources and Branches are aligned
// slices in deterministic edge order: Branches[i] is the raw output of the
// node Sources[i].
type MergeRequest struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	Strategy string   `json:"strategy"`
	Sources  []string `json:"sources"`
	Branches []any    `json:"branches"`
}

// ExecuteMerge combines upstream branch outputs per the configured strategy
// and emits merge.completed.
//
//	combine - collect every branch result
//	first   - take the first branch (edge-id order)
//	vote    - majority by canonical JSON equality; ties go to the earliest
func (a *Activities) ExecuteMerge(ctx context.Context, req MergeRequest) (*outputs.MergeOut, error) {
	var merged any
	switch req.Strategy {
	case graph.MergeFirst:
		if len(req.Branches) > 0 {
			merged = req.Branches[0]
		} else {
			merged = map[string]any{}
		}
	case graph.MergeVote:
		merged = vote(req.Branches)
	default: // combine, and anything unrecognized
		merged = map[string]any{"results": req.Branches}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = graph.MergeCombine
	}
	out := &outputs.MergeOut{Merged: merged, Sources: req.Sources, Strategy: strategy}

	a.publish(ctx, EventPublication{
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		EventType:   stream.MergeCompleted,
		Payload: map[string]any{
			"node_id":       req.NodeID,
			"strategy":      strategy,
			"source_count":  len(req.Sources),
			"merged_result": merged,
		},
	})
	return out, nil
}

// vote picks the most frequent branch value by serialized equality. On a tie
// the value that appeared first wins, keeping the result deterministic.
func vote(branches []any) any {
	if len(branches) == 0 {
		return map[string]any{"winner": nil, "votes": []any{}}
	}
	counts := make(map[string]int, len(branches))
	order := make([]string, 0, len(branches))
	byKey := make(map[string]any, len(branches))
	for _, b := range branches {
		key := outputs.CanonicalJSON(b)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
			byKey[key] = b
		}
		counts[key]++
	}
	winner := order[0]
	for _, key := range order[1:] {
		if counts[key] > counts[winner] {
			winner = key
		}
	}
	return map[string]any{"winner": byKey[winner], "votes": branches}
}
