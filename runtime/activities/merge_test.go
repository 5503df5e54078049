package activities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/stream"
)

func TestExecuteMerge_Combine(t *testing.T) {
	a := New(Options{})
	out, err := a.ExecuteMerge(context.Background(), MergeRequest{
		Strategy: graph.MergeCombine,
		Sources:  []string{"a", "b"},
		Branches: []any{"one", "two"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"results": []any{"one", "two"}}, out.Merged)
	require.Equal(t, []string{"a", "b"}, out.Sources)
}

func TestExecuteMerge_EmptyStrategyDefaultsToCombine(t *testing.T) {
	a := New(Options{})
	out, err := a.ExecuteMerge(context.Background(), MergeRequest{Branches: []any{1}})
	require.NoError(t, err)
	require.Equal(t, graph.MergeCombine, out.Strategy)
}

func TestExecuteMerge_First(t *testing.T) {
	a := New(Options{})
	out, err := a.ExecuteMerge(context.Background(), MergeRequest{
		Strategy: graph.MergeFirst,
		Branches: []any{"winner", "ignored"},
	})
	require.NoError(t, err)
	require.Equal(t, "winner", out.Merged)

	out, err = a.ExecuteMerge(context.Background(), MergeRequest{Strategy: graph.MergeFirst})
	require.NoError(t, err)
	require.Equal(t, map[string]any{}, out.Merged)
}

func TestExecuteMerge_Vote(t *testing.T) {
	a := New(Options{})
	out, err := a.ExecuteMerge(context.Background(), MergeRequest{
		Strategy: graph.MergeVote,
		Branches: []any{
			map[string]any{"answer": "b"},
			map[string]any{"answer": "a"},
			map[string]any{"answer": "a"},
		},
	})
	require.NoError(t, err)
	merged, ok := out.Merged.(map[string]any)
	require.True(t, ok)
	require.Equal(t, map[string]any{"answer": "a"}, merged["winner"])
	require.Len(t, merged["votes"], 3)
}

func TestExecuteMerge_VoteTieGoesToEarliest(t *testing.T) {
	a := New(Options{})
	out, err := a.ExecuteMerge(context.Background(), MergeRequest{
		Strategy: graph.MergeVote,
		Branches: []any{"first", "second"},
	})
	require.NoError(t, err)
	merged := out.Merged.(map[string]any)
	require.Equal(t, "first", merged["winner"])
}

func TestExecuteMerge_VoteEqualMapsDifferentKeyOrder(t *testing.T) {
	// Canonical serialization makes key order irrelevant to equality.
	a := New(Options{})
	out, err := a.ExecuteMerge(context.Background(), MergeRequest{
		Strategy: graph.MergeVote,
		Branches: []any{
			map[string]any{"x": 1, "y": 2},
			map[string]any{"y": 2, "x": 1},
			map[string]any{"x": 9},
		},
	})
	require.NoError(t, err)
	merged := out.Merged.(map[string]any)
	require.Equal(t, map[string]any{"x": 1, "y": 2}, merged["winner"])
}

func TestExecuteMerge_PublishesCompletion(t *testing.T) {
	bus := &fakeBus{}
	a := New(Options{Bus: bus})
	_, err := a.ExecuteMerge(context.Background(), MergeRequest{
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		NodeID:      "m",
		Strategy:    graph.MergeCombine,
	})
	require.NoError(t, err)
	require.Equal(t, []string{stream.MergeCompleted}, bus.eventTypes())
}
