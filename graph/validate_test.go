package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func linearDefinition() *Definition {
	return &Definition{
		ID:   "wf-1",
		Name: "linear",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger, Config: Config{TriggerType: "manual"}},
			{ID: "call", Type: NodeAPICall, Config: Config{URL: "https://api.example.com", Method: "POST"}},
			{ID: "done", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "call"},
			{ID: "e2", Source: "call", Target: "done"},
		},
	}
}

func TestValidate_WellFormed(t *testing.T) {
	require.NoError(t, Validate(linearDefinition()))
}

func TestValidate_MissingTriggerAndEnd(t *testing.T) {
	d := &Definition{
		ID:    "wf-2",
		Nodes: []Node{{ID: "call", Type: NodeAPICall, Config: Config{URL: "https://x", Method: "GET"}}},
	}
	err := Validate(d)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, err.Error(), "trigger node")
	require.Contains(t, err.Error(), "end node")
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	d := linearDefinition()
	d.Nodes = append(d.Nodes, Node{ID: "call", Type: NodeAPICall, Config: Config{URL: "https://x", Method: "GET"}})
	d.Edges = append(d.Edges, Edge{ID: "e3", Source: "start", Target: "call"})
	err := Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), `duplicate node id "call"`)
}

func TestValidate_UnknownNodeType(t *testing.T) {
	d := linearDefinition()
	d.Nodes[1].Type = "teleport"
	err := Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown type "teleport"`)
}

func TestValidate_DanglingEdge(t *testing.T) {
	d := linearDefinition()
	d.Edges = append(d.Edges, Edge{ID: "e9", Source: "call", Target: "ghost"})
	err := Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown target "ghost"`)
}

func TestValidate_OrphanedNode(t *testing.T) {
	d := linearDefinition()
	d.Nodes = append(d.Nodes, Node{ID: "island", Type: NodeTimer})
	err := Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not connected")
}

func TestValidate_ConfigRequirements(t *testing.T) {
	cases := []struct {
		name string
		node Node
		want string
	}{
		{"api call without url", Node{ID: "n", Type: NodeAPICall, Config: Config{Method: "GET"}}, "missing a url"},
		{"api call without method", Node{ID: "n", Type: NodeAPICall, Config: Config{URL: "https://x"}}, "missing an http method"},
		{"approval without description", Node{ID: "n", Type: NodeApproval, Config: Config{Approvers: []string{"a@x"}}}, "no description"},
		{"approval without approvers", Node{ID: "n", Type: NodeApproval, Config: Config{Description: "ship it"}}, "no approvers"},
		{"conditional without expression", Node{ID: "n", Type: NodeConditional}, "missing a condition expression"},
		{"eval without type", Node{ID: "n", Type: NodeEval}, "missing an eval type"},
		{"event without channel", Node{ID: "n", Type: NodeEvent, Config: Config{Operation: "publish"}}, "missing a channel"},
		{"event without operation", Node{ID: "n", Type: NodeEvent, Config: Config{Channel: "orders"}}, "missing an operation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := linearDefinition()
			d.Nodes = append(d.Nodes, tc.node)
			d.Edges = append(d.Edges, Edge{ID: "e3", Source: "start", Target: "n"})
			err := Validate(d)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_MergeNeedsTwoInputs(t *testing.T) {
	d := linearDefinition()
	d.Nodes = append(d.Nodes, Node{ID: "m", Type: NodeMerge, Config: Config{MergeStrategy: MergeCombine}})
	d.Edges = append(d.Edges, Edge{ID: "e3", Source: "call", Target: "m"})
	err := Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least two incoming connections")
}
