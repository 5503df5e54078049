package graph

import (
	"fmt"
	"strings"
)

// ValidationError reports every structural problem found in a definition.
// It is returned before any execution starts; a definition that fails
// validation is never handed to the interpreter.
type ValidationError struct {
	Problems []string
}

// Error joins all problems into a single message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(e.Problems, "; "))
}

// Validate checks a definition for structural and per-type configuration
// problems: missing trigger or end node, duplicate or unknown node ids,
// dangling edges, orphaned nodes, and missing required config fields.
// Returns nil when the definition is well formed.
func Validate(d *Definition) error {
	var problems []string

	ids := make(map[string]struct{}, len(d.Nodes))
	hasTrigger, hasEnd := false, false
	for _, n := range d.Nodes {
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if _, dup := ids[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = struct{}{}
		if _, ok := nodeTypes[n.Type]; !ok {
			problems = append(problems, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
		switch n.Type {
		case NodeTrigger:
			hasTrigger = true
		case NodeEnd:
			hasEnd = true
		}
	}
	if !hasTrigger {
		problems = append(problems, "workflow must have a trigger node")
	}
	if !hasEnd {
		problems = append(problems, "workflow must have an end node")
	}

	connected := make(map[string]struct{}, len(d.Nodes))
	for _, e := range d.Edges {
		if _, ok := ids[e.Source]; !ok {
			problems = append(problems, fmt.Sprintf("edge %q references unknown source %q", e.ID, e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			problems = append(problems, fmt.Sprintf("edge %q references unknown target %q", e.ID, e.Target))
		}
		connected[e.Source] = struct{}{}
		connected[e.Target] = struct{}{}
	}

	for _, n := range d.Nodes {
		label := n.Label
		if label == "" {
			label = n.ID
		}
		if n.Type != NodeTrigger && n.Type != NodeEnd {
			if _, ok := connected[n.ID]; !ok {
				problems = append(problems, fmt.Sprintf("node %q is not connected to the workflow", label))
			}
		}
		if n.Type != NodeTrigger && len(d.IncomingEdges(n.ID)) == 0 && len(d.Edges) > 0 {
			if _, ok := connected[n.ID]; ok {
				problems = append(problems, fmt.Sprintf("node %q has no incoming connections", label))
			}
		}
		problems = append(problems, validateConfig(&n, d)...)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateConfig(n *Node, d *Definition) []string {
	var problems []string
	label := n.Label
	if label == "" {
		label = n.ID
	}
	cfg := n.Config
	switch n.Type {
	case NodeAPICall:
		if cfg.URL == "" {
			problems = append(problems, fmt.Sprintf("api_call node %q is missing a url", label))
		}
		if cfg.Method == "" {
			problems = append(problems, fmt.Sprintf("api_call node %q is missing an http method", label))
		}
	case NodeApproval:
		if cfg.Description == "" {
			problems = append(problems, fmt.Sprintf("approval node %q has no description", label))
		}
		if len(cfg.Approvers) == 0 && cfg.ApproverEmail == "" {
			problems = append(problems, fmt.Sprintf("approval node %q has no approvers configured", label))
		}
	case NodeConditional:
		if cfg.ConditionExpression == "" {
			problems = append(problems, fmt.Sprintf("conditional node %q is missing a condition expression", label))
		}
	case NodeEval:
		if cfg.EvalType == "" {
			problems = append(problems, fmt.Sprintf("eval node %q is missing an eval type", label))
		}
	case NodeMerge:
		if len(d.IncomingEdges(n.ID)) < 2 {
			problems = append(problems, fmt.Sprintf("merge node %q must have at least two incoming connections", label))
		}
	case NodeEvent:
		if cfg.Channel == "" {
			problems = append(problems, fmt.Sprintf("event node %q is missing a channel", label))
		}
		if cfg.Operation == "" {
			problems = append(problems, fmt.Sprintf("event node %q is missing an operation", label))
		}
	}
	return problems
}
