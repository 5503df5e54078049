// Package graph defines the workflow definition model: the directed graph of
// typed nodes and edges that the interpreter walks at execution time.
// Definitions are immutable documents; they are created by callers, referenced
// by id and never mutated while an execution is in flight.
package graph

import "time"

// NodeType enumerates the closed set of node types understood by the engine.
type NodeType string

const (
	// NodeTrigger marks the entry point of a workflow.
	NodeTrigger NodeType = "trigger"
	// NodeAgent invokes an AI agent through a configured provider.
	NodeAgent NodeType = "agent"
	// NodeAPICall issues an HTTP request.
	NodeAPICall NodeType = "api_call"
	// NodeApproval suspends the execution until a human decision arrives.
	NodeApproval NodeType = "approval"
	// NodeConditional routes the execution on a boolean expression.
	NodeConditional NodeType = "conditional"
	// NodeEval scores the previous node's output against a quality gate.
	NodeEval NodeType = "eval"
	// NodeMerge combines the outputs of several upstream branches.
	NodeMerge NodeType = "merge"
	// NodeTimer delays the execution for a fixed or derived duration.
	NodeTimer NodeType = "timer"
	// NodeEvent publishes the previous output onto a named event channel.
	NodeEvent NodeType = "event"
	// NodeEnd terminates the execution.
	NodeEnd NodeType = "end"
)

// nodeTypes is the set used by Validate to reject unknown types.
var nodeTypes = map[NodeType]struct{}{
	NodeTrigger: {}, NodeAgent: {}, NodeAPICall: {}, NodeApproval: {},
	NodeConditional: {}, NodeEval: {}, NodeMerge: {}, NodeTimer: {},
	NodeEvent: {}, NodeEnd: {},
}

// Definition is a persisted workflow document. Node ids are unique within a
// definition; edges reference nodes by id only, never by pointer, so cycles
// introduced through conditionals are representable without cyclic references.
type Definition struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	IsTemplate  bool      `json:"is_template,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Node is a single vertex of the workflow graph.
type Node struct {
	ID     string   `json:"id"`
	Type   NodeType `json:"type"`
	Label  string   `json:"label,omitempty"`
	Config Config   `json:"config"`
}

// Edge connects two nodes. SourceHandle carries the branch label for
// multi-out nodes: "true"/"false" on conditionals, "approve"/"reject" on
// approvals. Condition optionally gates the edge with an expression evaluated
// against the source node's output.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// Branch handle labels used on conditional and approval edges.
const (
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleApprove = "approve"
	HandleReject  = "reject"
)

// Config is the type-specific configuration record attached to a node. It is
// modeled as a sparse struct: executors read only the fields relevant to their
// node type and Validate enforces per-type required fields.
type Config struct {
	// Trigger
	TriggerType string         `json:"trigger_type,omitempty"` // manual|schedule|webhook
	InputText   string         `json:"input_text,omitempty"`
	InputJSON   map[string]any `json:"input_json,omitempty"`
	Schedule    string         `json:"schedule,omitempty"`
	WebhookURL  string         `json:"webhook_url,omitempty"`

	// Agent
	SystemInstructions   string   `json:"system_instructions,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	ExpectedOutputFormat string   `json:"expected_output_format,omitempty"`
	Provider             string   `json:"provider,omitempty"`
	AgentID              string   `json:"agent_id,omitempty"`
	AlternateAgentIDs    []string `json:"alternate_agent_ids,omitempty"`
	EnableAutoTuning     bool     `json:"enable_auto_tuning,omitempty"`
	CleanupURL           string   `json:"cleanup_url,omitempty"`

	// API call
	URL                string            `json:"url,omitempty"`
	Method             string            `json:"method,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               map[string]any    `json:"body,omitempty"`
	CompensationMethod string            `json:"compensation_method,omitempty"`

	// Approval
	Description   string   `json:"description,omitempty"`
	Approvers     []string `json:"approvers,omitempty"`
	ApproverEmail string   `json:"approver_email,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	ApprovalType  string   `json:"approval_type,omitempty"` // any|all|majority
	TimeoutHours  float64  `json:"timeout_hours,omitempty"`

	// Conditional
	ConditionExpression string `json:"condition_expression,omitempty"`

	// Eval
	EvalType  string     `json:"eval_type,omitempty"` // schema|llm_judge|policy|custom
	Eval      EvalConfig `json:"eval_config,omitempty"`
	OnFailure string     `json:"on_failure,omitempty"` // block|warn|retry|compensate

	// Merge
	MergeStrategy string `json:"merge_strategy,omitempty"` // combine|first|vote

	// Timer
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// Event
	Channel   string `json:"channel,omitempty"`
	Operation string `json:"operation,omitempty"` // publish|subscribe

	// End
	CaptureOutput bool `json:"capture_output,omitempty"`
	ShowOutput    bool `json:"show_output,omitempty"`
}

// EvalConfig holds the type-specific settings of an eval node.
type EvalConfig struct {
	SchemaDef           map[string]any `json:"schema_def,omitempty"`
	ConfidenceThreshold float64        `json:"confidence_threshold,omitempty"`
	JudgePrompt         string         `json:"judge_prompt,omitempty"`
	PolicyRules         []PolicyRule   `json:"policy_rules,omitempty"`
}

// PolicyRule is a single rule checked by the policy eval type.
type PolicyRule struct {
	Type          string  `json:"type"` // cost_limit|confidence_threshold|pii_detection
	MaxCost       float64 `json:"max_cost,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// Eval failure dispositions.
const (
	OnFailureBlock      = "block"
	OnFailureWarn       = "warn"
	OnFailureRetry      = "retry"
	OnFailureCompensate = "compensate"
)

// Merge strategies.
const (
	MergeCombine = "combine"
	MergeFirst   = "first"
	MergeVote    = "vote"
)

// Approval resolution modes.
const (
	ApprovalAny      = "any"
	ApprovalAll      = "all"
	ApprovalMajority = "majority"
)

// FindNode returns the node with the given id, or nil.
func (d *Definition) FindNode(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the id of the trigger node, falling back to the first
// node when the definition has no trigger. Returns "" for an empty graph.
func (d *Definition) StartNode() string {
	for _, n := range d.Nodes {
		if n.Type == NodeTrigger {
			return n.ID
		}
	}
	if len(d.Nodes) > 0 {
		return d.Nodes[0].ID
	}
	return ""
}

// OutgoingEdges returns the edges whose source is the given node, ordered
// deterministically by edge id so that routing is replay-stable.
func (d *Definition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out
}

// IncomingEdges returns the edges whose target is the given node, ordered by
// edge id.
func (d *Definition) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range d.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	sortEdges(in)
	return in
}

func sortEdges(edges []Edge) {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].ID < edges[j-1].ID; j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
}
