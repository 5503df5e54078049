package interpreter_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/runtime/activities"
	"github.com/loomworks/loom/runtime/compensation"
	"github.com/loomworks/loom/runtime/healing"
	"github.com/loomworks/loom/runtime/interpreter"
	"github.com/loomworks/loom/runtime/model"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/store/inmem"
	"github.com/loomworks/loom/runtime/stream"
)

const testExecutionID = "exec-test"

// scriptedProvider returns canned completions per model id and records every
// request it sees.
type scriptedProvider struct {
	mu      sync.Mutex
	replies map[string]string
	fail    map[string]bool
	calls   []model.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req model.Request) (model.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.fail[req.Model] {
		return model.Response{}, fmt.Errorf("provider unavailable for %s", req.Model)
	}
	reply, ok := p.replies[req.Model]
	if !ok {
		reply = "ok"
	}
	return model.Response{
		Output: reply,
		Model:  req.Model,
		Usage:  model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *scriptedProvider) requests() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Request(nil), p.calls...)
}

func (p *scriptedProvider) models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		out = append(out, c.Model)
	}
	return out
}

// recordingBus captures every published envelope in order.
type recordingBus struct {
	mu   sync.Mutex
	envs []stream.Envelope
}

func (b *recordingBus) Publish(_ context.Context, _, _ string, env stream.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan stream.Envelope, error) {
	ch := make(chan stream.Envelope)
	close(ch)
	return ch, nil
}

func (b *recordingBus) Replay(context.Context, string, string, int) ([]stream.Envelope, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]stream.Envelope(nil), b.envs...), "", nil
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.envs {
		out = append(out, e.EventType)
	}
	return out
}

func (b *recordingBus) count(eventType string) int {
	n := 0
	for _, t := range b.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (b *recordingBus) has(eventType string) bool { return b.count(eventType) > 0 }

// fixture wires the real activity set to in-memory collaborators under the
// Temporal test environment.
type fixture struct {
	env      *testsuite.TestWorkflowEnvironment
	store    *inmem.Store
	bus      *recordingBus
	provider *scriptedProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := inmem.New()
	bus := &recordingBus{}
	provider := &scriptedProvider{replies: map[string]string{}, fail: map[string]bool{}}
	heal := healing.New(st.Scores())
	comp := compensation.New(compensation.Options{Log: st.Compensations(), Bus: bus})
	acts := activities.New(activities.Options{
		Provider:    provider,
		Bus:         bus,
		Executions:  st,
		Approvals:   st.Approvals(),
		Events:      st.Events(),
		Healing:     heal,
		Compensator: comp,
	})

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.SetStartWorkflowOptions(client.StartWorkflowOptions{ID: testExecutionID})
	env.RegisterWorkflow(interpreter.Execute)
	env.RegisterActivity(acts)

	return &fixture{env: env, store: st, bus: bus, provider: provider}
}

func (f *fixture) run(t *testing.T, in interpreter.Input) *interpreter.Result {
	t.Helper()
	f.env.ExecuteWorkflow(interpreter.Execute, in)
	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())
	var res interpreter.Result
	require.NoError(t, f.env.GetWorkflowResult(&res))
	return &res
}

func node(id string, typ graph.NodeType, cfg graph.Config) graph.Node {
	return graph.Node{ID: id, Type: typ, Config: cfg}
}

func edge(id, source, target string) graph.Edge {
	return graph.Edge{ID: id, Source: source, Target: target}
}

func branch(id, source, target, handle string) graph.Edge {
	return graph.Edge{ID: id, Source: source, Target: target, SourceHandle: handle}
}

func historyEntry(t *testing.T, res *interpreter.Result, nodeID string) interpreter.HistoryEntry {
	t.Helper()
	for _, h := range res.History {
		if h.NodeID == nodeID {
			return h
		}
	}
	t.Fatalf("history has no entry for node %q", nodeID)
	return interpreter.HistoryEntry{}
}

func TestLinearAgentWorkflow(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "positive"

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-linear",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{TriggerType: "manual"}),
				node("classify", graph.NodeAgent, graph.Config{
					SystemInstructions: "Respond with positive, negative, or neutral",
					AgentID:            "gpt-4o-mini",
				}),
				node("finish", graph.NodeEnd, graph.Config{CaptureOutput: true}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "classify"),
				edge("e2", "classify", "finish"),
			},
		},
		Input: map[string]any{"input_text": "The product is great but delivery was slow"},
	})

	require.Equal(t, interpreter.StatusCompleted, res.Status)
	for _, h := range res.History {
		require.Equal(t, "success", h.Status)
	}
	require.Equal(t, []string{"start", "classify", "finish"},
		[]string{res.History[0].NodeID, res.History[1].NodeID, res.History[2].NodeID})

	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	agent, ok := out["agent"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "positive", agent["output"])

	// The prompt reaches the agent through the trigger extractor.
	calls := f.provider.requests()
	require.Len(t, calls, 1)
	require.Equal(t, "The product is great but delivery was slow", calls[0].Prompt)

	require.Equal(t, 1, f.bus.count(stream.WorkflowStarted))
	require.Equal(t, 1, f.bus.count(stream.WorkflowCompleted))
	require.Equal(t, 2, f.bus.count(stream.NodeCompleted))

	exec, err := f.store.Get(context.Background(), testExecutionID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
}

// conditionalDef builds trigger → agent → conditional → end_pos | end_neg.
func conditionalDef(expr string) graph.Definition {
	return graph.Definition{
		Nodes: []graph.Node{
			node("start", graph.NodeTrigger, graph.Config{}),
			node("classify", graph.NodeAgent, graph.Config{AgentID: "gpt-4o-mini"}),
			node("check", graph.NodeConditional, graph.Config{ConditionExpression: expr}),
			node("end_pos", graph.NodeEnd, graph.Config{CaptureOutput: true}),
			node("end_neg", graph.NodeEnd, graph.Config{CaptureOutput: true}),
		},
		Edges: []graph.Edge{
			edge("e1", "start", "classify"),
			edge("e2", "classify", "check"),
			branch("e3", "check", "end_pos", graph.HandleTrue),
			branch("e4", "check", "end_neg", graph.HandleFalse),
		},
	}
}

func TestConditionalRoutesOnExpression(t *testing.T) {
	// An agent reply that parses as a JSON object exposes its fields
	// directly on the `output` variable.
	def := conditionalDef("output.sentiment == 'positive'")

	t.Run("true branch", func(t *testing.T) {
		f := newFixture(t)
		f.provider.replies["gpt-4o-mini"] = `{"sentiment": "positive"}`
		res := f.run(t, interpreter.Input{WorkflowID: "wf-cond", Definition: def, Input: map[string]any{"text": "hi"}})

		require.Equal(t, interpreter.StatusCompleted, res.Status)
		cond := historyEntry(t, res, "check")
		require.NotNil(t, cond.Output.Condition)
		require.True(t, cond.Output.Condition.Matched)
		require.Equal(t, graph.HandleTrue, cond.Output.Condition.Branch)
		require.Equal(t, "end_pos", res.History[len(res.History)-1].NodeID)
	})

	t.Run("false branch", func(t *testing.T) {
		f := newFixture(t)
		f.provider.replies["gpt-4o-mini"] = `{"sentiment": "negative"}`
		res := f.run(t, interpreter.Input{WorkflowID: "wf-cond", Definition: def, Input: map[string]any{"text": "hi"}})

		require.Equal(t, interpreter.StatusCompleted, res.Status)
		cond := historyEntry(t, res, "check")
		require.False(t, cond.Output.Condition.Matched)
		require.Equal(t, "end_neg", res.History[len(res.History)-1].NodeID)
	})

	t.Run("envelope fields stay addressable", func(t *testing.T) {
		f := newFixture(t)
		f.provider.replies["gpt-4o-mini"] = "definitely positive"
		res := f.run(t, interpreter.Input{
			WorkflowID: "wf-cond-env",
			Definition: conditionalDef("output.agent.output.contains('positive')"),
			Input:      map[string]any{"text": "hi"},
		})

		require.Equal(t, interpreter.StatusCompleted, res.Status)
		require.Equal(t, "end_pos", res.History[len(res.History)-1].NodeID)
	})
}

func TestEvalBlockFailsExecution(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "not a json object"

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-eval",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("draft", graph.NodeAgent, graph.Config{AgentID: "gpt-4o-mini"}),
				node("gate", graph.NodeEval, graph.Config{
					EvalType:  "schema",
					OnFailure: graph.OnFailureBlock,
					Eval: graph.EvalConfig{SchemaDef: map[string]any{
						"type":     "object",
						"required": []any{"sentiment"},
					}},
				}),
				node("finish", graph.NodeEnd, graph.Config{}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "draft"),
				edge("e2", "draft", "gate"),
				edge("e3", "gate", "finish"),
			},
		},
		Input: map[string]any{"text": "hi"},
	})

	require.Equal(t, interpreter.StatusFailed, res.Status)
	require.Contains(t, res.Error, "eval failed")
	require.Equal(t, "failed", historyEntry(t, res, "gate").Status)
	require.True(t, f.bus.has(stream.WorkflowFailed))
	require.True(t, f.bus.has(stream.NodeFailed))

	// Compensation covered the completed nodes; neither has side effects to
	// undo so both records succeed as no-ops.
	recs, err := f.store.Compensations().ListByExecution(context.Background(), testExecutionID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "draft", recs[0].NodeID)
	require.Equal(t, "start", recs[1].NodeID)
	for _, rec := range recs {
		require.Equal(t, store.CompensationSuccess, rec.Status)
	}

	exec, err := f.store.Get(context.Background(), testExecutionID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionFailed, exec.Status)
	require.Contains(t, exec.Error, "eval failed")
}

func TestEvalWarnContinues(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "free text"

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-eval-warn",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("draft", graph.NodeAgent, graph.Config{AgentID: "gpt-4o-mini"}),
				node("gate", graph.NodeEval, graph.Config{
					EvalType:  "schema",
					OnFailure: graph.OnFailureWarn,
					Eval:      graph.EvalConfig{SchemaDef: map[string]any{"type": "object"}},
				}),
				node("finish", graph.NodeEnd, graph.Config{}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "draft"),
				edge("e2", "draft", "gate"),
				edge("e3", "gate", "finish"),
			},
		},
		Input: map[string]any{"text": "hi"},
	})

	require.Equal(t, interpreter.StatusCompleted, res.Status)
	gate := historyEntry(t, res, "gate")
	require.Equal(t, "success", gate.Status)
	require.False(t, gate.Output.Eval.Passed)
	require.True(t, f.bus.has(stream.EvalWarning))
	require.False(t, f.bus.has(stream.WorkflowFailed))
}

func TestTimerDurationFromAgentText(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "please wait 2 minutes before proceeding"

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-timer",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("plan", graph.NodeAgent, graph.Config{AgentID: "gpt-4o-mini"}),
				node("wait", graph.NodeTimer, graph.Config{}),
				node("finish", graph.NodeEnd, graph.Config{}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "plan"),
				edge("e2", "plan", "wait"),
				edge("e3", "wait", "finish"),
			},
		},
		Input: map[string]any{"text": "hi"},
	})

	require.Equal(t, interpreter.StatusCompleted, res.Status)
	wait := historyEntry(t, res, "wait")
	require.Equal(t, 120, wait.Output.Timer.WaitedSeconds)
	require.True(t, f.bus.has(stream.TimerStarted))
	require.True(t, f.bus.has(stream.TimerCompleted))
}

func TestMergeCombinesBranchOutputs(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["m-first"] = "first answer"
	f.provider.replies["m-second"] = "second answer"

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-merge",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("a1", graph.NodeAgent, graph.Config{AgentID: "m-first"}),
				node("a2", graph.NodeAgent, graph.Config{AgentID: "m-second"}),
				node("join", graph.NodeMerge, graph.Config{MergeStrategy: graph.MergeCombine}),
				node("finish", graph.NodeEnd, graph.Config{}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "a1"),
				edge("e2", "a1", "a2"),
				edge("e3", "a2", "join"),
				edge("e4", "a1", "join"),
				edge("e5", "join", "finish"),
			},
		},
		Input: map[string]any{"text": "hi"},
	})

	require.Equal(t, interpreter.StatusCompleted, res.Status)
	join := historyEntry(t, res, "join")
	require.ElementsMatch(t, []string{"a1", "a2"}, join.Output.Merge.Sources)
	require.Equal(t, graph.MergeCombine, join.Output.Merge.Strategy)
}

func TestEventNodePublishesUserChannel(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "done"

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-event",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("work", graph.NodeAgent, graph.Config{AgentID: "gpt-4o-mini"}),
				node("announce", graph.NodeEvent, graph.Config{Channel: "orders.ready", Operation: "publish"}),
				node("finish", graph.NodeEnd, graph.Config{}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "work"),
				edge("e2", "work", "announce"),
				edge("e3", "announce", "finish"),
			},
		},
		Input: map[string]any{"text": "hi"},
	})

	require.Equal(t, interpreter.StatusCompleted, res.Status)
	require.Equal(t, "orders.ready", historyEntry(t, res, "announce").Output.Event.EventName)
	require.True(t, f.bus.has("orders.ready"))
}

func TestStateQueryReportsSummary(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "positive"

	f.run(t, interpreter.Input{
		WorkflowID: "wf-summary",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("classify", graph.NodeAgent, graph.Config{AgentID: "gpt-4o-mini"}),
				node("finish", graph.NodeEnd, graph.Config{CaptureOutput: true}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "classify"),
				edge("e2", "classify", "finish"),
			},
		},
		Input: map[string]any{"text": "hi"},
	})

	v, err := f.env.QueryWorkflow(interpreter.QueryState)
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, v.Get(&state))

	summary, ok := state["summary"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(15), summary["total_tokens"])
	require.Greater(t, summary["total_cost"].(float64), 0.0)

	byType, ok := summary["nodes_by_type"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), byType["trigger"])
	require.Equal(t, float64(1), byType["agent"])
	require.Equal(t, float64(1), byType["end"])
}

func TestAgentInstructionsResolveTemplates(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "done"

	f.run(t, interpreter.Input{
		WorkflowID: "wf-template",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("write", graph.NodeAgent, graph.Config{
					AgentID:            "gpt-4o-mini",
					SystemInstructions: "Respond in a {{input.tone}} tone about {{input.subject.name}}",
				}),
				node("finish", graph.NodeEnd, graph.Config{}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "write"),
				edge("e2", "write", "finish"),
			},
		},
		Input: map[string]any{
			"tone":    "formal",
			"subject": map[string]any{"name": "quarterly results"},
		},
	})

	calls := f.provider.requests()
	require.Len(t, calls, 1)
	require.Equal(t, "Respond in a formal tone about quarterly results", calls[0].System)
}

func TestInvalidDefinitionFailsBeforeAnyNode(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-invalid",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				// No end node; api_call missing url and method.
				node("call", graph.NodeAPICall, graph.Config{}),
			},
			Edges: []graph.Edge{edge("e1", "start", "call")},
		},
	})

	require.Equal(t, interpreter.StatusFailed, res.Status)
	require.Contains(t, res.Error, "invalid definition")
	require.Empty(t, res.History)
	require.False(t, f.bus.has(stream.NodeStarted))
}

func TestMultipleUnlabeledEdgesWarnAndFollowFirst(t *testing.T) {
	f := newFixture(t)
	f.provider.replies["gpt-4o-mini"] = "done"

	res := f.run(t, interpreter.Input{
		WorkflowID: "wf-warn",
		Definition: graph.Definition{
			Nodes: []graph.Node{
				node("start", graph.NodeTrigger, graph.Config{}),
				node("work", graph.NodeAgent, graph.Config{AgentID: "gpt-4o-mini"}),
				node("finish_a", graph.NodeEnd, graph.Config{CaptureOutput: true}),
				node("finish_b", graph.NodeEnd, graph.Config{CaptureOutput: true}),
			},
			Edges: []graph.Edge{
				edge("e1", "start", "work"),
				edge("e2", "work", "finish_a"),
				edge("e3", "work", "finish_b"),
			},
		},
		Input: map[string]any{"text": "hi"},
	})

	require.Equal(t, interpreter.StatusCompleted, res.Status)
	require.True(t, f.bus.has(stream.NodeWarning))
	// Deterministic ordering by edge id picks e2.
	require.Equal(t, "finish_a", res.History[len(res.History)-1].NodeID)
}
