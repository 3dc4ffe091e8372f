package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solmak/bothive/internal/catalog"
	"github.com/solmak/bothive/internal/nodes"
	"github.com/solmak/bothive/internal/store"
	"github.com/solmak/bothive/internal/streaming"
	"github.com/solmak/bothive/pkg/schema"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	eng, err := New(Config{
		Store:    st,
		Hub:      streaming.NewMemoryHub(),
		Catalog:  catalog.Builtin(),
		Registry: nodes.NewRegistry(),
		Workers:  4,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)
	return eng, st
}

func nodeCategory(nodeType string) schema.NodeCategory {
	switch {
	case strings.HasPrefix(nodeType, "trigger."):
		return schema.CategoryTrigger
	case strings.HasPrefix(nodeType, "logic."):
		return schema.CategoryLogic
	case strings.HasPrefix(nodeType, "data."):
		return schema.CategoryData
	case strings.HasPrefix(nodeType, "action."):
		return schema.CategoryAction
	}
	return schema.CategoryUtility
}

func wfNode(id, nodeType string, cfg map[string]any) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Type: nodeType, Category: nodeCategory(nodeType), Config: cfg}
}

func wfEdge(sn, sp, tn, tp string) schema.EdgeDefinition {
	return schema.EdgeDefinition{SourceNode: sn, SourcePort: sp, TargetNode: tn, TargetPort: tp}
}

func saveWorkflow(t *testing.T, st store.Store, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, st.CreateWorkflow(context.Background(), def))
}

func manualSource(payload map[string]any) schema.TriggerSource {
	return schema.TriggerSource{Kind: schema.TriggerManual, Payload: payload}
}

func entriesFor(t *testing.T, st store.Store, executionID, nodeID string) []*schema.LogEntry {
	t.Helper()
	all, err := st.GetLog(context.Background(), executionID)
	require.NoError(t, err)
	var out []*schema.LogEntry
	for _, en := range all {
		if en.NodeID == nodeID {
			out = append(out, en)
		}
	}
	return out
}

func entriesWithStatus(t *testing.T, st store.Store, executionID, nodeID string, status schema.NodeRunStatus) []*schema.LogEntry {
	t.Helper()
	var out []*schema.LogEntry
	for _, en := range entriesFor(t, st, executionID, nodeID) {
		if en.Status == status {
			out = append(out, en)
		}
	}
	return out
}

func TestFireTriggerManualCompletes(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-1",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("note", schema.NodeUtilLog, map[string]any{"message": "hello"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "note", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-1", manualSource(map[string]any{"who": "tester"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.FinishedAt)

	// each dispatched node records a Running entry, then its outcome
	log, err := st.GetLog(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, log, 4)
	for i, want := range []struct {
		nodeID string
		status schema.NodeRunStatus
	}{
		{"start", schema.NodeRunning},
		{"start", schema.NodeSuccess},
		{"note", schema.NodeRunning},
		{"note", schema.NodeSuccess},
	} {
		assert.Equal(t, want.nodeID, log[i].NodeID)
		assert.Equal(t, want.status, log[i].Status)
		assert.Equal(t, int64(i+1), log[i].Sequence)
	}
}

func TestFireTriggerNoMatchingTrigger(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-sched",
		Nodes: []schema.NodeDefinition{
			wfNode("cron", schema.NodeTriggerSchedule, map[string]any{"cron": "0 * * * *"}),
		},
	}
	saveWorkflow(t, st, def)

	_, err := eng.FireTrigger(context.Background(), "wf-sched", manualSource(nil))
	require.Error(t, err)
	he, ok := err.(*schema.HiveError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, he.Code)

	execs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestIfRoutesTrueBranchOnly(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-if",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("check", schema.NodeLogicIf, map[string]any{
				"path": "payload.count", "operator": schema.OpGreaterThan, "value": 5,
			}),
			wfNode("yes", schema.NodeUtilLog, map[string]any{"message": "big"}),
			wfNode("no", schema.NodeUtilLog, map[string]any{"message": "small"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "check", schema.PortIn),
			wfEdge("check", schema.PortTrue, "yes", schema.PortIn),
			wfEdge("check", schema.PortFalse, "no", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-if", manualSource(map[string]any{"count": 7}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "yes", schema.NodeSuccess), 1)
	assert.Empty(t, entriesFor(t, st, exec.ID, "no"))
}

func mergeWorkflow(mode string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf-merge",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("left", schema.NodeUtilLog, map[string]any{"message": "left"}),
			wfNode("right", schema.NodeUtilLog, map[string]any{"message": "right"}),
			wfNode("join", schema.NodeLogicMerge, map[string]any{"mode": mode}),
			wfNode("after", schema.NodeUtilLog, map[string]any{"message": "after"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "left", schema.PortIn),
			wfEdge("start", schema.PortOut, "right", schema.PortIn),
			wfEdge("left", schema.PortOut, "join", "a"),
			wfEdge("right", schema.PortOut, "join", "b"),
			wfEdge("join", schema.PortOut, "after", schema.PortIn),
		},
	}
}

func TestMergeWaitAllFiresOnceWithAllInputs(t *testing.T) {
	eng, st := newTestEngine(t)
	saveWorkflow(t, st, mergeWorkflow("wait_all"))

	exec, err := eng.FireTrigger(context.Background(), "wf-merge", manualSource(map[string]any{"v": 1}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	joins := entriesWithStatus(t, st, exec.ID, "join", schema.NodeSuccess)
	require.Len(t, joins, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal(joins[0].Output, &out))
	merged, ok := out[schema.PortOut].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, merged, "a")
	assert.Contains(t, merged, "b")
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "after", schema.NodeSuccess), 1)
}

func TestMergeWaitAnyFiresOnFirstArrivalOnly(t *testing.T) {
	eng, st := newTestEngine(t)
	saveWorkflow(t, st, mergeWorkflow("wait_any"))

	exec, err := eng.FireTrigger(context.Background(), "wf-merge", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "join", schema.NodeSuccess), 1)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "after", schema.NodeSuccess), 1)
}

func TestMergePassThroughFiresPerArrival(t *testing.T) {
	eng, st := newTestEngine(t)
	saveWorkflow(t, st, mergeWorkflow("pass_through"))

	exec, err := eng.FireTrigger(context.Background(), "wf-merge", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "join", schema.NodeSuccess), 2)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "after", schema.NodeSuccess), 2)
}

func TestLoopArrayIteratesSequentiallyThenDone(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-loop",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("each", schema.NodeLogicLoop, map[string]any{
				"mode": "array", "path": "payload.items",
			}),
			wfNode("body", schema.NodeUtilLog, map[string]any{"message": "item"}),
			wfNode("finish", schema.NodeUtilLog, map[string]any{"message": "done"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "each", schema.PortIn),
			wfEdge("each", schema.PortItem, "body", schema.PortIn),
			wfEdge("each", schema.PortDone, "finish", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-loop",
		manualSource(map[string]any{"items": []any{"a", "b", "c"}}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	bodies := entriesWithStatus(t, st, exec.ID, "body", schema.NodeSuccess)
	require.Len(t, bodies, 3)
	finishes := entriesWithStatus(t, st, exec.ID, "finish", schema.NodeSuccess)
	require.Len(t, finishes, 1)
	// the done branch runs strictly after every iteration
	assert.Greater(t, finishes[0].Sequence, bodies[2].Sequence)

	loops := entriesWithStatus(t, st, exec.ID, "each", schema.NodeSuccess)
	require.Len(t, loops, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal(loops[0].Output, &out))
	done, ok := out[schema.PortDone].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, done["count"])
}

func TestLoopCountMode(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-count",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("each", schema.NodeLogicLoop, map[string]any{"mode": "count", "count": 4}),
			wfNode("body", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "each", schema.PortIn),
			wfEdge("each", schema.PortItem, "body", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-count", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	// count mode feeds the body the index only; the item payload is null
	bodies := entriesWithStatus(t, st, exec.ID, "body", schema.NodeSuccess)
	require.Len(t, bodies, 4)
	for _, en := range bodies {
		var in map[string]any
		require.NoError(t, json.Unmarshal(en.Input, &in))
		item, present := in[schema.PortIn]
		assert.True(t, present)
		assert.Nil(t, item)
	}
}

func TestLoopBodyMergeResetsPerIteration(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-loop-merge",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("each", schema.NodeLogicLoop, map[string]any{"mode": "count", "count": 3}),
			wfNode("left", schema.NodeUtilLog, nil),
			wfNode("right", schema.NodeUtilLog, nil),
			wfNode("join", schema.NodeLogicMerge, map[string]any{"mode": "wait_all"}),
			wfNode("after", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "each", schema.PortIn),
			wfEdge("each", schema.PortItem, "left", schema.PortIn),
			wfEdge("each", schema.PortItem, "right", schema.PortIn),
			wfEdge("left", schema.PortOut, "join", "a"),
			wfEdge("right", schema.PortOut, "join", "b"),
			wfEdge("join", schema.PortOut, "after", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-loop-merge", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "join", schema.NodeSuccess), 3)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "after", schema.NodeSuccess), 3)
}

func TestStopFreezesFrontier(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-stop",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("halt", schema.NodeLogicStop, map[string]any{"outcome": "completed"}),
			wfNode("never", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "halt", schema.PortIn),
			wfEdge("start", schema.PortOut, "never", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-stop", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "halt", schema.NodeSuccess), 1)
	assert.Empty(t, entriesFor(t, st, exec.ID, "never"))
}

func TestStopFailedOutcome(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-stop-fail",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("halt", schema.NodeLogicStop, map[string]any{
				"outcome": "failed", "message": "nothing to harvest",
			}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "halt", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-stop-fail", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, "nothing to harvest", exec.Error)
}

func TestNodeErrorRoutesErrorPath(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-errpath",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("boom", schema.NodeDataTransform, map[string]any{"expression": ".payload | foo("}),
			wfNode("rescue", schema.NodeUtilLog, map[string]any{"message": "recovered"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "boom", schema.PortIn),
			wfEdge("boom", schema.PortError, "rescue", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-errpath", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	booms := entriesWithStatus(t, st, exec.ID, "boom", schema.NodeError)
	require.Len(t, booms, 1)
	assert.Equal(t, schema.NodeError, booms[0].Status)
	assert.NotEmpty(t, booms[0].Error)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "rescue", schema.NodeSuccess), 1)
}

func TestNodeErrorWithoutErrorPathHaltsBranchOnly(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-halfway",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("boom", schema.NodeDataTransform, map[string]any{"expression": "foo("}),
			wfNode("unreached", schema.NodeUtilLog, nil),
			wfNode("survivor", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "boom", schema.PortIn),
			wfEdge("boom", schema.PortOut, "unreached", schema.PortIn),
			wfEdge("start", schema.PortOut, "survivor", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-halfway", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Empty(t, entriesFor(t, st, exec.ID, "unreached"))
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "survivor", schema.NodeSuccess), 1)
}

func TestWaitEventSuspendsAndResumes(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-wait",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("park", schema.NodeUtilWaitEvent, map[string]any{"event": "block_broken"}),
			wfNode("after", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "park", schema.PortIn),
			wfEdge("park", schema.PortOut, "after", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	ctx := context.Background()
	exec, err := eng.FireTrigger(ctx, "wf-wait", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, exec.Status)

	conts, err := st.ListContinuations(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, conts, 1)
	assert.Equal(t, "park", conts[0].NodeID)
	assert.Equal(t, schema.WaitKindEvent, conts[0].Matcher.Kind)

	parked := entriesWithStatus(t, st, exec.ID, "park", schema.NodeWaiting)
	require.Len(t, parked, 1)
	assert.Equal(t, schema.NodeWaiting, parked[0].Status)

	require.NoError(t, eng.HandleEvent(ctx, schema.BotEvent{
		Name: "block_broken", AgentID: "bot-1",
		Payload: map[string]any{"block": "oak_log"},
	}))

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "after", schema.NodeSuccess), 1)

	conts, err = st.ListContinuations(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, conts)

	// a duplicate event is a no-op against the terminal execution
	before, err := st.GetLog(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, eng.HandleEvent(ctx, schema.BotEvent{Name: "block_broken", AgentID: "bot-1"}))
	afterLog, err := st.GetLog(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, afterLog, len(before))
}

func TestVariablesSurviveResume(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-vars",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("seed", schema.NodeDataSetVariable, map[string]any{"name": "x", "value": 41}),
			wfNode("park", schema.NodeUtilWaitEvent, map[string]any{"event": "wake"}),
			wfNode("bump", schema.NodeDataSetVariable, map[string]any{
				"name": "y", "expression": "vars.x + 1",
			}),
			wfNode("read", schema.NodeDataTransform, map[string]any{"expression": ".vars.y"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "seed", schema.PortIn),
			wfEdge("seed", schema.PortOut, "park", schema.PortIn),
			wfEdge("park", schema.PortOut, "bump", schema.PortIn),
			wfEdge("bump", schema.PortOut, "read", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	ctx := context.Background()
	exec, err := eng.FireTrigger(ctx, "wf-vars", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, exec.Status)

	require.NoError(t, eng.HandleEvent(ctx, schema.BotEvent{Name: "wake"}))

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)

	reads := entriesWithStatus(t, st, exec.ID, "read", schema.NodeSuccess)
	require.Len(t, reads, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal(reads[0].Output, &out))
	assert.EqualValues(t, 42, out[schema.PortOut])
}

func TestCancelSuspendedExecutionMakesLateEventsNoops(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-cancel",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("park", schema.NodeUtilWaitEvent, map[string]any{"event": "never_comes"}),
			wfNode("after", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "park", schema.PortIn),
			wfEdge("park", schema.PortOut, "after", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	ctx := context.Background()
	exec, err := eng.FireTrigger(ctx, "wf-cancel", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, exec.Status)

	require.NoError(t, eng.Cancel(ctx, exec.ID))

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)

	conts, err := st.ListContinuations(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, conts)

	require.NoError(t, eng.HandleEvent(ctx, schema.BotEvent{Name: "never_comes"}))
	got, err = st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
	assert.Empty(t, entriesFor(t, st, exec.ID, "after"))
}

func TestCancelTerminalIsNoop(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-done",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
		},
	}
	saveWorkflow(t, st, def)

	ctx := context.Background()
	exec, err := eng.FireTrigger(ctx, "wf-done", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	require.NoError(t, eng.Cancel(ctx, exec.ID))
	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
}

func webhookWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf-hook",
		Nodes: []schema.NodeDefinition{
			wfNode("hook", schema.NodeTriggerWebhook, map[string]any{
				"path": "harvest", "method": "POST", "secret": "s3cret",
			}),
			wfNode("note", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("hook", schema.PortOut, "note", schema.PortIn),
		},
	}
}

func TestWebhookTriggerMatches(t *testing.T) {
	eng, st := newTestEngine(t)
	saveWorkflow(t, st, webhookWorkflow())

	exec, err := eng.FireTrigger(context.Background(), "wf-hook", schema.TriggerSource{
		Kind: schema.TriggerWebhook, EventName: "harvest", Method: "post", Secret: "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
}

func TestWebhookSecretMismatchRejected(t *testing.T) {
	eng, st := newTestEngine(t)
	saveWorkflow(t, st, webhookWorkflow())

	_, err := eng.FireTrigger(context.Background(), "wf-hook", schema.TriggerSource{
		Kind: schema.TriggerWebhook, EventName: "harvest", Method: "POST", Secret: "wrong",
	})
	require.Error(t, err)
	he, ok := err.(*schema.HiveError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, he.Code)

	execs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestEventTriggerWithFilter(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-event",
		Nodes: []schema.NodeDefinition{
			wfNode("on_chat", schema.NodeTriggerEvent, map[string]any{
				"event": "chat", "filter": `payload.text == "harvest now"`,
			}),
			wfNode("note", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("on_chat", schema.PortOut, "note", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, schema.BotEvent{
		Name: "chat", AgentID: "bot-1",
		Payload: map[string]any{"text": "hello there"},
	}))
	eng.pool.Wait()
	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs, "filtered-out event must not fire the trigger")

	require.NoError(t, eng.HandleEvent(ctx, schema.BotEvent{
		Name: "chat", AgentID: "bot-1",
		Payload: map[string]any{"text": "harvest now"},
	}))
	eng.pool.Wait()
	execs, err = st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecutionCompleted, execs[0].Status)
	assert.Equal(t, schema.TriggerEvent, execs[0].Trigger.Kind)
}

func TestVisitBudgetFailsExecution(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-spin",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("each", schema.NodeLogicLoop, map[string]any{"mode": "count", "count": 20000}),
			wfNode("body", schema.NodeUtilLog, map[string]any{"level": "debug"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "each", schema.PortIn),
			wfEdge("each", schema.PortItem, "body", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-spin", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "visit budget")
}

func TestDelayResumesAutomatically(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-delay",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("nap", schema.NodeUtilDelay, map[string]any{"duration": "10ms"}),
			wfNode("after", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "nap", schema.PortIn),
			wfEdge("nap", schema.PortOut, "after", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	ctx := context.Background()
	exec, err := eng.FireTrigger(ctx, "wf-delay", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, exec.Status)

	require.Eventually(t, func() bool {
		got, err := st.GetExecution(ctx, exec.ID)
		return err == nil && got.Status == schema.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "after", schema.NodeSuccess), 1)
}

func TestResumeDueTimersRecoversAfterRestart(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-recover",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("nap", schema.NodeUtilDelay, map[string]any{"duration": "1h"}),
			wfNode("after", schema.NodeUtilLog, nil),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "nap", schema.PortIn),
			wfEdge("nap", schema.PortOut, "after", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	ctx := context.Background()
	exec, err := eng.FireTrigger(ctx, "wf-recover", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, exec.Status)

	// simulate a restart: the in-process timer is gone, only the persisted
	// continuation remains, now past due
	eng.dropTimersFor(exec.ID)
	conts, err := st.ListContinuations(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, conts, 1)
	past := time.Now().UTC().Add(-time.Minute)
	conts[0].Matcher.ResumeAt = &past
	require.NoError(t, st.PutContinuation(ctx, conts[0]))

	require.NoError(t, eng.ResumeDueTimers(ctx, time.Now().UTC()))

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "after", schema.NodeSuccess), 1)
}

func TestExecutionTransitionTable(t *testing.T) {
	assert.True(t, canTransitionExecution(schema.ExecutionPending, schema.ExecutionRunning))
	assert.True(t, canTransitionExecution(schema.ExecutionPending, schema.ExecutionCancelled))
	assert.True(t, canTransitionExecution(schema.ExecutionRunning, schema.ExecutionCompleted))
	assert.True(t, canTransitionExecution(schema.ExecutionRunning, schema.ExecutionFailed))
	assert.True(t, canTransitionExecution(schema.ExecutionRunning, schema.ExecutionCancelled))

	assert.False(t, canTransitionExecution(schema.ExecutionPending, schema.ExecutionCompleted))
	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled,
	} {
		for _, to := range []schema.ExecutionStatus{
			schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionCompleted,
			schema.ExecutionFailed, schema.ExecutionCancelled,
		} {
			if terminal == to {
				continue
			}
			assert.False(t, canTransitionExecution(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-status",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("park", schema.NodeUtilWaitEvent, map[string]any{"event": "later"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "park", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-status", manualSource(nil))
	require.NoError(t, err)

	view, err := eng.Status(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, view.Execution.Status)
	assert.Len(t, view.Log, 4)
	assert.Len(t, view.Continuations, 1)
}

func TestStopCompletedAbandonsWaitingSibling(t *testing.T) {
	eng, st := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		ID: "wf-stop-sibling",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("park", schema.NodeUtilWaitEvent, map[string]any{"event": "block_broken"}),
			wfNode("halt", schema.NodeLogicStop, map[string]any{"outcome": "completed"}),
		},
		Edges: []schema.EdgeDefinition{
			// park suspends before halt fires, so its continuation is on disk
			// when the frontier freezes
			wfEdge("start", schema.PortOut, "park", schema.PortIn),
			wfEdge("start", schema.PortOut, "halt", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	ctx := context.Background()
	exec, err := eng.FireTrigger(ctx, "wf-stop-sibling", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Len(t, entriesWithStatus(t, st, exec.ID, "park", schema.NodeWaiting), 1)

	conts, err := st.ListContinuations(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, conts)

	// the abandoned wait never resumes, even if its event shows up later
	before, err := st.GetLog(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, eng.HandleEvent(ctx, schema.BotEvent{Name: "block_broken", AgentID: "bot-1"}))
	after, err := st.GetLog(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
}

// appendFailStore fails AppendLogEntry after a fixed number of successful
// appends. Everything else passes through.
type appendFailStore struct {
	store.Store
	allow int
	calls int
}

func (s *appendFailStore) AppendLogEntry(ctx context.Context, entry *schema.LogEntry) error {
	s.calls++
	if s.calls > s.allow {
		return errors.New("disk full")
	}
	return s.Store.AppendLogEntry(ctx, entry)
}

func TestLogAppendFailureFailsExecution(t *testing.T) {
	// the fourth append is the success entry for note; losing it must fail
	// the execution rather than report a completion with no record of it
	st := &appendFailStore{Store: store.NewMemoryStore(), allow: 3}
	eng, err := New(Config{
		Store:    st,
		Hub:      streaming.NewMemoryHub(),
		Catalog:  catalog.Builtin(),
		Registry: nodes.NewRegistry(),
		Workers:  4,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ID: "wf-append-fail",
		Nodes: []schema.NodeDefinition{
			wfNode("start", schema.NodeTriggerManual, nil),
			wfNode("note", schema.NodeUtilLog, map[string]any{"message": "hello"}),
		},
		Edges: []schema.EdgeDefinition{
			wfEdge("start", schema.PortOut, "note", schema.PortIn),
		},
	}
	saveWorkflow(t, st, def)

	exec, err := eng.FireTrigger(context.Background(), "wf-append-fail", manualSource(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "appending log entry")
	assert.Empty(t, entriesWithStatus(t, st, exec.ID, "note", schema.NodeSuccess))
}
