package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solmak/bothive/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedAgent(t *testing.T, s *LibSQLStore) *schema.AgentRecord {
	t.Helper()
	rec := &schema.AgentRecord{
		ID:      uuid.New().String(),
		OwnerID: "owner-1",
		Name:    "test-bot",
		Type:    "mineflayer",
	}
	require.NoError(t, s.RegisterAgent(context.Background(), rec))
	return rec
}

// --- Agent Tests ---

func TestRegisterAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &schema.AgentRecord{
		ID:      uuid.New().String(),
		OwnerID: "owner-1",
		Name:    "bot-1",
		Type:    "mineflayer",
	}
	require.NoError(t, s.RegisterAgent(ctx, rec))

	got, err := s.GetAgent(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "bot-1", got.Name)
	assert.Equal(t, "mineflayer", got.Type)
	assert.Nil(t, got.LastSeenAt)
}

func TestGetAgent_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "nonexistent")
	require.Error(t, err)
	hiveErr, ok := err.(*schema.HiveError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, hiveErr.Code)
}

func TestUpdateAgentSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedAgent(t, s)

	require.NoError(t, s.UpdateAgentSeen(ctx, rec.ID))

	got, err := s.GetAgent(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastSeenAt)
}

// --- Task Tests ---

func TestCreateTask_AssignsPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedAgent(t, s)

	first := &schema.Task{
		ID:      uuid.New().String(),
		AgentID: rec.ID,
		Items:   []schema.TaskItem{{Name: "oak_log", Requested: 32, Status: schema.ItemStatusPending}},
	}
	second := &schema.Task{ID: uuid.New().String(), AgentID: rec.ID}
	require.NoError(t, s.CreateTask(ctx, first))
	require.NoError(t, s.CreateTask(ctx, second))

	assert.Equal(t, int64(1), first.Position)
	assert.Equal(t, int64(2), second.Position)

	got, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "oak_log", got.Items[0].Name)
	assert.Equal(t, 32, got.Items[0].Requested)
}

func TestUpdateTask_PartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedAgent(t, s)

	task := &schema.Task{
		ID:      uuid.New().String(),
		AgentID: rec.ID,
		Items:   []schema.TaskItem{{Name: "cobblestone", Requested: 64, Status: schema.ItemStatusPending}},
	}
	require.NoError(t, s.CreateTask(ctx, task))

	inProgress := schema.TaskStatusInProgress
	require.NoError(t, s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &inProgress}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusInProgress, got.Status)
	// Untouched fields survive the update.
	require.Len(t, got.Items, 1)
	assert.Equal(t, "cobblestone", got.Items[0].Name)

	done := schema.TaskStatusCompleted
	now := time.Now().UTC()
	updatedItems := []schema.TaskItem{{Name: "cobblestone", Requested: 64, Collected: 64, Status: schema.ItemStatusCollected}}
	require.NoError(t, s.UpdateTask(ctx, task.ID, TaskUpdate{
		Status:      &done,
		Items:       updatedItems,
		CompletedAt: &now,
	}))

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
	assert.Equal(t, 64, got.Items[0].Collected)
	assert.NotNil(t, got.CompletedAt)
}

func TestNextPendingTask_OrderAndDrain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedAgent(t, s)

	ids := make([]string, 3)
	for i := range ids {
		task := &schema.Task{ID: uuid.New().String(), AgentID: rec.ID}
		require.NoError(t, s.CreateTask(ctx, task))
		ids[i] = task.ID
	}

	for _, want := range ids {
		next, err := s.NextPendingTask(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, want, next.ID)

		done := schema.TaskStatusCompleted
		require.NoError(t, s.UpdateTask(ctx, next.ID, TaskUpdate{Status: &done}))
	}

	next, err := s.NextPendingTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestListTasks_Filtered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedAgent(t, s)
	other := seedAgent(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTask(ctx, &schema.Task{ID: uuid.New().String(), AgentID: rec.ID}))
	}
	require.NoError(t, s.CreateTask(ctx, &schema.Task{ID: uuid.New().String(), AgentID: other.ID}))

	tasks, err := s.ListTasks(ctx, TaskFilter{AgentID: rec.ID})
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	pending := schema.TaskStatusPending
	tasks, err = s.ListTasks(ctx, TaskFilter{Status: &pending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID:      uuid.New().String(),
		Name:    "mining-run",
		OwnerID: "owner-1",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTriggerManual, Category: schema.CategoryTrigger},
			{ID: "move", Type: schema.NodeActionMove, Category: schema.CategoryAction, Config: map[string]any{"x": 10.0, "z": -4.0}},
		},
		Edges: []schema.EdgeDefinition{
			{SourceNode: "start", SourcePort: schema.PortOut, TargetNode: "move", TargetPort: schema.PortIn},
		},
		Variables: map[string]any{"depth": 12.0},
	}
	require.NoError(t, s.CreateWorkflow(ctx, def))

	got, err := s.GetWorkflow(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "mining-run", got.Name)
	require.Len(t, got.Nodes, 2)
	require.Len(t, got.Edges, 1)
	assert.Equal(t, "start", got.Edges[0].SourceNode)
	assert.Equal(t, map[string]any{"depth": 12.0}, got.Variables)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{ID: uuid.New().String(), Name: "wf"}
	require.NoError(t, s.CreateWorkflow(ctx, def))
	require.NoError(t, s.DeleteWorkflow(ctx, def.ID))

	_, err := s.GetWorkflow(ctx, def.ID)
	require.Error(t, err)

	err = s.DeleteWorkflow(ctx, def.ID)
	require.Error(t, err)
}

// --- Execution Tests ---

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := &schema.Execution{
		ID:         uuid.New().String(),
		WorkflowID: "wf-1",
		Status:     schema.ExecutionRunning,
		Trigger: schema.TriggerSource{
			Kind:    schema.TriggerManual,
			Payload: map[string]any{"reason": "test"},
			FiredAt: time.Now().UTC(),
		},
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, schema.TriggerManual, got.Trigger.Kind)
	assert.Equal(t, "test", got.Trigger.Payload["reason"])

	done := schema.ExecutionCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{Status: &done, FinishedAt: &now}))

	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestListExecutions_ByWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateExecution(ctx, &schema.Execution{
			ID: uuid.New().String(), WorkflowID: "wf-1", Status: schema.ExecutionCompleted,
		}))
	}
	require.NoError(t, s.CreateExecution(ctx, &schema.Execution{
		ID: uuid.New().String(), WorkflowID: "wf-2", Status: schema.ExecutionCompleted,
	}))

	execs, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

// --- Execution Log Tests ---

func TestAppendLogEntry_Sequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &schema.LogEntry{
			ExecutionID: "exec-1",
			NodeID:      "node-a",
			Status:      schema.NodeSuccess,
			Output:      json.RawMessage(`{"out":{"done":true}}`),
		}
		require.NoError(t, s.AppendLogEntry(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	entries, err := s.GetLog(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.JSONEq(t, `{"out":{"done":true}}`, string(e.Output))
	}
}

// --- Continuation Tests ---

func TestContinuationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &schema.Continuation{
		ID:          uuid.New().String(),
		ExecutionID: "exec-1",
		NodeID:      "wait-1",
		Matcher: schema.WaitMatcher{
			Kind:      schema.WaitKindEvent,
			EventName: "scan.done",
			AgentID:   "bot-1",
		},
	}
	require.NoError(t, s.PutContinuation(ctx, c))

	matched, err := s.MatchEventContinuations(ctx, "scan.done", "bot-1")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, c.ID, matched[0].ID)
	assert.Equal(t, "wait-1", matched[0].NodeID)

	// Wrong agent does not match.
	matched, err = s.MatchEventContinuations(ctx, "scan.done", "bot-2")
	require.NoError(t, err)
	assert.Empty(t, matched)

	require.NoError(t, s.DeleteContinuation(ctx, c.ID))
	matched, err = s.MatchEventContinuations(ctx, "scan.done", "bot-1")
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestDueTimerContinuations_LibSQL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Second)
	future := now.Add(time.Hour)
	require.NoError(t, s.PutContinuation(ctx, &schema.Continuation{
		ID: uuid.New().String(), ExecutionID: "e1", NodeID: "delay-1",
		Matcher: schema.WaitMatcher{Kind: schema.WaitKindTimer, ResumeAt: &past},
	}))
	require.NoError(t, s.PutContinuation(ctx, &schema.Continuation{
		ID: uuid.New().String(), ExecutionID: "e1", NodeID: "delay-2",
		Matcher: schema.WaitMatcher{Kind: schema.WaitKindTimer, ResumeAt: &future},
	}))

	due, err := s.DueTimerContinuations(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "delay-1", due[0].NodeID)
}
