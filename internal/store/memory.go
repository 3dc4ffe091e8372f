package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solmak/bothive/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// embedded usage where no database file is wanted. Safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	agents        map[string]*schema.AgentRecord
	tasks         map[string]*schema.Task
	positions     map[string]int64 // agent id → last assigned queue position
	workflows     map[string]*schema.WorkflowDefinition
	executions    map[string]*schema.Execution
	logs          map[string][]*schema.LogEntry // execution id → ordered entries
	continuations map[string]*schema.Continuation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]*schema.AgentRecord),
		tasks:         make(map[string]*schema.Task),
		positions:     make(map[string]int64),
		workflows:     make(map[string]*schema.WorkflowDefinition),
		executions:    make(map[string]*schema.Execution),
		logs:          make(map[string][]*schema.LogEntry),
		continuations: make(map[string]*schema.Continuation),
	}
}

// --- Agents ---

func (s *MemoryStore) RegisterAgent(ctx context.Context, rec *schema.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.agents[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*schema.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return nil, storeNotFound("agent", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*schema.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateAgentSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return storeNotFound("agent", id)
	}
	now := time.Now().UTC()
	rec.LastSeenAt = &now
	return nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *schema.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", task.ID)
	}
	s.positions[task.AgentID]++
	task.Position = s.positions[task.AgentID]
	if task.Status == "" {
		task.Status = schema.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	cp := copyTask(task)
	s.tasks[task.ID] = cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	return copyTask(task), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return storeNotFound("task", id)
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Items != nil {
		task.Items = append([]schema.TaskItem(nil), update.Items...)
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		task.CompletedAt = &t
	}
	return nil
}

func (s *MemoryStore) NextPendingTask(ctx context.Context, agentID string) (*schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *schema.Task
	for _, task := range s.tasks {
		if task.AgentID != agentID || task.Status != schema.TaskStatusPending {
			continue
		}
		if best == nil || task.Position < best.Position {
			best = task
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyTask(best), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.Task
	for _, task := range s.tasks {
		if filter.AgentID != "" && task.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		out = append(out, copyTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Position < out[j].Position
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Workflows ---

func (s *MemoryStore) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", def.ID)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	def.UpdatedAt = time.Now().UTC()
	cp := *def
	s.workflows[def.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *def
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.WorkflowDefinition, 0, len(s.workflows))
	for _, def := range s.workflows {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Error != nil {
		exec.Error = *update.Error
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		exec.FinishedAt = &t
	}
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Execution log ---

func (s *MemoryStore) AppendLogEntry(ctx context.Context, entry *schema.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[entry.ExecutionID]
	entry.Sequence = int64(len(entries)) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	cp := *entry
	s.logs[entry.ExecutionID] = append(entries, &cp)
	return nil
}

func (s *MemoryStore) GetLog(ctx context.Context, executionID string) ([]*schema.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[executionID]
	out := make([]*schema.LogEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// --- Continuations ---

func (s *MemoryStore) PutContinuation(ctx context.Context, c *schema.Continuation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.continuations[c.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteContinuation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.continuations[id]; !ok {
		return storeNotFound("continuation", id)
	}
	delete(s.continuations, id)
	return nil
}

func (s *MemoryStore) DeleteContinuationsForExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.continuations {
		if c.ExecutionID == executionID {
			delete(s.continuations, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListContinuations(ctx context.Context, executionID string) ([]*schema.Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.Continuation
	for _, c := range s.continuations {
		if c.ExecutionID != executionID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MatchEventContinuations(ctx context.Context, eventName, agentID string) ([]*schema.Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.Continuation
	for _, c := range s.continuations {
		if c.Matcher.Kind != schema.WaitKindEvent {
			continue
		}
		if c.Matcher.EventName != "" && c.Matcher.EventName != eventName {
			continue
		}
		if c.Matcher.AgentID != "" && c.Matcher.AgentID != agentID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DueTimerContinuations(ctx context.Context, now time.Time) ([]*schema.Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.Continuation
	for _, c := range s.continuations {
		if c.Matcher.Kind != schema.WaitKindTimer || c.Matcher.ResumeAt == nil {
			continue
		}
		if c.Matcher.ResumeAt.After(now) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Lifecycle ---

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func copyTask(t *schema.Task) *schema.Task {
	cp := *t
	cp.Items = append([]schema.TaskItem(nil), t.Items...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
