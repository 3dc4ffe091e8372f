package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solmak/bothive/internal/queue"
	"github.com/solmak/bothive/internal/store"
	"github.com/solmak/bothive/internal/streaming"
	"github.com/solmak/bothive/pkg/schema"
)

// ControlFactory builds the world connection for an agent record. Factories
// are registered per agent type.
type ControlFactory func(rec *schema.AgentRecord) (ControlInterface, error)

// Manager is the process-wide registry of agent runtime handles. It owns the
// per-agent task-processing guard: ProcessQueue is idempotent and safe to
// call concurrently, with at most one active draining loop per agent id.
// Distinct agent ids are processed fully independently.
type Manager struct {
	store  store.Store
	queue  *queue.Scheduler
	hub    streaming.Hub
	logger *slog.Logger

	mu         sync.Mutex
	factories  map[string]ControlFactory
	handles    map[string]*Handle
	processing map[string]bool

	drains sync.WaitGroup
}

// NewManager creates an agent manager.
func NewManager(st store.Store, q *queue.Scheduler, hub streaming.Hub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      st,
		queue:      q,
		hub:        hub,
		logger:     logger.With("component", "agent"),
		factories:  make(map[string]ControlFactory),
		handles:    make(map[string]*Handle),
		processing: make(map[string]bool),
	}
}

// RegisterFactory registers the control factory for an agent type.
func (m *Manager) RegisterFactory(agentType string, f ControlFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[agentType] = f
}

// Register persists a new agent record.
func (m *Manager) Register(ctx context.Context, rec *schema.AgentRecord) error {
	return m.store.RegisterAgent(ctx, rec)
}

// GetOrCreate returns the runtime handle for an agent id, building it from
// the persisted record and the type's factory on first use.
func (m *Manager) GetOrCreate(ctx context.Context, agentID string) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[agentID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	rec, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have built the handle while we read the record.
	if h, ok := m.handles[agentID]; ok {
		return h, nil
	}
	factory, ok := m.factories[rec.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no control factory for agent type %q", rec.Type)
	}
	control, err := factory(rec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "build control for agent %q", agentID).WithCause(err)
	}
	h := newHandle(rec, control, m.logger)
	m.handles[agentID] = h
	return h, nil
}

// Control returns the world connection for an agent, building the handle on
// first use.
func (m *Manager) Control(ctx context.Context, agentID string) (ControlInterface, error) {
	h, err := m.GetOrCreate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !h.Connected() {
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %q is not connected", agentID)
	}
	return h.Control(), nil
}

// Connect brings an agent online and drains any queued work.
func (m *Manager) Connect(ctx context.Context, agentID string) error {
	h, err := m.GetOrCreate(ctx, agentID)
	if err != nil {
		return err
	}
	if err := h.Connect(ctx); err != nil {
		return err
	}
	if err := m.store.UpdateAgentSeen(ctx, agentID); err != nil {
		m.logger.Warn("update agent seen", "agent_id", agentID, "error", err)
	}
	m.publish(ctx, schema.EventAgentConnected, agentID)
	return m.ProcessQueue(ctx, agentID)
}

// Disconnect takes an agent offline.
func (m *Manager) Disconnect(ctx context.Context, agentID string) error {
	m.mu.Lock()
	h, ok := m.handles[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := h.Disconnect(ctx)
	m.publish(ctx, schema.EventAgentDisconnected, agentID)
	return err
}

// EnqueueTask persists a task and immediately attempts to drain the agent's
// queue.
func (m *Manager) EnqueueTask(ctx context.Context, task *schema.Task) error {
	if err := m.queue.Enqueue(ctx, task); err != nil {
		return err
	}
	return m.ProcessQueue(ctx, task.AgentID)
}

// ProcessQueue drains the agent's pending tasks in position order. A call
// while a drain is already active for the same agent id is a silent no-op,
// as is a call while the agent is disconnected or busy. Store failures
// propagate, but the processing guard is always cleared.
func (m *Manager) ProcessQueue(ctx context.Context, agentID string) error {
	if !m.tryAcquire(agentID) {
		return nil
	}
	defer m.release(agentID)

	h, err := m.GetOrCreate(ctx, agentID)
	if err != nil {
		return err
	}
	if !h.Connected() || h.Busy() {
		return nil
	}

	m.drains.Add(1)
	defer m.drains.Done()
	return m.queue.Drain(ctx, h)
}

// SetBusy flips an agent's exclusive-operation flag. Clearing it resumes
// queue processing.
func (m *Manager) SetBusy(ctx context.Context, agentID string, busy bool, action string) error {
	h, err := m.GetOrCreate(ctx, agentID)
	if err != nil {
		return err
	}
	h.SetBusy(busy, action)
	if !busy {
		return m.ProcessQueue(ctx, agentID)
	}
	return nil
}

// CancelTask withdraws a task that has not started. In-progress tasks run to
// completion; cancellation here is not preemptive.
func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case schema.TaskStatusPending, schema.TaskStatusPaused:
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"task %q is %s and cannot be cancelled", taskID, task.Status)
	}

	failed := schema.TaskStatusFailed
	msg := "cancelled by user"
	now := time.Now().UTC()
	if err := m.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status: &failed, Error: &msg, CompletedAt: &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "cancel task").WithCause(err)
	}
	if m.hub != nil {
		_ = m.hub.Publish(ctx, streaming.Event{
			Type:    schema.EventTaskFailed,
			AgentID: task.AgentID,
			TaskID:  taskID,
			Payload: map[string]any{"error": msg},
		})
	}
	return nil
}

// ResolveTaskDecisions records decisions on a paused task and, if the task
// returned to pending, drains the agent's queue.
func (m *Manager) ResolveTaskDecisions(ctx context.Context, taskID string, decisions map[string]schema.ItemDecision) error {
	if err := m.queue.ResolveDecisions(ctx, taskID, decisions); err != nil {
		return err
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == schema.TaskStatusPending {
		return m.ProcessQueue(ctx, task.AgentID)
	}
	return nil
}

// Shutdown disconnects every agent and waits for in-flight drains.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect on shutdown", "agent_id", h.ID(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) tryAcquire(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processing[agentID] {
		return false
	}
	m.processing[agentID] = true
	return true
}

func (m *Manager) release(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, agentID)
}

func (m *Manager) publish(ctx context.Context, eventType, agentID string) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Publish(ctx, streaming.Event{Type: eventType, AgentID: agentID})
}
