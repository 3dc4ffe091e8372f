package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/solmak/bothive/pkg/schema"
)

// Handle is the per-agent runtime: connectivity state, the busy flag gating
// queue drains, a human-readable action label, and the task executor. One
// handle exists per agent id for the process lifetime; the manager owns the
// map.
type Handle struct {
	rec     *schema.AgentRecord
	control ControlInterface
	logger  *slog.Logger

	mu     sync.Mutex
	state  schema.AgentState
	busy   bool
	action string
}

func newHandle(rec *schema.AgentRecord, control ControlInterface, logger *slog.Logger) *Handle {
	return &Handle{
		rec:     rec,
		control: control,
		logger:  logger.With("agent_id", rec.ID),
		state:   schema.AgentDisconnected,
	}
}

func (h *Handle) ID() string { return h.rec.ID }

// Record returns the persisted identity this handle was built from.
func (h *Handle) Record() *schema.AgentRecord { return h.rec }

// Control exposes the underlying world connection for node executors.
func (h *Handle) Control() ControlInterface { return h.control }

func (h *Handle) State() schema.AgentState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == schema.AgentConnected
}

func (h *Handle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

// Action returns the current human-readable action label.
func (h *Handle) Action() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.action
}

// SetBusy marks the agent as performing (or done with) an exclusive
// long-running operation. The label describes the operation while busy.
// Clearing the flag does not resume queue processing; the operation's
// completion handler re-invokes ProcessQueue.
func (h *Handle) SetBusy(busy bool, action string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy = busy
	if busy {
		h.action = action
	} else {
		h.action = ""
	}
}

// Connect brings the agent online through its control interface.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.state == schema.AgentConnected {
		h.mu.Unlock()
		return nil
	}
	h.state = schema.AgentConnecting
	h.mu.Unlock()

	if err := h.control.Connect(ctx); err != nil {
		h.mu.Lock()
		h.state = schema.AgentDisconnected
		h.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "connect agent %q", h.rec.ID).WithCause(err)
	}

	h.mu.Lock()
	h.state = schema.AgentConnected
	h.mu.Unlock()
	h.logger.Info("agent connected")
	return nil
}

// Disconnect takes the agent offline. Always leaves the state Disconnected.
func (h *Handle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	if h.state == schema.AgentDisconnected {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	err := h.control.Disconnect(ctx)

	h.mu.Lock()
	h.state = schema.AgentDisconnected
	h.busy = false
	h.action = ""
	h.mu.Unlock()
	h.logger.Info("agent disconnected")
	return err
}

// ExecuteTask runs one claimed task against the agent. Only item-collection
// tasks exist today; the scheduler owns every status transition, this method
// only mutates task items and reports the outcome.
func (h *Handle) ExecuteTask(ctx context.Context, task *schema.Task) error {
	return collectItems(ctx, h.control, task)
}
