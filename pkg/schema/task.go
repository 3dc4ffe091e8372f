package schema

import "time"

// AgentState represents the connectivity state of an agent.
type AgentState string

const (
	AgentDisconnected AgentState = "disconnected"
	AgentConnecting   AgentState = "connecting"
	AgentConnected    AgentState = "connected"
)

// TaskStatus represents the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusPaused marks a task parked mid-execution awaiting per-item
	// user decisions. Paused tasks keep their queue position and return to
	// pending once every undecided partial item has a decision recorded.
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskItemStatus represents the fulfillment state of a single task item.
type TaskItemStatus string

const (
	ItemStatusPending   TaskItemStatus = "pending"
	ItemStatusCollected TaskItemStatus = "collected"
	ItemStatusPartial   TaskItemStatus = "partial"
	ItemStatusSkipped   TaskItemStatus = "skipped"
)

// ItemDecision is a user decision on a partially fulfillable item.
type ItemDecision string

const (
	DecisionTakeAvailable ItemDecision = "take_available"
	DecisionSkip          ItemDecision = "skip"
)

// TaskItem is one requested item within a task.
type TaskItem struct {
	Name      string         `json:"name"`
	Requested int            `json:"requested"`
	Collected int            `json:"collected"`
	Status    TaskItemStatus `json:"status"`
	Decision  ItemDecision   `json:"decision,omitempty"`
}

// Task is one user-requested unit of queued work against a specific agent.
// Position is assigned at creation, strictly increasing per agent, and never
// changes afterwards. Tasks are mutated only by the queue scheduler.
type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Position    int64      `json:"position"`
	Status      TaskStatus `json:"status"`
	Items       []TaskItem `json:"items"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AgentRecord is the persisted identity of an agent. The runtime handle is
// built from this record by the manager's factory, keyed by Type.
type AgentRecord struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}
