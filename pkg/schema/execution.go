package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
// Completed, failed and cancelled are terminal; the status never leaves a
// terminal state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is a terminal execution status.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeRunStatus is the recorded outcome of one node firing.
type NodeRunStatus string

const (
	NodeRunning NodeRunStatus = "running"
	NodeSuccess NodeRunStatus = "success"
	NodeError   NodeRunStatus = "error"
	NodeWaiting NodeRunStatus = "waiting"
)

// TriggerKind identifies the stimulus that fired a workflow.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
	TriggerEvent    TriggerKind = "event"
	TriggerWebhook  TriggerKind = "webhook"
)

// TriggerSource describes one firing stimulus, matched against the graph's
// trigger nodes.
type TriggerSource struct {
	Kind      TriggerKind    `json:"kind"`
	AgentID   string         `json:"agent_id,omitempty"`
	EventName string         `json:"event_name,omitempty"`
	Method    string         `json:"method,omitempty"`
	Secret    string         `json:"secret,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	FiredAt   time.Time      `json:"fired_at"`
}

// Execution is one run instance of a workflow against one firing trigger.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Status     ExecutionStatus `json:"status"`
	Trigger    TriggerSource   `json:"trigger"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// LogEntry is one append-only record in an execution's log. Sequence numbers
// are per-execution, contiguous, assigned by the store. Output holds the
// marshalled port→value map for success entries; replay uses it to rebuild
// traversal state after a restart.
type LogEntry struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	NodeID      string          `json:"node_id"`
	Status      NodeRunStatus   `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// WaitMatcher describes what resumes a parked node: either an external event
// (name plus optional agent filter) or a timer deadline.
type WaitMatcher struct {
	Kind      string     `json:"kind"` // "event" | "timer"
	EventName string     `json:"event_name,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	ResumeAt  *time.Time `json:"resume_at,omitempty"`
}

const (
	WaitKindEvent = "event"
	WaitKindTimer = "timer"
)

// Continuation is the persisted record of a Waiting node. It carries enough
// to resume the execution from an external callback after a process restart,
// independent of any in-memory closure.
type Continuation struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	NodeID      string      `json:"node_id"`
	Matcher     WaitMatcher `json:"matcher"`
	CreatedAt   time.Time   `json:"created_at"`
}

// BotEvent is an occurrence reported by an agent's connection to the world:
// chat lines, scan completion, damage, arbitrary game events. It resumes
// waiting nodes and fires event triggers.
type BotEvent struct {
	Name    string         `json:"name"`
	AgentID string         `json:"agent_id"`
	Payload map[string]any `json:"payload,omitempty"`
}
