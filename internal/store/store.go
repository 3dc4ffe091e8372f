package store

import (
	"context"
	"time"

	"github.com/solmak/bothive/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Agents
	RegisterAgent(ctx context.Context, rec *schema.AgentRecord) error
	GetAgent(ctx context.Context, id string) (*schema.AgentRecord, error)
	ListAgents(ctx context.Context) ([]*schema.AgentRecord, error)
	UpdateAgentSeen(ctx context.Context, id string) error

	// Tasks. CreateTask assigns the next strictly increasing queue position
	// for the task's agent atomically; positions are immutable afterwards.
	CreateTask(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	// NextPendingTask returns the lowest-position pending task for the
	// agent, or nil when the queue is drained.
	NextPendingTask(ctx context.Context, agentID string) (*schema.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error)

	// Workflow definitions
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// Execution log (append-only, per-execution sequence assigned on append)
	AppendLogEntry(ctx context.Context, entry *schema.LogEntry) error
	GetLog(ctx context.Context, executionID string) ([]*schema.LogEntry, error)

	// Waiting continuations
	PutContinuation(ctx context.Context, c *schema.Continuation) error
	DeleteContinuation(ctx context.Context, id string) error
	DeleteContinuationsForExecution(ctx context.Context, executionID string) error
	// ListContinuations returns the outstanding continuations of one
	// execution; an execution with none and an empty frontier is complete.
	ListContinuations(ctx context.Context, executionID string) ([]*schema.Continuation, error)
	// MatchEventContinuations returns continuations whose matcher accepts
	// the given event name and agent id.
	MatchEventContinuations(ctx context.Context, eventName, agentID string) ([]*schema.Continuation, error)
	// DueTimerContinuations returns timer continuations with resume_at <= now.
	DueTimerContinuations(ctx context.Context, now time.Time) ([]*schema.Continuation, error)

	// Maintenance / lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// TaskUpdate specifies mutable fields of a task. Position is deliberately
// absent: it is immutable once assigned.
type TaskUpdate struct {
	Status      *schema.TaskStatus `json:"status,omitempty"`
	Items       []schema.TaskItem  `json:"items,omitempty"`
	Error       *string            `json:"error,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	AgentID string             `json:"agent_id,omitempty"`
	Status  *schema.TaskStatus `json:"status,omitempty"`
	Limit   int                `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Error      *string                 `json:"error,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}
