package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"

	// ErrCodeTaskExecution marks a per-task failure. It is captured on the
	// task record and never halts the queue drain loop.
	ErrCodeTaskExecution = "TASK_EXECUTION_ERROR"

	// ErrCodeAgentUnavailable marks queue processing aborted because the
	// agent is disconnected. Callers treat it as a silent no-op.
	ErrCodeAgentUnavailable = "AGENT_UNAVAILABLE"

	// ErrCodeNode marks a node-level failure recorded in the execution log.
	// It halts only the branch with no configured error path.
	ErrCodeNode = "NODE_ERROR"

	// ErrCodeWorkflowFatal marks an engine-level failure that terminates
	// the whole execution.
	ErrCodeWorkflowFatal = "WORKFLOW_FATAL"
)

// HiveError is the structured error type for all bothive operations.
type HiveError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HiveError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HiveError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HiveError.
func NewError(code, message string) *HiveError {
	return &HiveError{Code: code, Message: message}
}

// NewErrorf creates a new HiveError with a formatted message.
func NewErrorf(code, format string, args ...any) *HiveError {
	return &HiveError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *HiveError) WithNode(nodeID string) *HiveError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *HiveError) WithCause(err error) *HiveError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HiveError) WithDetails(details map[string]any) *HiveError {
	e.Details = details
	return e
}
