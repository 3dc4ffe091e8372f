package schema

// Event type constants published to the event sink. Delivery is at-least-once
// and consumers must tolerate duplicates.
const (
	EventTaskEnqueued  = "task_enqueued"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskPaused    = "task_paused"

	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeError     = "node_error"
	EventNodeWaiting   = "node_waiting"

	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
)
