package streaming

import (
	"context"
	"time"
)

// Event is a typed domain event emitted by the core: task queue transitions
// and workflow execution progress. Events are published in the order the
// emitting component observes them; delivery is at-least-once.
type Event struct {
	Type        string    `json:"type"`
	AgentID     string    `json:"agent_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter specifies which events a subscriber wants to receive. Zero-value
// fields match everything.
type Filter struct {
	AgentID     string   `json:"agent_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Hub is the event sink: pub/sub fan-out of core domain events. The core
// only publishes; transport adapters (websocket, SSE) subscribe and relay.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
