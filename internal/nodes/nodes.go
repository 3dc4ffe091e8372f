package nodes

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/solmak/bothive/internal/agent"
	"github.com/solmak/bothive/internal/expressions"
	"github.com/solmak/bothive/pkg/schema"
)

// Inputs maps input port name to the value that arrived on it.
type Inputs map[string]any

// Primary returns the value on the conventional "in" port, or any single
// arrived value when the node is wired through a different port name.
func (in Inputs) Primary() any {
	if v, ok := in[schema.PortIn]; ok {
		return v
	}
	if len(in) == 1 {
		for _, v := range in {
			return v
		}
	}
	return nil
}

// Result is the outcome of one node firing. Outputs are keyed by output
// port; only ports with entries propagate downstream. A non-nil Wait
// suspends the node until the matcher fires instead of emitting outputs.
type Result struct {
	Outputs map[string]any
	Wait    *schema.WaitMatcher
}

// AgentGateway is the slice of the agent manager node executors need.
type AgentGateway interface {
	Control(ctx context.Context, agentID string) (agent.ControlInterface, error)
	SetBusy(ctx context.Context, agentID string, busy bool, action string) error
}

// TaskEnqueuer enqueues a task against an agent and kicks its queue.
type TaskEnqueuer interface {
	EnqueueTask(ctx context.Context, task *schema.Task) error
}

// Variables is the execution-scoped shared variable namespace. Written only
// by data nodes, read by any node's config evaluation.
type Variables struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewVariables seeds the namespace with the workflow's declared variables.
func NewVariables(seed map[string]any) *Variables {
	vals := make(map[string]any, len(seed))
	for k, v := range seed {
		vals[k] = v
	}
	return &Variables{vals: vals}
}

func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vals[name]
	return val, ok
}

func (v *Variables) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vals[name] = value
}

// Snapshot returns a copy of the namespace for expression evaluation.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.vals))
	for k, val := range v.vals {
		out[k] = val
	}
	return out
}

// ExecContext is what one execution exposes to its node executors: identity,
// the firing trigger, the shared variable namespace, agent access, task
// enqueueing, the cancellation flag, and the expression engines.
type ExecContext struct {
	ExecutionID string
	WorkflowID  string
	Trigger     schema.TriggerSource
	Vars        *Variables

	Agents   AgentGateway
	Enqueuer TaskEnqueuer

	// Cancelled reports whether the execution was cancelled. Executors
	// check it cooperatively before each external call.
	Cancelled func() bool

	Paths  *expressions.GoJQEngine
	Values *expressions.ExprEngine
	HTTP   *http.Client
	Logger *slog.Logger
}

// Data builds the evaluation document expressions resolve against: the
// trigger payload, the node's primary input, and the current variables.
func (ec *ExecContext) Data(in Inputs) map[string]any {
	payload := map[string]any{}
	for k, v := range ec.Trigger.Payload {
		payload[k] = v
	}
	return map[string]any{
		"payload": payload,
		"input":   in.Primary(),
		"vars":    ec.Vars.Snapshot(),
	}
}

// Executor runs one node type.
type Executor interface {
	Execute(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	return f(ctx, ec, node, in)
}

// --- config accessors ---

func cfgString(node *schema.NodeDefinition, key string) string {
	if node.Config == nil {
		return ""
	}
	s, _ := node.Config[key].(string)
	return s
}

func cfgStringOr(node *schema.NodeDefinition, key, fallback string) string {
	if s := cfgString(node, key); s != "" {
		return s
	}
	return fallback
}

func cfgFloat(node *schema.NodeDefinition, key string) (float64, bool) {
	if node.Config == nil {
		return 0, false
	}
	switch n := node.Config[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func cfgInt(node *schema.NodeDefinition, key string) (int, bool) {
	f, ok := cfgFloat(node, key)
	return int(f), ok
}
