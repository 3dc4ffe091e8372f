package nodes

import (
	"context"
	"time"

	"github.com/solmak/bothive/pkg/schema"
)

// execDelay suspends the node on a timer continuation. The engine persists
// the matcher; resumption emits the out port.
func execDelay(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	duration := cfgString(node, "duration")
	d, err := time.ParseDuration(duration)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", duration).WithCause(err)
	}
	resumeAt := time.Now().UTC().Add(d)
	return &Result{Wait: &schema.WaitMatcher{
		Kind:     schema.WaitKindTimer,
		ResumeAt: &resumeAt,
	}}, nil
}

// execWaitEvent suspends the node until a matching agent event arrives.
func execWaitEvent(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	event := cfgString(node, "event")
	if event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait_event requires event")
	}
	return &Result{Wait: &schema.WaitMatcher{
		Kind:      schema.WaitKindEvent,
		EventName: event,
		AgentID:   cfgString(node, "agent_id"),
	}}, nil
}

func execLog(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	message := cfgStringOr(node, "message", "workflow log")
	attrs := []any{"node_id", node.ID, "input", in.Primary()}
	switch cfgStringOr(node, "level", "info") {
	case "debug":
		ec.Logger.Debug(message, attrs...)
	case "warn":
		ec.Logger.Warn(message, attrs...)
	case "error":
		ec.Logger.Error(message, attrs...)
	default:
		ec.Logger.Info(message, attrs...)
	}
	return &Result{Outputs: map[string]any{schema.PortOut: in.Primary()}}, nil
}
