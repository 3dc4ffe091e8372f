package nodes

import (
	"context"

	"github.com/google/uuid"

	"github.com/solmak/bothive/pkg/schema"
)

func agentFor(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition) (string, error) {
	agentID := cfgString(node, "agent_id")
	if agentID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "action node requires agent_id")
	}
	if ec.Cancelled != nil && ec.Cancelled() {
		return "", schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	}
	return agentID, nil
}

func execMove(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	agentID, err := agentFor(ctx, ec, node)
	if err != nil {
		return nil, err
	}
	ctrl, err := ec.Agents.Control(ctx, agentID)
	if err != nil {
		return nil, err
	}

	x, _ := cfgFloat(node, "x")
	y, _ := cfgFloat(node, "y")
	z, _ := cfgFloat(node, "z")
	if err := ctrl.MoveTo(ctx, x, y, z); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNode, "move agent %q", agentID).WithCause(err)
	}
	return &Result{Outputs: map[string]any{schema.PortOut: map[string]any{
		"agent_id": agentID, "x": x, "y": y, "z": z,
	}}}, nil
}

func execChat(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	agentID, err := agentFor(ctx, ec, node)
	if err != nil {
		return nil, err
	}
	message := cfgString(node, "message")
	if message == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "chat requires message")
	}
	ctrl, err := ec.Agents.Control(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Chat(ctx, message); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNode, "chat via agent %q", agentID).WithCause(err)
	}
	return &Result{Outputs: map[string]any{schema.PortOut: map[string]any{
		"agent_id": agentID, "message": message,
	}}}, nil
}

// execScan runs an exclusive survey. The agent's busy flag is held for the
// duration so the task queue does not interleave.
func execScan(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	agentID, err := agentFor(ctx, ec, node)
	if err != nil {
		return nil, err
	}
	ctrl, err := ec.Agents.Control(ctx, agentID)
	if err != nil {
		return nil, err
	}

	radius, ok := cfgInt(node, "radius")
	if !ok {
		radius = 16
	}

	if err := ec.Agents.SetBusy(ctx, agentID, true, "scanning"); err != nil {
		return nil, err
	}
	result, scanErr := ctrl.Scan(ctx, radius)
	if err := ec.Agents.SetBusy(ctx, agentID, false, ""); err != nil {
		ec.Logger.Warn("clear busy after scan", "agent_id", agentID, "error", err)
	}
	if scanErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNode, "scan via agent %q", agentID).WithCause(scanErr)
	}
	return &Result{Outputs: map[string]any{schema.PortOut: result}}, nil
}

func execInventory(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	agentID, err := agentFor(ctx, ec, node)
	if err != nil {
		return nil, err
	}
	ctrl, err := ec.Agents.Control(ctx, agentID)
	if err != nil {
		return nil, err
	}
	items, err := ctrl.Inventory(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNode, "inventory of agent %q", agentID).WithCause(err)
	}

	out := map[string]any{"agent_id": agentID}
	if item := cfgString(node, "item"); item != "" {
		out["item"] = item
		out["count"] = items[item]
	} else {
		counts := make(map[string]any, len(items))
		for k, v := range items {
			counts[k] = v
		}
		out["items"] = counts
	}
	return &Result{Outputs: map[string]any{schema.PortOut: out}}, nil
}

// execCollect enqueues an item-collection task against the agent instead of
// gathering inline: collection goes through the task queue like any
// user-enqueued work.
func execCollect(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	agentID, err := agentFor(ctx, ec, node)
	if err != nil {
		return nil, err
	}
	rawItems, _ := node.Config["items"].([]any)
	if len(rawItems) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "collect requires items")
	}

	items := make([]schema.TaskItem, 0, len(rawItems))
	for _, raw := range rawItems {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "collect items must be objects")
		}
		name, _ := m["name"].(string)
		count, _ := toFloat(m["count"])
		if name == "" || count < 1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "collect item requires name and count")
		}
		items = append(items, schema.TaskItem{
			Name:      name,
			Requested: int(count),
			Status:    schema.ItemStatusPending,
		})
	}

	task := &schema.Task{
		ID:      uuid.New().String(),
		AgentID: agentID,
		Items:   items,
	}
	if err := ec.Enqueuer.EnqueueTask(ctx, task); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNode, "enqueue collect task for %q", agentID).WithCause(err)
	}
	return &Result{Outputs: map[string]any{schema.PortOut: map[string]any{
		"agent_id": agentID, "task_id": task.ID,
	}}}, nil
}
