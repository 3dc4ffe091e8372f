package agent

import (
	"context"

	"github.com/solmak/bothive/internal/queue"
	"github.com/solmak/bothive/pkg/schema"
)

// collectItems works through a task's items in order. Items that came back
// partial on an earlier pass are settled by their recorded decision; fresh
// items are gathered from the world. A shortfall leaves the item partial and
// pauses the task for user decisions rather than failing it.
func collectItems(ctx context.Context, ctrl ControlInterface, task *schema.Task) error {
	for i := range task.Items {
		item := &task.Items[i]
		switch item.Status {
		case schema.ItemStatusCollected, schema.ItemStatusSkipped:
			continue

		case schema.ItemStatusPartial:
			switch item.Decision {
			case schema.DecisionTakeAvailable:
				item.Status = schema.ItemStatusCollected
			case schema.DecisionSkip:
				item.Status = schema.ItemStatusSkipped
			}
			continue
		}

		remaining := item.Requested - item.Collected
		if remaining <= 0 {
			item.Status = schema.ItemStatusCollected
			continue
		}
		got, err := ctrl.Gather(ctx, item.Name, remaining)
		item.Collected += got
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeTaskExecution,
				"gather %q", item.Name).WithCause(err)
		}
		if item.Collected >= item.Requested {
			item.Status = schema.ItemStatusCollected
		} else {
			item.Status = schema.ItemStatusPartial
		}
	}

	for i := range task.Items {
		item := &task.Items[i]
		if item.Status == schema.ItemStatusPartial && item.Decision == "" {
			return queue.ErrTaskPaused
		}
	}
	return nil
}
