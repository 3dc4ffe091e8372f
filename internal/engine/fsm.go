package engine

import (
	"context"
	"time"

	"github.com/solmak/bothive/internal/store"
	"github.com/solmak/bothive/internal/streaming"
	"github.com/solmak/bothive/pkg/schema"
)

// validExecutionTransitions is the allowed state machine for executions.
// Terminal statuses map to empty slices: once reached, the status never
// changes again.
var validExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

var executionStatusEvents = map[schema.ExecutionStatus]string{
	schema.ExecutionRunning:   schema.EventExecutionStarted,
	schema.ExecutionCompleted: schema.EventExecutionCompleted,
	schema.ExecutionFailed:    schema.EventExecutionFailed,
	schema.ExecutionCancelled: schema.EventExecutionCancelled,
}

// executionFSM persists execution status transitions and publishes the
// matching lifecycle event. Every status change in the engine goes through
// Transition; nothing writes execution status directly.
type executionFSM struct {
	store store.Store
	hub   streaming.Hub
}

func canTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, allowed := range validExecutionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the execution to the target status, stamping the finish
// time and error on terminal transitions.
func (f *executionFSM) Transition(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus, execErr string) error {
	if exec.Status == to {
		return nil
	}
	if !canTransitionExecution(exec.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot transition execution from %s to %s", exec.Status, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": exec.Status, "to": to})
	}

	update := store.ExecutionUpdate{Status: &to}
	if execErr != "" {
		update.Error = &execErr
	}
	var finished *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		finished = &now
		update.FinishedAt = finished
	}
	if err := f.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	exec.Status = to
	exec.FinishedAt = finished
	if execErr != "" {
		exec.Error = execErr
	}

	if eventType, ok := executionStatusEvents[to]; ok && f.hub != nil {
		payload := map[string]any{"workflow_id": exec.WorkflowID, "status": string(to)}
		if execErr != "" {
			payload["error"] = execErr
		}
		_ = f.hub.Publish(ctx, streaming.Event{
			Type:        eventType,
			ExecutionID: exec.ID,
			Payload:     payload,
			Timestamp:   time.Now().UTC(),
		})
	}
	return nil
}
