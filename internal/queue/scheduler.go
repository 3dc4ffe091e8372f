package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/solmak/bothive/internal/streaming"
	"github.com/solmak/bothive/internal/store"
	"github.com/solmak/bothive/pkg/schema"
)

// ErrTaskPaused is returned by a task executor to park the task awaiting
// per-item user decisions instead of completing or failing it.
var ErrTaskPaused = errors.New("task paused awaiting decisions")

// Runtime is the minimal agent surface the scheduler drains against.
type Runtime interface {
	ID() string
	Connected() bool
	Busy() bool
	ExecuteTask(ctx context.Context, task *schema.Task) error
}

// Scheduler drains per-agent task queues in position order. It owns every
// task status transition; executors only mutate task items and report an
// error, ErrTaskPaused, or nil.
type Scheduler struct {
	store  store.Store
	hub    streaming.Hub
	logger *slog.Logger
}

// NewScheduler creates a queue scheduler.
func NewScheduler(st store.Store, hub streaming.Hub, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, hub: hub, logger: logger.With("component", "queue")}
}

// Enqueue persists a new pending task and announces it. The store assigns
// the queue position.
func (s *Scheduler) Enqueue(ctx context.Context, task *schema.Task) error {
	task.Status = schema.TaskStatusPending
	if err := s.store.CreateTask(ctx, task); err != nil {
		return schema.NewError(schema.ErrCodeStore, "create task").WithCause(err)
	}
	s.publish(ctx, schema.EventTaskEnqueued, task)
	return nil
}

// Drain processes the agent's queue until it is empty or the agent can no
// longer work. Each iteration claims the lowest-position pending task, runs
// it, and records the outcome. A task failure never stops the drain; store
// failures do.
func (s *Scheduler) Drain(ctx context.Context, rt Runtime) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !rt.Connected() {
			s.logger.Warn("drain stopped, agent disconnected", "agent_id", rt.ID())
			return nil
		}
		if rt.Busy() {
			s.logger.Debug("drain stopped, agent busy", "agent_id", rt.ID())
			return nil
		}

		task, err := s.store.NextPendingTask(ctx, rt.ID())
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "next pending task").WithCause(err)
		}
		if task == nil {
			return nil
		}

		if err := s.runTask(ctx, rt, task); err != nil {
			return err
		}
	}
}

// runTask executes one claimed task and records its terminal (or paused)
// status. The returned error is a store failure only; execution errors are
// captured on the task.
func (s *Scheduler) runTask(ctx context.Context, rt Runtime, task *schema.Task) error {
	inProgress := schema.TaskStatusInProgress
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &inProgress}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "claim task").WithCause(err)
	}
	task.Status = inProgress
	s.publish(ctx, schema.EventTaskStarted, task)

	start := time.Now()
	execErr := rt.ExecuteTask(ctx, task)
	elapsed := time.Since(start)

	switch {
	case errors.Is(execErr, ErrTaskPaused):
		paused := schema.TaskStatusPaused
		if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &paused, Items: task.Items}); err != nil {
			return schema.NewError(schema.ErrCodeStore, "pause task").WithCause(err)
		}
		task.Status = paused
		s.publish(ctx, schema.EventTaskPaused, task)
		s.logger.Info("task paused awaiting decisions",
			"agent_id", rt.ID(), "task_id", task.ID, "duration", elapsed)

	case execErr != nil:
		failed := schema.TaskStatusFailed
		msg := execErr.Error()
		now := time.Now().UTC()
		if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status: &failed, Items: task.Items, Error: &msg, CompletedAt: &now,
		}); err != nil {
			return schema.NewError(schema.ErrCodeStore, "fail task").WithCause(err)
		}
		task.Status = failed
		task.Error = msg
		s.publish(ctx, schema.EventTaskFailed, task)
		s.logger.Warn("task failed",
			"agent_id", rt.ID(), "task_id", task.ID, "error", msg, "duration", elapsed)

	default:
		completed := schema.TaskStatusCompleted
		now := time.Now().UTC()
		if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status: &completed, Items: task.Items, CompletedAt: &now,
		}); err != nil {
			return schema.NewError(schema.ErrCodeStore, "complete task").WithCause(err)
		}
		task.Status = completed
		s.publish(ctx, schema.EventTaskCompleted, task)
		s.logger.Info("task completed",
			"agent_id", rt.ID(), "task_id", task.ID, "duration", elapsed)
	}
	return nil
}

// ResolveDecisions records user decisions on a paused task's undecided
// partial items. Once every partial item carries a decision the task returns
// to pending and the next drain picks it up at its original position.
func (s *Scheduler) ResolveDecisions(ctx context.Context, taskID string, decisions map[string]schema.ItemDecision) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != schema.TaskStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"task %q is %s, not paused", taskID, task.Status)
	}

	for name, decision := range decisions {
		if decision != schema.DecisionTakeAvailable && decision != schema.DecisionSkip {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q for item %q", decision, name)
		}
		found := false
		for i := range task.Items {
			if task.Items[i].Name != name {
				continue
			}
			found = true
			if task.Items[i].Status != schema.ItemStatusPartial {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"item %q is %s, decisions apply to partial items only", name, task.Items[i].Status)
			}
			task.Items[i].Decision = decision
		}
		if !found {
			return schema.NewErrorf(schema.ErrCodeNotFound, "task %q has no item %q", taskID, name)
		}
	}

	update := store.TaskUpdate{Items: task.Items}
	if undecidedPartials(task.Items) == 0 {
		pending := schema.TaskStatusPending
		update.Status = &pending
	}
	if err := s.store.UpdateTask(ctx, taskID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "record decisions").WithCause(err)
	}
	if update.Status != nil {
		task.Status = *update.Status
		s.publish(ctx, schema.EventTaskEnqueued, task)
	}
	return nil
}

func undecidedPartials(items []schema.TaskItem) int {
	n := 0
	for _, item := range items {
		if item.Status == schema.ItemStatusPartial && item.Decision == "" {
			n++
		}
	}
	return n
}

func (s *Scheduler) publish(ctx context.Context, eventType string, task *schema.Task) {
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(ctx, streaming.Event{
		Type:    eventType,
		AgentID: task.AgentID,
		TaskID:  task.ID,
		Payload: map[string]any{"status": string(task.Status), "position": task.Position},
	})
}
