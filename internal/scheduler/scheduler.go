package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/solmak/bothive/internal/store"
	"github.com/solmak/bothive/pkg/schema"
)

// TriggerRunner is the slice of the engine the scheduler uses. Satisfied by
// *engine.Engine.
type TriggerRunner interface {
	FireTriggerAsync(ctx context.Context, workflowID string, src schema.TriggerSource) error
	ResumeDueTimers(ctx context.Context, now time.Time) error
}

// Scheduler scans workflow definitions for trigger.schedule nodes and fires
// them when their cron expression comes due. The same tick sweeps due timer
// continuations, which also recovers timers lost to a restart.
type Scheduler struct {
	store    store.Store
	runner   TriggerRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule keys currently firing (dedup)

	nextMu sync.Mutex
	next   map[string]time.Time // schedule key → next due time
}

// NewScheduler creates a scheduler ticking at the given interval; intervals
// below one second are clamped.
func NewScheduler(s store.Store, runner TriggerRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		inflight: make(map[string]struct{}),
		next:     make(map[string]time.Time),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// The initial tick recovers due timers immediately and seeds the cron
	// bookkeeping without firing anything retroactively.
	s.Tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one scheduling pass at the given instant: due timer
// continuations resume, then every due trigger.schedule node fires.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if err := s.runner.ResumeDueTimers(ctx, now); err != nil {
		s.logger.Error("due timer sweep failed", "error", err)
	}

	defs, err := s.store.ListWorkflows(ctx)
	if err != nil {
		s.logger.Error("failed to list workflows", "error", err)
		return
	}

	seen := make(map[string]struct{})
	for _, def := range defs {
		for i := range def.Nodes {
			node := &def.Nodes[i]
			if node.Type != schema.NodeTriggerSchedule {
				continue
			}
			expr, _ := node.Config["cron"].(string)
			if expr == "" {
				continue
			}
			key := def.ID + "/" + node.ID
			seen[key] = struct{}{}
			s.maybeFire(ctx, key, def.ID, expr, now)
		}
	}
	s.forget(seen)
}

// maybeFire fires one schedule when its due time has passed and advances the
// bookkeeping. A key seen for the first time is seeded to its next due time
// so startup never replays old occurrences.
func (s *Scheduler) maybeFire(ctx context.Context, key, workflowID, expr string, now time.Time) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		s.logger.Warn("invalid cron expression", "workflow_id", workflowID, "cron", expr, "error", err)
		return
	}

	s.nextMu.Lock()
	due, known := s.next[key]
	if !known {
		s.next[key] = schedule.Next(now)
		s.nextMu.Unlock()
		return
	}
	if due.After(now) {
		s.nextMu.Unlock()
		return
	}
	s.next[key] = schedule.Next(now)
	s.nextMu.Unlock()

	if !s.tryAcquire(key) {
		return // previous fire still being submitted
	}
	defer s.release(key)

	s.logger.Info("firing scheduled trigger", "workflow_id", workflowID, "cron", expr)
	src := schema.TriggerSource{
		Kind:      schema.TriggerSchedule,
		EventName: expr,
		FiredAt:   now,
	}
	if err := s.runner.FireTriggerAsync(ctx, workflowID, src); err != nil {
		s.logger.Error("scheduled trigger failed",
			"workflow_id", workflowID, "cron", expr, "error", err)
	}
}

// forget drops bookkeeping for schedules that no longer exist.
func (s *Scheduler) forget(seen map[string]struct{}) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	for key := range s.next {
		if _, ok := seen[key]; !ok {
			delete(s.next, key)
		}
	}
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// NextRun computes the next due time of a cron expression.
func (s *Scheduler) NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduling loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}
