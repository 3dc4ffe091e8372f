package engine

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solmak/bothive/internal/catalog"
	"github.com/solmak/bothive/internal/expressions"
	"github.com/solmak/bothive/internal/logging"
	"github.com/solmak/bothive/internal/nodes"
	"github.com/solmak/bothive/internal/store"
	"github.com/solmak/bothive/internal/streaming"
	"github.com/solmak/bothive/pkg/schema"
)

// maxNodeVisits bounds the total node firings of one traversal, including
// loop iterations. A graph that exceeds it fails with WORKFLOW_FATAL.
const maxNodeVisits = 10000

// Config carries the engine's collaborators. Store, Catalog and Registry are
// required; the rest default to sensible implementations.
type Config struct {
	Store    store.Store
	Hub      streaming.Hub
	Catalog  *catalog.Catalog
	Registry *nodes.Registry
	Agents   nodes.AgentGateway
	Enqueuer nodes.TaskEnqueuer
	Workers  int
	HTTP     *http.Client
	Logger   *slog.Logger
}

// Engine executes workflow graphs: it resolves which trigger node a stimulus
// fires, traverses the graph breadth-first from that node, and persists a
// continuation whenever a node suspends so the execution survives a restart.
type Engine struct {
	store    store.Store
	hub      streaming.Hub
	catalog  *catalog.Catalog
	registry *nodes.Registry
	agents   nodes.AgentGateway
	enqueuer nodes.TaskEnqueuer
	paths    *expressions.GoJQEngine
	values   *expressions.ExprEngine
	filters  *expressions.CELEngine
	http     *http.Client
	logger   *slog.Logger
	pool     *WorkerPool
	fsm      *executionFSM

	mu     sync.Mutex
	active map[string]*run
	timers map[string]*executionTimer
}

type executionTimer struct {
	executionID string
	timer       *time.Timer
}

// New creates an engine. The CEL environment backs event trigger filters; a
// failure to build it is a programming error and surfaces immediately.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Catalog == nil || cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires store, catalog and registry")
	}
	filters, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	return &Engine{
		store:    cfg.Store,
		hub:      cfg.Hub,
		catalog:  cfg.Catalog,
		registry: cfg.Registry,
		agents:   cfg.Agents,
		enqueuer: cfg.Enqueuer,
		paths:    expressions.NewGoJQEngine(),
		values:   expressions.NewExprEngine(),
		filters:  filters,
		http:     httpClient,
		logger:   logger,
		pool:     NewWorkerPool(workers, logger),
		fsm:      &executionFSM{store: cfg.Store, hub: cfg.Hub},
		active:   make(map[string]*run),
		timers:   make(map[string]*executionTimer),
	}, nil
}

// FireTrigger resolves the trigger node the source matches, creates an
// execution and traverses the graph synchronously. The returned execution
// reflects the final (or suspended) status.
func (e *Engine) FireTrigger(ctx context.Context, workflowID string, src schema.TriggerSource) (*schema.Execution, error) {
	def, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := e.catalog.ValidateWorkflow(def); err != nil {
		return nil, err
	}
	g, err := compileGraph(def)
	if err != nil {
		return nil, err
	}
	trigger, err := e.resolveTrigger(ctx, g, src)
	if err != nil {
		return nil, err
	}

	if src.FiredAt.IsZero() {
		src.FiredAt = time.Now().UTC()
	}
	exec := &schema.Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     schema.ExecutionPending,
		Trigger:    src,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)

	r := e.newRun(exec, g)
	e.registerRun(r)
	defer e.unregisterRun(r)

	if err := e.fsm.Transition(ctx, exec, schema.ExecutionRunning, ""); err != nil {
		return nil, err
	}
	e.logger.Info("execution started", "execution_id", exec.ID,
		"workflow_id", workflowID, "trigger", string(src.Kind))

	travErr := e.traverse(ctx, r, []frontierItem{{nodeID: trigger.ID, inputs: nodes.Inputs{}}})
	if err := e.finish(ctx, r, travErr); err != nil {
		return exec, err
	}
	return exec, nil
}

// FireTriggerAsync runs FireTrigger on the bounded worker pool and returns
// once a slot was acquired.
func (e *Engine) FireTriggerAsync(ctx context.Context, workflowID string, src schema.TriggerSource) error {
	return e.pool.Submit(ctx, func(ctx context.Context) error {
		_, err := e.FireTrigger(ctx, workflowID, src)
		if err != nil {
			e.logger.Error("triggered execution failed", "workflow_id", workflowID, "error", err)
		}
		return err
	})
}

// Cancel requests cancellation of an execution. A live traversal observes the
// flag cooperatively at its next node boundary; a suspended execution is
// cancelled in place and its continuations removed so late events become
// no-ops. Cancelling an already terminal execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r := e.active[executionID]
	e.mu.Unlock()
	if r != nil {
		r.cancelled.Store(true)
		e.dropTimersFor(executionID)
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionCancelled, "cancelled by user"); err != nil {
		return err
	}
	e.dropTimersFor(executionID)
	if err := e.store.DeleteContinuationsForExecution(ctx, executionID); err != nil {
		return err
	}
	e.logger.Info("execution cancelled", "execution_id", executionID)
	return nil
}

// HandleEvent feeds one agent event through the engine: it resumes matching
// waiting continuations, then fires matching event trigger nodes across all
// workflows.
func (e *Engine) HandleEvent(ctx context.Context, ev schema.BotEvent) error {
	conts, err := e.store.MatchEventContinuations(ctx, ev.Name, ev.AgentID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"event":    ev.Name,
		"agent_id": ev.AgentID,
		"payload":  ev.Payload,
	}
	for _, cont := range conts {
		if err := e.Resume(ctx, cont, payload); err != nil {
			e.logger.Error("continuation resume failed",
				"continuation_id", cont.ID, "execution_id", cont.ExecutionID, "error", err)
		}
	}

	defs, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		for i := range def.Nodes {
			node := &def.Nodes[i]
			if node.Type != schema.NodeTriggerEvent {
				continue
			}
			if !e.eventTriggerMatches(ctx, node, ev) {
				continue
			}
			src := schema.TriggerSource{
				Kind:      schema.TriggerEvent,
				AgentID:   ev.AgentID,
				EventName: ev.Name,
				Payload:   ev.Payload,
				FiredAt:   time.Now().UTC(),
			}
			if err := e.FireTriggerAsync(ctx, def.ID, src); err != nil {
				e.logger.Error("event trigger dispatch failed",
					"workflow_id", def.ID, "event", ev.Name, "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) eventTriggerMatches(ctx context.Context, node *schema.NodeDefinition, ev schema.BotEvent) bool {
	if cfgValue(node, "event") != ev.Name {
		return false
	}
	if agentID := cfgValue(node, "agent_id"); agentID != "" && agentID != ev.AgentID {
		return false
	}
	filter := cfgValue(node, "filter")
	if filter == "" {
		return true
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	ok, err := e.filters.EvaluateBool(ctx, filter, map[string]any{
		"event":   ev.Name,
		"agent":   ev.AgentID,
		"payload": payload,
	})
	if err != nil {
		e.logger.Warn("event trigger filter error", "node_id", node.ID, "error", err)
		return false
	}
	return ok
}

// ResumeDueTimers resumes every timer continuation whose deadline has
// passed. The scheduler calls it on a ticker and once at startup to recover
// timers lost to a restart.
func (e *Engine) ResumeDueTimers(ctx context.Context, now time.Time) error {
	conts, err := e.store.DueTimerContinuations(ctx, now)
	if err != nil {
		return err
	}
	for _, cont := range conts {
		payload := map[string]any{"elapsed": true}
		if cont.Matcher.ResumeAt != nil {
			payload["resume_at"] = cont.Matcher.ResumeAt.Format(time.RFC3339)
		}
		if err := e.Resume(ctx, cont, payload); err != nil {
			e.logger.Error("timer resume failed",
				"continuation_id", cont.ID, "execution_id", cont.ExecutionID, "error", err)
		}
	}
	return nil
}

// Resume wakes a suspended execution: the continuation is deleted first so a
// duplicate stimulus resumes at most once, then the waiting node completes
// with the resume payload and traversal continues downstream.
func (e *Engine) Resume(ctx context.Context, cont *schema.Continuation, payload map[string]any) error {
	if err := e.store.DeleteContinuation(ctx, cont.ID); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	e.dropTimer(cont.ID)

	exec, err := e.store.GetExecution(ctx, cont.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	def, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	g, err := compileGraph(def)
	if err != nil {
		return err
	}

	r := e.newRun(exec, g)
	e.registerRun(r)
	defer e.unregisterRun(r)

	entries, err := e.store.GetLog(ctx, exec.ID)
	if err != nil {
		return err
	}
	r.replayLog(entries, cont.NodeID)

	e.logger.Info("execution resumed", "execution_id", exec.ID,
		"node_id", cont.NodeID, "kind", cont.Matcher.Kind)

	outputs := map[string]any{schema.PortOut: payload}
	frontier, err := r.completeNode(ctx, cont.NodeID, nodes.Inputs{}, outputs, 0)
	if err != nil {
		return err
	}
	travErr := e.traverse(ctx, r, frontier)
	return e.finish(ctx, r, travErr)
}

// StatusView is a point-in-time snapshot of one execution.
type StatusView struct {
	Execution     *schema.Execution      `json:"execution"`
	Log           []*schema.LogEntry     `json:"log"`
	Continuations []*schema.Continuation `json:"continuations,omitempty"`
}

// Status returns the execution record, its full log, and any outstanding
// continuations.
func (e *Engine) Status(ctx context.Context, executionID string) (*StatusView, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.GetLog(ctx, executionID)
	if err != nil {
		return nil, err
	}
	conts, err := e.store.ListContinuations(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &StatusView{Execution: exec, Log: entries, Continuations: conts}, nil
}

// Metrics exposes the worker pool counters.
func (e *Engine) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting new traversals, drops pending timers, and waits
// for in-flight traversals to reach a node boundary and finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for id, et := range e.timers {
		et.timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeTimeout, "engine shutdown timed out").WithCause(ctx.Err())
	}
}

// --- trigger resolution ---

// resolveTrigger finds the trigger node the source fires. Webhook secrets
// compare in constant time; a matching path with a bad secret is rejected
// rather than falling through to another trigger.
func (e *Engine) resolveTrigger(ctx context.Context, g *graph, src schema.TriggerSource) (*schema.NodeDefinition, error) {
	for _, node := range g.triggers {
		switch src.Kind {
		case schema.TriggerManual:
			if node.Type == schema.NodeTriggerManual {
				return node, nil
			}
		case schema.TriggerSchedule:
			if node.Type != schema.NodeTriggerSchedule {
				continue
			}
			if src.EventName == "" || cfgValue(node, "cron") == src.EventName {
				return node, nil
			}
		case schema.TriggerEvent:
			if node.Type != schema.NodeTriggerEvent {
				continue
			}
			if e.eventTriggerMatches(ctx, node, schema.BotEvent{
				Name: src.EventName, AgentID: src.AgentID, Payload: src.Payload,
			}) {
				return node, nil
			}
		case schema.TriggerWebhook:
			if node.Type != schema.NodeTriggerWebhook {
				continue
			}
			if path := cfgValue(node, "path"); path != "" && path != src.EventName {
				continue
			}
			if method := cfgValue(node, "method"); method != "" && !strings.EqualFold(method, src.Method) {
				continue
			}
			if secret := cfgValue(node, "secret"); secret != "" {
				if subtle.ConstantTimeCompare([]byte(secret), []byte(src.Secret)) != 1 {
					return nil, schema.NewError(schema.ErrCodeValidation, "webhook secret mismatch").WithNode(node.ID)
				}
			}
			return node, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no %s trigger matches", src.Kind)
}

// --- run registry / timers ---

func (e *Engine) registerRun(r *run) {
	e.mu.Lock()
	e.active[r.exec.ID] = r
	e.mu.Unlock()
}

func (e *Engine) unregisterRun(r *run) {
	e.mu.Lock()
	delete(e.active, r.exec.ID)
	e.mu.Unlock()
}

// scheduleTimer arms an in-process timer for a persisted timer continuation.
// The persisted record remains the source of truth; the timer is only a
// liveness optimization and the due-timer sweep covers restarts.
func (e *Engine) scheduleTimer(cont *schema.Continuation) {
	if cont.Matcher.Kind != schema.WaitKindTimer || cont.Matcher.ResumeAt == nil {
		return
	}
	delay := time.Until(*cont.Matcher.ResumeAt)
	if delay < 0 {
		delay = 0
	}
	c := *cont
	t := time.AfterFunc(delay, func() {
		e.dropTimer(c.ID)
		if err := e.Resume(context.Background(), &c, map[string]any{"elapsed": true}); err != nil {
			e.logger.Error("timer resume failed", "continuation_id", c.ID, "error", err)
		}
	})
	e.mu.Lock()
	e.timers[cont.ID] = &executionTimer{executionID: cont.ExecutionID, timer: t}
	e.mu.Unlock()
}

func (e *Engine) dropTimer(contID string) {
	e.mu.Lock()
	if et, ok := e.timers[contID]; ok {
		et.timer.Stop()
		delete(e.timers, contID)
	}
	e.mu.Unlock()
}

func (e *Engine) dropTimersFor(executionID string) {
	e.mu.Lock()
	for id, et := range e.timers {
		if et.executionID == executionID {
			et.timer.Stop()
			delete(e.timers, id)
		}
	}
	e.mu.Unlock()
}

// --- helpers ---

func cfgValue(node *schema.NodeDefinition, key string) string {
	if node.Config == nil {
		return ""
	}
	s, _ := node.Config[key].(string)
	return s
}

func isNotFound(err error) bool {
	he, ok := err.(*schema.HiveError)
	return ok && he.Code == schema.ErrCodeNotFound
}
