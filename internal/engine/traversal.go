package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/solmak/bothive/internal/logging"
	"github.com/solmak/bothive/internal/nodes"
	"github.com/solmak/bothive/internal/streaming"
	"github.com/solmak/bothive/pkg/schema"
)

// frontierItem is one pending node firing: the node plus the inputs that
// arrived for it.
type frontierItem struct {
	nodeID string
	inputs nodes.Inputs
}

type mergeState struct {
	arrivals map[string]any
	fired    bool
}

// run is the in-memory state of one traversal. It lives for the duration of
// a FireTrigger or Resume call; everything needed to survive a restart is in
// the store, not here.
type run struct {
	engine    *Engine
	exec      *schema.Execution
	graph     *graph
	ec        *nodes.ExecContext
	cancelled atomic.Bool
	merges    map[string]*mergeState
	visits    int
	loopDepth int
	halted    bool
	stopErr   error
}

func (e *Engine) newRun(exec *schema.Execution, g *graph) *run {
	r := &run{
		engine: e,
		exec:   exec,
		graph:  g,
		merges: make(map[string]*mergeState),
	}
	r.ec = &nodes.ExecContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Trigger:     exec.Trigger,
		Vars:        nodes.NewVariables(g.def.Variables),
		Agents:      e.agents,
		Enqueuer:    e.enqueuer,
		Cancelled:   func() bool { return r.cancelled.Load() },
		Paths:       e.paths,
		Values:      e.values,
		HTTP:        e.http,
		Logger:      e.logger.With("execution_id", exec.ID),
	}
	return r
}

// traverse drains a frontier breadth-first. Each step may push successors;
// the loop ends when the frontier is empty, a stop node fired, the visit
// budget is exhausted, or cancellation was observed.
func (e *Engine) traverse(ctx context.Context, r *run, frontier []frontierItem) error {
	for len(frontier) > 0 {
		if r.cancelled.Load() || ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
		}
		item := frontier[0]
		frontier = frontier[1:]

		next, err := e.step(ctx, r, item)
		if err != nil {
			return err
		}
		if r.halted {
			return r.stopErr
		}
		frontier = append(frontier, next...)
	}
	return nil
}

// step fires one node and returns its successor frontier items. Merge, loop
// and stop are interpreted by the engine; every other type dispatches to its
// registered executor.
func (e *Engine) step(ctx context.Context, r *run, item frontierItem) ([]frontierItem, error) {
	r.visits++
	if r.visits > maxNodeVisits {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowFatal,
			"node visit budget of %d exhausted", maxNodeVisits)
	}
	node := r.graph.nodes[item.nodeID]
	if node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowFatal, "unknown node %q", item.nodeID)
	}
	ctx = logging.WithNodeID(ctx, node.ID)

	switch node.Type {
	case schema.NodeLogicStop:
		return nil, r.runStop(ctx, node, item.inputs)
	case schema.NodeLogicLoop:
		return e.runLoop(ctx, r, node, item.inputs)
	case schema.NodeLogicMerge:
		return r.runMerge(ctx, node, item.inputs)
	}
	return e.dispatch(ctx, r, node, item.inputs)
}

func (e *Engine) dispatch(ctx context.Context, r *run, node *schema.NodeDefinition, in nodes.Inputs) ([]frontierItem, error) {
	exec := e.registry.Lookup(node.Type)
	if exec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowFatal,
			"no executor for node type %q", node.Type).WithNode(node.ID)
	}

	if err := r.logNode(ctx, node.ID, schema.NodeRunning, in, nil, "", 0); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "appending log entry failed").WithCause(err)
	}
	r.publish(ctx, schema.EventNodeStarted, node.ID, map[string]any{"type": node.Type})
	start := time.Now()
	res, err := exec.Execute(ctx, r.ec, node, in)
	dur := time.Since(start).Milliseconds()

	if err != nil {
		if he, ok := err.(*schema.HiveError); ok && he.Code == schema.ErrCodeCancelled {
			return nil, err
		}
		if logErr := r.logNode(ctx, node.ID, schema.NodeError, in, nil, err.Error(), dur); logErr != nil {
			return nil, logErr
		}
		r.publish(ctx, schema.EventNodeError, node.ID, map[string]any{"error": err.Error()})
		if r.graph.hasErrorPath(node.ID) {
			return r.propagate(node.ID, map[string]any{
				schema.PortError: map[string]any{"message": hiveMessage(err), "node_id": node.ID},
			}), nil
		}
		r.ec.Logger.Warn("node failed with no error path, branch halted",
			"node_id", node.ID, "error", err)
		return nil, nil
	}

	if res != nil && res.Wait != nil {
		return nil, r.suspend(ctx, node, in, res.Wait)
	}

	var outputs map[string]any
	if res != nil {
		outputs = res.Outputs
	}
	return r.completeNode(ctx, node.ID, in, outputs, dur)
}

// suspend persists a continuation for the waiting node and records the
// variable snapshot in the log so a restarted process can rebuild it.
func (r *run) suspend(ctx context.Context, node *schema.NodeDefinition, in nodes.Inputs, w *schema.WaitMatcher) error {
	if r.loopDepth > 0 {
		if err := r.logNode(ctx, node.ID, schema.NodeError, in, nil,
			"cannot suspend inside a loop body", 0); err != nil {
			return err
		}
		r.publish(ctx, schema.EventNodeError, node.ID, map[string]any{
			"error": "cannot suspend inside a loop body"})
		return nil
	}
	cont := &schema.Continuation{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		Matcher:     *w,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.engine.store.PutContinuation(ctx, cont); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persisting continuation failed").WithCause(err)
	}
	snapshot := map[string]any{"vars": r.ec.Vars.Snapshot(), "wait": w}
	if err := r.engine.store.AppendLogEntry(ctx, &schema.LogEntry{
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		Status:      schema.NodeWaiting,
		Input:       mustRaw(in),
		Output:      mustRaw(snapshot),
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "appending log entry failed").WithCause(err)
	}
	r.publish(ctx, schema.EventNodeWaiting, node.ID, map[string]any{
		"kind": w.Kind, "event": w.EventName, "agent_id": w.AgentID,
	})
	r.engine.scheduleTimer(cont)
	return nil
}

// runStop logs the stop node and freezes the frontier. A failed outcome
// terminates the execution with the configured message.
func (r *run) runStop(ctx context.Context, node *schema.NodeDefinition, in nodes.Inputs) error {
	outcome := cfgValue(node, "outcome")
	if outcome == "" {
		outcome = "completed"
	}
	msg := cfgValue(node, "message")
	if err := r.logNode(ctx, node.ID, schema.NodeSuccess, in,
		map[string]any{"outcome": outcome, "message": msg}, "", 0); err != nil {
		return err
	}
	r.publish(ctx, schema.EventNodeCompleted, node.ID, map[string]any{"outcome": outcome})
	r.halted = true
	if outcome == "failed" {
		if msg == "" {
			msg = "stopped by workflow"
		}
		r.stopErr = schema.NewError(schema.ErrCodeWorkflowFatal, msg).WithNode(node.ID)
	}
	return nil
}

// runMerge fires a merge node whose arrival condition was already satisfied
// during propagation. wait_all emits the full port→value map; the other
// modes pass the single arrived value through.
func (r *run) runMerge(ctx context.Context, node *schema.NodeDefinition, in nodes.Inputs) ([]frontierItem, error) {
	var out any
	if mergeMode(node) == schema.MergeWaitAll {
		out = map[string]any(in)
	} else {
		out = in.Primary()
	}
	return r.completeNode(ctx, node.ID, in, map[string]any{schema.PortOut: out}, 0)
}

// runLoop iterates elements sequentially, re-traversing the loop body for
// each one. Per-iteration merge state inside the body is reset so the body
// behaves identically on every pass. The done port fires once afterwards.
func (e *Engine) runLoop(ctx context.Context, r *run, node *schema.NodeDefinition, in nodes.Inputs) ([]frontierItem, error) {
	elements, err := r.loopElements(ctx, node, in)
	if err != nil {
		if logErr := r.logNode(ctx, node.ID, schema.NodeError, in, nil, err.Error(), 0); logErr != nil {
			return nil, logErr
		}
		r.publish(ctx, schema.EventNodeError, node.ID, map[string]any{"error": err.Error()})
		if r.graph.hasErrorPath(node.ID) {
			return r.propagate(node.ID, map[string]any{
				schema.PortError: map[string]any{"message": hiveMessage(err), "node_id": node.ID},
			}), nil
		}
		return nil, nil
	}
	if max, ok := cfgIntValue(node, "max_iterations"); ok && max > 0 && len(elements) > max {
		r.ec.Logger.Warn("loop input truncated to max_iterations",
			"node_id", node.ID, "len", len(elements), "max", max)
		elements = elements[:max]
	}

	r.publish(ctx, schema.EventNodeStarted, node.ID, map[string]any{
		"type": node.Type, "iterations": len(elements)})
	body := r.graph.reachableFrom(node.ID, schema.PortItem)
	for id := range r.graph.reachableFrom(node.ID, schema.PortIndex) {
		body[id] = struct{}{}
	}
	start := time.Now()

	for i, el := range elements {
		if r.cancelled.Load() || ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
		}
		for id := range body {
			delete(r.merges, id)
		}
		sub := r.propagate(node.ID, map[string]any{
			schema.PortItem:  el,
			schema.PortIndex: i,
		})
		r.loopDepth++
		err := e.traverse(ctx, r, sub)
		r.loopDepth--
		if err != nil {
			return nil, err
		}
		if r.halted {
			return nil, nil
		}
	}

	outputs := map[string]any{schema.PortDone: map[string]any{"count": len(elements)}}
	return r.completeNode(ctx, node.ID, in, outputs, time.Since(start).Milliseconds())
}

func (r *run) loopElements(ctx context.Context, node *schema.NodeDefinition, in nodes.Inputs) ([]any, error) {
	mode := cfgValue(node, "mode")
	if mode == "" {
		mode = string(schema.LoopModeArray)
	}
	switch schema.LoopMode(mode) {
	case schema.LoopModeCount:
		n, ok := cfgIntValue(node, "count")
		if !ok || n < 0 {
			return nil, schema.NewError(schema.ErrCodeNode, "loop count mode requires a non-negative count").WithNode(node.ID)
		}
		// count mode carries no item payload; only the index port has data
		return make([]any, n), nil
	case schema.LoopModeArray:
		var v any
		if path := cfgValue(node, "path"); path != "" {
			resolved, err := r.ec.Paths.ResolvePath(ctx, path, r.ec.Data(in))
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNode, "loop path %q: %v", path, err).WithNode(node.ID)
			}
			v = resolved
		} else {
			v = in.Primary()
		}
		arr, ok := v.([]any)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeNode, "loop input is not an array").WithNode(node.ID)
		}
		return arr, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNode, "unknown loop mode %q", mode).WithNode(node.ID)
}

// completeNode records a successful firing and propagates its outputs.
func (r *run) completeNode(ctx context.Context, nodeID string, in nodes.Inputs, outputs map[string]any, durMs int64) ([]frontierItem, error) {
	if err := r.logNode(ctx, nodeID, schema.NodeSuccess, in, outputs, "", durMs); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "appending log entry failed").WithCause(err)
	}
	r.publish(ctx, schema.EventNodeCompleted, nodeID, map[string]any{"outputs": outputs})
	return r.propagate(nodeID, outputs), nil
}

// propagate routes output values along edges in definition order. Non-merge
// targets become frontier items immediately; merge targets accumulate until
// their mode's arrival condition holds.
func (r *run) propagate(nodeID string, outputs map[string]any) []frontierItem {
	if len(outputs) == 0 {
		return nil
	}
	var next []frontierItem
	for _, edge := range r.graph.def.Edges {
		if edge.SourceNode != nodeID {
			continue
		}
		value, ok := outputs[edge.SourcePort]
		if !ok {
			continue
		}
		target := r.graph.nodes[edge.TargetNode]
		if target == nil {
			continue
		}
		if target.Type == schema.NodeLogicMerge {
			if item, fire := r.mergeArrival(target, edge.TargetPort, value); fire {
				next = append(next, item)
			}
			continue
		}
		next = append(next, frontierItem{
			nodeID: edge.TargetNode,
			inputs: nodes.Inputs{edge.TargetPort: value},
		})
	}
	return next
}

// mergeArrival records one arrival at a merge node and reports whether the
// node fires now. wait_all fires once when every wired input port has a
// value; wait_any fires on the first arrival only; pass_through fires on
// every arrival.
func (r *run) mergeArrival(node *schema.NodeDefinition, port string, value any) (frontierItem, bool) {
	ms := r.mergeFor(node.ID)
	switch mergeMode(node) {
	case schema.MergePassThrough:
		return frontierItem{nodeID: node.ID, inputs: nodes.Inputs{port: value}}, true
	case schema.MergeWaitAny:
		if ms.fired {
			return frontierItem{}, false
		}
		ms.fired = true
		return frontierItem{nodeID: node.ID, inputs: nodes.Inputs{port: value}}, true
	default: // wait_all
		ms.arrivals[port] = value
		if ms.fired || len(ms.arrivals) < len(r.graph.wiredInputPorts(node.ID)) {
			return frontierItem{}, false
		}
		ms.fired = true
		in := make(nodes.Inputs, len(ms.arrivals))
		for k, v := range ms.arrivals {
			in[k] = v
		}
		return frontierItem{nodeID: node.ID, inputs: in}, true
	}
}

func (r *run) mergeFor(nodeID string) *mergeState {
	ms := r.merges[nodeID]
	if ms == nil {
		ms = &mergeState{arrivals: make(map[string]any)}
		r.merges[nodeID] = ms
	}
	return ms
}

// replayLog rebuilds traversal state from the persisted log before a resume:
// merge nodes that already fired stay fired, partial wait_all arrivals are
// re-fed, and the waiting node's variable snapshot reseeds the namespace.
func (r *run) replayLog(entries []*schema.LogEntry, waitingNodeID string) {
	for _, en := range entries {
		switch en.Status {
		case schema.NodeSuccess:
			node := r.graph.nodes[en.NodeID]
			if node == nil {
				continue
			}
			if node.Type == schema.NodeLogicMerge {
				r.mergeFor(en.NodeID).fired = true
			}
			if len(en.Output) == 0 {
				continue
			}
			var outputs map[string]any
			if json.Unmarshal(en.Output, &outputs) != nil {
				continue
			}
			for _, edge := range r.graph.def.Edges {
				if edge.SourceNode != en.NodeID {
					continue
				}
				value, ok := outputs[edge.SourcePort]
				if !ok {
					continue
				}
				target := r.graph.nodes[edge.TargetNode]
				if target != nil && target.Type == schema.NodeLogicMerge {
					r.mergeFor(edge.TargetNode).arrivals[edge.TargetPort] = value
				}
			}
		case schema.NodeWaiting:
			if en.NodeID != waitingNodeID || len(en.Output) == 0 {
				continue
			}
			var out map[string]any
			if json.Unmarshal(en.Output, &out) != nil {
				continue
			}
			if vars, ok := out["vars"].(map[string]any); ok {
				for k, v := range vars {
					r.ec.Vars.Set(k, v)
				}
			}
		}
	}
}

// finish settles the execution after a traversal: cancelled wins, then
// failure, then a stop-frozen frontier, then suspended-stays-running, then
// completed.
func (e *Engine) finish(ctx context.Context, r *run, travErr error) error {
	exec := r.exec
	cancelled := r.cancelled.Load()
	if he, ok := travErr.(*schema.HiveError); ok && he.Code == schema.ErrCodeCancelled {
		cancelled = true
	}
	if cancelled {
		e.dropTimersFor(exec.ID)
		if err := e.store.DeleteContinuationsForExecution(ctx, exec.ID); err != nil {
			e.logger.Error("deleting continuations failed", "execution_id", exec.ID, "error", err)
		}
		return e.fsm.Transition(ctx, exec, schema.ExecutionCancelled, "cancelled by user")
	}
	if travErr != nil {
		e.dropTimersFor(exec.ID)
		if err := e.store.DeleteContinuationsForExecution(ctx, exec.ID); err != nil {
			e.logger.Error("deleting continuations failed", "execution_id", exec.ID, "error", err)
		}
		return e.fsm.Transition(ctx, exec, schema.ExecutionFailed, hiveMessage(travErr))
	}
	if r.halted {
		// a stop node froze the frontier; waiting siblings are abandoned
		e.dropTimersFor(exec.ID)
		if err := e.store.DeleteContinuationsForExecution(ctx, exec.ID); err != nil {
			e.logger.Error("deleting continuations failed", "execution_id", exec.ID, "error", err)
		}
		return e.fsm.Transition(ctx, exec, schema.ExecutionCompleted, "")
	}
	conts, err := e.store.ListContinuations(ctx, exec.ID)
	if err != nil {
		return err
	}
	if len(conts) > 0 {
		e.logger.Info("execution suspended", "execution_id", exec.ID, "continuations", len(conts))
		return nil
	}
	return e.fsm.Transition(ctx, exec, schema.ExecutionCompleted, "")
}

// --- log / event helpers ---

func (r *run) logNode(ctx context.Context, nodeID string, status schema.NodeRunStatus, in nodes.Inputs, outputs map[string]any, errMsg string, durMs int64) error {
	return r.engine.store.AppendLogEntry(ctx, &schema.LogEntry{
		ExecutionID: r.exec.ID,
		NodeID:      nodeID,
		Status:      status,
		Input:       mustRaw(in),
		Output:      mustRaw(outputs),
		Error:       errMsg,
		DurationMs:  durMs,
		Timestamp:   time.Now().UTC(),
	})
}

func (r *run) publish(ctx context.Context, eventType, nodeID string, payload any) {
	if r.engine.hub == nil {
		return
	}
	_ = r.engine.hub.Publish(ctx, streaming.Event{
		Type:        eventType,
		ExecutionID: r.exec.ID,
		NodeID:      nodeID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
}

func mergeMode(node *schema.NodeDefinition) schema.MergeMode {
	if mode := cfgValue(node, "mode"); mode != "" {
		return schema.MergeMode(mode)
	}
	return schema.MergeWaitAll
}

func cfgIntValue(node *schema.NodeDefinition, key string) (int, bool) {
	if node.Config == nil {
		return 0, false
	}
	switch n := node.Config[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func hiveMessage(err error) string {
	if he, ok := err.(*schema.HiveError); ok {
		return he.Message
	}
	return err.Error()
}
