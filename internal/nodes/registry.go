package nodes

import (
	"regexp"
	"sync"

	"github.com/solmak/bothive/pkg/schema"
)

// actionTypePattern constrains custom registerable types to the action
// namespace. Every other category is a closed set.
var actionTypePattern = regexp.MustCompile(`^action\.[a-z][a-z0-9_]*$`)

// Registry maps node types to executors. The trigger/logic/data/util types
// are fixed at construction; only action.* types can be registered
// afterwards. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns a registry with every builtin executor installed.
// Merge, loop and stop have no executor: the engine interprets them
// directly during traversal.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}

	trigger := ExecutorFunc(execTrigger)
	for _, t := range []string{
		schema.NodeTriggerManual, schema.NodeTriggerSchedule,
		schema.NodeTriggerEvent, schema.NodeTriggerWebhook,
	} {
		r.executors[t] = trigger
	}

	r.executors[schema.NodeLogicIf] = ExecutorFunc(execIf)
	r.executors[schema.NodeLogicSwitch] = ExecutorFunc(execSwitch)

	r.executors[schema.NodeDataSetVariable] = ExecutorFunc(execSetVariable)
	r.executors[schema.NodeDataGetVariable] = ExecutorFunc(execGetVariable)
	r.executors[schema.NodeDataTransform] = ExecutorFunc(execTransform)
	r.executors[schema.NodeDataHTTPRequest] = ExecutorFunc(execHTTPRequest)

	r.executors[schema.NodeActionMove] = ExecutorFunc(execMove)
	r.executors[schema.NodeActionChat] = ExecutorFunc(execChat)
	r.executors[schema.NodeActionScan] = ExecutorFunc(execScan)
	r.executors[schema.NodeActionInventory] = ExecutorFunc(execInventory)
	r.executors[schema.NodeActionCollect] = ExecutorFunc(execCollect)

	r.executors[schema.NodeUtilDelay] = ExecutorFunc(execDelay)
	r.executors[schema.NodeUtilWaitEvent] = ExecutorFunc(execWaitEvent)
	r.executors[schema.NodeUtilLog] = ExecutorFunc(execLog)

	return r
}

// RegisterAction installs a custom action executor. The type must match the
// action namespace convention and must not collide with an existing type.
func (r *Registry) RegisterAction(nodeType string, exec Executor) error {
	if !actionTypePattern.MatchString(nodeType) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"action type %q does not match %s", nodeType, actionTypePattern.String())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[nodeType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", nodeType)
	}
	r.executors[nodeType] = exec
	return nil
}

// Lookup returns the executor for a node type, or nil for types the engine
// interprets itself (merge, loop, stop) and for unknown types.
func (r *Registry) Lookup(nodeType string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[nodeType]
}
