package schema

import "time"

// NodeCategory groups node types by their role in the graph.
type NodeCategory string

const (
	CategoryTrigger NodeCategory = "trigger"
	CategoryLogic   NodeCategory = "logic"
	CategoryData    NodeCategory = "data"
	CategoryAction  NodeCategory = "action"
	CategoryUtility NodeCategory = "utility"
)

// NodeDefinition is one typed unit of work in a workflow graph.
type NodeDefinition struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Category NodeCategory   `json:"category"`
	Config   map[string]any `json:"config,omitempty"`
}

// EdgeDefinition connects a source node's output port to a target node's
// input port.
type EdgeDefinition struct {
	SourceNode string `json:"source_node"`
	SourcePort string `json:"source_port"`
	TargetNode string `json:"target_node"`
	TargetPort string `json:"target_port"`
}

// WorkflowDefinition is a declarative node graph describing an automation.
// Variables is the execution-scoped namespace template: each execution starts
// from a copy of it.
type WorkflowDefinition struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	OwnerID   string           `json:"owner_id,omitempty"`
	Nodes     []NodeDefinition `json:"nodes"`
	Edges     []EdgeDefinition `json:"edges"`
	Variables map[string]any   `json:"variables,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Node returns the node with the given id, or nil.
func (d *WorkflowDefinition) Node(id string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Built-in node type identifiers. Trigger, logic, data and utility types form
// closed sets; the action namespace is open for registration.
const (
	NodeTriggerManual   = "trigger.manual"
	NodeTriggerSchedule = "trigger.schedule"
	NodeTriggerEvent    = "trigger.event"
	NodeTriggerWebhook  = "trigger.webhook"

	NodeLogicIf     = "logic.if"
	NodeLogicSwitch = "logic.switch"
	NodeLogicMerge  = "logic.merge"
	NodeLogicLoop   = "logic.loop"
	NodeLogicStop   = "logic.stop"

	NodeDataSetVariable = "data.set_variable"
	NodeDataGetVariable = "data.get_variable"
	NodeDataTransform   = "data.transform"
	NodeDataHTTPRequest = "data.http_request"

	NodeActionMove      = "action.move"
	NodeActionChat      = "action.chat"
	NodeActionScan      = "action.scan"
	NodeActionInventory = "action.inventory"
	NodeActionCollect   = "action.collect"

	NodeUtilDelay     = "util.delay"
	NodeUtilWaitEvent = "util.wait_event"
	NodeUtilLog       = "util.log"
)

// MergeMode governs how many upstream arrivals a merge node requires before
// firing.
type MergeMode string

const (
	MergeWaitAll     MergeMode = "wait_all"
	MergeWaitAny     MergeMode = "wait_any"
	MergePassThrough MergeMode = "pass_through"
)

// LoopMode selects between iterating an array and synthesizing indices.
type LoopMode string

const (
	LoopModeArray LoopMode = "array"
	LoopModeCount LoopMode = "count"
)

// Comparison operators available to logic.if.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpGreaterEq   = "greater_or_equal"
	OpLessThan    = "less_than"
	OpLessEq      = "less_or_equal"
	OpContains    = "contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
)

// Well-known port names.
const (
	PortIn      = "in"
	PortOut     = "out"
	PortTrue    = "true"
	PortFalse   = "false"
	PortDefault = "default"
	PortItem    = "item"
	PortIndex   = "index"
	PortDone    = "done"
	PortError   = "error"
)
