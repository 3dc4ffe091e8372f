package engine

import (
	"github.com/solmak/bothive/pkg/schema"
)

// graph is the compiled form of a workflow definition: node lookup plus
// adjacency by port, built once per execution.
type graph struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]*schema.NodeDefinition
	outgoing map[string]map[string][]schema.EdgeDefinition // node id → source port → edges
	incoming map[string][]schema.EdgeDefinition            // node id → edges targeting it
	triggers []*schema.NodeDefinition
}

func compileGraph(def *schema.WorkflowDefinition) (*graph, error) {
	g := &graph{
		def:      def,
		nodes:    make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		outgoing: make(map[string]map[string][]schema.EdgeDefinition),
		incoming: make(map[string][]schema.EdgeDefinition),
	}
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if _, dup := g.nodes[node.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		g.nodes[node.ID] = node
		if node.Category == schema.CategoryTrigger || isTriggerType(node.Type) {
			g.triggers = append(g.triggers, node)
		}
	}
	for _, edge := range def.Edges {
		if _, ok := g.nodes[edge.SourceNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge from unknown node %q", edge.SourceNode)
		}
		if _, ok := g.nodes[edge.TargetNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge to unknown node %q", edge.TargetNode)
		}
		ports := g.outgoing[edge.SourceNode]
		if ports == nil {
			ports = make(map[string][]schema.EdgeDefinition)
			g.outgoing[edge.SourceNode] = ports
		}
		ports[edge.SourcePort] = append(ports[edge.SourcePort], edge)
		g.incoming[edge.TargetNode] = append(g.incoming[edge.TargetNode], edge)
	}
	if len(g.triggers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no trigger node")
	}
	return g, nil
}

func isTriggerType(t string) bool {
	switch t {
	case schema.NodeTriggerManual, schema.NodeTriggerSchedule,
		schema.NodeTriggerEvent, schema.NodeTriggerWebhook:
		return true
	}
	return false
}

// edgesFrom returns the edges leaving a node on the given port.
func (g *graph) edgesFrom(nodeID, port string) []schema.EdgeDefinition {
	return g.outgoing[nodeID][port]
}

// hasErrorPath reports whether the node has an outgoing error-port edge.
func (g *graph) hasErrorPath(nodeID string) bool {
	return len(g.outgoing[nodeID][schema.PortError]) > 0
}

// wiredInputPorts returns the distinct target ports of a node's incoming
// edges; merge nodes use this as their wait-all arrival set.
func (g *graph) wiredInputPorts(nodeID string) []string {
	seen := make(map[string]struct{})
	var ports []string
	for _, edge := range g.incoming[nodeID] {
		if _, dup := seen[edge.TargetPort]; dup {
			continue
		}
		seen[edge.TargetPort] = struct{}{}
		ports = append(ports, edge.TargetPort)
	}
	return ports
}

// reachableFrom returns every node reachable by following edges out of the
// given port of a node, across all downstream ports. Loop interception uses
// this to reset per-iteration state in the loop body.
func (g *graph) reachableFrom(nodeID, port string) map[string]struct{} {
	visited := make(map[string]struct{})
	var stack []string
	for _, edge := range g.edgesFrom(nodeID, port) {
		stack = append(stack, edge.TargetNode)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := visited[id]; done {
			continue
		}
		visited[id] = struct{}{}
		for _, edges := range g.outgoing[id] {
			for _, edge := range edges {
				stack = append(stack, edge.TargetNode)
			}
		}
	}
	return visited
}
