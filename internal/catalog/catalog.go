package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/solmak/bothive/pkg/schema"
)

// PortSpec declares one named port of a node type.
type PortSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// TypeSpec describes a registered node type: its category, ports and the
// JSON Schema its config must satisfy.
type TypeSpec struct {
	Type         string              `json:"type"`
	Category     schema.NodeCategory `json:"category"`
	Label        string              `json:"label"`
	Inputs       []PortSpec          `json:"inputs"`
	Outputs      []PortSpec          `json:"outputs"`
	ConfigSchema string              `json:"-"`
}

// HasOutput reports whether the spec declares the named output port.
// Switch nodes declare case ports dynamically, so unknown output ports are
// allowed for them.
func (ts *TypeSpec) HasOutput(port string) bool {
	if ts.Type == schema.NodeLogicSwitch || ts.Type == schema.NodeLogicMerge {
		return true
	}
	for _, p := range ts.Outputs {
		if p.Name == port {
			return true
		}
	}
	return false
}

// HasInput reports whether the spec declares the named input port. Merge
// nodes accept arbitrarily named input ports.
func (ts *TypeSpec) HasInput(port string) bool {
	if ts.Type == schema.NodeLogicMerge {
		return true
	}
	for _, p := range ts.Inputs {
		if p.Name == port {
			return true
		}
	}
	return false
}

// Catalog holds the known node types and their compiled config schemas.
// Safe for concurrent use after construction.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]*TypeSpec

	compiler *jsonschema.Compiler
	compiled map[string]*jsonschema.Schema
}

// New returns an empty catalog.
func New() *Catalog {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return &Catalog{
		specs:    make(map[string]*TypeSpec),
		compiler: c,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a node type to the catalog. Registering an already known
// type is a conflict.
func (c *Catalog) Register(spec *TypeSpec) error {
	if spec.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "node type is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.specs[spec.Type]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", spec.Type)
	}
	if spec.ConfigSchema != "" {
		compiled, err := compileSchema(spec.Type, spec.ConfigSchema)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "config schema for %q", spec.Type).WithCause(err)
		}
		c.compiled[spec.Type] = compiled
	}
	c.specs[spec.Type] = spec
	return nil
}

// Lookup returns the spec for a node type, or nil.
func (c *Catalog) Lookup(nodeType string) *TypeSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.specs[nodeType]
}

// Types returns all registered type names.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.specs))
	for t := range c.specs {
		out = append(out, t)
	}
	return out
}

// ValidateConfig checks a node's config against its type's config schema.
func (c *Catalog) ValidateConfig(nodeType string, config map[string]any) error {
	c.mu.RLock()
	compiled := c.compiled[nodeType]
	c.mu.RUnlock()
	if compiled == nil {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize node config").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toHiveError(err)
	}
	return nil
}

// ValidateWorkflow checks a workflow definition: node ids are unique, every
// node type is registered, configs satisfy their schemas, edges reference
// existing nodes and declared ports, and at least one trigger node exists.
func (c *Catalog) ValidateWorkflow(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	seen := make(map[string]*TypeSpec, len(def.Nodes))
	triggers := 0
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "node with empty id")
		}
		if _, dup := seen[node.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		spec := c.Lookup(node.Type)
		if spec == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", node.Type).WithNode(node.ID)
		}
		if err := c.ValidateConfig(node.Type, node.Config); err != nil {
			if hiveErr, ok := err.(*schema.HiveError); ok {
				return hiveErr.WithNode(node.ID)
			}
			return err
		}
		seen[node.ID] = spec
		if spec.Category == schema.CategoryTrigger {
			triggers++
		}
	}
	if triggers == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no trigger node")
	}

	for _, edge := range def.Edges {
		src, ok := seen[edge.SourceNode]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown source node %q", edge.SourceNode)
		}
		dst, ok := seen[edge.TargetNode]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown target node %q", edge.TargetNode)
		}
		if dst.Category == schema.CategoryTrigger {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"trigger node %q cannot be an edge target", edge.TargetNode)
		}
		if !src.HasOutput(edge.SourcePort) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node %q has no output port %q", edge.SourceNode, edge.SourcePort)
		}
		if !dst.HasInput(edge.TargetPort) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node %q has no input port %q", edge.TargetNode, edge.TargetPort)
		}
	}
	return nil
}

func compileSchema(nodeType, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "bothive://node-config/" + nodeType
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toHiveError converts a jsonschema.ValidationError into a HiveError with
// clear, actionable messages.
func toHiveError(err error) *schema.HiveError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
