package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/solmak/bothive/pkg/schema"
)

// GoJQEngine evaluates jq programs over node inputs and execution variables.
// It backs field-path resolution for logic.if/logic.switch and the
// data.transform node. Thread-safe: compiled *gojq.Code objects are cached
// and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it
// against the data map. A single output is returned directly; multiple
// outputs are collected into a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, map[string]any(data))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeNode,
				"jq evaluation failed for %q: %s", expression, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// ResolvePath resolves a dotted field path ("inputs.payload.health") against
// the data map. Bare paths are rewritten to a jq program; paths already
// starting with '.' are passed through as-is. A missing path yields nil, not
// an error, so existence operators can test it.
func (e *GoJQEngine) ResolvePath(ctx context.Context, path string, data map[string]any) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty field path")
	}
	prog := path
	if !strings.HasPrefix(path, ".") {
		prog = "." + path + "?"
	}
	return e.Evaluate(ctx, prog, data)
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid jq expression %q: %s", expression, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile jq expression %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[expression] = code
	return code, nil
}
