package nodes

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/solmak/bothive/pkg/schema"
)

// execTrigger relays the firing trigger's payload. Trigger nodes never run
// mid-graph; the engine seeds the frontier with their output.
func execTrigger(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	payload := map[string]any{}
	for k, v := range ec.Trigger.Payload {
		payload[k] = v
	}
	return &Result{Outputs: map[string]any{schema.PortOut: payload}}, nil
}

// execIf resolves the configured field path and routes the input to the
// true or false port based on the operator.
func execIf(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	path := cfgString(node, "path")
	operator := cfgString(node, "operator")
	if path == "" || operator == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "if node requires path and operator")
	}

	actual, err := ec.Paths.ResolvePath(ctx, path, ec.Data(in))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNode, "resolve path %q", path).WithCause(err)
	}

	var want any
	if node.Config != nil {
		want = node.Config["value"]
	}
	matched, err := compare(operator, actual, want)
	if err != nil {
		return nil, err
	}

	port := schema.PortFalse
	if matched {
		port = schema.PortTrue
	}
	return &Result{Outputs: map[string]any{port: in.Primary()}}, nil
}

// execSwitch resolves the configured field path and routes the input to the
// first case whose value matches, or the default port.
func execSwitch(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	path := cfgString(node, "path")
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "switch node requires path")
	}
	actual, err := ec.Paths.ResolvePath(ctx, path, ec.Data(in))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNode, "resolve path %q", path).WithCause(err)
	}

	cases, _ := node.Config["cases"].([]any)
	for _, raw := range cases {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		port, _ := c["port"].(string)
		if port == "" {
			continue
		}
		if looseEqual(actual, c["value"]) {
			return &Result{Outputs: map[string]any{port: in.Primary()}}, nil
		}
	}
	return &Result{Outputs: map[string]any{schema.PortDefault: in.Primary()}}, nil
}

// compare applies one of the closed set of If operators.
func compare(operator string, actual, want any) (bool, error) {
	switch operator {
	case schema.OpEquals:
		return looseEqual(actual, want), nil
	case schema.OpNotEquals:
		return !looseEqual(actual, want), nil

	case schema.OpGreaterThan, schema.OpGreaterEq, schema.OpLessThan, schema.OpLessEq:
		a, aok := toFloat(actual)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false, schema.NewErrorf(schema.ErrCodeNode,
				"operator %q requires numeric operands, got %T and %T", operator, actual, want)
		}
		switch operator {
		case schema.OpGreaterThan:
			return a > b, nil
		case schema.OpGreaterEq:
			return a >= b, nil
		case schema.OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}

	case schema.OpContains:
		switch av := actual.(type) {
		case string:
			return strings.Contains(av, fmt.Sprint(want)), nil
		case []any:
			for _, item := range av {
				if looseEqual(item, want) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	case schema.OpStartsWith:
		s, ok := actual.(string)
		return ok && strings.HasPrefix(s, fmt.Sprint(want)), nil
	case schema.OpEndsWith:
		s, ok := actual.(string)
		return ok && strings.HasSuffix(s, fmt.Sprint(want)), nil

	case schema.OpExists:
		return actual != nil, nil
	case schema.OpNotExists:
		return actual == nil, nil
	case schema.OpIsEmpty:
		return isEmpty(actual), nil
	case schema.OpIsNotEmpty:
		return !isEmpty(actual), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", operator)
}

// looseEqual compares with numeric coercion so JSON-decoded float64 values
// match integer config literals.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
