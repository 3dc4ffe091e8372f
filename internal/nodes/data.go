package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/solmak/bothive/pkg/schema"
)

// maxResponseBytes caps how much of an HTTP response body a node will read.
const maxResponseBytes = 1 << 20

func execSetVariable(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	name := cfgString(node, "name")
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "set_variable requires name")
	}

	var value any
	switch {
	case cfgString(node, "expression") != "":
		v, err := ec.Values.Evaluate(ctx, cfgString(node, "expression"), ec.Data(in))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeNode, "evaluate expression").WithCause(err)
		}
		value = v
	case cfgString(node, "path") != "":
		v, err := ec.Paths.ResolvePath(ctx, cfgString(node, "path"), ec.Data(in))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeNode, "resolve path").WithCause(err)
		}
		value = v
	default:
		if node.Config != nil {
			value = node.Config["value"]
		}
	}

	ec.Vars.Set(name, value)
	return &Result{Outputs: map[string]any{schema.PortOut: in.Primary()}}, nil
}

func execGetVariable(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	name := cfgString(node, "name")
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "get_variable requires name")
	}
	value, ok := ec.Vars.Get(name)
	if !ok && node.Config != nil {
		value = node.Config["default"]
	}
	return &Result{Outputs: map[string]any{schema.PortOut: value}}, nil
}

// execTransform runs a jq program (or an expr expression) over the
// evaluation document and emits the result.
func execTransform(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	expression := cfgString(node, "expression")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform requires expression")
	}

	var (
		value any
		err   error
	)
	switch cfgStringOr(node, "engine", "jq") {
	case "expr":
		value, err = ec.Values.Evaluate(ctx, expression, ec.Data(in))
	default:
		value, err = ec.Paths.Evaluate(ctx, expression, ec.Data(in))
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNode, "transform failed").WithCause(err)
	}
	return &Result{Outputs: map[string]any{schema.PortOut: value}}, nil
}

// execHTTPRequest performs one outbound HTTP call. Failures surface as node
// errors; the engine routes them to the node's error port when wired.
func execHTTPRequest(ctx context.Context, ec *ExecContext, node *schema.NodeDefinition, in Inputs) (*Result, error) {
	url := cfgString(node, "url")
	if url == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http_request requires url")
	}
	method := cfgStringOr(node, "method", http.MethodGet)

	if timeout := cfgString(node, "timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", timeout).WithCause(err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var body io.Reader
	if node.Config != nil && node.Config["body"] != nil {
		raw, err := json.Marshal(node.Config["body"])
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeNode, "marshal request body").WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNode, "build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := node.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := ec.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNode, "http request failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNode, "read response").WithCause(err)
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}
	return &Result{Outputs: map[string]any{schema.PortOut: map[string]any{
		"status": resp.StatusCode,
		"body":   parsed,
	}}}, nil
}
