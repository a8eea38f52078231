package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/sandbox"
)

// FunctionBinding exposes one sandboxed user function as a single
// callable entry. The config carries the code under "execute",
// dependencies under "dependencies" and an optional JSON schema under
// "inputSchema".
type FunctionBinding struct {
	toolID      string
	name        string
	description string
	schema      map[string]any
	fn          *sandbox.Function
	runner      *sandbox.Runner
}

// NewFunctionBinding builds a binding from a configured function tool.
func NewFunctionBinding(tool *ledger.Tool, runner *sandbox.Runner) (*FunctionBinding, error) {
	code, _ := tool.Config["execute"].(string)
	if code == "" {
		return nil, fmt.Errorf("function tool %s: execute code not configured", tool.ID)
	}

	deps := make(map[string]string)
	if raw, ok := tool.Config["dependencies"].(map[string]any); ok {
		for name, version := range raw {
			if v, ok := version.(string); ok {
				deps[name] = v
			}
		}
	}

	schema, _ := tool.Config["inputSchema"].(map[string]any)
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}

	description, _ := tool.Config["description"].(string)

	var timeout time.Duration
	if secs, ok := tool.Config["timeoutSeconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	return &FunctionBinding{
		toolID:      tool.ID,
		name:        tool.Name,
		description: description,
		schema:      schema,
		fn: &sandbox.Function{
			Code:         code,
			Dependencies: deps,
			Timeout:      timeout,
		},
		runner: runner,
	}, nil
}

func (b *FunctionBinding) ID() string { return b.toolID }

func (b *FunctionBinding) Definitions(context.Context) ([]model.ToolDefinition, error) {
	return []model.ToolDefinition{{
		Name:        b.name,
		Description: b.description,
		Parameters:  b.schema,
	}}, nil
}

func (b *FunctionBinding) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	if name != b.name {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	result, err := b.runner.Execute(ctx, b.fn, args)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", fmt.Errorf("function %s failed: %s", b.name, result.Error)
	}
	if len(result.Result) == 0 {
		return "", nil
	}
	// Unwrap plain strings so the model is not shown JSON quoting.
	var s string
	if err := json.Unmarshal(result.Result, &s); err == nil {
		return s, nil
	}
	return string(result.Result), nil
}
