package tools

import (
	"context"
	"fmt"

	"github.com/inkeep/agents-run/pkg/credentials"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/sandbox"
)

// Factory builds bindings from configured tools.
type Factory struct {
	store  *ledger.Store
	creds  *credentials.Registry
	runner *sandbox.Runner
}

// NewFactory builds a factory over the shared stores and sandbox.
func NewFactory(store *ledger.Store, creds *credentials.Registry, runner *sandbox.Runner) *Factory {
	return &Factory{store: store, creds: creds, runner: runner}
}

// Bind resolves one configured tool into a binding. MCP tools pick
// their transport from the config: a "command" key selects stdio, a
// "serverUrl" key selects HTTP.
func (f *Factory) Bind(ctx context.Context, tool *ledger.Tool) (Binding, error) {
	switch tool.Type() {
	case ledger.ToolTypeMCP:
		if cmd, _ := tool.Config["command"].(string); cmd != "" {
			return NewStdioMCPBinding(tool)
		}
		return NewMCPBinding(ctx, tool, f.store, f.creds)
	case ledger.ToolTypeFunction:
		return NewFunctionBinding(tool, f.runner)
	default:
		return nil, fmt.Errorf("tool %s: unknown type %q", tool.ID, tool.Type())
	}
}

// BindAgentTools resolves all of an agent's tool ids into bindings.
// Tools that fail to bind are skipped with an error list so one broken
// tool does not take the agent down.
func (f *Factory) BindAgentTools(ctx context.Context, agent *ledger.Agent) ([]Binding, []error) {
	var bindings []Binding
	var errs []error
	for _, toolID := range agent.ToolIDs {
		tool, err := f.store.GetTool(ctx, agent.TenantID, agent.ProjectID, toolID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool %s: %w", toolID, err))
			continue
		}
		if tool.Status == ledger.ToolStatusDisabled {
			continue
		}
		binding, err := f.Bind(ctx, tool)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bindings = append(bindings, binding)
	}
	return bindings, errs
}
