// Package tools binds configured tools to executable implementations:
// remote MCP servers and sandboxed user functions. A Set is the
// per-agent view the executor hands to the model loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/toolsession"
)

// Binding exposes one configured tool as a set of callable entries.
// An MCP server binding may expose many entries; a function binding
// exposes one.
type Binding interface {
	// ID is the configured tool id.
	ID() string
	// Definitions lists the callable entries for the model.
	Definitions(ctx context.Context) ([]model.ToolDefinition, error)
	// Call invokes one entry by name. The result is the text handed
	// back to the model.
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// Set is the resolved tool surface of one agent turn. Calls are
// validated against each entry's schema and recorded into the tool
// session.
type Set struct {
	bindings []Binding
	byName   map[string]Binding
	schemas  map[string]*argSchema
	sessions *toolsession.Manager
}

// NewSet builds a set over the given bindings. Discovery failures on
// individual bindings degrade that binding to zero entries.
func NewSet(ctx context.Context, bindings []Binding, sessions *toolsession.Manager) *Set {
	s := &Set{
		bindings: bindings,
		byName:   make(map[string]Binding),
		schemas:  make(map[string]*argSchema),
		sessions: sessions,
	}
	for _, b := range bindings {
		defs, err := b.Definitions(ctx)
		if err != nil {
			slog.Warn("tool discovery failed", "toolId", b.ID(), "error", err)
			continue
		}
		for _, def := range defs {
			if _, dup := s.byName[def.Name]; dup {
				slog.Warn("duplicate tool name, keeping first", "name", def.Name, "toolId", b.ID())
				continue
			}
			s.byName[def.Name] = b
			if schema, err := compileArgSchema(def.Parameters); err == nil {
				s.schemas[def.Name] = schema
			} else {
				slog.Warn("invalid tool schema, skipping validation", "name", def.Name, "error", err)
			}
		}
	}
	return s
}

// Definitions lists every callable entry across all bindings.
func (s *Set) Definitions(ctx context.Context) []model.ToolDefinition {
	var defs []model.ToolDefinition
	for _, b := range s.bindings {
		d, err := b.Definitions(ctx)
		if err != nil {
			continue
		}
		defs = append(defs, d...)
	}
	return defs
}

// Call validates arguments, dispatches to the owning binding and
// records the outcome into the tool session when one is active.
func (s *Set) Call(ctx context.Context, sessionID string, call model.ToolCall) (string, error) {
	binding, ok := s.byName[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("tool %s: invalid arguments: %w", call.Name, err)
		}
	}
	if schema, ok := s.schemas[call.Name]; ok {
		if err := schema.Validate(args); err != nil {
			return "", fmt.Errorf("tool %s: %w", call.Name, err)
		}
	}

	result, err := binding.Call(ctx, call.Name, args)
	if sessionID != "" && s.sessions != nil {
		record := toolsession.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       args,
			Timestamp:  time.Now(),
		}
		if err != nil {
			record.Result = map[string]any{"error": err.Error()}
		} else {
			record.Result = result
		}
		s.sessions.RecordToolResult(sessionID, record)
	}
	return result, err
}
