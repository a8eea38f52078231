package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/toolsession"
)

// stubBinding is a canned in-process binding for set tests.
type stubBinding struct {
	id     string
	defs   []model.ToolDefinition
	result string
	err    error
	calls  []map[string]any
}

func (b *stubBinding) ID() string { return b.id }

func (b *stubBinding) Definitions(context.Context) ([]model.ToolDefinition, error) {
	return b.defs, nil
}

func (b *stubBinding) Call(_ context.Context, _ string, args map[string]any) (string, error) {
	b.calls = append(b.calls, args)
	return b.result, b.err
}

func weatherDef() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "get_weather",
		Description: "Current weather by city",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []any{"city"},
		},
	}
}

func TestSetCall(t *testing.T) {
	binding := &stubBinding{id: "weather", defs: []model.ToolDefinition{weatherDef()}, result: "sunny"}
	set := NewSet(context.Background(), []Binding{binding}, nil)

	out, err := set.Call(context.Background(), "", model.ToolCall{
		ID:        "call-1",
		Name:      "get_weather",
		Arguments: json.RawMessage(`{"city":"Oslo"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "sunny", out)
	require.Len(t, binding.calls, 1)
	assert.Equal(t, "Oslo", binding.calls[0]["city"])
}

func TestSetCall_SchemaRejectsBadArguments(t *testing.T) {
	binding := &stubBinding{id: "weather", defs: []model.ToolDefinition{weatherDef()}, result: "sunny"}
	set := NewSet(context.Background(), []Binding{binding}, nil)

	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"city": 7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := set.Call(context.Background(), "", model.ToolCall{
				ID:        "call-1",
				Name:      "get_weather",
				Arguments: json.RawMessage(tt.args),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation")
			assert.Empty(t, binding.calls, "invalid arguments must not reach the binding")
		})
	}
}

func TestSetCall_UnknownTool(t *testing.T) {
	set := NewSet(context.Background(), nil, nil)
	_, err := set.Call(context.Background(), "", model.ToolCall{Name: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tool "nope"`)
}

func TestSetCall_MalformedArguments(t *testing.T) {
	binding := &stubBinding{id: "weather", defs: []model.ToolDefinition{weatherDef()}}
	set := NewSet(context.Background(), []Binding{binding}, nil)

	_, err := set.Call(context.Background(), "", model.ToolCall{
		Name:      "get_weather",
		Arguments: json.RawMessage(`{not json`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments")
}

func TestSet_DuplicateNamesKeepFirst(t *testing.T) {
	first := &stubBinding{id: "a", defs: []model.ToolDefinition{weatherDef()}, result: "from-a"}
	second := &stubBinding{id: "b", defs: []model.ToolDefinition{weatherDef()}, result: "from-b"}
	set := NewSet(context.Background(), []Binding{first, second}, nil)

	out, err := set.Call(context.Background(), "", model.ToolCall{
		Name:      "get_weather",
		Arguments: json.RawMessage(`{"city":"Oslo"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "from-a", out)
}

func TestSetCall_RecordsIntoSession(t *testing.T) {
	sessions := toolsession.NewManager()
	t.Cleanup(sessions.Close)
	sessionID := sessions.EnsureGraphSession(context.Background(), "sess-1", "acme", "support", "main", "conv-1", "task-1")

	binding := &stubBinding{id: "weather", defs: []model.ToolDefinition{weatherDef()}, result: "sunny"}
	set := NewSet(context.Background(), []Binding{binding}, sessions)

	_, err := set.Call(context.Background(), sessionID, model.ToolCall{
		ID:        "call-9",
		Name:      "get_weather",
		Arguments: json.RawMessage(`{"city":"Oslo"}`),
	})
	require.NoError(t, err)

	results := sessions.ListToolResults(sessionID)
	require.Len(t, results, 1)
	assert.Equal(t, "call-9", results[0].ToolCallID)
	assert.Equal(t, "get_weather", results[0].ToolName)
	assert.Equal(t, "sunny", results[0].Result)
}

func TestSetCall_RecordsErrorIntoSession(t *testing.T) {
	sessions := toolsession.NewManager()
	t.Cleanup(sessions.Close)
	sessionID := sessions.EnsureGraphSession(context.Background(), "sess-1", "acme", "support", "main", "conv-1", "task-1")

	binding := &stubBinding{id: "weather", defs: []model.ToolDefinition{weatherDef()}, err: errors.New("upstream down")}
	set := NewSet(context.Background(), []Binding{binding}, sessions)

	_, err := set.Call(context.Background(), sessionID, model.ToolCall{
		ID:        "call-9",
		Name:      "get_weather",
		Arguments: json.RawMessage(`{"city":"Oslo"}`),
	})
	require.Error(t, err)

	results := sessions.ListToolResults(sessionID)
	require.Len(t, results, 1)
	recorded, ok := results[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "upstream down", recorded["error"])
}

func TestCompileArgSchema(t *testing.T) {
	_, err := compileArgSchema(nil)
	assert.Error(t, err)

	schema, err := compileArgSchema(map[string]any{"type": "object"})
	require.NoError(t, err)
	assert.NoError(t, schema.Validate(nil), "nil args validate as an empty object")
}
