// Package model abstracts chat-completion providers behind a single
// Generate interface consumed by the executor's tool-call loop.
package model

import (
	"context"
	"encoding/json"
)

// Role values on chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat-completion message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one completion turn. A response carries text, tool
// calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Generate runs one completion over the message list.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)
}
