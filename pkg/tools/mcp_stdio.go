package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/version"
)

// StdioMCPBinding runs an MCP server as a subprocess. The config's
// "command", "args" and "env" keys describe the process; the
// connection is established lazily on first discovery.
type StdioMCPBinding struct {
	toolID  string
	command string
	args    []string
	env     []string

	mu        sync.Mutex
	client    *client.Client
	toolDefs  []model.ToolDefinition
	connected bool
}

// NewStdioMCPBinding builds a stdio binding from a configured tool.
func NewStdioMCPBinding(tool *ledger.Tool) (*StdioMCPBinding, error) {
	command, _ := tool.Config["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("mcp tool %s: command not configured", tool.ID)
	}
	var args []string
	if raw, ok := tool.Config["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	var env []string
	if raw, ok := tool.Config["env"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				env = append(env, k+"="+s)
			}
		}
	}
	return &StdioMCPBinding{
		toolID:  tool.ID,
		command: command,
		args:    args,
		env:     env,
	}, nil
}

func (b *StdioMCPBinding) ID() string { return b.toolID }

func (b *StdioMCPBinding) Definitions(ctx context.Context) ([]model.ToolDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		if err := b.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return b.toolDefs, nil
}

func (b *StdioMCPBinding) connectLocked(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(b.command, b.env, b.args...)
	if err != nil {
		return fmt.Errorf("start mcp subprocess: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "inkeep-run",
		Version: version.Version,
	}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize mcp: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("list mcp tools: %w", err)
	}

	defs := make([]model.ToolDefinition, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		})
	}

	b.client = mcpClient
	b.toolDefs = defs
	b.connected = true
	return nil
}

func (b *StdioMCPBinding) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	b.mu.Lock()
	mcpClient := b.client
	b.mu.Unlock()
	if mcpClient == nil {
		return "", fmt.Errorf("mcp tool %s not connected", b.toolID)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close shuts the subprocess down.
func (b *StdioMCPBinding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	b.connected = false
	return err
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
