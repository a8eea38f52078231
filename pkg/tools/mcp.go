package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkeep/agents-run/pkg/credentials"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/model"
)

const mcpRequestTimeout = 30 * time.Second

// MCPBinding talks to one remote MCP server over JSON-RPC HTTP.
// Responses may arrive as plain JSON or wrapped in SSE data lines
// depending on the server's transport; both are accepted.
type MCPBinding struct {
	toolID     string
	serverURL  string
	headers    map[string]string
	httpClient *http.Client
	reqID      atomic.Int64

	mu    sync.Mutex
	tools []mcpToolInfo
}

type mcpToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type mcpRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewMCPBinding builds a binding for a configured MCP tool, resolving
// its credential into request headers. The config's "serverUrl" key
// names the endpoint; "headers" adds static headers.
func NewMCPBinding(ctx context.Context, tool *ledger.Tool, credStore *ledger.Store, registry *credentials.Registry) (*MCPBinding, error) {
	serverURL, _ := tool.Config["serverUrl"].(string)
	if serverURL == "" {
		return nil, fmt.Errorf("mcp tool %s: serverUrl not configured", tool.ID)
	}

	headers := make(map[string]string)
	if raw, ok := tool.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	if tool.CredentialReferenceID != nil && *tool.CredentialReferenceID != "" {
		header, value, err := resolveCredential(ctx, tool, credStore, registry)
		if err != nil {
			return nil, fmt.Errorf("mcp tool %s: %w", tool.ID, err)
		}
		headers[header] = value
	}

	return &MCPBinding{
		toolID:     tool.ID,
		serverURL:  serverURL,
		headers:    headers,
		httpClient: &http.Client{Timeout: mcpRequestTimeout},
	}, nil
}

// resolveCredential loads the referenced secret and renders it as a
// header. The reference's retrievalParams pick the store key and
// header name; the default is a bearer Authorization header.
func resolveCredential(ctx context.Context, tool *ledger.Tool, store *ledger.Store, registry *credentials.Registry) (header, value string, err error) {
	ref, err := store.GetCredentialReference(ctx, tool.TenantID, tool.ProjectID, *tool.CredentialReferenceID)
	if err != nil {
		return "", "", fmt.Errorf("load credential reference: %w", err)
	}
	credStore, err := registry.Get(ref.CredentialStoreID)
	if err != nil {
		return "", "", err
	}
	key, _ := ref.RetrievalParams["key"].(string)
	if key == "" {
		key = ref.ID
	}
	secret, err := credStore.Get(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("fetch credential %s: %w", ref.ID, err)
	}
	header = "Authorization"
	value = "Bearer " + secret
	if h, ok := ref.RetrievalParams["header"].(string); ok && h != "" {
		header = h
		value = secret
	}
	return header, value, nil
}

func (b *MCPBinding) ID() string { return b.toolID }

// Definitions lists the server's tools, discovering them on first use.
func (b *MCPBinding) Definitions(ctx context.Context) ([]model.ToolDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tools == nil {
		if err := b.discoverLocked(ctx); err != nil {
			return nil, err
		}
	}
	defs := make([]model.ToolDefinition, 0, len(b.tools))
	for _, t := range b.tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

func (b *MCPBinding) discoverLocked(ctx context.Context) error {
	resp, err := b.rpc(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("list tools on %s: %w", b.serverURL, err)
	}
	var result struct {
		Tools []mcpToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("decode tool list: %w", err)
	}
	b.tools = result.Tools
	return nil
}

// Call invokes one tool on the server and flattens text content into a
// single string.
func (b *MCPBinding) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := b.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("decode tool result: %w", err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
			sb.WriteString("\n")
		}
	}
	text := strings.TrimSpace(sb.String())
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// rpc posts one JSON-RPC request and parses the response, falling back
// to SSE data-line framing for servers on the streamable transport.
func (b *MCPBinding) rpc(ctx context.Context, method string, params any) (*mcpResponse, error) {
	body, err := json.Marshal(mcpRequest{
		JSONRPC: "2.0",
		ID:      b.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	httpResp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", httpResp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	var resp mcpResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.JSONRPC != "" {
		return checkRPCError(&resp)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &resp); err == nil && resp.JSONRPC != "" {
				return checkRPCError(&resp)
			}
		}
	}
	return nil, fmt.Errorf("unparseable response from %s", b.serverURL)
}

func checkRPCError(resp *mcpResponse) (*mcpResponse, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}
