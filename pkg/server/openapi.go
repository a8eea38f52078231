package server

import (
	"net/http"

	"github.com/inkeep/agents-run/pkg/version"
)

// openAPIDocument is a hand-maintained summary of the HTTP surface.
// The A2A endpoint itself is JSON-RPC and documented per method.
func openAPIDocument(baseURL string) map[string]any {
	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "Inkeep Agents Run API",
			"description": "Multi-agent execution runtime: A2A JSON-RPC with SSE streaming, direct chat and management endpoints.",
			"version":     version.Version,
		},
		"servers": []map[string]any{{"url": baseURL}},
		"paths": map[string]any{
			"/health": map[string]any{
				"get": map[string]any{
					"summary":   "Liveness probe",
					"responses": map[string]any{"204": map[string]any{"description": "Healthy"}},
				},
			},
			"/agents/{graphId}/.well-known/agent.json": map[string]any{
				"get": map[string]any{
					"summary": "Agent card for the graph's entry agent",
					"parameters": []map[string]any{
						{"name": "graphId", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Agent card"},
						"404": map[string]any{"description": "Unknown graph"},
					},
				},
			},
			"/agents/{graphId}/a2a": map[string]any{
				"post": map[string]any{
					"summary":     "A2A JSON-RPC endpoint",
					"description": "Methods: message/send, message/stream, tasks/get, tasks/cancel, tasks/resubscribe. Streaming methods respond with text/event-stream.",
					"parameters": []map[string]any{
						{"name": "graphId", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "JSON-RPC response or SSE stream"},
					},
				},
			},
			"/v1/chat": map[string]any{
				"post": map[string]any{
					"summary":   "Blocking chat against the scoped graph",
					"responses": map[string]any{"200": map[string]any{"description": "Final agent reply"}},
				},
			},
			"/api/chat/stream": map[string]any{
				"get": map[string]any{
					"summary": "Streaming chat over SSE",
					"parameters": []map[string]any{
						{"name": "message", "in": "query", "required": true, "schema": map[string]any{"type": "string"}},
						{"name": "conversationId", "in": "query", "required": false, "schema": map[string]any{"type": "string"}},
					},
					"responses": map[string]any{"200": map[string]any{"description": "SSE event stream"}},
				},
			},
			"/api-keys": map[string]any{
				"post": map[string]any{
					"summary":     "Create an API key",
					"description": "The raw key appears only in this response.",
					"responses":   map[string]any{"201": map[string]any{"description": "Created key"}},
				},
				"get": map[string]any{
					"summary":   "List API keys",
					"responses": map[string]any{"200": map[string]any{"description": "Keys without hashes"}},
				},
			},
			"/project-full/{projectId}": map[string]any{
				"put": map[string]any{
					"summary": "Create or replace a full project definition",
					"responses": map[string]any{
						"200": map[string]any{"description": "Updated"},
						"201": map[string]any{"description": "Created"},
					},
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, openAPIDocument(s.baseURL))
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
  <title>Inkeep Agents Run API</title>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
</head>
<body>
  <script id="api-reference" data-url="/openapi.json"></script>
  <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
</body>
</html>`

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(docsPage))
}
