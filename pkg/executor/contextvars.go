package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// contextFetchTimeout bounds one context-variable fetch.
const contextFetchTimeout = 10 * time.Second

// resolveContextVariables renders the graph's context variables for
// one turn. A variable is either a literal value, passed through as
// is, or a fetch definition:
//
//	{"trigger": "initialization"|"invocation",
//	 "fetchConfig": {"url": ..., "method": ..., "headers": ..., "body": ...},
//	 "defaultValue": ...}
//
// Invocation variables fetch on every turn; initialization variables
// fetch once per conversation and are cached. A failed fetch falls
// back to the variable's defaultValue.
func (e *Executor) resolveContextVariables(ctx context.Context, turn *turnState) map[string]any {
	cfg, err := e.store.GetContextConfig(ctx, turn.scope.TenantID, turn.scope.ProjectID, turn.scope.GraphID)
	if err != nil || len(cfg.ContextVariables) == 0 {
		return nil
	}

	cacheKey := turn.scope.TenantID + "/" + turn.scope.ProjectID + "/" + turn.contextID

	out := make(map[string]any, len(cfg.ContextVariables))
	for name, raw := range cfg.ContextVariables {
		def, ok := raw.(map[string]any)
		if !ok {
			out[name] = raw
			continue
		}
		fetch, hasFetch := def["fetchConfig"].(map[string]any)
		if !hasFetch {
			out[name] = raw
			continue
		}

		trigger, _ := def["trigger"].(string)
		if trigger == "" {
			trigger = "invocation"
		}

		if trigger == "initialization" {
			if value, cached := e.cachedInitVar(cacheKey, name); cached {
				out[name] = value
				continue
			}
		}

		value, err := e.fetchContextVariable(ctx, fetch)
		if err != nil {
			slog.Warn("context variable fetch failed",
				"variable", name, "contextId", turn.contextID, "error", err)
			out[name] = def["defaultValue"]
			continue
		}
		if trigger == "initialization" {
			e.storeInitVar(cacheKey, name, value)
		}
		out[name] = value
	}
	return out
}

func (e *Executor) cachedInitVar(cacheKey, name string) (any, bool) {
	e.initVarsMu.Lock()
	defer e.initVarsMu.Unlock()
	vars, ok := e.initVars[cacheKey]
	if !ok {
		return nil, false
	}
	value, ok := vars[name]
	return value, ok
}

func (e *Executor) storeInitVar(cacheKey, name string, value any) {
	e.initVarsMu.Lock()
	defer e.initVarsMu.Unlock()
	vars, ok := e.initVars[cacheKey]
	if !ok {
		vars = make(map[string]any)
		e.initVars[cacheKey] = vars
	}
	vars[name] = value
}

// fetchContextVariable performs one fetch and decodes the JSON body.
func (e *Executor) fetchContextVariable(ctx context.Context, fetch map[string]any) (any, error) {
	url, _ := fetch["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("fetch config has no url")
	}
	method, _ := fetch["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := fetch["body"]; ok && b != nil {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode fetch body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, contextFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, method, url, body)
	if err != nil {
		return nil, err
	}
	if headers, ok := fetch["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	var value any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&value); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return value, nil
}
