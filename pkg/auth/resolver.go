// Package auth resolves incoming bearer tokens into an execution
// scope. Three modes are accepted, evaluated in order: the configured
// bypass secret (scope from request headers), an API key of the form
// sk_<publicId>.<secret>, and in development or test builds a dummy
// scope for missing or malformed credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/inkeep/agents-run/pkg/ledger"
)

// Scope request headers, honored only with the bypass secret or in
// development mode.
const (
	HeaderTenantID  = "x-inkeep-tenant-id"
	HeaderProjectID = "x-inkeep-project-id"
	HeaderGraphID   = "x-inkeep-graph-id"
	HeaderAgentID   = "x-inkeep-agent-id"
)

// ErrUnauthorized is the single failure mode of the resolver. The
// message is deliberately generic; the token is never echoed.
var ErrUnauthorized = errors.New("unauthorized")

// ExecutionScope is the resolved caller identity. Downstream
// components treat it as the sole source of tenant identity.
type ExecutionScope struct {
	TenantID  string
	ProjectID string
	GraphID   string
	AgentID   string
}

// Environment selects resolver behavior for missing credentials.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// Resolver maps bearer tokens onto execution scopes.
type Resolver struct {
	store        *ledger.Store
	bypassSecret string
	environment  Environment
}

// NewResolver builds a resolver. An empty bypassSecret disables the
// bypass mode entirely.
func NewResolver(store *ledger.Store, bypassSecret string, env Environment) *Resolver {
	if env == "" {
		env = EnvProduction
	}
	return &Resolver{store: store, bypassSecret: bypassSecret, environment: env}
}

// Resolve maps the Authorization header (plus scope headers) onto an
// execution scope. Failures are ErrUnauthorized without detail.
func (r *Resolver) Resolve(ctx context.Context, authHeader string, headers http.Header) (*ExecutionScope, error) {
	token, ok := bearerToken(authHeader)
	if !ok {
		return r.devFallback()
	}

	if r.bypassSecret != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(r.bypassSecret)) == 1 {
		return scopeFromHeaders(headers)
	}

	if scope, err := r.resolveAPIKey(ctx, token); err == nil {
		return scope, nil
	}

	return r.devFallback()
}

func (r *Resolver) resolveAPIKey(ctx context.Context, token string) (*ExecutionScope, error) {
	publicID, ok := SplitKey(token)
	if !ok {
		return nil, ErrUnauthorized
	}
	key, err := r.store.GetAPIKeyByPublicID(ctx, publicID)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !VerifyKey(token, key.KeyHash) {
		return nil, ErrUnauthorized
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrUnauthorized
	}
	if err := r.store.TouchAPIKey(ctx, key.TenantID, key.ProjectID, key.ID); err != nil {
		slog.Warn("failed to record api key usage", "error", err)
	}
	return &ExecutionScope{
		TenantID:  key.TenantID,
		ProjectID: key.ProjectID,
		GraphID:   key.GraphID,
	}, nil
}

func (r *Resolver) devFallback() (*ExecutionScope, error) {
	if r.environment == EnvDevelopment || r.environment == EnvTest {
		return &ExecutionScope{
			TenantID:  "test-tenant",
			ProjectID: "test-project",
			GraphID:   "test-graph",
		}, nil
	}
	return nil, ErrUnauthorized
}

func scopeFromHeaders(headers http.Header) (*ExecutionScope, error) {
	scope := &ExecutionScope{
		TenantID:  headers.Get(HeaderTenantID),
		ProjectID: headers.Get(HeaderProjectID),
		GraphID:   headers.Get(HeaderGraphID),
		AgentID:   headers.Get(HeaderAgentID),
	}
	if scope.TenantID == "" || scope.ProjectID == "" || scope.GraphID == "" {
		return nil, ErrUnauthorized
	}
	return scope, nil
}

func bearerToken(authHeader string) (string, bool) {
	if authHeader == "" {
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader || token == "" {
		return "", false
	}
	return token, true
}
