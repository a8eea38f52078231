package auth

import (
	"context"
	"net/http"
)

type contextKey string

const scopeContextKey contextKey = "execution-scope"

// Middleware resolves the caller and stores the scope on the request
// context. Unresolvable requests get a generic 401.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		scope, err := r.Resolve(req.Context(), req.Header.Get("Authorization"), req.Header)
		if err != nil {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"about:blank","title":"Unauthorized","status":401,"detail":"invalid or missing credentials"}`))
			return
		}
		ctx := WithScope(req.Context(), scope)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// WithScope attaches a scope to a context.
func WithScope(ctx context.Context, scope *ExecutionScope) context.Context {
	return context.WithValue(ctx, scopeContextKey, scope)
}

// ScopeFromContext returns the scope placed by the middleware.
func ScopeFromContext(ctx context.Context) *ExecutionScope {
	if scope, ok := ctx.Value(scopeContextKey).(*ExecutionScope); ok {
		return scope
	}
	return nil
}
