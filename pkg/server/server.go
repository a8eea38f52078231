// Package server exposes the runtime over HTTP: the A2A JSON-RPC
// endpoint with SSE streaming, a direct chat surface and the
// management API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/inkeep/agents-run/pkg/auth"
	"github.com/inkeep/agents-run/pkg/credentials"
	"github.com/inkeep/agents-run/pkg/executor"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/metrics"
	"github.com/inkeep/agents-run/pkg/registry"
)

// Server is the HTTP surface of the runtime.
type Server struct {
	store    *ledger.Store
	resolver *auth.Resolver
	registry *registry.Registry
	executor *executor.Executor
	metrics  *metrics.Metrics
	creds    *credentials.Registry
	baseURL  string

	httpServer *http.Server
}

// Config wires a server.
type Config struct {
	Addr        string
	BaseURL     string
	Store       *ledger.Store
	Resolver    *auth.Resolver
	Registry    *registry.Registry
	Executor    *executor.Executor
	Metrics     *metrics.Metrics
	Credentials *credentials.Registry
}

// New builds the server and its router.
func New(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		executor: cfg.Executor,
		metrics:  cfg.Metrics,
		creds:    cfg.Credentials,
		baseURL:  cfg.BaseURL,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)

	// Unauthenticated surface.
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Get("/docs", s.handleDocs)
	r.Get("/agents/{graphId}/.well-known/agent.json", s.handleAgentCard)

	// Authenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(s.resolver.Middleware)

		r.Post("/agents/{graphId}/a2a", s.handleA2A)

		r.Post("/v1/chat", s.handleChat)
		r.Get("/api/chat/stream", s.handleChatStream)

		r.Route("/api-keys", func(r chi.Router) {
			r.Post("/", s.handleCreateAPIKey)
			r.Get("/", s.handleListAPIKeys)
			r.Get("/{keyId}", s.handleGetAPIKey)
			r.Delete("/{keyId}", s.handleDeleteAPIKey)
		})

		r.Put("/project-full/{projectId}", s.handleUpsertProjectFull)
		r.Delete("/projects/{projectId}", s.handleDeleteProject)

		r.Post("/graphs", s.handleCreateGraph)
		r.Put("/graphs/{graphId}", s.handleUpdateGraph)
		r.Get("/graphs/{graphId}", s.handleGetGraph)

		r.Post("/agents", s.handleCreateAgent)
		r.Post("/agent-relations", s.handleCreateRelation)
		r.Post("/external-agents", s.handleCreateExternalAgent)

		r.Post("/tools", s.handleCreateTool)
		r.Put("/tools/{toolId}", s.handleUpdateTool)
		r.Get("/tools/{toolId}", s.handleGetTool)

		r.Post("/credential-references", s.handleCreateCredentialReference)
		r.Delete("/credential-references/{refId}", s.handleDeleteCredentialReference)

		r.Put("/context-configs", s.handleUpsertContextConfig)
	})

	return r
}

// Start runs the listener until the context is canceled, then drains.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// observe records request metrics per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status()/100*100)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// scopeFor pulls the resolved scope and pins it to the graph named in
// the URL. A key scoped to a different graph sees not-found, never a
// hint that the graph exists.
func (s *Server) scopeFor(r *http.Request, graphID string) (*auth.ExecutionScope, bool) {
	scope := auth.ScopeFromContext(r.Context())
	if scope == nil {
		return nil, false
	}
	if graphID != "" {
		if scope.GraphID != "" && scope.GraphID != graphID {
			return nil, false
		}
		pinned := *scope
		pinned.GraphID = graphID
		return &pinned, true
	}
	return scope, true
}
