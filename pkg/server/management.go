package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/inkeep/agents-run/pkg/auth"
	"github.com/inkeep/agents-run/pkg/ledger"
)

// createAPIKeyRequest mints a key. GraphID pins the key to one graph.
type createAPIKeyRequest struct {
	GraphID   string     `json:"graphId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// createAPIKeyResponse is the only place the raw key ever appears.
type createAPIKeyResponse struct {
	Key    string        `json:"key"`
	APIKey ledger.APIKey `json:"apiKey"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var body createAPIKeyRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	generated, err := auth.GenerateAPIKey()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	key := &ledger.APIKey{
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		GraphID:   body.GraphID,
		ID:        uuid.NewString(),
		PublicID:  generated.PublicID,
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
		ExpiresAt: body.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{Key: generated.RawKey, APIKey: *key})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	keys, err := s.store.ListAPIKeys(r.Context(), scope.TenantID, scope.ProjectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if keys == nil {
		keys = []ledger.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	key, err := s.store.GetAPIKey(r.Context(), scope.TenantID, scope.ProjectID, chi.URLParam(r, "keyId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	if err := s.store.DeleteAPIKey(r.Context(), scope.TenantID, scope.ProjectID, chi.URLParam(r, "keyId")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// projectFullRequest is the bulk definition of a project: graphs,
// agents, relations and tools in one document.
type projectFullRequest struct {
	Name           string                       `json:"name"`
	Description    string                       `json:"description,omitempty"`
	Models         ledger.JSONMap               `json:"models,omitempty"`
	Graphs         []ledger.Graph               `json:"graphs,omitempty"`
	Agents         []ledger.Agent               `json:"agents,omitempty"`
	Relations      []ledger.AgentRelation       `json:"relations,omitempty"`
	ExternalAgents []ledger.ExternalAgent       `json:"externalAgents,omitempty"`
	Tools          []ledger.Tool                `json:"tools,omitempty"`
	Credentials    []ledger.CredentialReference `json:"credentialReferences,omitempty"`
	ContextConfigs []ledger.ContextConfig       `json:"contextConfigs,omitempty"`
}

// handleUpsertProjectFull creates or replaces a whole project
// definition. 201 on create, 200 on update.
func (s *Server) handleUpsertProjectFull(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	projectID := chi.URLParam(r, "projectId")
	var body projectFullRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ctx := r.Context()
	project := &ledger.Project{
		TenantID:    scope.TenantID,
		ID:          projectID,
		Name:        body.Name,
		Description: body.Description,
		Models:      body.Models,
	}
	created, err := s.store.UpsertProject(ctx, project)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	for i := range body.Credentials {
		c := body.Credentials[i]
		c.TenantID, c.ProjectID = scope.TenantID, projectID
		if err := s.store.CreateCredentialReference(ctx, &c); err != nil && !errors.Is(err, ledger.ErrConflict) {
			writeStoreError(w, err)
			return
		}
	}
	for i := range body.Graphs {
		g := body.Graphs[i]
		g.TenantID, g.ProjectID = scope.TenantID, projectID
		if err := s.store.CreateGraph(ctx, &g); errors.Is(err, ledger.ErrConflict) {
			if err := s.store.UpdateGraph(ctx, &g); err != nil {
				writeStoreError(w, err)
				return
			}
		} else if err != nil {
			writeStoreError(w, err)
			return
		}
	}
	for i := range body.Agents {
		a := body.Agents[i]
		a.TenantID, a.ProjectID = scope.TenantID, projectID
		if err := s.store.CreateAgent(ctx, &a); err != nil && !errors.Is(err, ledger.ErrConflict) {
			writeStoreError(w, err)
			return
		}
	}
	for i := range body.ExternalAgents {
		e := body.ExternalAgents[i]
		e.TenantID, e.ProjectID = scope.TenantID, projectID
		if err := s.store.CreateExternalAgent(ctx, &e); err != nil && !errors.Is(err, ledger.ErrConflict) {
			writeStoreError(w, err)
			return
		}
	}
	for i := range body.Relations {
		rel := body.Relations[i]
		rel.TenantID, rel.ProjectID = scope.TenantID, projectID
		if err := s.store.CreateRelation(ctx, &rel); err != nil && !errors.Is(err, ledger.ErrConflict) {
			writeStoreError(w, err)
			return
		}
	}
	for i := range body.Tools {
		t := body.Tools[i]
		t.TenantID, t.ProjectID = scope.TenantID, projectID
		if err := s.store.CreateTool(ctx, &t); errors.Is(err, ledger.ErrConflict) {
			if err := s.store.UpdateTool(ctx, &t); err != nil {
				writeStoreError(w, err)
				return
			}
		} else if err != nil {
			writeStoreError(w, err)
			return
		}
	}
	for i := range body.ContextConfigs {
		c := body.ContextConfigs[i]
		c.TenantID, c.ProjectID = scope.TenantID, projectID
		if err := s.store.UpsertContextConfig(ctx, &c); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	for i := range body.Graphs {
		s.registry.Invalidate(scope.TenantID, projectID, body.Graphs[i].ID)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	if err := s.store.DeleteProject(r.Context(), scope.TenantID, chi.URLParam(r, "projectId")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var g ledger.Graph
	if !decodeJSON(w, r, &g) {
		return
	}
	g.TenantID, g.ProjectID = scope.TenantID, scope.ProjectID
	if err := s.store.CreateGraph(r.Context(), &g); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleUpdateGraph updates an existing graph; a missing graph is 404,
// never an implicit create.
func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var g ledger.Graph
	if !decodeJSON(w, r, &g) {
		return
	}
	g.TenantID, g.ProjectID = scope.TenantID, scope.ProjectID
	g.ID = chi.URLParam(r, "graphId")
	if err := s.store.UpdateGraph(r.Context(), &g); err != nil {
		writeStoreError(w, err)
		return
	}
	s.registry.Invalidate(scope.TenantID, scope.ProjectID, g.ID)
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	g, err := s.store.GetGraph(r.Context(), scope.TenantID, scope.ProjectID, chi.URLParam(r, "graphId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var a ledger.Agent
	if !decodeJSON(w, r, &a) {
		return
	}
	a.TenantID, a.ProjectID = scope.TenantID, scope.ProjectID
	if err := s.store.CreateAgent(r.Context(), &a); err != nil {
		writeStoreError(w, err)
		return
	}
	s.registry.Invalidate(scope.TenantID, scope.ProjectID, a.GraphID)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleCreateRelation(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var rel ledger.AgentRelation
	if !decodeJSON(w, r, &rel) {
		return
	}
	rel.TenantID, rel.ProjectID = scope.TenantID, scope.ProjectID
	if err := s.store.CreateRelation(r.Context(), &rel); err != nil {
		writeStoreError(w, err)
		return
	}
	s.registry.Invalidate(scope.TenantID, scope.ProjectID, rel.GraphID)
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleCreateExternalAgent(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var e ledger.ExternalAgent
	if !decodeJSON(w, r, &e) {
		return
	}
	e.TenantID, e.ProjectID = scope.TenantID, scope.ProjectID
	if err := s.store.CreateExternalAgent(r.Context(), &e); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var t ledger.Tool
	if !decodeJSON(w, r, &t) {
		return
	}
	t.TenantID, t.ProjectID = scope.TenantID, scope.ProjectID
	if err := s.store.CreateTool(r.Context(), &t); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// handleUpdateTool updates an existing tool; a missing tool is 404.
func (s *Server) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var t ledger.Tool
	if !decodeJSON(w, r, &t) {
		return
	}
	t.TenantID, t.ProjectID = scope.TenantID, scope.ProjectID
	t.ID = chi.URLParam(r, "toolId")
	if err := s.store.UpdateTool(r.Context(), &t); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	t, err := s.store.GetTool(r.Context(), scope.TenantID, scope.ProjectID, chi.URLParam(r, "toolId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateCredentialReference(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var c ledger.CredentialReference
	if !decodeJSON(w, r, &c) {
		return
	}
	c.TenantID, c.ProjectID = scope.TenantID, scope.ProjectID
	if err := s.store.CreateCredentialReference(r.Context(), &c); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDeleteCredentialReference(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	refID := chi.URLParam(r, "refId")

	// Best-effort delete of the backing secret before the row goes; the
	// row delete wins even when the store refuses.
	if s.creds != nil {
		if ref, err := s.store.GetCredentialReference(r.Context(), scope.TenantID, scope.ProjectID, refID); err == nil {
			if credStore, err := s.creds.Get(ref.CredentialStoreID); err == nil {
				key, _ := ref.RetrievalParams["key"].(string)
				if key == "" {
					key = ref.ID
				}
				if err := credStore.Delete(r.Context(), key); err != nil {
					slog.Warn("credential store delete failed",
						"refId", refID, "storeId", ref.CredentialStoreID, "error", err)
				}
			}
		}
	}

	if err := s.store.DeleteCredentialReference(r.Context(), scope.TenantID, scope.ProjectID, refID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertContextConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no scope")
		return
	}
	var c ledger.ContextConfig
	if !decodeJSON(w, r, &c) {
		return
	}
	c.TenantID, c.ProjectID = scope.TenantID, scope.ProjectID
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := s.store.UpsertContextConfig(r.Context(), &c); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
