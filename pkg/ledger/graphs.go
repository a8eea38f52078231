package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EnsureTenant inserts the tenant row if missing.
func (s *Store) EnsureTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tenants (id) VALUES (?)`, tenantID)
	return err
}

// CreateProject inserts a project. Duplicate ids return ErrConflict.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if err := s.EnsureTenant(ctx, p.TenantID); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO projects (tenant_id, id, name, description, models, created_at, updated_at)
		VALUES (:tenant_id, :id, :name, :description, :models, :created_at, :updated_at)`, p)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UpsertProject inserts or replaces a project. Returns true when the
// row was created rather than updated.
func (s *Store) UpsertProject(ctx context.Context, p *Project) (bool, error) {
	if err := s.EnsureTenant(ctx, p.TenantID); err != nil {
		return false, err
	}
	existing, err := s.GetProject(ctx, p.TenantID, p.ID)
	now := time.Now().UTC()
	switch {
	case err == nil:
		p.CreatedAt, p.UpdatedAt = existing.CreatedAt, now
		_, err = s.db.NamedExecContext(ctx, `
			UPDATE projects SET name = :name, description = :description,
				models = :models, updated_at = :updated_at
			WHERE tenant_id = :tenant_id AND id = :id`, p)
		return false, err
	case err == ErrNotFound:
		p.CreatedAt, p.UpdatedAt = now, now
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO projects (tenant_id, id, name, description, models, created_at, updated_at)
			VALUES (:tenant_id, :id, :name, :description, :models, :created_at, :updated_at)`, p)
		return true, err
	default:
		return false, err
	}
}

// GetProject fetches a project within the tenant scope.
func (s *Store) GetProject(ctx context.Context, tenantID, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM projects WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// DeleteProject removes a project row.
func (s *Store) DeleteProject(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM projects WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateGraph inserts a graph.
func (s *Store) CreateGraph(ctx context.Context, g *Graph) error {
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO graphs (tenant_id, project_id, id, name, default_agent_id, models, stop_when, created_at, updated_at)
		VALUES (:tenant_id, :project_id, :id, :name, :default_agent_id, :models, :stop_when, :created_at, :updated_at)`, g)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UpdateGraph updates an existing graph or returns ErrNotFound.
func (s *Store) UpdateGraph(ctx context.Context, g *Graph) error {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE graphs SET name = :name, default_agent_id = :default_agent_id,
			models = :models, stop_when = :stop_when, updated_at = :updated_at
		WHERE tenant_id = :tenant_id AND project_id = :project_id AND id = :id`, g)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGraph fetches a graph within the tenant/project scope.
func (s *Store) GetGraph(ctx context.Context, tenantID, projectID, id string) (*Graph, error) {
	var g Graph
	err := s.db.GetContext(ctx, &g,
		`SELECT * FROM graphs WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// CreateAgent inserts an agent row.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agents (tenant_id, project_id, graph_id, id, name, description, prompt, tool_ids, history_config, created_at, updated_at)
		VALUES (:tenant_id, :project_id, :graph_id, :id, :name, :description, :prompt, :tool_ids, :history_config, :created_at, :updated_at)`, a)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetAgent fetches an agent.
func (s *Store) GetAgent(ctx context.Context, tenantID, projectID, graphID, id string) (*Agent, error) {
	var a Agent
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM agents
		WHERE tenant_id = ? AND project_id = ? AND graph_id = ? AND id = ?`,
		tenantID, projectID, graphID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListAgents lists the agents of a graph.
func (s *Store) ListAgents(ctx context.Context, tenantID, projectID, graphID string) ([]Agent, error) {
	var agents []Agent
	err := s.db.SelectContext(ctx, &agents, `
		SELECT * FROM agents
		WHERE tenant_id = ? AND project_id = ? AND graph_id = ?
		ORDER BY id`, tenantID, projectID, graphID)
	return agents, err
}

// CreateRelation inserts a transfer/delegate edge. Duplicate edges
// return ErrConflict.
func (s *Store) CreateRelation(ctx context.Context, r *AgentRelation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_relations (tenant_id, project_id, graph_id, id, source_agent_id, target_agent_id, external_agent_id, relation_type, created_at)
		VALUES (:tenant_id, :project_id, :graph_id, :id, :source_agent_id, :target_agent_id, :external_agent_id, :relation_type, :created_at)`, r)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListRelationsFrom lists the outgoing edges of an agent.
func (s *Store) ListRelationsFrom(ctx context.Context, tenantID, projectID, graphID, sourceAgentID string) ([]AgentRelation, error) {
	var relations []AgentRelation
	err := s.db.SelectContext(ctx, &relations, `
		SELECT * FROM agent_relations
		WHERE tenant_id = ? AND project_id = ? AND graph_id = ? AND source_agent_id = ?
		ORDER BY id`, tenantID, projectID, graphID, sourceAgentID)
	return relations, err
}

// CreateExternalAgent registers an out-of-graph addressable agent.
func (s *Store) CreateExternalAgent(ctx context.Context, e *ExternalAgent) error {
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO external_agents (tenant_id, project_id, id, name, description, base_url, created_at)
		VALUES (:tenant_id, :project_id, :id, :name, :description, :base_url, :created_at)`, e)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetExternalAgent fetches an external agent.
func (s *Store) GetExternalAgent(ctx context.Context, tenantID, projectID, id string) (*ExternalAgent, error) {
	var e ExternalAgent
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM external_agents WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}
