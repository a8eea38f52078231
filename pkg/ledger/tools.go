package ledger

import (
	"context"
	"time"
)

// CreateTool inserts a tool row. An empty credentialReferenceId is
// normalized to NULL on write.
func (s *Store) CreateTool(ctx context.Context, t *Tool) error {
	normalizeCredentialRef(t)
	if t.Status == "" {
		t.Status = ToolStatusUnknown
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tools (tenant_id, project_id, id, name, config, credential_reference_id, status, available_tools, last_health_check, created_at, updated_at)
		VALUES (:tenant_id, :project_id, :id, :name, :config, :credential_reference_id, :status, :available_tools, :last_health_check, :created_at, :updated_at)`, t)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UpdateTool updates an existing tool or returns ErrNotFound.
func (s *Store) UpdateTool(ctx context.Context, t *Tool) error {
	normalizeCredentialRef(t)
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE tools SET name = :name, config = :config,
			credential_reference_id = :credential_reference_id,
			status = :status, available_tools = :available_tools,
			last_health_check = :last_health_check, updated_at = :updated_at
		WHERE tenant_id = :tenant_id AND project_id = :project_id AND id = :id`, t)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTool fetches a tool.
func (s *Store) GetTool(ctx context.Context, tenantID, projectID, id string) (*Tool, error) {
	var t Tool
	err := s.db.GetContext(ctx, &t,
		`SELECT * FROM tools WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func normalizeCredentialRef(t *Tool) {
	if t.CredentialReferenceID != nil && *t.CredentialReferenceID == "" {
		t.CredentialReferenceID = nil
	}
}

// CreateCredentialReference inserts a credential reference.
func (s *Store) CreateCredentialReference(ctx context.Context, c *CredentialReference) error {
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO credential_references (tenant_id, project_id, id, type, credential_store_id, retrieval_params, created_at)
		VALUES (:tenant_id, :project_id, :id, :type, :credential_store_id, :retrieval_params, :created_at)`, c)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetCredentialReference fetches a credential reference.
func (s *Store) GetCredentialReference(ctx context.Context, tenantID, projectID, id string) (*CredentialReference, error) {
	var c CredentialReference
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM credential_references WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// DeleteCredentialReference removes the local row. External store
// cleanup happens before this call and never blocks it.
func (s *Store) DeleteCredentialReference(ctx context.Context, tenantID, projectID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credential_references WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertContextConfig writes a context config for a graph.
func (s *Store) UpsertContextConfig(ctx context.Context, c *ContextConfig) error {
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO context_configs (tenant_id, project_id, graph_id, id, headers_schema, context_variables, created_at)
		VALUES (:tenant_id, :project_id, :graph_id, :id, :headers_schema, :context_variables, :created_at)`, c)
	return err
}

// GetContextConfig fetches the context config of a graph, if any.
func (s *Store) GetContextConfig(ctx context.Context, tenantID, projectID, graphID string) (*ContextConfig, error) {
	var c ContextConfig
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM context_configs WHERE tenant_id = ? AND project_id = ? AND graph_id = ? LIMIT 1`,
		tenantID, projectID, graphID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}
