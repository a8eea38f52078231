package ledger

import (
	"context"
	"time"
)

// CreateAPIKey stores the hashed form of a key. The raw key never
// reaches this package.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	k.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (tenant_id, project_id, graph_id, id, public_id, key_hash, key_prefix, expires_at, created_at, last_used_at)
		VALUES (:tenant_id, :project_id, :graph_id, :id, :public_id, :key_hash, :key_prefix, :expires_at, :created_at, :last_used_at)`, k)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetAPIKey fetches a key row within the tenant scope.
func (s *Store) GetAPIKey(ctx context.Context, tenantID, projectID, id string) (*APIKey, error) {
	var k APIKey
	err := s.db.GetContext(ctx, &k,
		`SELECT * FROM api_keys WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// GetAPIKeyByPublicID resolves a presented key's public id. This is
// the only unscoped ledger read: the tenant is not known until the key
// resolves, and the caller still verifies the hash before trusting it.
func (s *Store) GetAPIKeyByPublicID(ctx context.Context, publicID string) (*APIKey, error) {
	var k APIKey
	err := s.db.GetContext(ctx, &k,
		`SELECT * FROM api_keys WHERE public_id = ?`, publicID)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// TouchAPIKey records key usage.
func (s *Store) TouchAPIKey(ctx context.Context, tenantID, projectID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ?
		WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		time.Now().UTC(), tenantID, projectID, id)
	return err
}

// DeleteAPIKey removes a key row.
func (s *Store) DeleteAPIKey(ctx context.Context, tenantID, projectID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAPIKeys lists key rows for a project. Hashes stay internal to
// the row; callers must not serialize KeyHash.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID, projectID string) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.SelectContext(ctx, &keys, `
		SELECT * FROM api_keys WHERE tenant_id = ? AND project_id = ?
		ORDER BY created_at ASC`, tenantID, projectID)
	return keys, err
}
