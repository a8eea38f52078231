package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// EnsureConversation creates the conversation on first use and returns
// it. Existing conversations are returned unchanged.
func (s *Store) EnsureConversation(ctx context.Context, tenantID, projectID, id, defaultAgentID string) (*Conversation, error) {
	c, err := s.GetConversation(ctx, tenantID, projectID, id)
	if err == nil {
		return c, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	now := time.Now().UTC()
	conv := &Conversation{
		TenantID:      tenantID,
		ProjectID:     projectID,
		ID:            id,
		ActiveAgentID: defaultAgentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO conversations (tenant_id, project_id, id, active_agent_id, title, created_at, updated_at)
		VALUES (:tenant_id, :project_id, :id, :active_agent_id, :title, :created_at, :updated_at)`, conv)
	if isUniqueViolation(err) {
		// Lost a create race; read the winner.
		return s.GetConversation(ctx, tenantID, projectID, id)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation fetches a conversation.
func (s *Store) GetConversation(ctx context.Context, tenantID, projectID, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM conversations WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SetActiveAgent updates the conversation's active agent.
func (s *Store) SetActiveAgent(ctx context.Context, tenantID, projectID, conversationID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET active_agent_id = ?, updated_at = ?
		WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		agentID, time.Now().UTC(), tenantID, projectID, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message unconditionally, after validating
// the A2A origin invariant.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (tenant_id, project_id, conversation_id, id, role, content, message_type, visibility,
			from_agent_id, to_agent_id, from_external_agent_id, to_external_agent_id, task_id, a2a_task_id, metadata, created_at)
		VALUES (:tenant_id, :project_id, :conversation_id, :id, :role, :content, :message_type, :visibility,
			:from_agent_id, :to_agent_id, :from_external_agent_id, :to_external_agent_id, :task_id, :a2a_task_id, :metadata, :created_at)`, m)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListMessages returns the messages of a conversation in creation
// order, optionally filtered by message type and visibility.
func (s *Store) ListMessages(ctx context.Context, tenantID, projectID, conversationID string, messageTypes []string, includeInternal bool) ([]Message, error) {
	query := `
		SELECT * FROM messages
		WHERE tenant_id = ? AND project_id = ? AND conversation_id = ?`
	args := []any{tenantID, projectID, conversationID}

	if len(messageTypes) > 0 {
		q, inArgs, err := sqlx.In(` AND message_type IN (?)`, messageTypes)
		if err != nil {
			return nil, fmt.Errorf("build message type filter: %w", err)
		}
		query += q
		args = append(args, inArgs...)
	}
	if !includeInternal {
		query += ` AND visibility != ?`
		args = append(args, string(VisibilityInternal))
	}
	query += ` ORDER BY seq ASC`

	var messages []Message
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(query), args...)
	return messages, err
}

// AddArtifact attaches an artifact to a task. Parts are stored as the
// JSON rendering of the given part list.
func (s *Store) AddArtifact(ctx context.Context, a *Artifact, parts []map[string]any) error {
	if parts != nil {
		raw, err := json.Marshal(parts)
		if err != nil {
			return fmt.Errorf("encode artifact parts: %w", err)
		}
		a.Parts = string(raw)
	}
	if a.Parts == "" {
		a.Parts = "[]"
	}
	a.CreatedAt = time.Now().UTC()

	// The referenced task must exist in the same tenant/project.
	if _, err := s.GetTask(ctx, a.TenantID, a.ProjectID, a.TaskID); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO artifacts (tenant_id, project_id, task_id, artifact_id, name, description, parts, created_at)
		VALUES (:tenant_id, :project_id, :task_id, :artifact_id, :name, :description, :parts, :created_at)`, a)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListArtifactsByTask returns the artifacts attached to a task.
func (s *Store) ListArtifactsByTask(ctx context.Context, tenantID, projectID, taskID string) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.db.SelectContext(ctx, &artifacts, `
		SELECT * FROM artifacts
		WHERE tenant_id = ? AND project_id = ? AND task_id = ?
		ORDER BY artifact_id`, tenantID, projectID, taskID)
	return artifacts, err
}

// ListArtifactsByTasks returns artifacts for any of the given task ids.
func (s *Store) ListArtifactsByTasks(ctx context.Context, tenantID, projectID string, taskIDs []string) ([]Artifact, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM artifacts
		WHERE tenant_id = ? AND project_id = ? AND task_id IN (?)
		ORDER BY task_id, artifact_id`, tenantID, projectID, taskIDs)
	if err != nil {
		return nil, err
	}
	var artifacts []Artifact
	err = s.db.SelectContext(ctx, &artifacts, s.db.Rebind(query), args...)
	return artifacts, err
}
