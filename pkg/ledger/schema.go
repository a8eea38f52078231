package ledger

// initSchema creates the ledger tables if they don't exist. tenant_id
// is present and indexed on every tenant-owned table.
func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			models TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS graphs (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			default_agent_id TEXT NOT NULL DEFAULT '',
			models TEXT,
			stop_when TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			tool_ids TEXT,
			history_config TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, graph_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_relations (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			id TEXT NOT NULL,
			source_agent_id TEXT NOT NULL,
			target_agent_id TEXT NOT NULL DEFAULT '',
			external_agent_id TEXT NOT NULL DEFAULT '',
			relation_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, graph_id, id),
			UNIQUE (tenant_id, project_id, graph_id, source_agent_id, target_agent_id, external_agent_id, relation_type)
		)`,
		`CREATE TABLE IF NOT EXISTS external_agents (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL,
			credential_reference_id TEXT,
			status TEXT NOT NULL DEFAULT 'unknown',
			available_tools TEXT,
			last_health_check TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS credential_references (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			credential_store_id TEXT NOT NULL DEFAULT '',
			retrieval_params TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS context_configs (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			id TEXT NOT NULL,
			headers_schema TEXT,
			context_variables TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, graph_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			active_agent_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			id TEXT NOT NULL,
			context_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'working',
			status_reason TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT 'chat',
			visibility TEXT NOT NULL DEFAULT 'user-facing',
			from_agent_id TEXT NOT NULL DEFAULT '',
			to_agent_id TEXT NOT NULL DEFAULT '',
			from_external_agent_id TEXT NOT NULL DEFAULT '',
			to_external_agent_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			a2a_task_id TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, project_id, conversation_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			parts TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, task_id, artifact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			graph_id TEXT NOT NULL DEFAULT '',
			id TEXT NOT NULL,
			public_id TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at TIMESTAMP,
			PRIMARY KEY (tenant_id, project_id, id),
			UNIQUE (public_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(tenant_id, project_id, conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_context
			ON tasks(tenant_id, project_id, context_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_task
			ON artifacts(tenant_id, project_id, task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_source
			ON agent_relations(tenant_id, project_id, graph_id, source_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_public
			ON api_keys(public_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
