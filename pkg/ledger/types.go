package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap stores an arbitrary JSON object in a TEXT column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// JSONStrings stores a string slice in a TEXT column.
type JSONStrings []string

func (s JSONStrings) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *JSONStrings) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONStrings source %T", src)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, s)
}

// Tenant is the top-level isolation boundary.
type Tenant struct {
	ID        string    `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Project groups graphs, agents and tools under a tenant.
type Project struct {
	TenantID    string    `db:"tenant_id" json:"tenantId"`
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	Models      JSONMap   `db:"models" json:"models,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Graph is a topology of agents with a default entry agent.
type Graph struct {
	TenantID       string    `db:"tenant_id" json:"tenantId"`
	ProjectID      string    `db:"project_id" json:"projectId"`
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	DefaultAgentID string    `db:"default_agent_id" json:"defaultAgentId"`
	Models         JSONMap   `db:"models" json:"models,omitempty"`
	StopWhen       JSONMap   `db:"stop_when" json:"stopWhen,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// HistoryMode selects how conversation history is shaped for prompts.
type HistoryMode string

const (
	HistoryModeNone   HistoryMode = "none"
	HistoryModeFull   HistoryMode = "full"
	HistoryModeScoped HistoryMode = "scoped"
)

// HistoryConfig shapes the conversation history for an agent prompt.
type HistoryConfig struct {
	Mode            HistoryMode `json:"mode,omitempty"`
	Limit           int         `json:"limit,omitempty"`
	IncludeInternal bool        `json:"includeInternal,omitempty"`
	MessageTypes    []string    `json:"messageTypes,omitempty"`
	MaxOutputTokens int         `json:"maxOutputTokens,omitempty"`
}

// DefaultHistoryConfig is the per-agent default when no config is set.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Mode:            HistoryModeFull,
		Limit:           50,
		IncludeInternal: true,
		MessageTypes:    []string{string(MessageTypeChat)},
		MaxOutputTokens: 4000,
	}
}

// Agent is a configured role executable via a task handler.
type Agent struct {
	TenantID      string      `db:"tenant_id" json:"tenantId"`
	ProjectID     string      `db:"project_id" json:"projectId"`
	GraphID       string      `db:"graph_id" json:"graphId"`
	ID            string      `db:"id" json:"id"`
	Name          string      `db:"name" json:"name"`
	Description   string      `db:"description" json:"description,omitempty"`
	Prompt        string      `db:"prompt" json:"prompt,omitempty"`
	ToolIDs       JSONStrings `db:"tool_ids" json:"toolIds,omitempty"`
	HistoryConfig JSONMap     `db:"history_config" json:"conversationHistoryConfig,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updatedAt"`
}

// ResolvedHistoryConfig decodes the agent's history config, falling
// back to the defaults for unset fields.
func (a *Agent) ResolvedHistoryConfig() HistoryConfig {
	cfg := DefaultHistoryConfig()
	if a.HistoryConfig == nil {
		return cfg
	}
	raw, err := json.Marshal(a.HistoryConfig)
	if err != nil {
		return cfg
	}
	var parsed HistoryConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return cfg
	}
	if parsed.Mode != "" {
		cfg.Mode = parsed.Mode
	}
	if parsed.Limit > 0 {
		cfg.Limit = parsed.Limit
	}
	if _, ok := a.HistoryConfig["includeInternal"]; ok {
		cfg.IncludeInternal = parsed.IncludeInternal
	}
	if len(parsed.MessageTypes) > 0 {
		cfg.MessageTypes = parsed.MessageTypes
	}
	if parsed.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = parsed.MaxOutputTokens
	}
	return cfg
}

// RelationType distinguishes transfer and delegate edges.
type RelationType string

const (
	RelationTransfer RelationType = "transfer"
	RelationDelegate RelationType = "delegate"
)

// AgentRelation is a directed edge between agents in a graph. Exactly
// one of TargetAgentID / ExternalAgentID is set.
type AgentRelation struct {
	TenantID        string       `db:"tenant_id" json:"tenantId"`
	ProjectID       string       `db:"project_id" json:"projectId"`
	GraphID         string       `db:"graph_id" json:"graphId"`
	ID              string       `db:"id" json:"id"`
	SourceAgentID   string       `db:"source_agent_id" json:"sourceAgentId"`
	TargetAgentID   string       `db:"target_agent_id" json:"targetAgentId,omitempty"`
	ExternalAgentID string       `db:"external_agent_id" json:"externalAgentId,omitempty"`
	RelationType    RelationType `db:"relation_type" json:"relationType"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
}

// ExternalAgent is an out-of-graph addressable agent.
type ExternalAgent struct {
	TenantID    string    `db:"tenant_id" json:"tenantId"`
	ProjectID   string    `db:"project_id" json:"projectId"`
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	BaseURL     string    `db:"base_url" json:"baseUrl"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// ToolStatus is the health state of a configured tool.
type ToolStatus string

const (
	ToolStatusUnknown   ToolStatus = "unknown"
	ToolStatusHealthy   ToolStatus = "healthy"
	ToolStatusUnhealthy ToolStatus = "unhealthy"
	ToolStatusDisabled  ToolStatus = "disabled"
)

// Tool config variants, discriminated by the "type" key of the config
// JSON document.
const (
	ToolTypeMCP      = "mcp"
	ToolTypeFunction = "function"
)

// Tool is a configured tool: a remote MCP server or a user function.
type Tool struct {
	TenantID              string      `db:"tenant_id" json:"tenantId"`
	ProjectID             string      `db:"project_id" json:"projectId"`
	ID                    string      `db:"id" json:"id"`
	Name                  string      `db:"name" json:"name"`
	Config                JSONMap     `db:"config" json:"config"`
	CredentialReferenceID *string     `db:"credential_reference_id" json:"credentialReferenceId,omitempty"`
	Status                ToolStatus  `db:"status" json:"status"`
	AvailableTools        JSONStrings `db:"available_tools" json:"availableTools,omitempty"`
	LastHealthCheck       *time.Time  `db:"last_health_check" json:"lastHealthCheck,omitempty"`
	CreatedAt             time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time   `db:"updated_at" json:"updatedAt"`
}

// Type returns the tool config variant.
func (t *Tool) Type() string {
	if typ, ok := t.Config["type"].(string); ok {
		return typ
	}
	return ""
}

// CredentialReference points at a secret in a pluggable credential
// store. The runtime never sees the raw value outside tool invocation.
type CredentialReference struct {
	TenantID          string    `db:"tenant_id" json:"tenantId"`
	ProjectID         string    `db:"project_id" json:"projectId"`
	ID                string    `db:"id" json:"id"`
	Type              string    `db:"type" json:"type"`
	CredentialStoreID string    `db:"credential_store_id" json:"credentialStoreId"`
	RetrievalParams   JSONMap   `db:"retrieval_params" json:"retrievalParams,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// ContextConfig declares per-graph context variables and a headers
// schema, both opaque JSON validated only at use time.
type ContextConfig struct {
	TenantID         string    `db:"tenant_id" json:"tenantId"`
	ProjectID        string    `db:"project_id" json:"projectId"`
	GraphID          string    `db:"graph_id" json:"graphId"`
	ID               string    `db:"id" json:"id"`
	HeadersSchema    JSONMap   `db:"headers_schema" json:"headersSchema,omitempty"`
	ContextVariables JSONMap   `db:"context_variables" json:"contextVariables,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// Conversation is a thread. ActiveAgentID is the transfer target and
// survives across requests.
type Conversation struct {
	TenantID      string    `db:"tenant_id" json:"tenantId"`
	ProjectID     string    `db:"project_id" json:"projectId"`
	ID            string    `db:"id" json:"id"`
	ActiveAgentID string    `db:"active_agent_id" json:"activeAgentId,omitempty"`
	Title         string    `db:"title" json:"title,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// TaskStatus values for the persisted task state machine.
type TaskStatus string

const (
	TaskWorking   TaskStatus = "working"
	TaskCompleted TaskStatus = "completed"
	TaskCanceled  TaskStatus = "canceled"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal reports whether the task may no longer transition.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCanceled, TaskFailed:
		return true
	}
	return false
}

// Task is one agent turn. ContextID equals the owning conversation id.
type Task struct {
	TenantID     string     `db:"tenant_id" json:"tenantId"`
	ProjectID    string     `db:"project_id" json:"projectId"`
	GraphID      string     `db:"graph_id" json:"graphId"`
	ID           string     `db:"id" json:"id"`
	ContextID    string     `db:"context_id" json:"contextId"`
	AgentID      string     `db:"agent_id" json:"agentId"`
	Status       TaskStatus `db:"status" json:"status"`
	StatusReason string     `db:"status_reason" json:"statusReason,omitempty"`
	Metadata     JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// MessageRole values.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// MessageType values.
type MessageType string

const (
	MessageTypeChat        MessageType = "chat"
	MessageTypeA2ARequest  MessageType = "a2a-request"
	MessageTypeA2AResponse MessageType = "a2a-response"
	MessageTypeSystem      MessageType = "system"
)

// Visibility values.
type Visibility string

const (
	VisibilityUserFacing Visibility = "user-facing"
	VisibilityInternal   Visibility = "internal"
	VisibilityExternal   Visibility = "external"
)

// Message is one entry in the conversation ledger. For A2A traffic
// exactly one of FromAgentID/FromExternalAgentID and exactly one of
// ToAgentID/ToExternalAgentID is set.
type Message struct {
	TenantID            string      `db:"tenant_id" json:"tenantId"`
	ProjectID           string      `db:"project_id" json:"projectId"`
	ConversationID      string      `db:"conversation_id" json:"conversationId"`
	ID                  string      `db:"id" json:"id"`
	Role                MessageRole `db:"role" json:"role"`
	Content             string      `db:"content" json:"content"`
	MessageType         MessageType `db:"message_type" json:"messageType"`
	Visibility          Visibility  `db:"visibility" json:"visibility"`
	FromAgentID         string      `db:"from_agent_id" json:"fromAgentId,omitempty"`
	ToAgentID           string      `db:"to_agent_id" json:"toAgentId,omitempty"`
	FromExternalAgentID string      `db:"from_external_agent_id" json:"fromExternalAgentId,omitempty"`
	ToExternalAgentID   string      `db:"to_external_agent_id" json:"toExternalAgentId,omitempty"`
	TaskID              string      `db:"task_id" json:"taskId,omitempty"`
	A2ATaskID           string      `db:"a2a_task_id" json:"a2aTaskId,omitempty"`
	Metadata            JSONMap     `db:"metadata" json:"metadata,omitempty"`
	Seq                 int64       `db:"seq" json:"-"`
	CreatedAt           time.Time   `db:"created_at" json:"createdAt"`
}

// Validate enforces the A2A origin invariant.
func (m *Message) Validate() error {
	if m.MessageType != MessageTypeA2ARequest && m.MessageType != MessageTypeA2AResponse {
		return nil
	}
	fromSet := 0
	if m.FromAgentID != "" {
		fromSet++
	}
	if m.FromExternalAgentID != "" {
		fromSet++
	}
	toSet := 0
	if m.ToAgentID != "" {
		toSet++
	}
	if m.ToExternalAgentID != "" {
		toSet++
	}
	if fromSet != 1 || toSet != 1 {
		return fmt.Errorf("a2a message %s: exactly one from and one to agent must be set", m.ID)
	}
	return nil
}

// Artifact is a structured output attached to a task.
type Artifact struct {
	TenantID    string    `db:"tenant_id" json:"tenantId"`
	ProjectID   string    `db:"project_id" json:"projectId"`
	TaskID      string    `db:"task_id" json:"taskId"`
	ArtifactID  string    `db:"artifact_id" json:"artifactId"`
	Name        string    `db:"name" json:"name,omitempty"`
	Description string    `db:"description" json:"description,omitempty"`
	Parts       string    `db:"parts" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// DecodedParts parses the stored parts JSON.
func (a *Artifact) DecodedParts() ([]map[string]any, error) {
	var parts []map[string]any
	if a.Parts == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(a.Parts), &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

// APIKey is a stored API key: only the public id, prefix and the
// SHA-256 digest of the full key. The raw key is returned once on
// creation and never stored.
type APIKey struct {
	TenantID   string     `db:"tenant_id" json:"tenantId"`
	ProjectID  string     `db:"project_id" json:"projectId"`
	GraphID    string     `db:"graph_id" json:"graphId,omitempty"`
	ID         string     `db:"id" json:"id"`
	PublicID   string     `db:"public_id" json:"publicId"`
	KeyHash    string     `db:"key_hash" json:"-"`
	KeyPrefix  string     `db:"key_prefix" json:"keyPrefix"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	LastUsedAt *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`
}
