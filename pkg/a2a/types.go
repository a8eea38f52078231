// Package a2a defines the wire types for the Agent-to-Agent protocol:
// agent cards, tasks, messages, artifacts and the streaming event
// shapes carried over JSON-RPC 2.0.
package a2a

import (
	"time"
)

// ProtocolVersion is the A2A protocol version advertised on agent cards.
const ProtocolVersion = "1.0"

// Object kind discriminators used on wire objects and SSE frames.
const (
	KindTask           = "task"
	KindMessage        = "message"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// TaskState represents the state of a task.
type TaskState string

const (
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateCanceled  TaskState = "canceled"
	TaskStateFailed    TaskState = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed:
		return true
	}
	return false
}

// TaskStatus is the current state of a task plus bookkeeping.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Task is the unit of work exchanged over the protocol.
type Task struct {
	Kind      string         `json:"kind"` // always "task"
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// Message is a single protocol message.
type Message struct {
	Kind      string         `json:"kind,omitempty"` // "message"
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Role      MessageRole    `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out += p.Text
		}
	}
	return out
}

// Part kinds. A part is a tagged union of text and structured data.
const (
	PartKindText = "text"
	PartKindData = "data"
)

// Part is one element of a message or artifact body.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Artifact is a structured output attached to a task.
type Artifact struct {
	ArtifactID  string `json:"artifactId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
}

// Handoff artifact data types. An artifact whose data part carries
// {"type": "transfer"} or {"type": "delegate"} signals an agent handoff.
const (
	HandoffTypeTransfer = "transfer"
	HandoffTypeDelegate = "delegate"
)

// HandoffData extracts a transfer/delegate signal from an artifact, if
// any data part carries one. Returns the handoff type, the target agent
// id and whether a signal was found.
func (a *Artifact) HandoffData() (string, string, bool) {
	for _, p := range a.Parts {
		if p.Kind != PartKindData || p.Data == nil {
			continue
		}
		typ, _ := p.Data["type"].(string)
		if typ != HandoffTypeTransfer && typ != HandoffTypeDelegate {
			continue
		}
		target, _ := p.Data["targetAgentId"].(string)
		return typ, target, true
	}
	return "", "", false
}

// TaskStatusUpdateEvent is an SSE frame payload carrying a state change.
type TaskStatusUpdateEvent struct {
	Kind      string     `json:"kind"` // "status-update"
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final,omitempty"`
}

// TaskArtifactUpdateEvent is an SSE frame payload carrying an artifact.
type TaskArtifactUpdateEvent struct {
	Kind      string   `json:"kind"` // "artifact-update"
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId,omitempty"`
	Artifact  Artifact `json:"artifact"`
}

// MessageSendParams are the parameters of message/send and message/stream.
type MessageSendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// SendConfiguration tunes a message/send call.
type SendConfiguration struct {
	// Blocking selects the synchronous path: the response carries the
	// final Message or Task instead of a working snapshot.
	Blocking *bool `json:"blocking,omitempty"`
}

// IsBlocking resolves the effective blocking flag. Direct chat treats
// an unset flag as blocking.
func (p *MessageSendParams) IsBlocking() bool {
	if p.Configuration == nil || p.Configuration.Blocking == nil {
		return true
	}
	return *p.Configuration.Blocking
}

// TaskQueryParams are the parameters of tasks/get and tasks/resubscribe.
type TaskQueryParams struct {
	ID string `json:"id"`
}

// TaskCancelParams are the parameters of tasks/cancel.
type TaskCancelParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// AgentCard is the public descriptor served at /.well-known/agent.json.
type AgentCard struct {
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	URL             string            `json:"url"`
	Version         string            `json:"version"`
	ProtocolVersion string            `json:"protocolVersion"`
	Provider        *AgentProvider    `json:"provider,omitempty"`
	Capabilities    AgentCapabilities `json:"capabilities"`
	Skills          []AgentSkill      `json:"skills,omitempty"`
}

// AgentProvider names the organization serving the agent.
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url,omitempty"`
}

// AgentCapabilities advertises transport capabilities.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications,omitempty"`
}

// AgentSkill describes one skill on the card.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
