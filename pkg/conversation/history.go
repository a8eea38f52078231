// Package conversation shapes the persisted ledger into the history an
// agent prompt sees. Each agent carries its own history config; the
// three modes trade context completeness against prompt size and
// cross-agent leakage.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkeep/agents-run/pkg/ledger"
)

// tokenCounter abstracts the encoder so tests can run without the
// tiktoken vocabulary files.
type tokenCounter interface {
	Count(text string) int
}

// Shaper reads the ledger and produces shaped history.
type Shaper struct {
	store   *ledger.Store
	counter tokenCounter
}

// NewShaper builds a shaper using the default tiktoken counter.
func NewShaper(store *ledger.Store) *Shaper {
	return &Shaper{store: store, counter: newTiktokenCounter()}
}

// NewShaperWithCounter builds a shaper with an explicit token counter.
func NewShaperWithCounter(store *ledger.Store, counter tokenCounter) *Shaper {
	return &Shaper{store: store, counter: counter}
}

// Options selects the slice of history an agent sees.
type Options struct {
	TenantID       string
	ProjectID      string
	ConversationID string

	Config ledger.HistoryConfig

	// AgentID scopes history to one agent in scoped mode.
	AgentID string
	// TaskID scopes history to one task in scoped mode.
	TaskID string

	// CurrentMessage is the inbound user turn; formatted history drops
	// it so the prompt does not repeat it.
	CurrentMessage string
}

// History is the shaped result handed to prompt building.
type History struct {
	Messages  []ledger.Message
	Formatted string
	Truncated bool
	Artifacts []ledger.Artifact
}

// Get shapes the conversation per the agent's history config. Mode
// none returns an empty history and no artifacts. Failures while
// loading artifacts degrade to an empty artifact list rather than
// leaking unscoped data.
func (s *Shaper) Get(ctx context.Context, opts Options) (*History, error) {
	if opts.Config.Mode == ledger.HistoryModeNone {
		return &History{}, nil
	}

	messages, err := s.store.ListMessages(ctx,
		opts.TenantID, opts.ProjectID, opts.ConversationID,
		opts.Config.MessageTypes, opts.Config.IncludeInternal)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", opts.ConversationID, err)
	}

	if opts.Config.Mode == ledger.HistoryModeScoped {
		messages = scopeMessages(messages, opts.AgentID, opts.TaskID)
	}

	if opts.Config.Limit > 0 && len(messages) > opts.Config.Limit {
		messages = messages[len(messages)-opts.Config.Limit:]
	}

	h := &History{Messages: messages}
	h.Formatted, h.Truncated = s.format(messages, opts.CurrentMessage, opts.Config.MaxOutputTokens)
	h.Artifacts = s.scopedArtifacts(ctx, opts, messages)
	return h, nil
}

// scopeMessages applies the scoped-mode filter. User messages always
// survive. The agent filter keeps messages the agent authored toward
// the user, or A2A traffic the agent sent or received. The task filter
// keeps messages attached to the task. When both filters are set a
// message must pass both.
func scopeMessages(messages []ledger.Message, agentID, taskID string) []ledger.Message {
	out := make([]ledger.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == ledger.RoleUser {
			out = append(out, m)
			continue
		}
		if agentID != "" && !matchesAgent(&m, agentID) {
			continue
		}
		if taskID != "" && m.TaskID != taskID && m.A2ATaskID != taskID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func matchesAgent(m *ledger.Message, agentID string) bool {
	if m.Visibility == ledger.VisibilityUserFacing && m.FromAgentID == agentID {
		return true
	}
	return m.FromAgentID == agentID || m.ToAgentID == agentID ||
		m.FromExternalAgentID == agentID || m.ToExternalAgentID == agentID
}

// format renders messages into the transcript block used inside
// prompts, enforcing the token ceiling by dropping the oldest
// messages first.
func (s *Shaper) format(messages []ledger.Message, currentMessage string, maxTokens int) (string, bool) {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == ledger.RoleUser && m.Content == currentMessage && currentMessage != "" {
			continue
		}
		lines = append(lines, formatLine(&m))
	}
	if len(lines) == 0 {
		return "", false
	}

	text := strings.Join(lines, "\n")
	if maxTokens <= 0 || s.counter.Count(text) <= maxTokens {
		return text, false
	}

	// Drop oldest lines until the rest fits, leaving room for the
	// truncation notice.
	notice := "system: \"\"\"Earlier conversation history was truncated.\"\"\""
	budget := maxTokens - s.counter.Count(notice)
	for len(lines) > 0 {
		text = strings.Join(lines, "\n")
		if s.counter.Count(text) <= budget {
			break
		}
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return notice, true
	}
	return notice + "\n" + strings.Join(lines, "\n"), true
}

func formatLine(m *ledger.Message) string {
	return fmt.Sprintf("%s: \"\"\"%s\"\"\"", messageLabel(m), m.Content)
}

func messageLabel(m *ledger.Message) string {
	if m.Role == ledger.RoleUser {
		return "user"
	}
	if m.Role == ledger.RoleSystem {
		return "system"
	}
	from := m.FromAgentID
	if from == "" {
		from = m.FromExternalAgentID
	}
	if from == "" {
		return "agent"
	}
	to := m.ToAgentID
	if to == "" {
		to = m.ToExternalAgentID
	}
	if to == "" {
		return fmt.Sprintf("%s to User", from)
	}
	return fmt.Sprintf("%s to %s", from, to)
}

// scopedArtifacts loads the artifacts belonging to tasks referenced by
// the shaped history. Any failure yields an empty list: a partial
// history must never widen into all artifacts of the conversation.
func (s *Shaper) scopedArtifacts(ctx context.Context, opts Options, messages []ledger.Message) []ledger.Artifact {
	seen := make(map[string]struct{})
	var taskIDs []string
	for _, m := range messages {
		for _, id := range []string{m.TaskID, m.A2ATaskID} {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			taskIDs = append(taskIDs, id)
		}
	}
	if len(taskIDs) == 0 {
		return nil
	}
	artifacts, err := s.store.ListArtifactsByTasks(ctx, opts.TenantID, opts.ProjectID, taskIDs)
	if err != nil {
		slog.Warn("failed to load scoped artifacts",
			"conversationId", opts.ConversationID, "error", err)
		return nil
	}
	return artifacts
}
