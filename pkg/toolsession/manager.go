// Package toolsession holds the per-graph-execution scratchpad of tool
// call results. One session id spans a whole graph execution: the
// entry agent mints it and every agent reached by transfer or
// delegation within the same user turn reuses it, so later turns can
// reference earlier tool output.
package toolsession

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// SessionTTL is how long a session lives from creation.
	SessionTTL = 5 * time.Minute

	// sweepInterval is how often expired sessions are evicted.
	sweepInterval = 60 * time.Second
)

// ToolResult is one recorded tool call.
type ToolResult struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Session is the in-memory scratchpad of one graph execution.
type Session struct {
	ID        string
	TenantID  string
	ProjectID string
	GraphID   string
	ContextID string
	TaskID    string
	CreatedAt time.Time

	mu      sync.RWMutex
	results map[string]ToolResult
}

// Manager owns the session map. It is an explicit service injected
// into the executor so tests get a fresh pool.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewManager builds a manager and starts the background sweep.
func NewManager() *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// EnsureGraphSession creates the session if missing and returns its
// id. The call is idempotent: an existing session keeps its contents.
func (m *Manager) EnsureGraphSession(_ context.Context, sessionID, tenantID, projectID, graphID, contextID, taskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; ok {
		return sessionID
	}
	m.sessions[sessionID] = &Session{
		ID:        sessionID,
		TenantID:  tenantID,
		ProjectID: projectID,
		GraphID:   graphID,
		ContextID: contextID,
		TaskID:    taskID,
		CreatedAt: m.now(),
		results:   make(map[string]ToolResult),
	}
	return sessionID
}

// RecordToolResult stores a result under its call id. Unknown sessions
// are logged and dropped rather than erroring the turn.
func (m *Manager) RecordToolResult(sessionID string, result ToolResult) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		slog.Warn("tool result for unknown session dropped",
			"sessionId", sessionID, "toolCallId", result.ToolCallID)
		return
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = m.now()
	}
	session.mu.Lock()
	session.results[result.ToolCallID] = result
	session.mu.Unlock()
}

// GetToolResult returns a recorded result, or nil when unknown.
func (m *Manager) GetToolResult(sessionID, toolCallID string) *ToolResult {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	if r, ok := session.results[toolCallID]; ok {
		return &r
	}
	return nil
}

// ListToolResults returns all recorded results of a session in
// timestamp order.
func (m *Manager) ListToolResults(sessionID string) []ToolResult {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	out := make([]ToolResult, 0, len(session.results))
	for _, r := range session.results {
		out = append(out, r)
	}
	sortByTimestamp(out)
	return out
}

// EndSession destroys a session explicitly at execution end.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep evicts sessions older than the TTL. Called periodically and
// exported for tests.
func (m *Manager) Sweep() {
	cutoff := m.now().Add(-SessionTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		if session.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

func sortByTimestamp(results []ToolResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Timestamp.Before(results[j-1].Timestamp); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
