package toolsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureGraphSession_Idempotent(t *testing.T) {
	m := NewManager()
	defer m.Close()
	ctx := context.Background()

	id := m.EnsureGraphSession(ctx, "s1", "acme", "support", "main", "conv-1", "task-1")
	assert.Equal(t, "s1", id)

	m.RecordToolResult("s1", ToolResult{ToolCallID: "c1", ToolName: "search", Result: "hit"})

	// Re-ensuring the same id keeps the recorded results.
	m.EnsureGraphSession(ctx, "s1", "acme", "support", "main", "conv-1", "task-2")
	got := m.GetToolResult("s1", "c1")
	require.NotNil(t, got)
	assert.Equal(t, "hit", got.Result)
	assert.Equal(t, 1, m.SessionCount())
}

func TestRecordToolResult_UnknownSessionDropped(t *testing.T) {
	m := NewManager()
	defer m.Close()

	// Must not panic or create a session implicitly.
	m.RecordToolResult("missing", ToolResult{ToolCallID: "c1", ToolName: "search"})
	assert.Equal(t, 0, m.SessionCount())
	assert.Nil(t, m.GetToolResult("missing", "c1"))
}

func TestListToolResults_TimestampOrder(t *testing.T) {
	m := NewManager()
	defer m.Close()
	ctx := context.Background()
	m.EnsureGraphSession(ctx, "s1", "acme", "support", "main", "conv-1", "task-1")

	base := time.Now()
	m.RecordToolResult("s1", ToolResult{ToolCallID: "c3", ToolName: "c", Timestamp: base.Add(3 * time.Second)})
	m.RecordToolResult("s1", ToolResult{ToolCallID: "c1", ToolName: "a", Timestamp: base.Add(1 * time.Second)})
	m.RecordToolResult("s1", ToolResult{ToolCallID: "c2", ToolName: "b", Timestamp: base.Add(2 * time.Second)})

	results := m.ListToolResults("s1")
	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "c3", results[2].ToolCallID)
}

func TestSweep_EvictsExpiredSessions(t *testing.T) {
	m := NewManager()
	defer m.Close()
	ctx := context.Background()

	current := time.Now()
	m.now = func() time.Time { return current }

	m.EnsureGraphSession(ctx, "old", "acme", "support", "main", "conv-1", "task-1")

	current = current.Add(SessionTTL / 2)
	m.EnsureGraphSession(ctx, "young", "acme", "support", "main", "conv-2", "task-2")

	// Past the TTL of the first session only.
	current = current.Add(SessionTTL/2 + time.Second)
	m.Sweep()

	assert.Nil(t, lookup(m, "old"))
	assert.NotNil(t, lookup(m, "young"))
	assert.Equal(t, 1, m.SessionCount())
}

func TestEndSession(t *testing.T) {
	m := NewManager()
	defer m.Close()
	ctx := context.Background()

	m.EnsureGraphSession(ctx, "s1", "acme", "support", "main", "conv-1", "task-1")
	m.RecordToolResult("s1", ToolResult{ToolCallID: "c1", ToolName: "search"})

	m.EndSession("s1")
	assert.Equal(t, 0, m.SessionCount())
	assert.Nil(t, m.GetToolResult("s1", "c1"))

	// Ending twice is harmless.
	m.EndSession("s1")
}

func lookup(m *Manager, id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}
