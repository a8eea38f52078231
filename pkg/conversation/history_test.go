package conversation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-run/pkg/ledger"
)

// wordCounter counts whitespace-separated words so tests do not depend
// on the tiktoken vocabulary.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func newFixtureStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateProject(ctx, &ledger.Project{TenantID: "acme", ID: "support", Name: "support"}))
	_, err = store.EnsureConversation(ctx, "acme", "support", "conv-1", "router")
	require.NoError(t, err)
	return store
}

func appendMsg(t *testing.T, store *ledger.Store, m ledger.Message) {
	t.Helper()
	m.TenantID = "acme"
	m.ProjectID = "support"
	m.ConversationID = "conv-1"
	require.NoError(t, store.AppendMessage(context.Background(), &m))
}

func baseOptions(cfg ledger.HistoryConfig) Options {
	return Options{
		TenantID:       "acme",
		ProjectID:      "support",
		ConversationID: "conv-1",
		Config:         cfg,
	}
}

func TestGet_ModeNone(t *testing.T) {
	store := newFixtureStore(t)
	appendMsg(t, store, ledger.Message{
		ID: "m1", Role: ledger.RoleUser, Content: "hello",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})

	shaper := NewShaperWithCounter(store, wordCounter{})
	h, err := shaper.Get(context.Background(), baseOptions(ledger.HistoryConfig{Mode: ledger.HistoryModeNone}))
	require.NoError(t, err)

	assert.Empty(t, h.Messages)
	assert.Empty(t, h.Formatted)
	assert.Empty(t, h.Artifacts, "mode none must not leak artifacts either")
	assert.False(t, h.Truncated)
}

func TestGet_FullModeFormatting(t *testing.T) {
	store := newFixtureStore(t)
	appendMsg(t, store, ledger.Message{
		ID: "m1", Role: ledger.RoleUser, Content: "where is my order",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})
	appendMsg(t, store, ledger.Message{
		ID: "m2", Role: ledger.RoleAgent, Content: "checking now", FromAgentID: "router",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})
	appendMsg(t, store, ledger.Message{
		ID: "m3", Role: ledger.RoleAgent, Content: "please look up order 42",
		FromAgentID: "router", ToAgentID: "orders",
		MessageType: ledger.MessageTypeA2ARequest, Visibility: ledger.VisibilityInternal,
	})

	shaper := NewShaperWithCounter(store, wordCounter{})
	h, err := shaper.Get(context.Background(), baseOptions(ledger.HistoryConfig{
		Mode:            ledger.HistoryModeFull,
		IncludeInternal: true,
	}))
	require.NoError(t, err)

	require.Len(t, h.Messages, 3)
	assert.Contains(t, h.Formatted, `user: """where is my order"""`)
	assert.Contains(t, h.Formatted, `router to User: """checking now"""`)
	assert.Contains(t, h.Formatted, `router to orders: """please look up order 42"""`)
}

func TestGet_CurrentMessageDropped(t *testing.T) {
	store := newFixtureStore(t)
	appendMsg(t, store, ledger.Message{
		ID: "m1", Role: ledger.RoleUser, Content: "earlier question",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})
	appendMsg(t, store, ledger.Message{
		ID: "m2", Role: ledger.RoleUser, Content: "current question",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})

	shaper := NewShaperWithCounter(store, wordCounter{})
	opts := baseOptions(ledger.HistoryConfig{Mode: ledger.HistoryModeFull})
	opts.CurrentMessage = "current question"
	h, err := shaper.Get(context.Background(), opts)
	require.NoError(t, err)

	assert.Contains(t, h.Formatted, "earlier question")
	assert.NotContains(t, h.Formatted, "current question")
	// The raw message list keeps everything; only formatting drops it.
	assert.Len(t, h.Messages, 2)
}

func TestGet_ScopedMode(t *testing.T) {
	store := newFixtureStore(t)
	appendMsg(t, store, ledger.Message{
		ID: "m1", Role: ledger.RoleUser, Content: "help",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})
	appendMsg(t, store, ledger.Message{
		ID: "m2", Role: ledger.RoleAgent, Content: "billing internal", FromAgentID: "router", ToAgentID: "billing",
		MessageType: ledger.MessageTypeA2ARequest, Visibility: ledger.VisibilityInternal, TaskID: "task-1",
	})
	appendMsg(t, store, ledger.Message{
		ID: "m3", Role: ledger.RoleAgent, Content: "orders internal", FromAgentID: "router", ToAgentID: "orders",
		MessageType: ledger.MessageTypeA2ARequest, Visibility: ledger.VisibilityInternal, TaskID: "task-2",
	})
	appendMsg(t, store, ledger.Message{
		ID: "m4", Role: ledger.RoleAgent, Content: "billing reply", FromAgentID: "billing",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing, TaskID: "task-1",
	})

	shaper := NewShaperWithCounter(store, wordCounter{})

	t.Run("agent filter", func(t *testing.T) {
		opts := baseOptions(ledger.HistoryConfig{Mode: ledger.HistoryModeScoped, IncludeInternal: true})
		opts.AgentID = "billing"
		h, err := shaper.Get(context.Background(), opts)
		require.NoError(t, err)
		ids := messageIDs(h.Messages)
		assert.Equal(t, []string{"m1", "m2", "m4"}, ids)
	})

	t.Run("task filter", func(t *testing.T) {
		opts := baseOptions(ledger.HistoryConfig{Mode: ledger.HistoryModeScoped, IncludeInternal: true})
		opts.TaskID = "task-2"
		h, err := shaper.Get(context.Background(), opts)
		require.NoError(t, err)
		ids := messageIDs(h.Messages)
		assert.Equal(t, []string{"m1", "m3"}, ids)
	})

	t.Run("both filters conjoin", func(t *testing.T) {
		opts := baseOptions(ledger.HistoryConfig{Mode: ledger.HistoryModeScoped, IncludeInternal: true})
		opts.AgentID = "billing"
		opts.TaskID = "task-2"
		h, err := shaper.Get(context.Background(), opts)
		require.NoError(t, err)
		ids := messageIDs(h.Messages)
		assert.Equal(t, []string{"m1"}, ids, "only the user message survives both filters")
	})
}

func TestGet_LimitAfterFilter(t *testing.T) {
	store := newFixtureStore(t)
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		appendMsg(t, store, ledger.Message{
			ID: id, Role: ledger.RoleAgent, Content: id, FromAgentID: "router",
			MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
		})
	}

	shaper := NewShaperWithCounter(store, wordCounter{})
	h, err := shaper.Get(context.Background(), baseOptions(ledger.HistoryConfig{
		Mode:  ledger.HistoryModeFull,
		Limit: 2,
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, messageIDs(h.Messages), "limit keeps the newest")
}

func TestGet_Truncation(t *testing.T) {
	store := newFixtureStore(t)
	appendMsg(t, store, ledger.Message{
		ID: "m1", Role: ledger.RoleUser, Content: "oldest line with many extra words to make it long",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})
	appendMsg(t, store, ledger.Message{
		ID: "m2", Role: ledger.RoleAgent, Content: "newest", FromAgentID: "router",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing,
	})

	shaper := NewShaperWithCounter(store, wordCounter{})
	h, err := shaper.Get(context.Background(), baseOptions(ledger.HistoryConfig{
		Mode:            ledger.HistoryModeFull,
		MaxOutputTokens: 10,
	}))
	require.NoError(t, err)

	assert.True(t, h.Truncated)
	assert.Contains(t, h.Formatted, "Earlier conversation history was truncated")
	assert.Contains(t, h.Formatted, "newest")
	assert.NotContains(t, h.Formatted, "oldest line")
}

func TestGet_ScopedArtifacts(t *testing.T) {
	store := newFixtureStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, &ledger.Task{
		TenantID: "acme", ProjectID: "support", GraphID: "main",
		ID: "task-1", ContextID: "conv-1", AgentID: "router",
	}))
	require.NoError(t, store.AddArtifact(ctx, &ledger.Artifact{
		TenantID: "acme", ProjectID: "support", TaskID: "task-1",
		ArtifactID: "art-1", Name: "report",
	}, []map[string]any{{"kind": "text", "text": "done"}}))

	appendMsg(t, store, ledger.Message{
		ID: "m1", Role: ledger.RoleAgent, Content: "done", FromAgentID: "router",
		MessageType: ledger.MessageTypeChat, Visibility: ledger.VisibilityUserFacing, TaskID: "task-1",
	})

	shaper := NewShaperWithCounter(store, wordCounter{})
	h, err := shaper.Get(ctx, baseOptions(ledger.HistoryConfig{Mode: ledger.HistoryModeFull}))
	require.NoError(t, err)

	require.Len(t, h.Artifacts, 1)
	assert.Equal(t, "art-1", h.Artifacts[0].ArtifactID)
}

func messageIDs(messages []ledger.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}
