package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-run/pkg/a2a"
	"github.com/inkeep/agents-run/pkg/auth"
	"github.com/inkeep/agents-run/pkg/conversation"
	"github.com/inkeep/agents-run/pkg/credentials"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/registry"
	"github.com/inkeep/agents-run/pkg/sandbox"
	"github.com/inkeep/agents-run/pkg/tools"
	"github.com/inkeep/agents-run/pkg/toolsession"
)

// charCounter avoids the tiktoken vocabulary in tests.
type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

// recordingSink collects emitted events for assertions.
type recordingSink struct {
	mu       sync.Mutex
	statuses []*a2a.TaskStatusUpdateEvent
	arts     []*a2a.TaskArtifactUpdateEvent
	messages []*a2a.Message
}

func (s *recordingSink) StatusUpdate(ev *a2a.TaskStatusUpdateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, ev)
}

func (s *recordingSink) ArtifactUpdate(ev *a2a.TaskArtifactUpdateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arts = append(s.arts, ev)
}

func (s *recordingSink) Message(msg *a2a.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) finalStatus() *a2a.TaskStatusUpdateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.statuses) - 1; i >= 0; i-- {
		if s.statuses[i].Final {
			return s.statuses[i]
		}
	}
	return nil
}

type testHarness struct {
	store    *ledger.Store
	executor *Executor
	provider *model.FakeProvider
	scope    *auth.ExecutionScope
}

func newHarness(t *testing.T, responses ...*model.Response) *testHarness {
	t.Helper()
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateProject(ctx, &ledger.Project{TenantID: "acme", ID: "support", Name: "support"}))
	require.NoError(t, store.CreateGraph(ctx, &ledger.Graph{
		TenantID: "acme", ProjectID: "support", ID: "main",
		Name: "Main", DefaultAgentID: "router",
	}))
	for _, a := range []struct{ id, name string }{
		{"router", "Router"},
		{"billing", "Billing"},
		{"research", "Research"},
	} {
		require.NoError(t, store.CreateAgent(ctx, &ledger.Agent{
			TenantID: "acme", ProjectID: "support", GraphID: "main",
			ID: a.id, Name: a.name, Prompt: "You are " + a.name + ".",
		}))
	}
	require.NoError(t, store.CreateRelation(ctx, &ledger.AgentRelation{
		TenantID: "acme", ProjectID: "support", GraphID: "main", ID: "rel-1",
		SourceAgentID: "router", TargetAgentID: "billing", RelationType: ledger.RelationTransfer,
	}))
	require.NoError(t, store.CreateRelation(ctx, &ledger.AgentRelation{
		TenantID: "acme", ProjectID: "support", GraphID: "main", ID: "rel-2",
		SourceAgentID: "router", TargetAgentID: "research", RelationType: ledger.RelationDelegate,
	}))

	pool, err := sandbox.NewPool(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	sessions := toolsession.NewManager()
	t.Cleanup(sessions.Close)

	provider := model.NewFakeProvider(responses...)
	exec := New(Config{
		Store:    store,
		Registry: registry.New(store, "http://localhost:3003"),
		Shaper:   conversation.NewShaperWithCounter(store, charCounter{}),
		Sessions: sessions,
		Factory:  tools.NewFactory(store, credentials.NewRegistry(), sandbox.NewRunner(pool)),
		Provider: provider,
	})

	return &testHarness{
		store:    store,
		executor: exec,
		provider: provider,
		scope:    &auth.ExecutionScope{TenantID: "acme", ProjectID: "support", GraphID: "main"},
	}
}

func userMessage(text, contextID string) *a2a.MessageSendParams {
	return &a2a.MessageSendParams{
		Message: a2a.Message{
			Kind:      a2a.KindMessage,
			MessageID: "msg-" + text,
			ContextID: contextID,
			Role:      a2a.MessageRoleUser,
			Parts:     []a2a.Part{a2a.TextPart(text)},
		},
	}
}

func toolCall(id, name string, args map[string]any) model.ToolCall {
	raw, _ := json.Marshal(args)
	return model.ToolCall{ID: id, Name: name, Arguments: raw}
}

func TestSendMessage_SimpleReply(t *testing.T) {
	h := newHarness(t, &model.Response{Text: "hello there"})
	sink := &recordingSink{}

	task, msg, err := h.executor.SendMessage(context.Background(), h.scope, userMessage("hi", "conv-1"), sink)
	require.NoError(t, err)

	require.NotNil(t, task)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.Equal(t, "conv-1", task.ContextID)
	require.NotNil(t, msg)
	assert.Equal(t, "hello there", msg.Text())

	final := sink.finalStatus()
	require.NotNil(t, final)
	assert.Equal(t, a2a.TaskStateCompleted, final.Status.State)

	// Both the user turn and the reply land in the ledger.
	messages, err := h.store.ListMessages(context.Background(), "acme", "support", "conv-1", nil, true)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, ledger.RoleUser, messages[0].Role)
	assert.Equal(t, ledger.RoleAgent, messages[1].Role)
	assert.Equal(t, "router", messages[1].FromAgentID)
}

func TestSendMessage_EmptyTextRejected(t *testing.T) {
	h := newHarness(t)
	params := &a2a.MessageSendParams{Message: a2a.Message{
		Kind: a2a.KindMessage, MessageID: "m1", Role: a2a.MessageRoleUser,
	}}
	_, _, err := h.executor.SendMessage(context.Background(), h.scope, params, nil)
	assert.Error(t, err)
}

func TestSendMessage_Transfer(t *testing.T) {
	h := newHarness(t, &model.Response{ToolCalls: []model.ToolCall{
		toolCall("c1", "transfer_to_agent", map[string]any{"targetAgentId": "billing"}),
	}})
	sink := &recordingSink{}
	ctx := context.Background()

	task, msg, err := h.executor.SendMessage(ctx, h.scope, userMessage("invoice?", "conv-1"), sink)
	require.NoError(t, err)

	// The transfer ends the turn: no agent reply, the completed task
	// snapshot carries the handoff for the caller.
	assert.Nil(t, msg)
	require.NotNil(t, task)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	require.Len(t, task.Artifacts, 1)
	typ, target, ok := task.Artifacts[0].HandoffData()
	require.True(t, ok)
	assert.Equal(t, a2a.HandoffTypeTransfer, typ)
	assert.Equal(t, "billing", target)

	// Alongside the machine-readable handoff there is a human-readable
	// text part.
	var text string
	for _, p := range task.Artifacts[0].Parts {
		if p.Kind == a2a.PartKindText {
			text = p.Text
		}
	}
	assert.Contains(t, text, "billing")

	// The active agent moved; the target runs on the next message, not
	// in this turn.
	conv, err := h.store.GetConversation(ctx, "acme", "support", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "billing", conv.ActiveAgentID)
	assert.Len(t, h.provider.Calls(), 1, "only the router was consulted")

	tasksList, err := h.store.ListTasksByContext(ctx, "acme", "support", "conv-1")
	require.NoError(t, err)
	require.Len(t, tasksList, 1)
	assert.Equal(t, ledger.TaskCompleted, tasksList[0].Status)

	final := sink.finalStatus()
	require.NotNil(t, final)
	assert.Equal(t, a2a.TaskStateCompleted, final.Status.State)
	require.Len(t, sink.arts, 1)
}

func TestSendMessage_TransferToUnknownTargetFails(t *testing.T) {
	h := newHarness(t, &model.Response{ToolCalls: []model.ToolCall{
		toolCall("c1", "transfer_to_agent", map[string]any{"targetAgentId": "research"}),
	}})

	task, _, err := h.executor.SendMessage(context.Background(), h.scope, userMessage("hi", "conv-1"), nil)
	require.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
}

func TestSendMessage_Delegate(t *testing.T) {
	h := newHarness(t,
		// Router delegates, research answers, router folds the result in.
		&model.Response{ToolCalls: []model.ToolCall{
			toolCall("c1", "delegate_to_agent", map[string]any{
				"targetAgentId": "research",
				"message":       "find the answer",
			}),
		}},
		&model.Response{Text: "the answer is 42"},
		&model.Response{Text: "Research says: the answer is 42"},
	)
	sink := &recordingSink{}
	ctx := context.Background()

	task, msg, err := h.executor.SendMessage(ctx, h.scope, userMessage("question", "conv-1"), sink)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "Research says: the answer is 42", msg.Text())
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	// Delegation does not move the active agent.
	conv, err := h.store.GetConversation(ctx, "acme", "support", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "router", conv.ActiveAgentID)

	// Parent and child tasks both completed; the child links back via
	// metadata.
	tasksList, err := h.store.ListTasksByContext(ctx, "acme", "support", "conv-1")
	require.NoError(t, err)
	require.Len(t, tasksList, 2)
	var child *ledger.Task
	for i := range tasksList {
		if tasksList[i].Metadata != nil {
			child = &tasksList[i]
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "research", child.AgentID)
	assert.Equal(t, ledger.TaskCompleted, child.Status)

	// The a2a-request/a2a-response pair is internal ledger traffic.
	messages, err := h.store.ListMessages(ctx, "acme", "support", "conv-1",
		[]string{string(ledger.MessageTypeA2ARequest), string(ledger.MessageTypeA2AResponse)}, true)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "router", messages[0].FromAgentID)
	assert.Equal(t, "research", messages[0].ToAgentID)
	assert.Equal(t, "research", messages[1].FromAgentID)
	assert.Equal(t, "router", messages[1].ToAgentID)
}

func TestSendMessage_DelegateToUnknownTargetBecomesToolError(t *testing.T) {
	h := newHarness(t,
		&model.Response{ToolCalls: []model.ToolCall{
			toolCall("c1", "delegate_to_agent", map[string]any{"targetAgentId": "billing"}),
		}},
		&model.Response{Text: "could not delegate, answering directly"},
	)

	_, msg, err := h.executor.SendMessage(context.Background(), h.scope, userMessage("q", "conv-1"), nil)
	require.NoError(t, err, "a failed delegation is surfaced to the model, not the caller")
	require.NotNil(t, msg)
	assert.Equal(t, "could not delegate, answering directly", msg.Text())

	// The model saw the error as a tool result.
	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, model.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Error:")
}

func TestGetTask_WrongTenantHidden(t *testing.T) {
	h := newHarness(t, &model.Response{Text: "done"})
	ctx := context.Background()

	task, _, err := h.executor.SendMessage(ctx, h.scope, userMessage("hi", "conv-1"), nil)
	require.NoError(t, err)

	other := &auth.ExecutionScope{TenantID: "rival", ProjectID: "support", GraphID: "main"}
	_, err = h.executor.GetTask(ctx, other, task.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateTask(ctx, &ledger.Task{
		TenantID: "acme", ProjectID: "support", GraphID: "main",
		ID: "task-1", ContextID: "conv-1", AgentID: "router",
	}))

	task, err := h.executor.Cancel(ctx, h.scope, "task-1", "user gave up")
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, task.Status.State)
	assert.Equal(t, "user gave up", task.Status.Reason)

	// Canceling a terminal task is a conflict.
	_, err = h.executor.Cancel(ctx, h.scope, "task-1", "")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// Unknown tasks are not found.
	_, err = h.executor.Cancel(ctx, h.scope, "task-404", "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestResolveContextID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateTask(ctx, &ledger.Task{
		TenantID: "acme", ProjectID: "support", GraphID: "main",
		ID: "task-7", ContextID: "conv-7", AgentID: "router",
	}))

	tests := []struct {
		name string
		msg  a2a.Message
		want string
	}{
		{"explicit context id", a2a.Message{ContextID: "conv-9"}, "conv-9"},
		{"default sentinel falls through", a2a.Message{ContextID: "default"}, "default"},
		{"task reference", a2a.Message{TaskID: "task-7"}, "conv-7"},
		{"metadata hint", a2a.Message{Metadata: map[string]any{"conversationId": "conv-meta"}}, "conv-meta"},
		{"sentinel with metadata hint", a2a.Message{ContextID: "default", Metadata: map[string]any{"conversationId": "conv-7"}}, "conv-7"},
		{"nothing", a2a.Message{}, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.executor.ResolveContextID(ctx, h.scope, &tt.msg))
		})
	}
}

func TestSendMessage_ActiveAgentPersistsAcrossTurns(t *testing.T) {
	h := newHarness(t,
		&model.Response{ToolCalls: []model.ToolCall{
			toolCall("c1", "transfer_to_agent", map[string]any{"targetAgentId": "billing"}),
		}},
		&model.Response{Text: "billing here"},
	)
	ctx := context.Background()

	// The first turn ends with the transfer.
	_, msg, err := h.executor.SendMessage(ctx, h.scope, userMessage("first", "conv-1"), nil)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// The second turn starts at billing without another transfer.
	_, msg, err = h.executor.SendMessage(ctx, h.scope, userMessage("second", "conv-1"), nil)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "billing here", msg.Text())

	tasksList, err := h.store.ListTasksByContext(ctx, "acme", "support", "conv-1")
	require.NoError(t, err)
	last := tasksList[len(tasksList)-1]
	assert.Equal(t, "billing", last.AgentID)
}

// stallingProvider blocks until its call context ends, optionally
// canceling an outer context first.
type stallingProvider struct {
	cancel context.CancelFunc
}

func (p *stallingProvider) Name() string { return "stalling" }

func (p *stallingProvider) Generate(ctx context.Context, _ []model.Message, _ []model.ToolDefinition) (*model.Response, error) {
	if p.cancel != nil {
		p.cancel()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSendMessage_ClientDisconnectMarksCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.provider = &stallingProvider{cancel: cancel}
	sink := &recordingSink{}

	task, msg, err := h.executor.SendMessage(ctx, h.scope, userMessage("hi", "conv-1"), sink)
	require.Error(t, err)
	assert.Nil(t, msg)
	require.NotNil(t, task)
	assert.Equal(t, a2a.TaskStateCanceled, task.Status.State)

	stored, err := h.store.GetTask(context.Background(), "acme", "support", task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskCanceled, stored.Status)
	assert.Equal(t, "client disconnected", stored.StatusReason)

	final := sink.finalStatus()
	require.NotNil(t, final)
	assert.Equal(t, a2a.TaskStateCanceled, final.Status.State)
}

func TestSendMessage_DeadlineFailsWithTimeoutReason(t *testing.T) {
	h := newHarness(t)
	h.executor.turnTimeout = 20 * time.Millisecond
	h.executor.provider = &stallingProvider{}

	task, _, err := h.executor.SendMessage(context.Background(), h.scope, userMessage("hi", "conv-1"), nil)
	require.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
	assert.Equal(t, "timeout", task.Status.Reason)

	stored, err := h.store.GetTask(context.Background(), "acme", "support", task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskFailed, stored.Status)
	assert.Equal(t, "timeout", stored.StatusReason)
}

func TestSendMessageAsync(t *testing.T) {
	h := newHarness(t, &model.Response{Text: "done in the background"})
	ctx := context.Background()

	task, err := h.executor.SendMessageAsync(ctx, h.scope, userMessage("hi", "conv-1"))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetTask(ctx, "acme", "support", task.ID)
		return err == nil && stored.Status == ledger.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// The reply landed in the conversation even though nobody waited.
	messages, err := h.store.ListMessages(ctx, "acme", "support", "conv-1", nil, true)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "done in the background", messages[1].Content)
}

func TestSendMessage_ContextLockReleased(t *testing.T) {
	h := newHarness(t, &model.Response{Text: "ok"})

	_, _, err := h.executor.SendMessage(context.Background(), h.scope, userMessage("hi", "conv-1"), nil)
	require.NoError(t, err)

	h.executor.contextMu.Lock()
	remaining := len(h.executor.contextLocks)
	h.executor.contextMu.Unlock()
	assert.Zero(t, remaining, "conversation locks are released after the turn")
}

func TestSendMessage_ContextVariables(t *testing.T) {
	var initCalls, turnCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plan":
			initCalls.Add(1)
			fmt.Fprint(w, `"pro"`)
		case "/usage":
			turnCalls.Add(1)
			fmt.Fprint(w, `{"requests": 12}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := newHarness(t,
		&model.Response{Text: "first"},
		&model.Response{Text: "second"},
	)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertContextConfig(ctx, &ledger.ContextConfig{
		TenantID: "acme", ProjectID: "support", GraphID: "main", ID: "ctx-1",
		ContextVariables: ledger.JSONMap{
			"plan": map[string]any{
				"trigger":      "initialization",
				"fetchConfig":  map[string]any{"url": srv.URL + "/plan"},
				"defaultValue": "free",
			},
			"usage": map[string]any{
				"trigger":     "invocation",
				"fetchConfig": map[string]any{"url": srv.URL + "/usage"},
			},
			"region": "eu-west",
			"broken": map[string]any{
				"fetchConfig":  map[string]any{"url": "http://127.0.0.1:1/nope"},
				"defaultValue": "fallback",
			},
		},
	}))

	_, _, err := h.executor.SendMessage(ctx, h.scope, userMessage("one", "conv-1"), nil)
	require.NoError(t, err)
	_, _, err = h.executor.SendMessage(ctx, h.scope, userMessage("two", "conv-1"), nil)
	require.NoError(t, err)

	// Initialization variables fetch once per conversation, invocation
	// variables on every turn.
	assert.Equal(t, int32(1), initCalls.Load())
	assert.Equal(t, int32(2), turnCalls.Load())

	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		system := call[0].Content
		assert.Contains(t, system, `"plan":"pro"`)
		assert.Contains(t, system, `"region":"eu-west"`)
		assert.Contains(t, system, `"requests":12`)
		assert.Contains(t, system, `"broken":"fallback"`, "failed fetch falls back to the default")
	}
}
