// Package executor runs agent turns: it owns the task lifecycle, the
// model tool-call loop, transfer and delegation handoffs and the event
// stream consumed by SSE bridges.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkeep/agents-run/pkg/a2a"
	"github.com/inkeep/agents-run/pkg/auth"
	"github.com/inkeep/agents-run/pkg/conversation"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/metrics"
	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/registry"
	"github.com/inkeep/agents-run/pkg/tools"
	"github.com/inkeep/agents-run/pkg/toolsession"
)

const (
	// DefaultTurnTimeout bounds one user turn end to end.
	DefaultTurnTimeout = 120 * time.Second

	// maxDelegationDepth bounds nested delegation.
	maxDelegationDepth = 5

	// maxModelIterations bounds the tool-call loop per agent.
	maxModelIterations = 10
)

// ErrTaskNotRunning is returned by Cancel for unknown or finished
// tasks.
var ErrTaskNotRunning = errors.New("task is not running")

// EventSink receives execution events. Implementations must be safe
// for concurrent use; the executor may emit from delegation goroutines.
type EventSink interface {
	StatusUpdate(ev *a2a.TaskStatusUpdateEvent)
	ArtifactUpdate(ev *a2a.TaskArtifactUpdateEvent)
	Message(msg *a2a.Message)
}

type nopSink struct{}

func (nopSink) StatusUpdate(*a2a.TaskStatusUpdateEvent)     {}
func (nopSink) ArtifactUpdate(*a2a.TaskArtifactUpdateEvent) {}
func (nopSink) Message(*a2a.Message)                        {}

// Executor coordinates one runtime instance's turn execution.
type Executor struct {
	store    *ledger.Store
	registry *registry.Registry
	shaper   *conversation.Shaper
	sessions *toolsession.Manager
	factory  *tools.Factory
	provider model.Provider
	metrics  *metrics.Metrics

	turnTimeout time.Duration
	httpClient  *http.Client

	// contextLocks serializes turns per conversation. Entries are
	// refcounted and removed once the last holder releases.
	contextMu    sync.Mutex
	contextLocks map[string]*contextLock

	// initVars caches initialization-trigger context variables per
	// conversation.
	initVarsMu sync.Mutex
	initVars   map[string]map[string]any

	// cancels maps running task ids onto their cancel functions.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

type contextLock struct {
	mu   sync.Mutex
	refs int
}

// Config wires an executor.
type Config struct {
	Store       *ledger.Store
	Registry    *registry.Registry
	Shaper      *conversation.Shaper
	Sessions    *toolsession.Manager
	Factory     *tools.Factory
	Provider    model.Provider
	Metrics     *metrics.Metrics
	TurnTimeout time.Duration
}

// New builds an executor.
func New(cfg Config) *Executor {
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	return &Executor{
		store:        cfg.Store,
		registry:     cfg.Registry,
		shaper:       cfg.Shaper,
		sessions:     cfg.Sessions,
		factory:      cfg.Factory,
		provider:     cfg.Provider,
		metrics:      cfg.Metrics,
		turnTimeout:  timeout,
		httpClient:   &http.Client{},
		contextLocks: make(map[string]*contextLock),
		initVars:     make(map[string]map[string]any),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// ResolveContextID picks the conversation id for an inbound message:
// an explicit contextId wins, then the context of a referenced task,
// then a conversationId hint in metadata, then the shared default
// thread.
func (e *Executor) ResolveContextID(ctx context.Context, scope *auth.ExecutionScope, msg *a2a.Message) string {
	if msg.ContextID != "" && msg.ContextID != "default" {
		return msg.ContextID
	}
	if msg.TaskID != "" {
		if task, err := e.store.GetTask(ctx, scope.TenantID, scope.ProjectID, msg.TaskID); err == nil {
			return task.ContextID
		}
	}
	if conversationID, ok := msg.Metadata["conversationId"].(string); ok && conversationID != "" {
		return conversationID
	}
	return "default"
}

// turnSetup is a prepared turn: the locked conversation, the agent
// that will handle it and the session the tools share. cleanup ends
// the session and releases the conversation lock.
type turnSetup struct {
	turn    *turnState
	agentID string
	cleanup func()
}

// beginTurn validates the inbound message, serializes on the
// conversation and resolves the active agent. The caller owns
// setup.cleanup.
func (e *Executor) beginTurn(ctx context.Context, scope *auth.ExecutionScope, params *a2a.MessageSendParams, sink EventSink) (*turnSetup, error) {
	if sink == nil {
		sink = nopSink{}
	}
	msg := &params.Message
	if msg.Text() == "" {
		return nil, fmt.Errorf("message has no text parts")
	}

	contextID := e.ResolveContextID(ctx, scope, msg)
	unlock := e.lockContext(scope.TenantID, scope.ProjectID, contextID)

	graph, err := e.store.GetGraph(ctx, scope.TenantID, scope.ProjectID, scope.GraphID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("load graph %s: %w", scope.GraphID, err)
	}
	conv, err := e.store.EnsureConversation(ctx, scope.TenantID, scope.ProjectID, contextID, graph.DefaultAgentID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("ensure conversation %s: %w", contextID, err)
	}
	agentID := conv.ActiveAgentID
	if agentID == "" {
		agentID = graph.DefaultAgentID
	}

	sessionID := uuid.NewString()
	e.sessions.EnsureGraphSession(ctx, sessionID, scope.TenantID, scope.ProjectID, scope.GraphID, contextID, "")

	return &turnSetup{
		turn: &turnState{
			scope:     scope,
			graph:     graph,
			contextID: contextID,
			sessionID: sessionID,
			userText:  msg.Text(),
			sink:      sink,
		},
		agentID: agentID,
		cleanup: func() {
			e.sessions.EndSession(sessionID)
			unlock()
		},
	}, nil
}

// SendMessage executes one user turn. It returns the final task
// snapshot and, when the turn produced one, the final agent message.
// Events are mirrored onto sink while the turn runs.
func (e *Executor) SendMessage(ctx context.Context, scope *auth.ExecutionScope, params *a2a.MessageSendParams, sink EventSink) (*a2a.Task, *a2a.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()

	setup, err := e.beginTurn(ctx, scope, params, sink)
	if err != nil {
		return nil, nil, err
	}
	defer setup.cleanup()

	task, finalMsg, err := e.runTurn(ctx, setup.turn, setup.agentID, &params.Message)
	if err != nil {
		return task, nil, err
	}
	return task, finalMsg, nil
}

// SendMessageAsync accepts one user turn without waiting for it: the
// working task is persisted synchronously and returned while the model
// loop continues in the background, detached from the caller's context
// but still bounded by the turn timeout.
func (e *Executor) SendMessageAsync(ctx context.Context, scope *auth.ExecutionScope, params *a2a.MessageSendParams) (*a2a.Task, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.turnTimeout)

	setup, err := e.beginTurn(runCtx, scope, params, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	task, err := e.startTask(runCtx, setup.turn, setup.agentID)
	if err != nil {
		setup.cleanup()
		cancel()
		return nil, err
	}
	if err := e.persistUserMessage(runCtx, setup.turn, task, &params.Message); err != nil {
		e.failTask(runCtx, setup.turn, task, err)
		setup.cleanup()
		cancel()
		return nil, err
	}
	snapshot := e.taskSnapshot(runCtx, task)

	go func() {
		defer cancel()
		defer setup.cleanup()
		if _, _, err := e.executeTask(runCtx, setup.turn, setup.agentID, task); err != nil {
			slog.Warn("background turn failed", "taskId", task.ID, "error", err)
		}
	}()

	return snapshot, nil
}

// GetTask returns the wire snapshot of a task, with its artifacts.
func (e *Executor) GetTask(ctx context.Context, scope *auth.ExecutionScope, taskID string) (*a2a.Task, error) {
	task, err := e.store.GetTask(ctx, scope.TenantID, scope.ProjectID, taskID)
	if err != nil {
		return nil, err
	}
	return e.taskSnapshot(ctx, task), nil
}

// Cancel stops a running task. Tasks known to the ledger but not
// currently executing are transitioned directly when still working.
func (e *Executor) Cancel(ctx context.Context, scope *auth.ExecutionScope, taskID, reason string) (*a2a.Task, error) {
	task, err := e.store.GetTask(ctx, scope.TenantID, scope.ProjectID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ledger.ErrConflict)
	}

	e.cancelMu.Lock()
	cancel, running := e.cancels[taskID]
	e.cancelMu.Unlock()
	if running {
		cancel()
	}

	if reason == "" {
		reason = "canceled by client"
	}
	if err := e.store.UpdateTaskStatus(ctx, scope.TenantID, scope.ProjectID, taskID, ledger.TaskCanceled, reason); err != nil && !errors.Is(err, ledger.ErrConflict) {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.TasksFinished.WithLabelValues(string(ledger.TaskCanceled)).Inc()
	}

	task, err = e.store.GetTask(ctx, scope.TenantID, scope.ProjectID, taskID)
	if err != nil {
		return nil, err
	}
	return e.taskSnapshot(ctx, task), nil
}

func (e *Executor) lockContext(tenantID, projectID, contextID string) func() {
	key := tenantID + "/" + projectID + "/" + contextID
	e.contextMu.Lock()
	cl, ok := e.contextLocks[key]
	if !ok {
		cl = &contextLock{}
		e.contextLocks[key] = cl
	}
	cl.refs++
	e.contextMu.Unlock()
	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		e.contextMu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(e.contextLocks, key)
		}
		e.contextMu.Unlock()
	}
}

func (e *Executor) registerCancel(taskID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[taskID] = cancel
	e.cancelMu.Unlock()
}

func (e *Executor) unregisterCancel(taskID string) {
	e.cancelMu.Lock()
	delete(e.cancels, taskID)
	e.cancelMu.Unlock()
}

// taskSnapshot renders a ledger task into its wire shape.
func (e *Executor) taskSnapshot(ctx context.Context, task *ledger.Task) *a2a.Task {
	out := &a2a.Task{
		Kind:      a2a.KindTask,
		ID:        task.ID,
		ContextID: task.ContextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskState(task.Status),
			Timestamp: task.UpdatedAt,
			Reason:    task.StatusReason,
		},
		Metadata: task.Metadata,
	}
	artifacts, err := e.store.ListArtifactsByTask(ctx, task.TenantID, task.ProjectID, task.ID)
	if err != nil {
		slog.Warn("failed to load task artifacts", "taskId", task.ID, "error", err)
		return out
	}
	for _, art := range artifacts {
		out.Artifacts = append(out.Artifacts, wireArtifact(&art))
	}
	return out
}

func wireArtifact(art *ledger.Artifact) a2a.Artifact {
	wire := a2a.Artifact{
		ArtifactID:  art.ArtifactID,
		Name:        art.Name,
		Description: art.Description,
	}
	parts, err := art.DecodedParts()
	if err != nil {
		return wire
	}
	for _, p := range parts {
		kind, _ := p["kind"].(string)
		switch kind {
		case a2a.PartKindText:
			text, _ := p["text"].(string)
			wire.Parts = append(wire.Parts, a2a.TextPart(text))
		case a2a.PartKindData:
			data, _ := p["data"].(map[string]any)
			wire.Parts = append(wire.Parts, a2a.DataPart(data))
		}
	}
	return wire
}
