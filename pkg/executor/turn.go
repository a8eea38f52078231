package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inkeep/agents-run/pkg/a2a"
	"github.com/inkeep/agents-run/pkg/auth"
	"github.com/inkeep/agents-run/pkg/conversation"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/registry"
	"github.com/inkeep/agents-run/pkg/tools"
)

// Synthetic tool names injected alongside the agent's configured
// tools. The model routes handoffs through these.
const (
	toolTransfer = "transfer_to_agent"
	toolDelegate = "delegate_to_agent"
)

// turnState carries the per-turn constants through the hop chain.
type turnState struct {
	scope     *auth.ExecutionScope
	graph     *ledger.Graph
	contextID string
	sessionID string
	userText  string
	sink      EventSink
}

// agentOutcome is the result of one agent's run: a final text or a
// transfer target.
type agentOutcome struct {
	text           string
	transferTarget string
}

// runTurn executes the user turn on the conversation's active agent. A
// transfer ends the turn: the hop task completes carrying the transfer
// artifact, the active agent moves, and the next inbound message runs
// under the target.
func (e *Executor) runTurn(ctx context.Context, turn *turnState, agentID string, inbound *a2a.Message) (*a2a.Task, *a2a.Message, error) {
	task, err := e.startTask(ctx, turn, agentID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.persistUserMessage(ctx, turn, task, inbound); err != nil {
		return e.failTask(ctx, turn, task, err)
	}
	return e.executeTask(ctx, turn, agentID, task)
}

// executeTask runs the model loop for an already persisted working
// task and finalizes it.
func (e *Executor) executeTask(ctx context.Context, turn *turnState, agentID string, task *ledger.Task) (*a2a.Task, *a2a.Message, error) {
	ra, err := e.registry.Resolve(ctx, turn.scope.TenantID, turn.scope.ProjectID, turn.scope.GraphID, agentID)
	if err != nil {
		return e.failTask(ctx, turn, task, err)
	}

	taskCtx, taskCancel := context.WithCancel(ctx)
	defer taskCancel()
	e.registerCancel(task.ID, taskCancel)
	outcome, err := e.runAgent(taskCtx, turn, ra, task, 0)
	e.unregisterCancel(task.ID)

	if err != nil {
		// Writes after a dead context must still land in the ledger.
		detached := context.WithoutCancel(ctx)
		switch {
		case taskCtx.Err() != nil && ctx.Err() == nil:
			// Canceled via tasks/cancel; the status is already set.
			return e.finishCanceled(ctx, turn, task, err)
		case errors.Is(ctx.Err(), context.Canceled):
			// The client went away mid-turn.
			if updErr := e.store.UpdateTaskStatus(detached, turn.scope.TenantID, turn.scope.ProjectID, task.ID, ledger.TaskCanceled, "client disconnected"); updErr != nil && !errors.Is(updErr, ledger.ErrConflict) {
				slog.Warn("failed to mark task canceled", "taskId", task.ID, "error", updErr)
			}
			if e.metrics != nil {
				e.metrics.TasksFinished.WithLabelValues(string(ledger.TaskCanceled)).Inc()
			}
			return e.finishCanceled(detached, turn, task, err)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return e.failTask(detached, turn, task, errors.New("timeout"))
		}
		return e.failTask(ctx, turn, task, err)
	}

	if outcome.transferTarget != "" {
		if err := e.completeTransfer(ctx, turn, task, agentID, outcome.transferTarget); err != nil {
			return e.failTask(ctx, turn, task, err)
		}
		fresh, err := e.store.GetTask(ctx, turn.scope.TenantID, turn.scope.ProjectID, task.ID)
		if err != nil {
			return nil, nil, err
		}
		return e.taskSnapshot(ctx, fresh), nil, nil
	}

	return e.finishTask(ctx, turn, task, agentID, outcome.text)
}

func (e *Executor) finishCanceled(ctx context.Context, turn *turnState, task *ledger.Task, cause error) (*a2a.Task, *a2a.Message, error) {
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: turn.contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateCanceled, Timestamp: time.Now().UTC()},
		Final:     true,
	})
	fresh, getErr := e.store.GetTask(ctx, turn.scope.TenantID, turn.scope.ProjectID, task.ID)
	if getErr != nil {
		return nil, nil, cause
	}
	return e.taskSnapshot(ctx, fresh), nil, cause
}

func (e *Executor) startTask(ctx context.Context, turn *turnState, agentID string) (*ledger.Task, error) {
	task := &ledger.Task{
		TenantID:  turn.scope.TenantID,
		ProjectID: turn.scope.ProjectID,
		GraphID:   turn.scope.GraphID,
		ID:        "task_" + uuid.NewString(),
		ContextID: turn.contextID,
		AgentID:   agentID,
		Status:    ledger.TaskWorking,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TasksStarted.WithLabelValues(turn.scope.GraphID).Inc()
	}
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: turn.contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateWorking, Timestamp: task.CreatedAt},
	})
	return task, nil
}

func (e *Executor) persistUserMessage(ctx context.Context, turn *turnState, task *ledger.Task, inbound *a2a.Message) error {
	id := inbound.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	msg := &ledger.Message{
		TenantID:       turn.scope.TenantID,
		ProjectID:      turn.scope.ProjectID,
		ConversationID: turn.contextID,
		ID:             id,
		Role:           ledger.RoleUser,
		Content:        turn.userText,
		MessageType:    ledger.MessageTypeChat,
		Visibility:     ledger.VisibilityUserFacing,
		TaskID:         task.ID,
		Metadata:       inbound.Metadata,
	}
	err := e.store.AppendMessage(ctx, msg)
	if errors.Is(err, ledger.ErrConflict) {
		// Redelivery of an already persisted message id.
		return nil
	}
	return err
}

func (e *Executor) completeTransfer(ctx context.Context, turn *turnState, task *ledger.Task, fromAgent, toAgent string) error {
	artifact := &ledger.Artifact{
		TenantID:   turn.scope.TenantID,
		ProjectID:  turn.scope.ProjectID,
		TaskID:     task.ID,
		ArtifactID: "artifact_" + uuid.NewString(),
		Name:       "transfer",
	}
	parts := []map[string]any{
		{
			"kind": a2a.PartKindData,
			"data": map[string]any{
				"type":          a2a.HandoffTypeTransfer,
				"fromAgentId":   fromAgent,
				"targetAgentId": toAgent,
			},
		},
		{
			"kind": a2a.PartKindText,
			"text": fmt.Sprintf("Transferring the conversation to %s.", toAgent),
		},
	}
	if err := e.store.AddArtifact(ctx, artifact, parts); err != nil {
		return fmt.Errorf("record transfer artifact: %w", err)
	}
	turn.sink.ArtifactUpdate(&a2a.TaskArtifactUpdateEvent{
		Kind:      a2a.KindArtifactUpdate,
		TaskID:    task.ID,
		ContextID: turn.contextID,
		Artifact:  wireArtifact(artifact),
	})

	if err := e.store.CompleteTransfer(ctx, turn.scope.TenantID, turn.scope.ProjectID, turn.contextID, task.ID, toAgent); err != nil {
		return fmt.Errorf("complete transfer to %s: %w", toAgent, err)
	}
	if e.metrics != nil {
		e.metrics.Handoffs.WithLabelValues(a2a.HandoffTypeTransfer).Inc()
		e.metrics.TasksFinished.WithLabelValues(string(ledger.TaskCompleted)).Inc()
	}
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: turn.contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: time.Now().UTC()},
		Final:     true,
	})
	slog.Info("conversation transferred",
		"contextId", turn.contextID, "from", fromAgent, "to", toAgent)
	return nil
}

func (e *Executor) finishTask(ctx context.Context, turn *turnState, task *ledger.Task, agentID, text string) (*a2a.Task, *a2a.Message, error) {
	reply := &ledger.Message{
		TenantID:       turn.scope.TenantID,
		ProjectID:      turn.scope.ProjectID,
		ConversationID: turn.contextID,
		ID:             uuid.NewString(),
		Role:           ledger.RoleAgent,
		Content:        text,
		MessageType:    ledger.MessageTypeChat,
		Visibility:     ledger.VisibilityUserFacing,
		FromAgentID:    agentID,
		TaskID:         task.ID,
	}
	if err := e.store.AppendMessage(ctx, reply); err != nil {
		return e.failTask(ctx, turn, task, fmt.Errorf("persist agent reply: %w", err))
	}
	if err := e.store.UpdateTaskStatus(ctx, turn.scope.TenantID, turn.scope.ProjectID, task.ID, ledger.TaskCompleted, ""); err != nil {
		return e.failTask(ctx, turn, task, err)
	}
	if e.metrics != nil {
		e.metrics.ObserveTask(string(ledger.TaskCompleted), time.Since(task.CreatedAt))
	}

	wireMsg := &a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: reply.ID,
		ContextID: turn.contextID,
		TaskID:    task.ID,
		Role:      a2a.MessageRoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}
	turn.sink.Message(wireMsg)
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: turn.contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: time.Now().UTC()},
		Final:     true,
	})

	fresh, err := e.store.GetTask(ctx, turn.scope.TenantID, turn.scope.ProjectID, task.ID)
	if err != nil {
		return nil, wireMsg, nil
	}
	return e.taskSnapshot(ctx, fresh), wireMsg, nil
}

func (e *Executor) failTask(ctx context.Context, turn *turnState, task *ledger.Task, cause error) (*a2a.Task, *a2a.Message, error) {
	if task == nil {
		return nil, nil, cause
	}
	if err := e.store.UpdateTaskStatus(ctx, turn.scope.TenantID, turn.scope.ProjectID, task.ID, ledger.TaskFailed, cause.Error()); err != nil && !errors.Is(err, ledger.ErrConflict) {
		slog.Warn("failed to mark task failed", "taskId", task.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveTask(string(ledger.TaskFailed), time.Since(task.CreatedAt))
	}
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: turn.contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateFailed,
			Timestamp: time.Now().UTC(),
			Reason:    cause.Error(),
		},
		Final: true,
	})
	fresh, err := e.store.GetTask(ctx, turn.scope.TenantID, turn.scope.ProjectID, task.ID)
	if err != nil {
		return nil, nil, cause
	}
	return e.taskSnapshot(ctx, fresh), nil, cause
}

// runAgent executes the model tool-call loop for one agent on one
// task.
func (e *Executor) runAgent(ctx context.Context, turn *turnState, ra *registry.RegisteredAgent, task *ledger.Task, depth int) (*agentOutcome, error) {
	bindings, bindErrs := e.factory.BindAgentTools(ctx, ra.Agent)
	for _, err := range bindErrs {
		slog.Warn("tool binding skipped", "agentId", ra.Agent.ID, "error", err)
	}
	set := tools.NewSet(ctx, bindings, e.sessions)

	history, err := e.shaper.Get(ctx, conversation.Options{
		TenantID:       turn.scope.TenantID,
		ProjectID:      turn.scope.ProjectID,
		ConversationID: turn.contextID,
		Config:         ra.Agent.ResolvedHistoryConfig(),
		AgentID:        ra.Agent.ID,
		CurrentMessage: turn.userText,
	})
	if err != nil {
		return nil, err
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: e.buildSystemPrompt(ctx, turn, ra, history)},
		{Role: model.RoleUser, Content: turn.userText},
	}
	defs := append(set.Definitions(ctx), handoffDefinitions(ra)...)

	for i := 0; i < maxModelIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.provider.Generate(ctx, messages, defs)
		if e.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			e.metrics.ModelCalls.WithLabelValues(e.provider.Name(), outcome).Inc()
			if resp != nil {
				e.metrics.ModelTokens.WithLabelValues(e.provider.Name(), "prompt").Add(float64(resp.Usage.PromptTokens))
				e.metrics.ModelTokens.WithLabelValues(e.provider.Name(), "completion").Add(float64(resp.Usage.CompletionTokens))
			}
		}
		if err != nil {
			return nil, fmt.Errorf("model call failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return &agentOutcome{text: resp.Text}, nil
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		var delegations []model.ToolCall
		for _, call := range resp.ToolCalls {
			switch call.Name {
			case toolTransfer:
				target, err := handoffTarget(call)
				if err != nil {
					return nil, err
				}
				if !hasTarget(ra.TransferTargets, target) {
					return nil, fmt.Errorf("agent %s has no transfer edge to %s", ra.Agent.ID, target)
				}
				return &agentOutcome{transferTarget: target}, nil
			case toolDelegate:
				delegations = append(delegations, call)
			default:
				result, err := set.Call(ctx, turn.sessionID, call)
				outcome := "ok"
				if err != nil {
					outcome = "error"
					result = "Error: " + err.Error()
				}
				if e.metrics != nil {
					e.metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
				}
				messages = append(messages, model.Message{
					Role:       model.RoleTool,
					Content:    result,
					ToolCallID: call.ID,
				})
			}
		}

		if len(delegations) > 0 {
			results, err := e.runDelegations(ctx, turn, ra, task, delegations, depth)
			if err != nil {
				return nil, err
			}
			messages = append(messages, results...)
		}
	}

	return nil, fmt.Errorf("agent %s exceeded %d tool iterations", ra.Agent.ID, maxModelIterations)
}

// runDelegations fans delegation calls out in parallel. Each child
// shares the turn's tool session.
func (e *Executor) runDelegations(ctx context.Context, turn *turnState, parent *registry.RegisteredAgent, parentTask *ledger.Task, calls []model.ToolCall, depth int) ([]model.Message, error) {
	if depth >= maxDelegationDepth {
		return nil, fmt.Errorf("delegation depth exceeds %d", maxDelegationDepth)
	}

	results := make([]model.Message, len(calls))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		g.Go(func() error {
			text, err := e.delegate(gctx, turn, parent, parentTask, call, depth)
			if err != nil {
				text = "Error: " + err.Error()
			}
			if e.metrics != nil {
				outcome := "ok"
				if err != nil {
					outcome = "error"
				}
				e.metrics.ToolCalls.WithLabelValues(toolDelegate, outcome).Inc()
			}
			mu.Lock()
			results[i] = model.Message{
				Role:       model.RoleTool,
				Content:    text,
				ToolCallID: call.ID,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Executor) delegate(ctx context.Context, turn *turnState, parent *registry.RegisteredAgent, parentTask *ledger.Task, call model.ToolCall, depth int) (string, error) {
	var args struct {
		TargetAgentID string `json:"targetAgentId"`
		Message       string `json:"message"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", fmt.Errorf("invalid delegation arguments: %w", err)
	}
	target := findTarget(parent.DelegateTargets, args.TargetAgentID)
	if target == nil {
		return "", fmt.Errorf("agent %s has no delegate edge to %s", parent.Agent.ID, args.TargetAgentID)
	}
	if args.Message == "" {
		args.Message = turn.userText
	}
	if e.metrics != nil {
		e.metrics.Handoffs.WithLabelValues(a2a.HandoffTypeDelegate).Inc()
	}

	// The delegation is visible on the parent task as an artifact.
	artifact := &ledger.Artifact{
		TenantID:   turn.scope.TenantID,
		ProjectID:  turn.scope.ProjectID,
		TaskID:     parentTask.ID,
		ArtifactID: "artifact_" + uuid.NewString(),
		Name:       "delegate",
	}
	parts := []map[string]any{{
		"kind": a2a.PartKindData,
		"data": map[string]any{
			"type":          a2a.HandoffTypeDelegate,
			"fromAgentId":   parent.Agent.ID,
			"targetAgentId": target.AgentID,
		},
	}}
	if err := e.store.AddArtifact(ctx, artifact, parts); err != nil {
		return "", fmt.Errorf("record delegation artifact: %w", err)
	}
	turn.sink.ArtifactUpdate(&a2a.TaskArtifactUpdateEvent{
		Kind:      a2a.KindArtifactUpdate,
		TaskID:    parentTask.ID,
		ContextID: turn.contextID,
		Artifact:  wireArtifact(artifact),
	})

	if target.External {
		return e.delegateExternal(ctx, turn, parent, parentTask, target, args.Message)
	}
	return e.delegateInternal(ctx, turn, parent, parentTask, target, args.Message, depth)
}

func (e *Executor) delegateInternal(ctx context.Context, turn *turnState, parent *registry.RegisteredAgent, parentTask *ledger.Task, target *registry.Target, message string, depth int) (string, error) {
	child := &ledger.Task{
		TenantID:  turn.scope.TenantID,
		ProjectID: turn.scope.ProjectID,
		GraphID:   turn.scope.GraphID,
		ID:        "task_" + uuid.NewString(),
		ContextID: turn.contextID,
		AgentID:   target.AgentID,
		Status:    ledger.TaskWorking,
		Metadata:  ledger.JSONMap{"parentTaskId": parentTask.ID},
	}
	if err := e.store.CreateTask(ctx, child); err != nil {
		return "", fmt.Errorf("create delegation task: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TasksStarted.WithLabelValues(turn.scope.GraphID).Inc()
	}
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    child.ID,
		ContextID: turn.contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateWorking, Timestamp: child.CreatedAt},
	})

	request := &ledger.Message{
		TenantID:       turn.scope.TenantID,
		ProjectID:      turn.scope.ProjectID,
		ConversationID: turn.contextID,
		ID:             uuid.NewString(),
		Role:           ledger.RoleAgent,
		Content:        message,
		MessageType:    ledger.MessageTypeA2ARequest,
		Visibility:     ledger.VisibilityInternal,
		FromAgentID:    parent.Agent.ID,
		ToAgentID:      target.AgentID,
		TaskID:         parentTask.ID,
		A2ATaskID:      child.ID,
	}
	if err := e.store.AppendMessage(ctx, request); err != nil {
		return "", fmt.Errorf("persist delegation request: %w", err)
	}

	ra, err := e.registry.Resolve(ctx, turn.scope.TenantID, turn.scope.ProjectID, turn.scope.GraphID, target.AgentID)
	if err != nil {
		e.markChildFailed(ctx, turn, child, err)
		return "", err
	}

	childTurn := &turnState{
		scope:     turn.scope,
		graph:     turn.graph,
		contextID: turn.contextID,
		sessionID: turn.sessionID,
		userText:  message,
		sink:      turn.sink,
	}
	outcome, err := e.runAgent(ctx, childTurn, ra, child, depth+1)
	if err != nil {
		e.markChildFailed(ctx, turn, child, err)
		return "", err
	}
	if outcome.transferTarget != "" {
		err := fmt.Errorf("delegated agent %s attempted a transfer", target.AgentID)
		e.markChildFailed(ctx, turn, child, err)
		return "", err
	}

	response := &ledger.Message{
		TenantID:       turn.scope.TenantID,
		ProjectID:      turn.scope.ProjectID,
		ConversationID: turn.contextID,
		ID:             uuid.NewString(),
		Role:           ledger.RoleAgent,
		Content:        outcome.text,
		MessageType:    ledger.MessageTypeA2AResponse,
		Visibility:     ledger.VisibilityInternal,
		FromAgentID:    target.AgentID,
		ToAgentID:      parent.Agent.ID,
		TaskID:         parentTask.ID,
		A2ATaskID:      child.ID,
	}
	if err := e.store.AppendMessage(ctx, response); err != nil {
		return "", fmt.Errorf("persist delegation response: %w", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, turn.scope.TenantID, turn.scope.ProjectID, child.ID, ledger.TaskCompleted, ""); err != nil {
		slog.Warn("failed to complete delegation task", "taskId", child.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveTask(string(ledger.TaskCompleted), time.Since(child.CreatedAt))
	}
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    child.ID,
		ContextID: turn.contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: time.Now().UTC()},
	})
	return outcome.text, nil
}

func (e *Executor) delegateExternal(ctx context.Context, turn *turnState, parent *registry.RegisteredAgent, parentTask *ledger.Task, target *registry.Target, message string) (string, error) {
	request := &ledger.Message{
		TenantID:          turn.scope.TenantID,
		ProjectID:         turn.scope.ProjectID,
		ConversationID:    turn.contextID,
		ID:                uuid.NewString(),
		Role:              ledger.RoleAgent,
		Content:           message,
		MessageType:       ledger.MessageTypeA2ARequest,
		Visibility:        ledger.VisibilityExternal,
		FromAgentID:       parent.Agent.ID,
		ToExternalAgentID: target.AgentID,
		TaskID:            parentTask.ID,
	}
	if err := e.store.AppendMessage(ctx, request); err != nil {
		return "", fmt.Errorf("persist external request: %w", err)
	}

	client := a2a.NewClient(target.BaseURL)
	reply, task, err := client.SendMessage(ctx, &a2a.MessageSendParams{
		Message: a2a.Message{
			Kind:      a2a.KindMessage,
			MessageID: uuid.NewString(),
			Role:      a2a.MessageRoleUser,
			Parts:     []a2a.Part{a2a.TextPart(message)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("external agent %s: %w", target.AgentID, err)
	}

	var text string
	switch {
	case reply != nil:
		text = reply.Text()
	case task != nil:
		text = fmt.Sprintf("external task %s is %s", task.ID, task.Status.State)
	}

	response := &ledger.Message{
		TenantID:            turn.scope.TenantID,
		ProjectID:           turn.scope.ProjectID,
		ConversationID:      turn.contextID,
		ID:                  uuid.NewString(),
		Role:                ledger.RoleAgent,
		Content:             text,
		MessageType:         ledger.MessageTypeA2AResponse,
		Visibility:          ledger.VisibilityExternal,
		FromExternalAgentID: target.AgentID,
		ToAgentID:           parent.Agent.ID,
		TaskID:              parentTask.ID,
	}
	if err := e.store.AppendMessage(ctx, response); err != nil {
		return "", fmt.Errorf("persist external response: %w", err)
	}
	return text, nil
}

func (e *Executor) markChildFailed(ctx context.Context, turn *turnState, child *ledger.Task, cause error) {
	if err := e.store.UpdateTaskStatus(ctx, turn.scope.TenantID, turn.scope.ProjectID, child.ID, ledger.TaskFailed, cause.Error()); err != nil && !errors.Is(err, ledger.ErrConflict) {
		slog.Warn("failed to mark delegation task failed", "taskId", child.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveTask(string(ledger.TaskFailed), time.Since(child.CreatedAt))
	}
	turn.sink.StatusUpdate(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    child.ID,
		ContextID: turn.contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateFailed,
			Timestamp: time.Now().UTC(),
			Reason:    cause.Error(),
		},
	})
}

// buildSystemPrompt assembles the agent's system prompt: its
// configured prompt, its handoff surface, graph context variables, the
// shaped history and scoped artifacts.
func (e *Executor) buildSystemPrompt(ctx context.Context, turn *turnState, ra *registry.RegisteredAgent, history *conversation.History) string {
	var b strings.Builder
	b.WriteString(ra.Agent.Prompt)

	if len(ra.TransferTargets) > 0 || len(ra.DelegateTargets) > 0 {
		b.WriteString("\n\n")
		b.WriteString(handoffInstructions(ra))
	}

	if vars := e.resolveContextVariables(ctx, turn); len(vars) > 0 {
		b.WriteString("\n\nContext:\n")
		if raw, err := json.Marshal(vars); err == nil {
			b.Write(raw)
		}
	}

	if history.Formatted != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(history.Formatted)
	}

	if len(history.Artifacts) > 0 {
		b.WriteString("\n\nArtifacts from earlier tasks:\n")
		for _, art := range history.Artifacts {
			fmt.Fprintf(&b, "- %s (%s)\n", art.Name, art.ArtifactID)
		}
	}

	return b.String()
}

func handoffInstructions(ra *registry.RegisteredAgent) string {
	var b strings.Builder
	if len(ra.TransferTargets) > 0 {
		b.WriteString("You can hand the whole conversation to another agent with " + toolTransfer + ":\n")
		for _, t := range ra.TransferTargets {
			fmt.Fprintf(&b, "- %s: %s\n", t.AgentID, t.Description)
		}
	}
	if len(ra.DelegateTargets) > 0 {
		b.WriteString("You can delegate a subtask with " + toolDelegate + " and use its result:\n")
		for _, t := range ra.DelegateTargets {
			fmt.Fprintf(&b, "- %s: %s\n", t.AgentID, t.Description)
		}
	}
	return strings.TrimSpace(b.String())
}

// handoffDefinitions builds the synthetic tool definitions for the
// agent's relation edges.
func handoffDefinitions(ra *registry.RegisteredAgent) []model.ToolDefinition {
	var defs []model.ToolDefinition
	if len(ra.TransferTargets) > 0 {
		defs = append(defs, model.ToolDefinition{
			Name:        toolTransfer,
			Description: "Hand the conversation over to another agent. The target agent takes over from here.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"targetAgentId": map[string]any{
						"type": "string",
						"enum": targetIDs(ra.TransferTargets),
					},
				},
				"required": []string{"targetAgentId"},
			},
		})
	}
	if len(ra.DelegateTargets) > 0 {
		defs = append(defs, model.ToolDefinition{
			Name:        toolDelegate,
			Description: "Delegate a subtask to another agent and receive its result.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"targetAgentId": map[string]any{
						"type": "string",
						"enum": targetIDs(ra.DelegateTargets),
					},
					"message": map[string]any{
						"type":        "string",
						"description": "The task to delegate.",
					},
				},
				"required": []string{"targetAgentId"},
			},
		})
	}
	return defs
}

func handoffTarget(call model.ToolCall) (string, error) {
	var args struct {
		TargetAgentID string `json:"targetAgentId"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", fmt.Errorf("invalid handoff arguments: %w", err)
	}
	if args.TargetAgentID == "" {
		return "", fmt.Errorf("handoff requires targetAgentId")
	}
	return args.TargetAgentID, nil
}

func targetIDs(targets []registry.Target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.AgentID
	}
	return ids
}

func hasTarget(targets []registry.Target, agentID string) bool {
	return findTarget(targets, agentID) != nil
}

func findTarget(targets []registry.Target, agentID string) *registry.Target {
	for i := range targets {
		if targets[i].AgentID == agentID {
			return &targets[i]
		}
	}
	return nil
}
