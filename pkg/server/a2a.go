package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inkeep/agents-run/pkg/a2a"
	"github.com/inkeep/agents-run/pkg/auth"
	"github.com/inkeep/agents-run/pkg/ledger"
)

// handleAgentCard serves the graph's public agent card.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphId")

	// The card is public but still tenant-scoped: without credentials
	// the development fallback decides visibility.
	scope, err := s.resolver.Resolve(r.Context(), r.Header.Get("Authorization"), r.Header)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "agent not found")
		return
	}
	entry, err := s.registry.ResolveEntry(r.Context(), scope.TenantID, scope.ProjectID, graphID)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, entry.Card(s.baseURL))
}

// handleA2A dispatches the JSON-RPC surface of a graph.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphId")
	scope, ok := s.scopeFor(r, graphID)
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "graph not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeRPC(w, a2a.ErrResponse(nil, a2a.NewRPCError(a2a.CodeParseError, "unreadable body", nil)))
		return
	}
	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, a2a.ErrResponse(nil, a2a.NewRPCError(a2a.CodeParseError, "invalid JSON", nil)))
		return
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, rpcErr))
		return
	}

	switch req.Method {
	case a2a.MethodMessageSend:
		s.rpcMessageSend(w, r, scope, &req)
	case a2a.MethodMessageStream:
		s.rpcMessageStream(w, r, scope, &req)
	case a2a.MethodTasksGet:
		s.rpcTasksGet(w, r, scope, &req)
	case a2a.MethodTasksCancel:
		s.rpcTasksCancel(w, r, scope, &req)
	case a2a.MethodTasksResubscribe:
		s.rpcTasksResubscribe(w, r, scope, &req)
	default:
		writeRPC(w, a2a.ErrResponse(req.ID, a2a.NewRPCError(a2a.CodeMethodNotFound, "method not found: "+req.Method, nil)))
	}
}

func (s *Server) rpcMessageSend(w http.ResponseWriter, r *http.Request, scope *auth.ExecutionScope, req *a2a.Request) {
	var params a2a.MessageSendParams
	if !decodeParams(w, req, &params) {
		return
	}

	// A non-blocking send returns the working task immediately; the
	// turn continues in the background and clients poll tasks/get or
	// resubscribe.
	if !params.IsBlocking() {
		task, err := s.executor.SendMessageAsync(r.Context(), scope, &params)
		if err != nil {
			writeRPC(w, a2a.ErrResponse(req.ID, rpcErrorFor(err, task)))
			return
		}
		writeRPC(w, a2a.OKResponse(req.ID, task))
		return
	}

	task, msg, err := s.executor.SendMessage(r.Context(), scope, &params, nil)
	if err != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, rpcErrorFor(err, task)))
		return
	}
	if msg != nil {
		writeRPC(w, a2a.OKResponse(req.ID, msg))
		return
	}
	writeRPC(w, a2a.OKResponse(req.ID, task))
}

func (s *Server) rpcTasksGet(w http.ResponseWriter, r *http.Request, scope *auth.ExecutionScope, req *a2a.Request) {
	var params a2a.TaskQueryParams
	if !decodeParams(w, req, &params) {
		return
	}
	task, err := s.executor.GetTask(r.Context(), scope, params.ID)
	if err != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, rpcErrorFor(err, nil)))
		return
	}
	writeRPC(w, a2a.OKResponse(req.ID, task))
}

func (s *Server) rpcTasksCancel(w http.ResponseWriter, r *http.Request, scope *auth.ExecutionScope, req *a2a.Request) {
	var params a2a.TaskCancelParams
	if !decodeParams(w, req, &params) {
		return
	}
	task, err := s.executor.Cancel(r.Context(), scope, params.ID, params.Reason)
	if err != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, rpcErrorFor(err, nil)))
		return
	}
	writeRPC(w, a2a.OKResponse(req.ID, task))
}

// rpcTasksResubscribe returns the current snapshot as a short SSE
// stream. Events emitted before the resubscription are not replayed.
func (s *Server) rpcTasksResubscribe(w http.ResponseWriter, r *http.Request, scope *auth.ExecutionScope, req *a2a.Request) {
	var params a2a.TaskQueryParams
	if !decodeParams(w, req, &params) {
		return
	}
	if rpcErr := streamCapability(w, r); rpcErr != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, rpcErr))
		return
	}
	task, err := s.executor.GetTask(r.Context(), scope, params.ID)
	if err != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, rpcErrorFor(err, nil)))
		return
	}

	stream, err := newSSEStream(w, req.ID, s.metrics)
	if err != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, a2a.NewRPCError(a2a.CodeCapabilityUnsupported, err.Error(), nil)))
		return
	}
	defer stream.Close()
	stream.send(task)
	stream.send(&a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     task.Status.State.IsTerminal(),
	})
}

func (s *Server) rpcMessageStream(w http.ResponseWriter, r *http.Request, scope *auth.ExecutionScope, req *a2a.Request) {
	var params a2a.MessageSendParams
	if !decodeParams(w, req, &params) {
		return
	}

	if rpcErr := streamCapability(w, r); rpcErr != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, rpcErr))
		return
	}
	stream, err := newSSEStream(w, req.ID, s.metrics)
	if err != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, a2a.NewRPCError(a2a.CodeCapabilityUnsupported, err.Error(), nil)))
		return
	}
	defer stream.Close()

	// A dropped connection cancels the turn through the request
	// context.
	_, _, err = s.executor.SendMessage(r.Context(), scope, &params, stream)
	if err != nil {
		stream.sendError(rpcErrorFor(err, nil))
	}
}

// streamCapability checks that the client negotiated SSE and the
// response writer can flush. Both failures map onto the capability
// error code.
func streamCapability(w http.ResponseWriter, r *http.Request) *a2a.RPCError {
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		return a2a.NewRPCError(a2a.CodeCapabilityUnsupported, "streaming requires Accept: text/event-stream", nil)
	}
	if _, ok := w.(http.Flusher); !ok {
		return a2a.NewRPCError(a2a.CodeCapabilityUnsupported, "response writer does not support streaming", nil)
	}
	return nil
}

func decodeParams(w http.ResponseWriter, req *a2a.Request, v any) bool {
	if len(req.Params) == 0 {
		writeRPC(w, a2a.ErrResponse(req.ID, a2a.NewRPCError(a2a.CodeInvalidParams, "params are required", nil)))
		return false
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		writeRPC(w, a2a.ErrResponse(req.ID, a2a.NewRPCError(a2a.CodeInvalidParams, "invalid params: "+err.Error(), nil)))
		return false
	}
	return true
}

func writeRPC(w http.ResponseWriter, resp a2a.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// rpcErrorFor maps execution errors onto JSON-RPC codes. Failed tasks
// ride along in the error data so clients can inspect the terminal
// snapshot.
func rpcErrorFor(err error, task *a2a.Task) *a2a.RPCError {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return a2a.NewRPCError(a2a.CodeInvalidParams, "task not found", nil)
	case errors.Is(err, ledger.ErrConflict):
		return a2a.NewRPCError(a2a.CodeInvalidParams, err.Error(), nil)
	default:
		var data any
		if task != nil {
			data = task
		}
		return a2a.NewRPCError(a2a.CodeInternalError, err.Error(), data)
	}
}
