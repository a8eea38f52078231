package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/inkeep/agents-run/pkg/a2a"
)

// chatRequest is the direct chat body: a plain message plus an
// optional conversation id.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

type chatResponse struct {
	ConversationID string `json:"conversationId"`
	TaskID         string `json:"taskId"`
	Message        string `json:"message"`
}

// handleChat is the blocking chat endpoint. The graph comes from the
// resolved scope.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok || scope.GraphID == "" {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "no graph in scope")
		return
	}
	var body chatRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Message == "" {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "message is required")
		return
	}

	params := chatParams(&body)
	task, msg, err := s.executor.SendMessage(r.Context(), scope, params, nil)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}

	resp := chatResponse{}
	if task != nil {
		resp.ConversationID = task.ContextID
		resp.TaskID = task.ID
	}
	if msg != nil {
		resp.Message = msg.Text()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream is the SSE chat endpoint. Parameters arrive as
// query values since EventSource cannot POST.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, "")
	if !ok || scope.GraphID == "" {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "no graph in scope")
		return
	}
	message := r.URL.Query().Get("message")
	if message == "" {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "message is required")
		return
	}
	body := chatRequest{
		Message:        message,
		ConversationID: r.URL.Query().Get("conversationId"),
	}

	stream, err := newSSEStream(w, uuid.NewString(), s.metrics)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	defer stream.Close()

	if _, _, err := s.executor.SendMessage(r.Context(), scope, chatParams(&body), stream); err != nil {
		stream.sendError(rpcErrorFor(err, nil))
	}
}

func chatParams(body *chatRequest) *a2a.MessageSendParams {
	msg := a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: uuid.NewString(),
		Role:      a2a.MessageRoleUser,
		Parts:     []a2a.Part{a2a.TextPart(body.Message)},
	}
	if body.ConversationID != "" {
		msg.ContextID = body.ConversationID
	}
	return &a2a.MessageSendParams{Message: msg}
}
