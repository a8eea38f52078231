package a2a

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes. CodeCapabilityUnsupported is a local
// extension for declared-but-unsupported capabilities.
const (
	CodeParseError            = -32700
	CodeInvalidRequest        = -32600
	CodeMethodNotFound        = -32601
	CodeInvalidParams         = -32602
	CodeInternalError         = -32603
	CodeCapabilityUnsupported = -32604
)

// RPC method names.
const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. The ID always echoes
// the client-supplied request id.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with optional detail data.
func NewRPCError(code int, message string, data any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// OKResponse builds a success envelope echoing the request id.
func OKResponse(id, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// ErrResponse builds an error envelope echoing the request id.
func ErrResponse(id any, rpcErr *RPCError) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

// Validate checks the envelope version and method presence.
func (r *Request) Validate() *RPCError {
	if r.JSONRPC != "2.0" {
		return NewRPCError(CodeInvalidRequest, "jsonrpc must be \"2.0\"", nil)
	}
	if r.Method == "" {
		return NewRPCError(CodeInvalidRequest, "method is required", nil)
	}
	return nil
}
