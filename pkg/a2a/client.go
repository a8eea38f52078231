package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client calls a remote A2A agent over JSON-RPC HTTP. It is used for
// delegation to external agents.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for the agent at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// SendMessage posts message/send and decodes the result as either a
// final Message or a Task.
func (c *Client) SendMessage(ctx context.Context, params *MessageSendParams) (*Message, *Task, error) {
	raw, err := c.call(ctx, MethodMessageSend, params)
	if err != nil {
		return nil, nil, err
	}

	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("decode message/send result: %w", err)
	}
	switch probe.Kind {
	case KindTask:
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, nil, fmt.Errorf("decode task: %w", err)
		}
		return nil, &task, nil
	default:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, nil, fmt.Errorf("decode message: %w", err)
		}
		return &msg, nil, nil
	}
}

// GetTask polls tasks/get.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	raw, err := c.call(ctx, MethodTasksGet, TaskQueryParams{ID: taskID})
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  paramsJSON,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s on %s: status %d", method, c.baseURL, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}
