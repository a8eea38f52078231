package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionJSON(text string) string {
	return `{
		"choices": [{"message": {"role": "assistant", "content": "` + text + `"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
	}`
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(OpenAIConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "gpt-4o",
		MaxRetries: 2,
	})
}

func TestOpenAIGenerate(t *testing.T) {
	var gotAuth string
	var gotReq openAIRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(completionJSON("hello there")))
	})

	resp, err := p.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4o", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
}

func TestOpenAIGenerate_ToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "", "tool_calls": [
				{"id": "call-1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]}, "finish_reason": "tool_calls"}]
		}`))
	})

	resp, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "weather?"}},
		[]ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call-1", resp.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAIGenerate_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(completionJSON("recovered")))
	})

	resp, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestOpenAIGenerate_BadRequestNotRetried(t *testing.T) {
	var attempts atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad model"}}`))
	})

	_, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestOpenAIGenerate_APIErrorInBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"message": "quota exceeded", "type": "insufficient_quota"}}`))
	})

	_, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestFakeProvider(t *testing.T) {
	fake := NewFakeProvider(
		&Response{Text: "first"},
		&Response{Text: "second"},
	)

	r1, err := fake.Generate(context.Background(), []Message{{Role: RoleUser, Content: "a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Text)

	r2, err := fake.Generate(context.Background(), []Message{{Role: RoleUser, Content: "b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Text)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "b", calls[1][0].Content)

	_, err = fake.Generate(context.Background(), nil, nil)
	assert.Error(t, err, "scripted responses are exhausted")
}
