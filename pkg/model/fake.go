package model

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider replays scripted responses in order. Tests use it to
// drive the executor deterministically.
type FakeProvider struct {
	mu        sync.Mutex
	responses []*Response
	calls     [][]Message
	idx       int
}

// NewFakeProvider builds a provider returning the given responses in
// sequence.
func NewFakeProvider(responses ...*Response) *FakeProvider {
	return &FakeProvider{responses: responses}
}

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) Generate(_ context.Context, messages []Message, _ []ToolDefinition) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, messages)
	if p.idx >= len(p.responses) {
		return nil, fmt.Errorf("fake provider exhausted after %d calls", p.idx)
	}
	r := p.responses[p.idx]
	p.idx++
	return r, nil
}

// Calls returns the message lists seen so far.
func (p *FakeProvider) Calls() [][]Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]Message, len(p.calls))
	copy(out, p.calls)
	return out
}
