package ai

import (
	"context"
	"sync"
)

// StaticProvider answers every request from a fixed script. It backs skip mode
// in development and stands in for a model in tests.
type StaticProvider struct {
	mu        sync.Mutex
	replies   []string
	fallback  string
	err       error
	requests  []Request
	pingError error
}

// NewStaticProvider returns a provider that replies with fallback once the
// scripted replies are used up.
func NewStaticProvider(fallback string, replies ...string) *StaticProvider {
	return &StaticProvider{fallback: fallback, replies: replies}
}

// FailWith makes every subsequent Complete call return err.
func (p *StaticProvider) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// FailPing makes Ping return err.
func (p *StaticProvider) FailPing(err error) {
	p.mu.Lock()
	p.pingError = err
	p.mu.Unlock()
}

// Requests returns a copy of every request received so far.
func (p *StaticProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

func (p *StaticProvider) Name() string {
	return "static"
}

func (p *StaticProvider) Complete(_ context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	text := p.fallback
	if len(p.replies) > 0 {
		text = p.replies[0]
		p.replies = p.replies[1:]
	}
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{Text: text}, nil
}

func (p *StaticProvider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingError
}
