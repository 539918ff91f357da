package ai

import (
	"context"
	"errors"
	"sync"
)

// ErrEmptyResponse is returned when a model answers with no content.
var ErrEmptyResponse = errors.New("ai: empty response")

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Image is an inline image sent to a model.
type Image struct {
	MIMEType string
	Data     []byte
}

// Part is one piece of a message: text or an image.
type Part struct {
	Text  string
	Image *Image
}

// Message is a single conversation turn.
type Message struct {
	Role  Role
	Parts []Part
}

// Request is a provider-agnostic completion request.
type Request struct {
	System    string
	Messages  []Message
	JSON      bool
	MaxTokens int
}

// Response is the text a model produced plus token accounting.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Cost         float64 // in USD
}

// Provider is a generative model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Ping(ctx context.Context) error
}

// RequestPricing holds input/output prices per 1M tokens.
type RequestPricing struct {
	Input  float64
	Output float64
}

// Usage tracks token usage and cost.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalCost    float64 // in USD
}

// meter accumulates usage; safe for concurrent requests.
type meter struct {
	mu      sync.Mutex
	usage   Usage
	pricing RequestPricing
}

func (m *meter) track(in, out int64) float64 {
	cost := float64(in)/1_000_000*m.pricing.Input + float64(out)/1_000_000*m.pricing.Output
	m.mu.Lock()
	m.usage.InputTokens += in
	m.usage.OutputTokens += out
	m.usage.TotalCost += cost
	m.mu.Unlock()
	return cost
}

func (u *Usage) add(r *Response) {
	u.InputTokens += r.InputTokens
	u.OutputTokens += r.OutputTokens
	u.TotalCost += r.Cost
}

func (m *meter) snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// UserText builds a single user message from text and images.
func UserText(text string, images ...Image) Message {
	parts := []Part{{Text: text}}
	for i := range images {
		parts = append(parts, Part{Image: &images[i]})
	}
	return Message{Role: RoleUser, Parts: parts}
}
