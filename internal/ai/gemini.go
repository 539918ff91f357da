package ai

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const geminiModel = "gemini-2.5-flash"

// GeminiProvider talks to the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
	meter  meter
}

// NewGeminiProvider creates a provider using the Gemini API backend.
func NewGeminiProvider(ctx context.Context, apiKey string, pricing RequestPricing) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{
		client: client,
		model:  geminiModel,
		meter:  meter{pricing: pricing},
	}, nil
}

func (p *GeminiProvider) Name() string {
	return p.model
}

// Usage returns the accumulated token usage.
func (p *GeminiProvider) Usage() Usage {
	return p.meter.snapshot()
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		c := &genai.Content{Role: "user"}
		if m.Role == RoleModel {
			c.Role = "model"
		}
		for _, part := range m.Parts {
			if part.Image != nil {
				c.Parts = append(c.Parts, &genai.Part{InlineData: &genai.Blob{Data: part.Image.Data, MIMEType: part.Image.MIMEType}})
				continue
			}
			c.Parts = append(c.Parts, &genai.Part{Text: part.Text})
		}
		contents = append(contents, c)
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	resp := &Response{Text: result.Text()}
	if result.UsageMetadata != nil {
		resp.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		resp.Cost = p.meter.track(resp.InputTokens, resp.OutputTokens)
	}
	if resp.Text == "" {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

func (p *GeminiProvider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.model, nil); err != nil {
		return fmt.Errorf("gemini unavailable: %w", err)
	}
	return nil
}
