package ai

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const chatModel = openai.ChatModelGPT4_1Mini

// OpenAIProvider talks to the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	meter  meter
}

// NewOpenAIProvider creates a provider authenticated with apiKey.
func NewOpenAIProvider(apiKey string, pricing RequestPricing, opts ...option.RequestOption) *OpenAIProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIProvider{
		client: &client,
		meter:  meter{pricing: pricing},
	}
}

func (p *OpenAIProvider) Name() string {
	return chatModel
}

// Usage returns the accumulated token usage.
func (p *OpenAIProvider) Usage() Usage {
	return p.meter.snapshot()
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.System),
				},
			},
		})
	}
	for _, m := range req.Messages {
		if m.Role == RoleModel {
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(joinText(m.Parts)),
					},
				},
			})
			continue
		}
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
		for _, part := range m.Parts {
			if part.Image != nil {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    "data:" + part.Image.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(part.Image.Data),
					Detail: "low",
				}))
				continue
			}
			parts = append(parts, openai.TextContentPart(part.Text))
		}
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: parts,
				},
			},
		})
	}

	params := openai.ChatCompletionNewParams{
		Model:    chatModel,
		Messages: messages,
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	out := &Response{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if out.InputTokens > 0 || out.OutputTokens > 0 {
		out.Cost = p.meter.track(out.InputTokens, out.OutputTokens)
	}
	if out.Text == "" {
		return nil, ErrEmptyResponse
	}
	return out, nil
}

func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, chatModel); err != nil {
		return fmt.Errorf("OpenAI unavailable: %w", err)
	}
	return nil
}

func joinText(parts []Part) string {
	var s string
	for _, p := range parts {
		s += p.Text
	}
	return s
}
