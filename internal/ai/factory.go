package ai

import (
	"context"
	"fmt"
)

// Options selects and configures a provider.
type Options struct {
	Provider     string // "gemini", "openai" or "static"
	GeminiAPIKey string
	OpenAIAPIKey string
	Pricing      func(model string) RequestPricing
}

// New builds the provider named in opts.
func New(ctx context.Context, opts Options) (Provider, error) {
	pricing := func(model string) RequestPricing {
		if opts.Pricing == nil {
			return RequestPricing{}
		}
		return opts.Pricing(model)
	}

	switch opts.Provider {
	case "gemini", "":
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
		return NewGeminiProvider(ctx, opts.GeminiAPIKey, pricing(geminiModel))
	case "openai":
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		return NewOpenAIProvider(opts.OpenAIAPIKey, pricing(chatModel)), nil
	case "static":
		return NewStaticProvider(`{}`), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", opts.Provider)
	}
}
