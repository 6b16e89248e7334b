package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no Anthropic model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicConfig holds settings for the Anthropic provider.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string // optional override, e.g. an Anthropic-compatible proxy
	MaxTokens int

	// HTTPClient overrides the SDK's client; nil keeps the default.
	HTTPClient *http.Client
}

// AnthropicProvider answers prompts through the Anthropic Messages API.
type AnthropicProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	hasKey    bool
}

// NewAnthropic creates a new Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{
		// One attempt only; failures degrade at the gateway.
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &AnthropicProvider{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		hasKey:    cfg.APIKey != "",
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Configured() bool { return p.hasKey }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		pe := &ProviderError{Message: err.Error(), Provider: p.Name(), Err: err}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return nil, pe
	}

	var parts []string
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, textBlock.Text)
		}
	}
	if len(parts) == 0 {
		return &CompletionResponse{Model: string(message.Model)}, nil
	}
	return &CompletionResponse{
		Content: strings.Join(parts, ""),
		Model:   string(message.Model),
		Found:   true,
	}, nil
}
