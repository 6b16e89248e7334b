package llm

import (
	"context"
	"log/slog"
	"strings"
)

// Replies returned instead of an error. The gateway always produces
// something that can be posted to chat.
const (
	ReplyOffline    = "I can't answer that right now. My AI brain is offline."
	ReplyTrouble    = "I'm having trouble connecting to my knowledge base right now. Please try again later."
	ReplyNoResponse = "No response found."
)

// Gateway turns a prompt into a reply string using a single provider.
// It is safe for concurrent use if the provider is.
type Gateway struct {
	provider Provider
	logger   *slog.Logger
}

// NewGateway wraps provider. A nil logger uses slog.Default().
func NewGateway(provider Provider, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{provider: provider, logger: logger}
}

// Ask sends prompt to the provider and returns the generated text, or one of
// the degraded replies. It never returns an error.
func (g *Gateway) Ask(ctx context.Context, prompt string) string {
	if g.provider == nil || !g.provider.Configured() {
		g.logger.Warn("llm api key is not set, replying offline")
		return ReplyOffline
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ReplyNoResponse
	}

	resp, err := g.provider.Complete(ctx, CompletionRequest{Prompt: prompt})
	if err != nil {
		g.logger.Error("llm request failed",
			"provider", g.provider.Name(),
			"error", err,
		)
		return ReplyTrouble
	}
	if resp == nil || !resp.Found {
		g.logger.Warn("llm response had no text", "provider", g.provider.Name())
		return ReplyNoResponse
	}

	g.logger.Info("llm reply ready",
		"provider", g.provider.Name(),
		"model", resp.Model,
		"len", len(resp.Content),
	)
	return resp.Content
}
