// Package llm provides the minimal chat-completion surface the engine
// needs: screening verdicts, transform assists, and answer generation.
package llm

import (
	"context"
	"fmt"
	"strings"

	"tracelight/internal/config"
)

// Usage reports provider token accounting for cost tracking.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Client is a single-turn completion client.
type Client interface {
	// Complete sends a system+user prompt pair and returns the text reply.
	Complete(ctx context.Context, system, user string) (string, Usage, error)
	// Model returns the configured model identifier.
	Model() string
}

// New selects a provider from config. Known providers: openai (default,
// covers any OpenAI-compatible endpoint) and anthropic.
func New(cfg config.LLMConfig) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return newOpenAI(cfg), nil
	case "anthropic":
		return newAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
