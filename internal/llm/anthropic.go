package llm

import (
	"context"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"tracelight/internal/config"
	"tracelight/internal/observability"
)

const anthropicMaxTokens int64 = 2048

type anthropicClient struct {
	sdk   anthropic.Client
	model string
}

func newAnthropic(cfg config.LLMConfig) *anthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.AnthropicAPIKey))}
	if base := strings.TrimSpace(cfg.AnthropicBaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.AnthropicModel)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &anthropicClient{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *anthropicClient) Model() string { return c.model }

func (c *anthropicClient) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	log := observability.LoggerWithTrace(ctx)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", time.Since(start)).Msg("anthropic_completion_error")
		return "", Usage{}, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	usage := Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	log.Debug().Str("model", c.model).Dur("duration", time.Since(start)).
		Int("prompt_tokens", usage.PromptTokens).Int("completion_tokens", usage.CompletionTokens).
		Msg("anthropic_completion_ok")
	return sb.String(), usage, nil
}
