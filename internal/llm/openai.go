package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"tracelight/internal/config"
	"tracelight/internal/observability"
)

type openaiClient struct {
	sdk   openai.Client
	model string
}

func newOpenAI(cfg config.LLMConfig) *openaiClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &openaiClient{sdk: openai.NewClient(opts...), model: model}
}

func (c *openaiClient) Model() string { return c.model }

func (c *openaiClient) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(user))

	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: msgs,
	})
	log := observability.LoggerWithTrace(ctx)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", time.Since(start)).Msg("openai_completion_error")
		return "", Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices returned")
	}
	usage := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	log.Debug().Str("model", c.model).Dur("duration", time.Since(start)).
		Int("prompt_tokens", usage.PromptTokens).Int("completion_tokens", usage.CompletionTokens).
		Msg("openai_completion_ok")
	return resp.Choices[0].Message.Content, usage, nil
}
