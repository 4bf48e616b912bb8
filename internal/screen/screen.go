// Package screen gates ingestion on an LLM quality verdict. Decisions are
// cached by content hash so the same content published at multiple URLs is
// screened once.
package screen

import (
	"context"
	"encoding/json"
	"strings"

	"tracelight/internal/llm"
	"tracelight/internal/model"
	"tracelight/internal/observability"
)

// Decision is the screening outcome.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
	DecisionMaybe  Decision = "MAYBE"
)

// Verdict is a screening result, cacheable by content hash.
type Verdict struct {
	QualityScore float64  `json:"quality_score"`
	Decision     Decision `json:"decision"`
	Reasoning    string   `json:"reasoning"`
	TokensUsed   int      `json:"tokens_used"`
	Cost         float64  `json:"cost"`
}

// Cache stores verdicts under content-hash keys with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (*Verdict, bool, error)
	Set(ctx context.Context, key string, v *Verdict) error
}

const systemPrompt = `You are a content quality screener for a research corpus.
Rate the document from 0 to 10 for factual density, sourcing, and depth.
Respond with only a JSON object: {"quality_score": <number>, "decision": "ACCEPT"|"REJECT"|"MAYBE", "reasoning": "<one sentence>"}.
REJECT only spam, listicles with no substance, or machine-generated filler.`

const maxScreenChars = 6000

// Screener runs the screening prompt against the configured LLM.
type Screener struct {
	client llm.Client
	cache  Cache
}

// New builds a Screener. A nil cache disables caching.
func New(client llm.Client, cache Cache) *Screener {
	return &Screener{client: client, cache: cache}
}

// Screen returns the verdict for the given content, consulting the cache
// first. contentHash must be the hash of the normalized text.
func (s *Screener) Screen(ctx context.Context, contentHash, title, text string) (*Verdict, error) {
	log := observability.LoggerWithTrace(ctx)
	if s.cache != nil {
		if v, ok, err := s.cache.Get(ctx, contentHash); err == nil && ok {
			log.Debug().Str("content_hash", contentHash).Msg("screening_cache_hit")
			return v, nil
		}
	}
	if s.client == nil {
		return nil, model.E(model.KindScreening, "no screening llm configured")
	}

	excerpt := text
	if len(excerpt) > maxScreenChars {
		excerpt = excerpt[:maxScreenChars]
	}
	user := "Title: " + title + "\n\n" + excerpt
	reply, usage, err := s.client.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, model.Transient(model.KindScreening, "screening call failed", err)
	}

	v, err := parseVerdict(reply)
	if err != nil {
		return nil, model.Wrap(model.KindScreening, "unparseable screening reply", err)
	}
	v.TokensUsed = usage.PromptTokens + usage.CompletionTokens

	if s.cache != nil {
		if err := s.cache.Set(ctx, contentHash, v); err != nil {
			log.Warn().Err(err).Msg("screening_cache_set_failed")
		}
	}
	return v, nil
}

// parseVerdict tolerates prose around the JSON object.
func parseVerdict(reply string) (*Verdict, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, model.E(model.KindScreening, "no JSON object in reply")
	}
	var v Verdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &v); err != nil {
		return nil, err
	}
	if v.QualityScore < 0 {
		v.QualityScore = 0
	}
	if v.QualityScore > 10 {
		v.QualityScore = 10
	}
	switch v.Decision {
	case DecisionAccept, DecisionReject, DecisionMaybe:
	default:
		v.Decision = DecisionMaybe
	}
	return &v, nil
}
