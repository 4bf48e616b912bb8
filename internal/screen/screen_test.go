package screen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/llm"
	"tracelight/internal/model"
)

type scriptedLLM struct {
	reply string
	err   error
	calls int
}

func (s *scriptedLLM) Complete(context.Context, string, string) (string, llm.Usage, error) {
	s.calls++
	return s.reply, llm.Usage{PromptTokens: 100, CompletionTokens: 20}, s.err
}

func (s *scriptedLLM) Model() string { return "scripted" }

func TestScreenParsesVerdict(t *testing.T) {
	c := &scriptedLLM{reply: `Here you go: {"quality_score": 8.2, "decision": "ACCEPT", "reasoning": "dense"}`}
	s := New(c, nil)
	v, err := s.Screen(context.Background(), "hash1", "t", "body")
	require.NoError(t, err)
	assert.InDelta(t, 8.2, v.QualityScore, 0.001)
	assert.Equal(t, DecisionAccept, v.Decision)
	assert.Equal(t, 120, v.TokensUsed)
}

func TestScreenCacheHitSkipsLLM(t *testing.T) {
	c := &scriptedLLM{reply: `{"quality_score": 6, "decision": "MAYBE", "reasoning": "ok"}`}
	cache := NewMemoryCache(time.Hour, nil)
	s := New(c, cache)

	_, err := s.Screen(context.Background(), "h", "t", "body")
	require.NoError(t, err)
	_, err = s.Screen(context.Background(), "h", "t", "body")
	require.NoError(t, err)
	assert.Equal(t, 1, c.calls)
}

func TestScreenCacheExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	cache := NewMemoryCache(time.Minute, clock)
	c := &scriptedLLM{reply: `{"quality_score": 6, "decision": "MAYBE", "reasoning": "ok"}`}
	s := New(c, cache)

	_, err := s.Screen(context.Background(), "h", "t", "body")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = s.Screen(context.Background(), "h", "t", "body")
	require.NoError(t, err)
	assert.Equal(t, 2, c.calls)
}

func TestScreenLLMErrorIsTransient(t *testing.T) {
	c := &scriptedLLM{err: errors.New("upstream 503")}
	s := New(c, nil)
	_, err := s.Screen(context.Background(), "h", "t", "body")
	require.Error(t, err)
	assert.Equal(t, model.KindScreening, model.KindOf(err))
	assert.True(t, model.IsTransient(err))
}

func TestParseVerdictClampsAndDefaults(t *testing.T) {
	v, err := parseVerdict(`{"quality_score": 14, "decision": "WHAT"}`)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v.QualityScore)
	assert.Equal(t, DecisionMaybe, v.Decision)

	_, err = parseVerdict("no json here")
	assert.Error(t, err)
}

func TestTierFor(t *testing.T) {
	th := map[model.Tier]float64{model.TierA: 9, model.TierB: 7, model.TierC: 5, model.TierD: 0}
	assert.Equal(t, model.TierA, model.TierFor(9.5, th))
	assert.Equal(t, model.TierB, model.TierFor(8.2, th))
	assert.Equal(t, model.TierC, model.TierFor(5.0, th))
	assert.Equal(t, model.TierD, model.TierFor(1.0, th))
}
