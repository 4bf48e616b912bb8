package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/model"
)

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 8, cfg.EmbedConcurrency)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 1000, cfg.Chunk.TargetChars)
	assert.Equal(t, 200, cfg.Chunk.OverlapChars)
	assert.Equal(t, "cosine", cfg.Embedding.Distance)
	assert.Equal(t, "content_chunks", cfg.Vector.Collection)
	assert.Equal(t, DuplicateReuse, cfg.DuplicatePolicy)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.StageTimeout.Extract)
	assert.Equal(t, 15*time.Second, cfg.StageTimeout.Screen)
	assert.Equal(t, 9.0, cfg.Screening.TierThresholds[model.TierA])
	assert.Equal(t, 0.0, cfg.Screening.TierThresholds[model.TierD])
	assert.NotEmpty(t, cfg.TrackingParamsToStrip)
}

func TestEmbedConcurrencyDerivedFromWorkers(t *testing.T) {
	cfg := Config{WorkerPoolSize: 2}
	cfg.ApplyDefaults()
	assert.Equal(t, 4, cfg.EmbedConcurrency)

	cfg = Config{WorkerPoolSize: 16}
	cfg.ApplyDefaults()
	assert.Equal(t, 8, cfg.EmbedConcurrency)
}

func TestMaxAttemptsCeiling(t *testing.T) {
	cfg := Config{MaxRetryAttempts: 50}
	cfg.ApplyDefaults()
	assert.Equal(t, 10, cfg.MaxRetryAttempts)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	cfg.DuplicatePolicy = "sometimes"
	require.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.ApplyDefaults()
	cfg.Embedding.Distance = "hamming"
	require.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
}
