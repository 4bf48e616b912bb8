package embedder

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/model"
)

func TestDeterministicEmbedderStable(t *testing.T) {
	e := NewDeterministic(64, 0)
	a, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	b, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], 64)
}

func TestDeterministicEmbedderNormalized(t *testing.T) {
	e := NewDeterministic(32, 7)
	vecs, err := e.EmbedBatch(context.Background(), []string{"some text to embed"})
	require.NoError(t, err)
	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

type countingEmbedder struct {
	dim     int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingEmbedder) Name() string   { return "counting" }
func (c *countingEmbedder) Dimension() int { return c.dim }

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	cur := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if cur <= p || c.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	c.inFlight.Add(-1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, c.dim)
	}
	return out, nil
}

func TestEmbedAllBoundsConcurrency(t *testing.T) {
	ce := &countingEmbedder{dim: 8}
	texts := make([]string, 24)
	for i := range texts {
		texts[i] = "t"
	}
	out, err := EmbedAll(context.Background(), ce, texts, PoolOptions{Concurrency: 3})
	require.NoError(t, err)
	assert.Len(t, out, 24)
	assert.LessOrEqual(t, ce.peak.Load(), int32(3))
}

func TestEmbedAllCancellation(t *testing.T) {
	ce := &countingEmbedder{dim: 8}
	cancelled := atomic.Bool{}
	cancelled.Store(true)
	_, err := EmbedAll(context.Background(), ce, []string{"a", "b"}, PoolOptions{
		Concurrency: 1,
		Cancelled:   func() bool { return cancelled.Load() },
	})
	require.Error(t, err)
	assert.True(t, model.IsCancelled(err))
}

func TestBucketBlocksWhenEmpty(t *testing.T) {
	b := NewBucket(1)
	defer b.Stop()
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// second acquire should block until refill or ctx timeout
	err := b.Acquire(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}
