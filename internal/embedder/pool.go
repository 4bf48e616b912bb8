package embedder

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tracelight/internal/model"
)

// Bucket is a token bucket limiting total outbound provider calls per
// second. Workers block on Acquire when the bucket is empty.
type Bucket struct {
	tokens chan struct{}
	done   chan struct{}
}

// NewBucket starts a bucket refilled at ratePerSec. Call Stop when done.
func NewBucket(ratePerSec int) *Bucket {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	b := &Bucket{
		tokens: make(chan struct{}, ratePerSec),
		done:   make(chan struct{}),
	}
	for i := 0; i < ratePerSec; i++ {
		b.tokens <- struct{}{}
	}
	go func() {
		t := time.NewTicker(time.Second / time.Duration(ratePerSec))
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case b.tokens <- struct{}{}:
				default:
				}
			case <-b.done:
				return
			}
		}
	}()
	return b
}

// Acquire blocks until a token is available or the context ends.
func (b *Bucket) Acquire(ctx context.Context) error {
	select {
	case <-b.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down the refill goroutine.
func (b *Bucket) Stop() { close(b.done) }

// PoolOptions bounds the per-job embedding fan-out.
type PoolOptions struct {
	Concurrency    int
	PerCallTimeout time.Duration
	Bucket         *Bucket
	// Cancelled is polled between sub-tasks for cooperative cancellation.
	Cancelled func() bool
}

// EmbedAll embeds texts one call per text with bounded concurrency,
// preserving index alignment. Embedder errors are returned as the embedder
// classified them (the HTTP client marks call failures transient); a
// cancellation observed between sub-tasks aborts the remainder.
func EmbedAll(ctx context.Context, emb Embedder, texts []string, opt PoolOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = 4
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opt.Concurrency)
	for i, text := range texts {
		g.Go(func() error {
			if opt.Cancelled != nil && opt.Cancelled() {
				return model.E(model.KindCancelled, "cancelled between embedding sub-tasks")
			}
			if opt.Bucket != nil {
				if err := opt.Bucket.Acquire(gctx); err != nil {
					return model.Transient(model.KindEmbedding, "rate limiter interrupted", err)
				}
			}
			callCtx := gctx
			var cancel context.CancelFunc
			if opt.PerCallTimeout > 0 {
				callCtx, cancel = context.WithTimeout(gctx, opt.PerCallTimeout)
				defer cancel()
			}
			vecs, err := emb.EmbedBatch(callCtx, []string{text})
			if err != nil {
				return err
			}
			if len(vecs) != 1 {
				return model.Ef(model.KindEmbedding, "expected 1 vector, got %d", len(vecs))
			}
			out[i] = vecs[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
