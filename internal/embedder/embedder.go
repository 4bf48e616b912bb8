// Package embedder converts text to embedding vectors. The engine embeds
// chunks with bounded per-job concurrency behind a global provider rate
// limit.
package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"tracelight/internal/config"
	"tracelight/internal/model"
)

// Embedder defines the interface for converting text to embedding vectors.
type Embedder interface {
	// EmbedBatch returns one vector per input text, index-aligned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns a model identifier string.
	Name() string
	// Dimension returns the declared embedding dimensionality.
	Dimension() int
}

type clientEmbedder struct {
	sdk   openai.Client
	model string
	dim   int
}

// NewClient constructs an embedder that calls an OpenAI-compatible
// embeddings endpoint.
func NewClient(cfg config.EmbeddingConfig) Embedder {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &clientEmbedder{sdk: openai.NewClient(opts...), model: cfg.Model, dim: cfg.Dim}
}

func (c *clientEmbedder) Name() string   { return c.model }
func (c *clientEmbedder) Dimension() int { return c.dim }

func (c *clientEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, model.Transient(model.KindEmbedding, "embeddings call failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, model.Ef(model.KindEmbedding, "expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, model.Ef(model.KindEmbedding, "unexpected embedding index %d", e.Index)
		}
		vec := make([]float32, len(e.Embedding))
		for i, f := range e.Embedding {
			vec[i] = float32(f)
		}
		out[e.Index] = vec
	}
	for i, v := range out {
		if len(v) != c.dim {
			return nil, model.Ef(model.KindEmbedding, "embedding %d has dim %d, collection declares %d", i, len(v), c.dim)
		}
	}
	return out, nil
}

// deterministicEmbedder hashes byte 3-grams into a fixed-size L2-normalized
// vector. It exists so ingestion and retrieval are testable without a
// provider; identical text always embeds identically.
type deterministicEmbedder struct {
	dim  int
	seed uint64
}

// NewDeterministic constructs a deterministic embedder with the given
// dimension.
func NewDeterministic(dim int, seed uint64) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &deterministicEmbedder{dim: dim, seed: seed}
}

func (d *deterministicEmbedder) Name() string   { return "deterministic" }
func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	v[idx] += float32(int32(hv>>32)) / float32(1<<31)
}
