package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/embedder"
	"tracelight/internal/model"
	"tracelight/internal/store"
)

func seedVector(t *testing.T, emb embedder.Embedder) *store.MemoryVector {
	t.Helper()
	v := store.NewMemoryVector(64)
	texts := map[string]map[string]any{
		"urn:tl:chunk:web1": {"doc_id": "d1", "chunk_id": "urn:tl:chunk:web1", "ordinal": 0, "source_type": "web", "tier": "A", "tags": []string{"go"}, "text": "go concurrency patterns and channels"},
		"urn:tl:chunk:web2": {"doc_id": "d1", "chunk_id": "urn:tl:chunk:web2", "ordinal": 1, "source_type": "web", "tier": "A", "tags": []string{"go"}, "text": "testing practices for services"},
		"urn:tl:chunk:yt1":  {"doc_id": "d2", "chunk_id": "urn:tl:chunk:yt1", "ordinal": 0, "source_type": "youtube", "tier": "B", "video_id": "VID", "channel": "ch", "tags": []string{"video"}, "text": "go concurrency explained on video"},
	}
	var points []store.VectorPoint
	for id, payload := range texts {
		vecs, err := emb.EmbedBatch(context.Background(), []string{payload["text"].(string)})
		require.NoError(t, err)
		points = append(points, store.VectorPoint{ID: id, Vector: vecs[0], Payload: payload})
	}
	require.NoError(t, v.UpsertBatch(context.Background(), points))
	return v
}

func TestSearchReturnsRankedHits(t *testing.T) {
	emb := embedder.NewDeterministic(64, 0)
	r := New(emb, seedVector(t, emb), nil)

	hits, err := r.Search(context.Background(), "go concurrency patterns", Options{TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "urn:tl:chunk:web1", hits[0].ChunkID)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i].Score, hits[i-1].Score)
	}
}

func TestSearchDeterministic(t *testing.T) {
	emb := embedder.NewDeterministic(64, 0)
	r := New(emb, seedVector(t, emb), nil)

	a, err := r.Search(context.Background(), "services", Options{TopK: 3})
	require.NoError(t, err)
	b, err := r.Search(context.Background(), "services", Options{TopK: 3})
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ChunkID, b[i].ChunkID)
	}
}

func TestSearchSourceTypeFilter(t *testing.T) {
	emb := embedder.NewDeterministic(64, 0)
	r := New(emb, seedVector(t, emb), nil)

	hits, err := r.Search(context.Background(), "go concurrency", Options{
		TopK:    10,
		Filters: map[string]any{"source_type": "youtube"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "VID", hits[0].Chunk.Source.VideoID)
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	emb := embedder.NewDeterministic(64, 0)
	r := New(emb, seedVector(t, emb), nil)
	_, err := r.Search(context.Background(), "  ", Options{TopK: 5})
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestSearchTopKZero(t *testing.T) {
	emb := embedder.NewDeterministic(64, 0)
	r := New(emb, seedVector(t, emb), nil)
	hits, err := r.Search(context.Background(), "anything", Options{TopK: 0})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestConvertFiltersUnknownKey(t *testing.T) {
	_, err := ConvertFilters(map[string]any{"bogus": "x"})
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestConvertFiltersShapes(t *testing.T) {
	f, err := ConvertFilters(map[string]any{
		"tier":         []any{"A", "B"},
		"source_type":  "web",
		"published_at": map[string]any{"min": "2020-01-01", "max": "2021-01-01"},
	})
	require.NoError(t, err)
	require.Len(t, f.Must, 3)

	byField := map[string]store.Condition{}
	for _, c := range f.Must {
		byField[c.Field] = c
	}
	assert.Equal(t, "web", byField["source_type"].Eq)
	assert.ElementsMatch(t, []string{"A", "B"}, byField["tier"].In)
	rng := byField["published_at_ts"]
	require.NotNil(t, rng.Min)
	require.NotNil(t, rng.Max)
	assert.Less(t, *rng.Min, *rng.Max)
}

func TestConvertFiltersBadRange(t *testing.T) {
	_, err := ConvertFilters(map[string]any{"published_at": map[string]any{}})
	assert.Error(t, err)
	_, err = ConvertFilters(map[string]any{"quality_score": map[string]any{"min": "high"}})
	assert.Error(t, err)
}
