// Package retrieve answers vector queries with metadata filters. Results
// are deterministic for identical inputs over identical index state: score
// descending, then ordinal, then chunk ID.
package retrieve

import (
	"context"
	"strings"
	"time"

	"tracelight/internal/embedder"
	"tracelight/internal/model"
	"tracelight/internal/observability"
	"tracelight/internal/store"
)

// Hit is one retrieval result.
type Hit struct {
	ChunkID string
	DocID   string
	Score   float64
	Chunk   model.Chunk
	Payload map[string]any
}

// Options tunes one search.
type Options struct {
	TopK     int
	MinScore float64
	Filters  map[string]any
}

// Retriever embeds queries and searches the vector index.
type Retriever struct {
	emb     embedder.Embedder
	vector  store.VectorStore
	metrics observability.Metrics
}

// New builds a Retriever. metrics may be nil.
func New(emb embedder.Embedder, vector store.VectorStore, metrics observability.Metrics) *Retriever {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Retriever{emb: emb, vector: vector, metrics: metrics}
}

// Search embeds the query and runs a filtered vector search. An empty query
// is InvalidInput; TopK of zero returns an empty hit list.
func (r *Retriever) Search(ctx context.Context, query string, opt Options) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, model.E(model.KindInvalidInput, "empty query")
	}
	if opt.TopK < 0 {
		return nil, model.E(model.KindInvalidInput, "top_k must be >= 0")
	}
	if opt.TopK == 0 {
		return []Hit{}, nil
	}
	filter, err := ConvertFilters(opt.Filters)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vecs, err := r.emb.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, model.E(model.KindEmbedding, "query embedding missing")
	}
	r.metrics.ObserveHistogram("retrieval_stage_ms", float64(time.Since(start).Milliseconds()), map[string]string{"stage": "embed"})

	start = time.Now()
	raw, err := r.vector.Search(ctx, vecs[0], opt.TopK, filter)
	if err != nil {
		return nil, model.Transient(model.KindStore, "vector search failed", err)
	}
	r.metrics.ObserveHistogram("retrieval_stage_ms", float64(time.Since(start).Milliseconds()), map[string]string{"stage": "search"})

	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		if opt.MinScore > 0 && h.Score < opt.MinScore {
			continue
		}
		chunk := store.ChunkFromPayload(h.ID, h.Payload)
		hits = append(hits, Hit{
			ChunkID: h.ID,
			DocID:   chunk.DocID,
			Score:   h.Score,
			Chunk:   chunk,
			Payload: h.Payload,
		})
	}
	r.metrics.IncCounter("retrieval_queries_total", nil)
	return hits, nil
}

// filterableKeys maps the filter surface the API understands onto payload
// fields and the condition kinds each supports.
var filterableKeys = map[string]struct {
	field   string
	numeric bool
	isTime  bool
}{
	"doc_id":        {field: "doc_id"},
	"chunk_id":      {field: "chunk_id"},
	"source_type":   {field: "source_type"},
	"tier":          {field: "tier"},
	"tags":          {field: "tags"},
	"url":           {field: "url"},
	"video_id":      {field: "video_id"},
	"channel":       {field: "channel"},
	"page_number":   {field: "page_number", numeric: true},
	"ordinal":       {field: "ordinal", numeric: true},
	"quality_score": {field: "quality_score", numeric: true},
	"published_at":  {field: "published_at_ts", numeric: true, isTime: true},
}

// ConvertFilters translates the API filter map into store conditions:
// equality becomes a match, a list becomes set membership, and a
// {min,max} map becomes a range. Unknown keys are rejected.
func ConvertFilters(filters map[string]any) (*store.Filter, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	out := &store.Filter{}
	for key, val := range filters {
		spec, ok := filterableKeys[key]
		if !ok {
			return nil, model.Ef(model.KindInvalidInput, "unknown filter key %q", key)
		}
		cond, err := convertCondition(spec.field, val, spec.numeric, spec.isTime)
		if err != nil {
			return nil, err
		}
		out.Must = append(out.Must, cond)
	}
	return out, nil
}

func convertCondition(field string, val any, numeric, isTime bool) (store.Condition, error) {
	switch v := val.(type) {
	case string:
		if isTime {
			ts, err := parseTimeValue(v)
			if err != nil {
				return store.Condition{}, err
			}
			return store.Condition{Field: field, Eq: ts}, nil
		}
		return store.Condition{Field: field, Eq: v}, nil
	case int:
		return store.Condition{Field: field, Eq: v}, nil
	case float64:
		if numeric && v == float64(int(v)) {
			return store.Condition{Field: field, Eq: int(v)}, nil
		}
		return store.Condition{Field: field, Eq: v}, nil
	case []string:
		return store.Condition{Field: field, In: v}, nil
	case []any:
		in := make([]string, 0, len(v))
		for _, el := range v {
			s, ok := el.(string)
			if !ok {
				return store.Condition{}, model.Ef(model.KindInvalidInput, "filter list for %q must contain strings", field)
			}
			in = append(in, s)
		}
		return store.Condition{Field: field, In: in}, nil
	case map[string]any:
		cond := store.Condition{Field: field}
		if raw, ok := v["min"]; ok {
			f, err := boundValue(raw, isTime)
			if err != nil {
				return store.Condition{}, err
			}
			cond.Min = &f
		}
		if raw, ok := v["max"]; ok {
			f, err := boundValue(raw, isTime)
			if err != nil {
				return store.Condition{}, err
			}
			cond.Max = &f
		}
		if cond.Min == nil && cond.Max == nil {
			return store.Condition{}, model.Ef(model.KindInvalidInput, "range filter for %q needs min or max", field)
		}
		return cond, nil
	default:
		return store.Condition{}, model.Ef(model.KindInvalidInput, "unsupported filter value for %q", field)
	}
}

func boundValue(raw any, isTime bool) (float64, error) {
	switch x := raw.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		if isTime {
			ts, err := parseTimeValue(x)
			if err != nil {
				return 0, err
			}
			return float64(ts), nil
		}
		return 0, model.E(model.KindInvalidInput, "range bound must be numeric")
	default:
		return 0, model.E(model.KindInvalidInput, "range bound must be numeric")
	}
}

func parseTimeValue(v string) (int, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		if d, derr := time.Parse("2006-01-02", v); derr == nil {
			return int(d.Unix()), nil
		}
		return 0, model.Wrap(model.KindInvalidInput, "published_at must be RFC3339 or YYYY-MM-DD", err)
	}
	return int(t.Unix()), nil
}
