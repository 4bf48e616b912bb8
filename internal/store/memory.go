package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"tracelight/internal/model"
)

// MemoryMeta is the in-process MetaStore twin.
type MemoryMeta struct {
	mu      sync.RWMutex
	docs    map[string]model.Document
	jobs    map[string]model.Job
	records []ProcessingRecord
}

func NewMemoryMeta() *MemoryMeta {
	return &MemoryMeta{docs: map[string]model.Document{}, jobs: map[string]model.Job{}}
}

func (m *MemoryMeta) UpsertDocument(_ context.Context, doc model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryMeta) GetDocument(_ context.Context, docID string) (model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[docID]
	if !ok {
		return model.Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryMeta) DeleteDocument(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

func (m *MemoryMeta) UpsertJob(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryMeta) GetJob(_ context.Context, jobID string) (model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryMeta) AddProcessingRecord(_ context.Context, rec ProcessingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the audit log, for tests.
func (m *MemoryMeta) Records() []ProcessingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProcessingRecord, len(m.records))
	copy(out, m.records)
	return out
}

// MemoryBlob is the in-process BlobStore twin.
type MemoryBlob struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	data        []byte
	contentType string
}

func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{blobs: map[string]memBlob{}}
}

func (b *MemoryBlob) Put(_ context.Context, docID string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.blobs[docID] = memBlob{data: cp, contentType: contentType}
	return nil
}

func (b *MemoryBlob) Get(_ context.Context, docID string) ([]byte, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blob, ok := b.blobs[docID]
	if !ok {
		return nil, "", ErrNotFound
	}
	cp := make([]byte, len(blob.data))
	copy(cp, blob.data)
	return cp, blob.contentType, nil
}

func (b *MemoryBlob) Delete(_ context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, docID)
	return nil
}

func (b *MemoryBlob) Exists(_ context.Context, docID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[docID]
	return ok, nil
}

// MemoryVector is the in-process VectorStore twin using exact cosine
// similarity. Tie-breaking follows the retrieval determinism contract:
// score desc, ordinal asc, then ID lexicographic.
type MemoryVector struct {
	mu     sync.RWMutex
	dim    int
	points map[string]VectorPoint
}

func NewMemoryVector(dim int) *MemoryVector {
	return &MemoryVector{dim: dim, points: map[string]VectorPoint{}}
}

func (v *MemoryVector) UpsertBatch(_ context.Context, points []VectorPoint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range points {
		if v.dim > 0 && len(p.Vector) != v.dim {
			return model.Ef(model.KindStore, "vector %s has dim %d, collection declares %d", p.ID, len(p.Vector), v.dim)
		}
		v.points[p.ID] = p
	}
	return nil
}

func (v *MemoryVector) Search(_ context.Context, vector []float32, limit int, filter *Filter) ([]VectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if limit <= 0 {
		return []VectorHit{}, nil
	}
	var hits []VectorHit
	for _, p := range v.points {
		if !matches(p.Payload, filter) {
			continue
		}
		hits = append(hits, VectorHit{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (v *MemoryVector) ByDoc(_ context.Context, docID string) ([]VectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var hits []VectorHit
	for _, p := range v.points {
		if payloadString(p.Payload, "doc_id") == docID {
			hits = append(hits, VectorHit{ID: p.ID, Payload: p.Payload})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		return payloadInt(hits[i].Payload, "ordinal") < payloadInt(hits[j].Payload, "ordinal")
	})
	return hits, nil
}

func (v *MemoryVector) DeleteByDoc(_ context.Context, docID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, p := range v.points {
		if payloadString(p.Payload, "doc_id") == docID {
			delete(v.points, id)
		}
	}
	return nil
}

func (v *MemoryVector) Validate(context.Context) error { return nil }

// Len reports the number of stored points, for tests.
func (v *MemoryVector) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.points)
}

// sortHits orders by score desc, ordinal asc, ID lexicographic.
func sortHits(hits []VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		oi, oj := payloadInt(hits[i].Payload, "ordinal"), payloadInt(hits[j].Payload, "ordinal")
		if oi != oj {
			return oi < oj
		}
		return hits[i].ID < hits[j].ID
	})
}

func matches(payload map[string]any, filter *Filter) bool {
	if filter == nil {
		return true
	}
	for _, c := range filter.Must {
		val, ok := payload[c.Field]
		if !ok {
			return false
		}
		switch {
		case c.Eq != nil:
			if !equalAny(val, c.Eq) {
				return false
			}
		case c.In != nil:
			s := toString(val)
			found := false
			for _, want := range c.In {
				if s == want {
					found = true
					break
				}
			}
			if !found {
				// tags are lists; membership means any element matches
				if list, isList := val.([]string); isList {
					for _, el := range list {
						for _, want := range c.In {
							if el == want {
								found = true
							}
						}
					}
				}
			}
			if !found {
				return false
			}
		case c.Min != nil || c.Max != nil:
			f, ok := toFloat(val)
			if !ok {
				return false
			}
			if c.Min != nil && f < *c.Min {
				return false
			}
			if c.Max != nil && f > *c.Max {
				return false
			}
		}
	}
	return true
}

func equalAny(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok2 := toFloat(b); ok2 {
			return fa == fb
		}
	}
	if la, ok := a.([]string); ok {
		want := toString(b)
		for _, el := range la {
			if el == want {
				return true
			}
		}
		return false
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	default:
		return ""
	}
}

func payloadString(p map[string]any, key string) string {
	return toString(p[key])
}

func payloadInt(p map[string]any, key string) int {
	if f, ok := toFloat(p[key]); ok {
		return int(f)
	}
	return 0
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MemoryGraph is the in-process GraphStore twin.
type MemoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]GraphNode
	edges map[string]map[string]map[string]map[string]any // src -> rel -> dst -> props
}

func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		nodes: map[string]GraphNode{},
		edges: map[string]map[string]map[string]map[string]any{},
	}
}

func (g *MemoryGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	g.nodes[id] = GraphNode{ID: id, Labels: append([]string{}, labels...), Props: cp}
	return nil
}

func (g *MemoryGraph) UpsertEdge(_ context.Context, src, rel, dst string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.edges[src] == nil {
		g.edges[src] = map[string]map[string]map[string]any{}
	}
	if g.edges[src][rel] == nil {
		g.edges[src][rel] = map[string]map[string]any{}
	}
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	g.edges[src][rel][dst] = cp
	return nil
}

func (g *MemoryGraph) GetNode(_ context.Context, id string) (GraphNode, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok, nil
}

func (g *MemoryGraph) GetEdge(_ context.Context, src, rel, dst string) (map[string]any, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	props, ok := g.edges[src][rel][dst]
	if !ok {
		return nil, false, nil
	}
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return cp, true, nil
}

func (g *MemoryGraph) Neighbors(_ context.Context, id, rel string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []string{}
	for dst := range g.edges[id][rel] {
		out = append(out, dst)
	}
	sort.Strings(out)
	return out, nil
}

func (g *MemoryGraph) Incoming(_ context.Context, id, rel string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []string{}
	for src, rels := range g.edges {
		if _, ok := rels[rel][id]; ok {
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *MemoryGraph) Edges(_ context.Context, src, rel string) ([]GraphEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []GraphEdge
	for r, dsts := range g.edges[src] {
		if rel != "" && r != rel {
			continue
		}
		for dst, props := range dsts {
			cp := make(map[string]any, len(props))
			for k, v := range props {
				cp[k] = v
			}
			out = append(out, GraphEdge{Src: src, Rel: r, Dst: dst, Props: cp})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rel != out[j].Rel {
			return out[i].Rel < out[j].Rel
		}
		return out[i].Dst < out[j].Dst
	})
	return out, nil
}

func (g *MemoryGraph) DeleteNode(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	delete(g.edges, id)
	for _, rels := range g.edges {
		for _, dsts := range rels {
			delete(dsts, id)
		}
	}
	return nil
}

// NodeIDsByLabel lists node IDs carrying a label, for tests and sweeps.
func (g *MemoryGraph) NodeIDsByLabel(label string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for id, n := range g.nodes {
		for _, l := range n.Labels {
			if l == label {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

var _ MetaStore = (*MemoryMeta)(nil)
var _ BlobStore = (*MemoryBlob)(nil)
var _ VectorStore = (*MemoryVector)(nil)
var _ GraphStore = (*MemoryGraph)(nil)
