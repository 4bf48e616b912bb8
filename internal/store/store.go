// Package store holds the four backend interfaces (relational metadata,
// blob, vector, graph), their memory twins, the real implementations, and
// the cross-backend ProvenanceStore that keeps them referentially
// consistent.
package store

import (
	"context"
	"errors"
	"time"

	"tracelight/internal/model"
)

// Common errors returned by store implementations.
var (
	ErrNotFound = errors.New("not found")
)

// ProcessingRecord is an audit row for one operation against a document.
type ProcessingRecord struct {
	RecordID    string
	DocID       string
	Operation   string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	Metadata    map[string]any
}

// MetaStore is the relational metadata backend: documents, jobs, and
// processing records.
type MetaStore interface {
	UpsertDocument(ctx context.Context, doc model.Document) error
	GetDocument(ctx context.Context, docID string) (model.Document, error)
	DeleteDocument(ctx context.Context, docID string) error

	UpsertJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, jobID string) (model.Job, error)

	AddProcessingRecord(ctx context.Context, rec ProcessingRecord) error
}

// BlobStore addresses immutable document bytes by doc_id.
type BlobStore interface {
	Put(ctx context.Context, docID string, data []byte, contentType string) error
	Get(ctx context.Context, docID string) ([]byte, string, error)
	Delete(ctx context.Context, docID string) error
	Exists(ctx context.Context, docID string) (bool, error)
}

// VectorPoint is one chunk vector plus its payload.
type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorHit is a search result.
type VectorHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Condition is one filter clause. Exactly one of Eq, In, or the range pair
// is set.
type Condition struct {
	Field string
	Eq    any
	In    []string
	Min   *float64
	Max   *float64
}

// Filter is a conjunction of conditions over payload fields.
type Filter struct {
	Must []Condition
}

// VectorStore is the vector index backend for the content_chunks
// collection.
type VectorStore interface {
	// UpsertBatch writes all points in one call; points are idempotent by ID.
	UpsertBatch(ctx context.Context, points []VectorPoint) error
	// Search returns up to limit nearest hits matching the filter.
	Search(ctx context.Context, vector []float32, limit int, filter *Filter) ([]VectorHit, error)
	// ByDoc returns all points for a document, ordinal ascending.
	ByDoc(ctx context.Context, docID string) ([]VectorHit, error)
	// DeleteByDoc removes every point whose payload doc_id matches.
	DeleteByDoc(ctx context.Context, docID string) error
	// Validate checks the live collection's dimensionality and metric
	// against the declared config; a mismatch is a fatal startup error.
	Validate(ctx context.Context) error
}

// GraphNode is a node in the property graph.
type GraphNode struct {
	ID     string
	Labels []string
	Props  map[string]any
}

// GraphEdge is a directed, typed edge with properties.
type GraphEdge struct {
	Src   string
	Rel   string
	Dst   string
	Props map[string]any
}

// GraphStore is the property graph backend. Upserts have MERGE semantics:
// rewriting the same node or edge is not an error and does not duplicate.
type GraphStore interface {
	UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error
	UpsertEdge(ctx context.Context, src, rel, dst string, props map[string]any) error
	GetNode(ctx context.Context, id string) (GraphNode, bool, error)
	GetEdge(ctx context.Context, src, rel, dst string) (map[string]any, bool, error)
	// Neighbors returns dst IDs of src's rel-edges, sorted.
	Neighbors(ctx context.Context, id, rel string) ([]string, error)
	// Incoming returns src IDs of rel-edges pointing at id, sorted.
	Incoming(ctx context.Context, id, rel string) ([]string, error)
	// Edges returns all outgoing edges of a node, optionally filtered by rel
	// (empty rel matches all).
	Edges(ctx context.Context, src, rel string) ([]GraphEdge, error)
	// DeleteNode removes the node and every edge touching it.
	DeleteNode(ctx context.Context, id string) error
}

// Graph vocabulary: node labels and relationship types.
const (
	LabelDocument = "Document"
	LabelChunk    = "Chunk"
	LabelMention  = "Mention"
	LabelEntity   = "Entity"
	LabelExport   = "Export"
	LabelScene    = "Scene"
	LabelAIModel  = "AIModel"

	RelHasChunk      = "HAS_CHUNK"
	RelMentions      = "MENTIONS"
	RelRefersTo      = "REFERS_TO"
	RelGeneratedFrom = "GENERATED_FROM"
	RelHasScene      = "HAS_SCENE"
	RelSourcedFrom   = "SOURCED_FROM"
	RelGeneratedBy   = "GENERATED_BY"
	RelVersionOf     = "VERSION_OF"
)

// EntityRelationPredicates are the entity-to-entity edge types walked by
// GetRelations.
var EntityRelationPredicates = []string{
	model.PredEmployedBy, model.PredFounded, model.PredCites,
	model.PredLocatedIn, model.PredAuthored,
}
