// Package model holds the core records shared across the engine: jobs,
// documents, chunks, mentions, entities, relations, and the error taxonomy.
package model

import "time"

// SourceType distinguishes the ingestion paths.
type SourceType string

const (
	SourceWeb     SourceType = "web"
	SourcePDF     SourceType = "pdf"
	SourceYouTube SourceType = "youtube"
)

// Tier is the quality bucket derived from the screening score. Empty means
// the document was rejected (or never screened).
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// JobStatus is the job state machine:
// PENDING -> QUEUED -> RUNNING -> (COMPLETED | FAILED | CANCELLED),
// FAILED -> RETRYING -> QUEUED.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
	StatusRetrying  JobStatus = "RETRYING"
)

// Terminal reports whether a status permits no further transitions. FAILED is
// terminal only once attempts are exhausted; the JobManager resolves that.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageExtract    Stage = "extract"
	StageScreen     Stage = "screen"
	StageTransform  Stage = "transform"
	StageChunkEmbed Stage = "chunk_embed"
	StageStore      Stage = "store"
	StageProvenance Stage = "provenance"
)

// Stages lists the pipeline stages in order.
var Stages = []Stage{StageExtract, StageScreen, StageTransform, StageChunkEmbed, StageStore, StageProvenance}

// StageWeights are the deterministic progress weights; they sum to 100.
var StageWeights = map[Stage]int{
	StageExtract:    15,
	StageScreen:     10,
	StageTransform:  20,
	StageChunkEmbed: 25,
	StageStore:      25,
	StageProvenance: 5,
}

// Job is the unit of ingestion work. The JobManager owns these rows.
type Job struct {
	ID           string     `json:"job_id"`
	DocID        string     `json:"doc_id"`
	URL          string     `json:"url"`
	Status       JobStatus  `json:"status"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	CurrentStage Stage      `json:"current_stage,omitempty"`
	ProgressPct  int        `json:"progress_pct"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
}

// JobResult is attached to a completed job.
type JobResult struct {
	DocID  string `json:"doc_id"`
	Tier   Tier   `json:"tier"`
	Title  string `json:"title"`
	Stored bool   `json:"stored"`
}

// Document is the screened, normalized source. Core fields are immutable
// after the Store stage; Metadata is extensible.
type Document struct {
	ID           string         `json:"doc_id"`
	SourceURL    string         `json:"source_url"`
	SourceType   SourceType     `json:"source_type"`
	Title        string         `json:"title"`
	Author       string         `json:"author,omitempty"`
	PublishedAt  *time.Time     `json:"published_at,omitempty"`
	QualityScore float64        `json:"quality_score"`
	Tier         Tier           `json:"tier"`
	CreatedAt    time.Time      `json:"created_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Chunk is the retrieval unit: a contiguous byte-range slice of the
// document's normalized text plus its embedding payload.
type Chunk struct {
	ID        string     `json:"chunk_id"`
	DocID     string     `json:"doc_id"`
	Ordinal   int        `json:"ordinal"`
	Text      string     `json:"text"`
	ByteStart int        `json:"byte_start"`
	ByteEnd   int        `json:"byte_end"`
	Embedding []float32  `json:"-"`
	Source    SourceInfo `json:"source"`
}

// SourceInfo is the typed per-source extension carried on a chunk. Fields
// are populated only for the matching source type.
type SourceInfo struct {
	Type       SourceType `json:"type"`
	PageNumber int        `json:"page_number,omitempty"`     // pdf
	VideoID    string     `json:"video_id,omitempty"`        // youtube
	Channel    string     `json:"channel,omitempty"`         // youtube
	TimestampStart string `json:"timestamp_start,omitempty"` // youtube
	TimestampEnd   string `json:"timestamp_end,omitempty"`   // youtube
}

// Mention is one occurrence of an entity surface form inside a chunk.
type Mention struct {
	ID         string  `json:"mention_id"`
	ChunkID    string  `json:"chunk_id"`
	EntityID   string  `json:"entity_id,omitempty"`
	EntityType string  `json:"entity_type"`
	Surface    string  `json:"surface_text"`
	SpanStart  int     `json:"span_start"`
	SpanEnd    int     `json:"span_end"`
	Confidence float64 `json:"confidence"`
}

// Entity is a canonicalized referent that mentions resolve to. Aliases grow
// across documents; the ID never changes.
type Entity struct {
	ID            string   `json:"entity_id"`
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases,omitempty"`
	Type          string   `json:"entity_type"`
	Confidence    float64  `json:"confidence"`
}

// Relation is a typed directed edge between two entities with chunk evidence.
type Relation struct {
	SubjectID       string   `json:"subject_entity_id"`
	Predicate       string   `json:"predicate"`
	ObjectID        string   `json:"object_entity_id"`
	Confidence      float64  `json:"confidence"`
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
}

// Known relation predicates. The set is open; these are the extracted ones.
const (
	PredEmployedBy = "EMPLOYED_BY"
	PredFounded    = "FOUNDED"
	PredCites      = "CITES"
	PredLocatedIn  = "LOCATED_IN"
	PredAuthored   = "AUTHORED"
)

// Scene is a generated-artifact segment attributed back to source material.
type Scene struct {
	Ordinal        int      `json:"ordinal"`
	Text           string   `json:"text"`
	SourceDocIDs   []string `json:"source_doc_ids"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

// ExportArtifact is a downstream generated artifact; it participates in the
// provenance graph only.
type ExportArtifact struct {
	ID           string    `json:"export_id"`
	SourceDocIDs []string  `json:"source_doc_ids"`
	Format       string    `json:"format"`
	Scenes       []Scene   `json:"scenes"`
	ModelsUsed   []string  `json:"models_used"`
	CreatedAt    time.Time `json:"created_at"`
}

// TierFor maps a screening score onto a tier given descending thresholds.
func TierFor(score float64, thresholds map[Tier]float64) Tier {
	for _, t := range []Tier{TierA, TierB, TierC, TierD} {
		if score >= thresholds[t] {
			return t
		}
	}
	return TierD
}
