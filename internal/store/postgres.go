package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tracelight/internal/model"
)

// PostgresMeta implements MetaStore on a pgx pool.
type PostgresMeta struct {
	pool *pgxpool.Pool
}

// NewPostgresMeta creates the schema if needed and returns the store.
func NewPostgresMeta(ctx context.Context, pool *pgxpool.Pool) (*PostgresMeta, error) {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS documents (
  doc_id TEXT PRIMARY KEY,
  source_url TEXT NOT NULL,
  source_type TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  author TEXT NOT NULL DEFAULT '',
  published_at TIMESTAMPTZ,
  quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
  tier TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  doc_id TEXT NOT NULL,
  status TEXT NOT NULL,
  priority INT NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  current_stage TEXT NOT NULL DEFAULT '',
  progress_pct INT NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS jobs_doc_id ON jobs(doc_id)`,
		`CREATE TABLE IF NOT EXISTS processing_records (
  record_id TEXT PRIMARY KEY,
  doc_id TEXT NOT NULL,
  operation TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ,
  error TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, err
		}
	}
	return &PostgresMeta{pool: pool}, nil
}

func (p *PostgresMeta) UpsertDocument(ctx context.Context, doc model.Document) error {
	meta := doc.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO documents(doc_id, source_url, source_type, title, author, published_at, quality_score, tier, created_at, metadata)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (doc_id) DO UPDATE SET
  title=EXCLUDED.title, author=EXCLUDED.author, published_at=EXCLUDED.published_at,
  quality_score=EXCLUDED.quality_score, tier=EXCLUDED.tier, metadata=EXCLUDED.metadata
`, doc.ID, doc.SourceURL, string(doc.SourceType), doc.Title, doc.Author, doc.PublishedAt,
		doc.QualityScore, string(doc.Tier), doc.CreatedAt, meta)
	return err
}

func (p *PostgresMeta) GetDocument(ctx context.Context, docID string) (model.Document, error) {
	row := p.pool.QueryRow(ctx, `
SELECT doc_id, source_url, source_type, title, author, published_at, quality_score, tier, created_at, metadata
FROM documents WHERE doc_id=$1`, docID)
	var doc model.Document
	var sourceType, tier string
	err := row.Scan(&doc.ID, &doc.SourceURL, &sourceType, &doc.Title, &doc.Author,
		&doc.PublishedAt, &doc.QualityScore, &tier, &doc.CreatedAt, &doc.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, ErrNotFound
	}
	if err != nil {
		return model.Document{}, err
	}
	doc.SourceType = model.SourceType(sourceType)
	doc.Tier = model.Tier(tier)
	return doc, nil
}

func (p *PostgresMeta) DeleteDocument(ctx context.Context, docID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE doc_id=$1`, docID)
	return err
}

func (p *PostgresMeta) UpsertJob(ctx context.Context, job model.Job) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO jobs(job_id, doc_id, status, priority, attempts, current_stage, progress_pct, error, created_at, started_at, completed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (job_id) DO UPDATE SET
  status=EXCLUDED.status, attempts=EXCLUDED.attempts, current_stage=EXCLUDED.current_stage,
  progress_pct=EXCLUDED.progress_pct, error=EXCLUDED.error,
  started_at=EXCLUDED.started_at, completed_at=EXCLUDED.completed_at, priority=EXCLUDED.priority
`, job.ID, job.DocID, string(job.Status), job.Priority, job.Attempts, string(job.CurrentStage),
		job.ProgressPct, job.Error, job.CreatedAt, job.StartedAt, job.CompletedAt)
	return err
}

func (p *PostgresMeta) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	row := p.pool.QueryRow(ctx, `
SELECT job_id, doc_id, status, priority, attempts, current_stage, progress_pct, error, created_at, started_at, completed_at
FROM jobs WHERE job_id=$1`, jobID)
	var job model.Job
	var status, stage string
	err := row.Scan(&job.ID, &job.DocID, &status, &job.Priority, &job.Attempts, &stage,
		&job.ProgressPct, &job.Error, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	job.Status = model.JobStatus(status)
	job.CurrentStage = model.Stage(stage)
	return job, nil
}

func (p *PostgresMeta) AddProcessingRecord(ctx context.Context, rec ProcessingRecord) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO processing_records(record_id, doc_id, operation, status, started_at, completed_at, error, metadata)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (record_id) DO NOTHING
`, rec.RecordID, rec.DocID, rec.Operation, rec.Status, rec.StartedAt, rec.CompletedAt, rec.Error, meta)
	return err
}

var _ MetaStore = (*PostgresMeta)(nil)
