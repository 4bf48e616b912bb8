// Package pipeline orchestrates the ingestion stages:
// Extract -> Screen -> Transform -> Chunk+Embed -> Store -> Provenance.
// Every stage is idempotent given its inputs and the deterministic IDs, so
// rerunning after a transient failure never duplicates rows.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tracelight/internal/chunker"
	"tracelight/internal/config"
	"tracelight/internal/embedder"
	"tracelight/internal/extract"
	"tracelight/internal/ids"
	"tracelight/internal/jobs"
	"tracelight/internal/model"
	"tracelight/internal/observability"
	"tracelight/internal/progress"
	"tracelight/internal/screen"
	"tracelight/internal/store"
	"tracelight/internal/transform"
)

// Pipeline implements jobs.Runner.
type Pipeline struct {
	cfg         config.Config
	ids         *ids.Service
	extractors  *extract.Registry
	screener    *screen.Screener
	transformer *transform.Transformer
	embedder    embedder.Embedder
	bucket      *embedder.Bucket
	prov        *store.Provenance
	bus         *progress.Bus
	metrics     observability.Metrics
}

// New wires the pipeline. bucket and metrics may be nil.
func New(cfg config.Config, idsvc *ids.Service, extractors *extract.Registry, screener *screen.Screener,
	transformer *transform.Transformer, emb embedder.Embedder, bucket *embedder.Bucket,
	prov *store.Provenance, bus *progress.Bus, metrics observability.Metrics) *Pipeline {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Pipeline{
		cfg:         cfg,
		ids:         idsvc,
		extractors:  extractors,
		screener:    screener,
		transformer: transformer,
		embedder:    emb,
		bucket:      bucket,
		prov:        prov,
		bus:         bus,
		metrics:     metrics,
	}
}

// Run executes one job. The job's stage and progress fields are mutated and
// persisted at every stage boundary; cancellation is checked there too.
func (p *Pipeline) Run(ctx context.Context, job *model.Job, hooks jobs.Hooks) (*model.JobResult, error) {
	start := time.Now()
	log := observability.LoggerWithTrace(ctx)
	log.Info().Str("job_id", job.ID).Str("url", job.URL).Msg("job_started")
	p.bus.Publish(job.ID, progress.Event{Kind: progress.EventJobStarted, JobID: job.ID, URL: job.URL})

	// Extract
	var raw *extract.RawContent
	err := p.stage(ctx, job, hooks, model.StageExtract, p.cfg.StageTimeout.Extract, func(sctx context.Context) error {
		ex, _, err := p.extractors.For(job.URL)
		if err != nil {
			return err
		}
		raw, err = ex.Extract(sctx, job.URL)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Screen
	var verdict *screen.Verdict
	err = p.stage(ctx, job, hooks, model.StageScreen, p.cfg.StageTimeout.Screen, func(sctx context.Context) error {
		var serr error
		verdict, serr = p.screener.Screen(sctx, ids.ContentHash(raw.Text), raw.Title, raw.Text)
		return serr
	})
	if err != nil {
		return nil, err
	}
	if verdict.Decision == screen.DecisionReject {
		// a rejection is a normal terminal outcome, not an error: the job
		// completes with no tier and nothing stored
		result := &model.JobResult{DocID: job.DocID, Tier: "", Title: raw.Title, Stored: false}
		job.ProgressPct = 100
		hooks.Persist(*job)
		p.bus.Publish(job.ID, progress.Event{
			Kind:       progress.EventJobCompleted,
			JobID:      job.ID,
			DurationMS: time.Since(start).Milliseconds(),
			Result:     result,
		})
		log.Info().Str("job_id", job.ID).Float64("score", verdict.QualityScore).Msg("screen_rejected")
		return result, nil
	}
	tier := model.TierFor(verdict.QualityScore, p.cfg.Screening.TierThresholds)

	// Transform
	var processed *transform.Processed
	err = p.stage(ctx, job, hooks, model.StageTransform, p.cfg.StageTimeout.Transform, func(sctx context.Context) error {
		var terr error
		processed, terr = p.transformer.Transform(sctx, raw.Text)
		return terr
	})
	if err != nil {
		return nil, err
	}

	// Chunk + Embed
	var chunks []model.Chunk
	err = p.stage(ctx, job, hooks, model.StageChunkEmbed, 0, func(sctx context.Context) error {
		pieces := chunker.Split(raw.Text, chunker.Options{
			TargetChars:  p.cfg.Chunk.TargetChars,
			OverlapChars: p.cfg.Chunk.OverlapChars,
		})
		chunks = p.buildChunks(job.DocID, raw, pieces)
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, eerr := embedder.EmbedAll(sctx, p.embedder, texts, embedder.PoolOptions{
			Concurrency:    p.cfg.EmbedConcurrency,
			PerCallTimeout: p.cfg.StageTimeout.Embed,
			Bucket:         p.bucket,
			Cancelled:      hooks.Cancelled,
		})
		if eerr != nil {
			return eerr
		}
		for i := range chunks {
			chunks[i].Embedding = vecs[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	doc := p.buildDocument(job, raw, verdict, tier, processed)
	ingestion := p.buildIngestion(doc, raw, processed, chunks)

	// Store
	err = p.stage(ctx, job, hooks, model.StageStore, p.cfg.StageTimeout.Store, func(sctx context.Context) error {
		return p.prov.WriteCore(sctx, ingestion)
	})
	if err != nil {
		return nil, err
	}

	// Provenance
	err = p.stage(ctx, job, hooks, model.StageProvenance, p.cfg.StageTimeout.Store, func(sctx context.Context) error {
		return p.prov.CommitGraph(sctx, ingestion)
	})
	if err != nil {
		return nil, err
	}

	completed := time.Now().UTC()
	_ = p.prov.Meta.AddProcessingRecord(ctx, store.ProcessingRecord{
		RecordID:    uuid.NewString(),
		DocID:       doc.ID,
		Operation:   "ingest",
		Status:      "completed",
		StartedAt:   start.UTC(),
		CompletedAt: &completed,
		Metadata:    map[string]any{"job_id": job.ID, "chunks": len(chunks)},
	})

	result := &model.JobResult{DocID: doc.ID, Tier: tier, Title: doc.Title, Stored: true}
	job.ProgressPct = 100
	hooks.Persist(*job)
	p.bus.Publish(job.ID, progress.Event{
		Kind:       progress.EventJobCompleted,
		JobID:      job.ID,
		DurationMS: time.Since(start).Milliseconds(),
		Result:     result,
	})
	log.Info().Str("job_id", job.ID).Str("doc_id", doc.ID).Str("tier", string(tier)).
		Int("chunks", len(chunks)).Dur("duration", time.Since(start)).Msg("job_completed")
	return result, nil
}

// stage runs one pipeline stage: cancellation check, stage_started event,
// the work under its timeout, stage_completed event, and a persisted
// progress snapshot with the cumulative weight.
func (p *Pipeline) stage(ctx context.Context, job *model.Job, hooks jobs.Hooks, st model.Stage, timeout time.Duration, fn func(context.Context) error) error {
	if hooks.Cancelled() {
		return model.Ef(model.KindCancelled, "cancelled before %s", st)
	}
	job.CurrentStage = st
	hooks.Persist(*job)
	p.bus.Publish(job.ID, progress.Event{Kind: progress.EventStageStarted, JobID: job.ID, Stage: st})

	sctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	begin := time.Now()
	err := fn(sctx)
	elapsed := time.Since(begin)
	p.metrics.ObserveHistogram("ingestion_stage_ms", float64(elapsed.Milliseconds()), map[string]string{"stage": string(st)})

	if err != nil {
		if sctx.Err() == context.DeadlineExceeded && !model.IsCancelled(err) {
			err = model.Transient(stageErrKind(st), "stage timed out", err)
		}
		return err
	}
	if hooks.Cancelled() {
		return model.Ef(model.KindCancelled, "cancelled after %s", st)
	}

	job.ProgressPct += model.StageWeights[st]
	if job.ProgressPct > 100 {
		job.ProgressPct = 100
	}
	hooks.Persist(*job)
	p.bus.Publish(job.ID, progress.Event{Kind: progress.EventStageCompleted, JobID: job.ID, Stage: st, DurationMS: elapsed.Milliseconds()})
	p.bus.Publish(job.ID, progress.Event{Kind: progress.EventStageProgress, JobID: job.ID, Stage: st, Percent: job.ProgressPct})
	return nil
}

func stageErrKind(st model.Stage) model.ErrKind {
	switch st {
	case model.StageExtract:
		return model.KindExtraction
	case model.StageScreen:
		return model.KindScreening
	case model.StageTransform:
		return model.KindTransform
	case model.StageChunkEmbed:
		return model.KindEmbedding
	default:
		return model.KindStore
	}
}
