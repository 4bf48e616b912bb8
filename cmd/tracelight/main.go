// Command tracelight runs the provenance-tracking content ingestion and
// retrieval engine: the HTTP API, the job manager and its worker pool, and
// the four storage backends (with in-memory fallbacks for development).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tracelight/internal/citations"
	"tracelight/internal/config"
	"tracelight/internal/embedder"
	"tracelight/internal/events"
	"tracelight/internal/extract"
	"tracelight/internal/httpapi"
	"tracelight/internal/ids"
	"tracelight/internal/jobs"
	"tracelight/internal/llm"
	"tracelight/internal/observability"
	"tracelight/internal/pipeline"
	"tracelight/internal/progress"
	"tracelight/internal/retrieve"
	"tracelight/internal/screen"
	"tracelight/internal/store"
	"tracelight/internal/transform"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("tracelight")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	shutdownOTel, err := observability.Setup(baseCtx, observability.OTelConfig{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(ctx)
	}()
	metrics := observability.NewOtelMetrics()

	idsvc := ids.NewService(cfg.TrackingParamsToStrip)

	// relational + graph backends
	var meta store.MetaStore
	var graph store.GraphStore
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(baseCtx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		if meta, err = store.NewPostgresMeta(baseCtx, pool); err != nil {
			return fmt.Errorf("postgres meta: %w", err)
		}
		if graph, err = store.NewPostgresGraph(baseCtx, pool); err != nil {
			return fmt.Errorf("postgres graph: %w", err)
		}
	} else {
		log.Warn().Msg("POSTGRES_DSN not set, using in-memory metadata and graph stores")
		meta = store.NewMemoryMeta()
		graph = store.NewMemoryGraph()
	}

	// vector backend; geometry mismatches are fatal at startup
	var vector store.VectorStore
	if cfg.Vector.DSN != "" {
		qv, err := store.NewQdrantVector(cfg.Vector.DSN, cfg.Vector.Collection, cfg.Embedding.Dim, cfg.Embedding.Distance)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer qv.Close()
		if err := qv.Validate(baseCtx); err != nil {
			return fmt.Errorf("vector collection validation: %w", err)
		}
		vector = qv
	} else {
		log.Warn().Msg("QDRANT_DSN not set, using in-memory vector store")
		vector = store.NewMemoryVector(cfg.Embedding.Dim)
	}

	// blob backend
	var blob store.BlobStore
	if cfg.S3.Bucket != "" {
		if blob, err = store.NewS3Blob(baseCtx, cfg.S3); err != nil {
			return fmt.Errorf("s3: %w", err)
		}
	} else {
		log.Warn().Msg("S3_BUCKET not set, using in-memory blob store")
		blob = store.NewMemoryBlob()
	}

	// status store + screening cache
	var status jobs.StatusStore
	var screenCache screen.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(baseCtx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		status = jobs.NewRedisStatus(rdb, cfg.StatusTTL)
		screenCache = screen.NewRedisCache(rdb, cfg.Screening.CacheTTL)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-memory status store and screening cache")
		status = jobs.NewMemoryStatus(cfg.StatusTTL, nil)
		screenCache = screen.NewMemoryCache(cfg.Screening.CacheTTL, nil)
	}

	prov := store.NewProvenance(meta, blob, vector, graph, metrics)

	// llm clients: one for answers/transform assist, one for screening
	answerClient, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	screenCfg := cfg.LLM
	if cfg.Screening.Provider != "" {
		screenCfg.Provider = cfg.Screening.Provider
	}
	if cfg.Screening.Model != "" {
		screenCfg.OpenAIModel = cfg.Screening.Model
		screenCfg.AnthropicModel = cfg.Screening.Model
	}
	screenClient, err := llm.New(screenCfg)
	if err != nil {
		return fmt.Errorf("screening llm: %w", err)
	}

	var emb embedder.Embedder
	if cfg.Embedding.BaseURL != "" || cfg.Embedding.APIKey != "" {
		emb = embedder.NewClient(cfg.Embedding)
	} else {
		log.Warn().Msg("no embedding provider configured, using deterministic embedder")
		emb = embedder.NewDeterministic(cfg.Embedding.Dim, 0)
	}
	bucket := embedder.NewBucket(cfg.ProviderRatePerSec)
	defer bucket.Stop()

	// extractors: web is built in; pdf/youtube arrive via external
	// collaborators and stay unconfigured in the default build
	web := extract.NewWebExtractor(extract.WebOptions{Timeout: cfg.StageTimeout.Extract})
	registry := extract.NewRegistry(web, nil, nil)

	bus := progress.NewBus(256)
	sink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer sink.Close()

	pipe := pipeline.New(cfg, idsvc, registry, screen.New(screenClient, screenCache),
		transform.New(answerClient), emb, bucket, prov, bus, metrics)

	var mgrSink jobs.EventSink
	if sink != nil {
		mgrSink = sink
	}
	mgr := jobs.NewManager(idsvc, status, meta, bus, pipe, jobs.Options{
		Workers:           cfg.WorkerPoolSize,
		MaxAttempts:       cfg.MaxRetryAttempts,
		RetryBase:         cfg.RetryBase,
		RetryMax:          cfg.RetryMax,
		RejectDuplicate:   cfg.DuplicatePolicy == config.DuplicateReject,
		TerminalRetention: cfg.StatusTTL,
	}, metrics, mgrSink)
	mgr.Start(baseCtx)

	retriever := retrieve.New(emb, vector, metrics)
	resolver := citations.NewResolver(answerClient, prov)
	api := httpapi.NewServer(mgr, retriever, resolver, bus, cfg.HeartbeatInterval)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Int("workers", cfg.WorkerPoolSize).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	mgr.Stop()
	return nil
}
