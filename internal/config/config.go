// Package config loads engine configuration from the environment (with an
// optional .env overlay) and an optional YAML file. Environment values win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"tracelight/internal/ids"
	"tracelight/internal/model"
)

// StageTimeouts bounds each pipeline stage's external calls.
type StageTimeouts struct {
	Extract   time.Duration `yaml:"extract"`
	Screen    time.Duration `yaml:"screen"`
	Transform time.Duration `yaml:"transform"`
	Embed     time.Duration `yaml:"embed"`
	Store     time.Duration `yaml:"store"`
}

// ChunkConfig controls the sliding-window chunker.
type ChunkConfig struct {
	TargetChars  int `yaml:"target_chars"`
	OverlapChars int `yaml:"overlap_chars"`
}

// EmbeddingConfig selects the embedding provider and declares the collection
// geometry. Dim and Distance are declared in config, never inferred.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Dim      int    `yaml:"dim"`
	Distance string `yaml:"distance"`
}

// ScreeningConfig selects the screening LLM and cache TTL.
type ScreeningConfig struct {
	Provider       string                 `yaml:"provider"`
	Model          string                 `yaml:"model"`
	CacheTTL       time.Duration          `yaml:"cache_ttl"`
	TierThresholds map[model.Tier]float64 `yaml:"tier_thresholds"`
}

// LLMConfig configures the completion providers.
type LLMConfig struct {
	Provider         string `yaml:"provider"` // openai | anthropic
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIModel      string `yaml:"openai_model"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`
	AnthropicModel   string `yaml:"anthropic_model"`
}

// VectorConfig points at the qdrant collection.
type VectorConfig struct {
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection_name"`
}

// S3Config configures the blob bucket (AWS or MinIO-compatible).
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
}

// KafkaConfig configures the optional job lifecycle event sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// DuplicatePolicy decides what Submit does when an active job already exists
// for the same doc_id.
type DuplicatePolicy string

const (
	DuplicateReject DuplicatePolicy = "reject"
	DuplicateReuse  DuplicatePolicy = "reuse"
)

// Config is the full engine configuration surface.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	WorkerPoolSize        int             `yaml:"worker_pool_size"`
	EmbedConcurrency      int             `yaml:"embed_concurrency_per_job"`
	PriorityLevels        int             `yaml:"priority_levels"`
	MaxRetryAttempts      int             `yaml:"max_retry_attempts"`
	RetryBase             time.Duration   `yaml:"retry_base"`
	RetryMax              time.Duration   `yaml:"retry_max"`
	StageTimeout          StageTimeouts   `yaml:"stage_timeout"`
	Chunk                 ChunkConfig     `yaml:"chunk"`
	Embedding             EmbeddingConfig `yaml:"embedding"`
	Screening             ScreeningConfig `yaml:"screening"`
	LLM                   LLMConfig       `yaml:"llm"`
	Vector                VectorConfig    `yaml:"vector"`
	PostgresDSN           string          `yaml:"postgres_dsn"`
	RedisAddr             string          `yaml:"redis_addr"`
	S3                    S3Config        `yaml:"s3"`
	Kafka                 KafkaConfig     `yaml:"kafka"`
	OTel                  TelemetryConfig `yaml:"otel"`
	TrackingParamsToStrip []string        `yaml:"url_tracking_params_to_strip"`
	DuplicatePolicy       DuplicatePolicy `yaml:"duplicate_policy"`
	HeartbeatInterval     time.Duration   `yaml:"heartbeat_interval"`
	StatusTTL             time.Duration   `yaml:"status_ttl"`
	ProviderRatePerSec    int             `yaml:"provider_rate_per_sec"`
}

// Load reads configuration from the environment, optionally overlaid on a
// YAML file named in TRACELIGHT_CONFIG. A .env file, when present, overrides
// the process environment so local development is deterministic.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("TRACELIGHT_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config file: %w", err)
		}
	}

	cfg.Host = envStr("HOST", cfg.Host)
	cfg.Port = envInt("PORT", cfg.Port)
	cfg.LogPath = envStr("LOG_PATH", cfg.LogPath)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)

	cfg.WorkerPoolSize = envInt("WORKER_POOL_SIZE", cfg.WorkerPoolSize)
	cfg.EmbedConcurrency = envInt("EMBED_CONCURRENCY_PER_JOB", cfg.EmbedConcurrency)
	cfg.PriorityLevels = envInt("PRIORITY_LEVELS", cfg.PriorityLevels)
	cfg.MaxRetryAttempts = envInt("MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.RetryBase = envSeconds("RETRY_BASE_SECONDS", cfg.RetryBase)
	cfg.RetryMax = envSeconds("RETRY_MAX_SECONDS", cfg.RetryMax)

	cfg.StageTimeout.Extract = envSeconds("STAGE_TIMEOUT_EXTRACT", cfg.StageTimeout.Extract)
	cfg.StageTimeout.Screen = envSeconds("STAGE_TIMEOUT_SCREEN", cfg.StageTimeout.Screen)
	cfg.StageTimeout.Transform = envSeconds("STAGE_TIMEOUT_TRANSFORM", cfg.StageTimeout.Transform)
	cfg.StageTimeout.Embed = envSeconds("STAGE_TIMEOUT_EMBED", cfg.StageTimeout.Embed)
	cfg.StageTimeout.Store = envSeconds("STAGE_TIMEOUT_STORE", cfg.StageTimeout.Store)

	cfg.Chunk.TargetChars = envInt("CHUNK_TARGET_CHARS", cfg.Chunk.TargetChars)
	cfg.Chunk.OverlapChars = envInt("CHUNK_OVERLAP_CHARS", cfg.Chunk.OverlapChars)

	cfg.Embedding.Provider = envStr("EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.BaseURL = envStr("EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.APIKey = envStr("EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Model = envStr("EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dim = envInt("EMBEDDING_DIM", cfg.Embedding.Dim)
	cfg.Embedding.Distance = envStr("EMBEDDING_DISTANCE", cfg.Embedding.Distance)

	cfg.Screening.Provider = envStr("SCREENING_PROVIDER", cfg.Screening.Provider)
	cfg.Screening.Model = envStr("SCREENING_MODEL", cfg.Screening.Model)
	cfg.Screening.CacheTTL = envSeconds("SCREENING_CACHE_TTL_SECONDS", cfg.Screening.CacheTTL)

	cfg.LLM.Provider = envStr("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.OpenAIBaseURL = envStr("OPENAI_BASE_URL", cfg.LLM.OpenAIBaseURL)
	cfg.LLM.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIModel = envStr("OPENAI_MODEL", cfg.LLM.OpenAIModel)
	cfg.LLM.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.LLM.AnthropicAPIKey)
	cfg.LLM.AnthropicBaseURL = envStr("ANTHROPIC_BASE_URL", cfg.LLM.AnthropicBaseURL)
	cfg.LLM.AnthropicModel = envStr("ANTHROPIC_MODEL", cfg.LLM.AnthropicModel)

	cfg.Vector.DSN = envStr("QDRANT_DSN", cfg.Vector.DSN)
	cfg.Vector.Collection = envStr("VECTOR_COLLECTION_NAME", cfg.Vector.Collection)
	cfg.PostgresDSN = envStr("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RedisAddr = envStr("REDIS_ADDR", cfg.RedisAddr)

	cfg.S3.Bucket = envStr("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = envStr("S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = envStr("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = envStr("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = envStr("S3_SECRET_KEY", cfg.S3.SecretKey)
	if v := strings.TrimSpace(os.Getenv("S3_USE_PATH_STYLE")); v != "" {
		cfg.S3.UsePathStyle = isTruthy(v)
	}
	cfg.S3.Prefix = envStr("S3_PREFIX", cfg.S3.Prefix)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
	}
	cfg.Kafka.Topic = envStr("KAFKA_TOPIC", cfg.Kafka.Topic)

	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		cfg.OTel.Enabled = isTruthy(v)
	}
	cfg.OTel.Endpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTel.Endpoint)
	if v := strings.TrimSpace(os.Getenv("OTEL_INSECURE")); v != "" {
		cfg.OTel.Insecure = isTruthy(v)
	}
	cfg.OTel.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.OTel.ServiceName)

	if v := strings.TrimSpace(os.Getenv("URL_TRACKING_PARAMS_TO_STRIP")); v != "" {
		cfg.TrackingParamsToStrip = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("DUPLICATE_POLICY")); v != "" {
		cfg.DuplicatePolicy = DuplicatePolicy(strings.ToLower(v))
	}
	cfg.HeartbeatInterval = envSeconds("HEARTBEAT_SECONDS", cfg.HeartbeatInterval)
	cfg.StatusTTL = envSeconds("STATUS_TTL_SECONDS", cfg.StatusTTL)
	cfg.ProviderRatePerSec = envInt("PROVIDER_RATE_PER_SEC", cfg.ProviderRatePerSec)

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. Exposed so tests can build configs
// without the environment.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 4
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = min(8, c.WorkerPoolSize*2)
	}
	if c.PriorityLevels <= 0 {
		c.PriorityLevels = 10
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.MaxRetryAttempts > 10 {
		c.MaxRetryAttempts = 10
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.StageTimeout.Extract <= 0 {
		c.StageTimeout.Extract = 60 * time.Second
	}
	if c.StageTimeout.Screen <= 0 {
		c.StageTimeout.Screen = 15 * time.Second
	}
	if c.StageTimeout.Transform <= 0 {
		c.StageTimeout.Transform = 120 * time.Second
	}
	if c.StageTimeout.Embed <= 0 {
		c.StageTimeout.Embed = 10 * time.Second
	}
	if c.StageTimeout.Store <= 0 {
		c.StageTimeout.Store = 10 * time.Second
	}
	if c.Chunk.TargetChars <= 0 {
		c.Chunk.TargetChars = 1000
	}
	if c.Chunk.OverlapChars <= 0 || c.Chunk.OverlapChars >= c.Chunk.TargetChars {
		c.Chunk.OverlapChars = 200
	}
	if c.Embedding.Distance == "" {
		c.Embedding.Distance = "cosine"
	}
	if c.Embedding.Dim == 0 {
		c.Embedding.Dim = 384
	}
	if c.Screening.CacheTTL <= 0 {
		c.Screening.CacheTTL = 24 * time.Hour
	}
	if c.Screening.TierThresholds == nil {
		c.Screening.TierThresholds = map[model.Tier]float64{
			model.TierA: 9.0, model.TierB: 7.0, model.TierC: 5.0, model.TierD: 0.0,
		}
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "content_chunks"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "tracelight.jobs"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "tracelight"
	}
	if c.TrackingParamsToStrip == nil {
		c.TrackingParamsToStrip = ids.DefaultTrackingParams
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = DuplicateReuse
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = time.Hour
	}
	if c.ProviderRatePerSec <= 0 {
		c.ProviderRatePerSec = 20
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.DuplicatePolicy != DuplicateReject && c.DuplicatePolicy != DuplicateReuse {
		return fmt.Errorf("duplicate_policy must be %q or %q, got %q", DuplicateReject, DuplicateReuse, c.DuplicatePolicy)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be positive")
	}
	switch strings.ToLower(c.Embedding.Distance) {
	case "cosine", "dot", "euclidean":
	default:
		return fmt.Errorf("embedding.distance %q not recognized", c.Embedding.Distance)
	}
	if c.PriorityLevels < 1 {
		return fmt.Errorf("priority_levels must be >= 1")
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func isTruthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
