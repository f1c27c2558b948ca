// Package config defines the global configuration structure for the agromet
// platform. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to
// fail immediately on startup.
package config

import (
	"time"

	"agromet/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"agromet"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server      ServerConfig
	Database    DatabaseConfig
	ObjectStore ObjectStoreConfig
	Redis       RedisConfig
	Collector   CollectorConfig
	Ingestor    IngestorConfig
	Reader      ReaderConfig
	Jobs        JobsConfig
	DCAS        DCASConfig
	Scheduler   SchedulerConfig
	Providers   ProviderConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string `envconfig:"PORT" default:"8080"`
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
}

// DatabaseConfig holds catalog database connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// ObjectStoreConfig holds S3-compatible object store connection settings
// and the key prefixes for each artifact kind.
type ObjectStoreConfig struct {
	Endpoint  string       `envconfig:"OBJECT_STORE_ENDPOINT" validate:"required"`
	AccessKey string       `envconfig:"OBJECT_STORE_ACCESS_KEY" validate:"required"`
	SecretKey SecretString `envconfig:"OBJECT_STORE_SECRET_KEY" validate:"required"`
	UseSSL    bool         `envconfig:"OBJECT_STORE_USE_SSL" default:"true"`
	Region    string       `envconfig:"OBJECT_STORE_REGION" default:"us-east-1"`

	Bucket string `envconfig:"OBJECT_STORE_BUCKET" validate:"required"`
	Prefix string `envconfig:"OBJECT_STORE_PREFIX" default:"agromet"`

	// PresignExpiry bounds the lifetime of presigned result URLs.
	PresignExpiry time.Duration `envconfig:"OBJECT_STORE_PRESIGN_EXPIRY" default:"24h"`
}

// RedisConfig holds the fast KV store used for cancel flags and
// short-TTL caches.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
}

// CollectorConfig holds collector runtime tunables.
type CollectorConfig struct {
	MaxConcurrentRequests int           `envconfig:"COLLECTOR_MAX_CONCURRENT" default:"30" validate:"min=1"`
	RateLimitPerSecond    int           `envconfig:"COLLECTOR_RATE_LIMIT" default:"70" validate:"min=1"`
	BatchSize             int           `envconfig:"COLLECTOR_BATCH_SIZE" default:"500" validate:"min=1"`
	QueueSize             int           `envconfig:"COLLECTOR_QUEUE_SIZE" default:"1000" validate:"min=1"`
	MaxRetries            int           `envconfig:"COLLECTOR_MAX_RETRIES" default:"3" validate:"min=0"`
	RequestTimeout        time.Duration `envconfig:"COLLECTOR_REQUEST_TIMEOUT" default:"60s"`
	CancelFlagTTL         time.Duration `envconfig:"COLLECTOR_CANCEL_FLAG_TTL" default:"24h"`
	WorkDir               string        `envconfig:"COLLECTOR_WORK_DIR" default:"/tmp/agromet/collector"`
}

// IngestorConfig holds ingestor runtime tunables. Chunk sizes are fixed at
// store creation; registration validates their presence, there is no silent
// fallback.
type IngestorConfig struct {
	ForecastDateChunk int     `envconfig:"INGESTOR_FORECAST_DATE_CHUNK" default:"20" validate:"min=10,max=50"`
	LatChunk          int     `envconfig:"INGESTOR_LAT_CHUNK" default:"150" validate:"min=100,max=300"`
	LonChunk          int     `envconfig:"INGESTOR_LON_CHUNK" default:"150" validate:"min=100,max=300"`
	MaxChunkWorkers   int     `envconfig:"INGESTOR_MAX_CHUNK_WORKERS" default:"4" validate:"min=1"`
	ReindexTolerance  float64 `envconfig:"INGESTOR_REINDEX_TOLERANCE" default:"0.001"`
	// FixIncremented fills missing source coordinates with NaN regions
	// instead of failing the slab.
	FixIncremented           bool   `envconfig:"INGESTOR_FIX_INCREMENTED" default:"true"`
	DeleteIntermediateOnDone bool   `envconfig:"INGESTOR_DELETE_INTERMEDIATE" default:"true"`
	WorkDir                  string `envconfig:"INGESTOR_WORK_DIR" default:"/tmp/agromet/ingestor"`
}

// ReaderConfig holds dataset reader tunables.
type ReaderConfig struct {
	CacheTTL time.Duration `envconfig:"READER_CACHE_TTL" default:"1h"`
	CacheDir string        `envconfig:"READER_CACHE_DIR" default:"/tmp/agromet/reader"`
	// CacheMaxBytes bounds the content-addressed local chunk cache; the
	// cleanup scheduler sweeps beyond this size.
	CacheMaxBytes int64 `envconfig:"READER_CACHE_MAX_BYTES" default:"1073741824"`
}

// JobsConfig holds job executor tunables.
type JobsConfig struct {
	InlineWaitTimeout time.Duration `envconfig:"JOBS_INLINE_WAIT_TIMEOUT" default:"20m"`
	PollInterval      time.Duration `envconfig:"JOBS_POLL_INTERVAL" default:"500ms"`
	RetentionDays     int           `envconfig:"JOBS_RETENTION_DAYS" default:"14" validate:"min=1"`
}

// DCASConfig holds weekly advisory pipeline tunables.
type DCASConfig struct {
	PreviousDaysToCheck int `envconfig:"DCAS_PREVIOUS_DAYS_TO_CHECK" default:"7" validate:"min=1"`
	PartitionBatchSize  int `envconfig:"DCAS_PARTITION_BATCH_SIZE" default:"500" validate:"min=1"`
	MaxStageWorkers     int `envconfig:"DCAS_MAX_STAGE_WORKERS" default:"4" validate:"min=1"`
	// StageConfigID selects the active crop stage table revision.
	StageConfigID int64 `envconfig:"DCAS_STAGE_CONFIG_ID" default:"1" validate:"min=1"`
	// DatasetName names the forecast dataset the advisory pipeline reads.
	DatasetName string `envconfig:"DCAS_DATASET_NAME" default:"cbam_shortterm_daily"`
	// RunWeekday restricts the weekly trigger (time.Weekday value, 0=Sunday).
	RunWeekday int    `envconfig:"DCAS_RUN_WEEKDAY" default:"1" validate:"min=0,max=6"`
	WorkDir    string `envconfig:"DCAS_WORK_DIR" default:"/tmp/agromet/dcas"`
}

// SchedulerConfig holds cron expressions for the periodic triggers.
type SchedulerConfig struct {
	CollectorCron string `envconfig:"SCHED_COLLECTOR_CRON" default:"0 2 * * *"`
	IngestorCron  string `envconfig:"SCHED_INGESTOR_CRON" default:"30 2 * * *"`
	DCASCron      string `envconfig:"SCHED_DCAS_CRON" default:"0 4 * * *"`
	CleanupCron   string `envconfig:"SCHED_CLEANUP_CRON" default:"0 1 * * *"`
}

// ProviderConfig holds upstream provider API credentials and endpoints.
type ProviderConfig struct {
	TimelinesBaseURL string       `envconfig:"TIO_BASE_URL" default:"https://api.tomorrow.io/v4"`
	TimelinesAPIKey  SecretString `envconfig:"TIO_API_KEY"`
	SalientBaseURL   string       `envconfig:"SALIENT_BASE_URL"`
	SalientAPIKey    SecretString `envconfig:"SALIENT_API_KEY"`
	TahmoBaseURL     string       `envconfig:"TAHMO_BASE_URL"`
	TahmoAPIKey      SecretString `envconfig:"TAHMO_API_KEY"`
}
