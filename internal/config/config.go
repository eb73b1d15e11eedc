package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Billing policies for deduplicated cache hits. Fresh jobs are always billed
// at successful completion; the policy only decides whether a cache-hit copy
// is billed at synthesis time.
const (
	BillingOnRequest = "on_request"
	BillingOnCompute = "on_compute"
)

// Config holds all configuration for the ReelFix services.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Blob     BlobConfig
	AI       AIConfig
	Billing  BillingConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; without a URL the job-state cache and rate
// limiter degrade to no-ops.
type RedisConfig struct {
	URL string
}

// QueueConfig selects the dispatch transport. Without an AMQP URL the
// in-process queue is used (single-node deployments and tests).
type QueueConfig struct {
	AMQPURL     string
	Exchange    string
	Prefetch    int
	TopicPrefix string
}

// BlobConfig is the media object storage. Without an endpoint the in-memory
// blob store is used.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type BillingConfig struct {
	// Policy is on_request (cache hits still billed) or on_compute.
	Policy        string
	WebhookSecret string
	// PeriodLength is the subscription period applied from billing events.
	PeriodLength time.Duration
}

type WorkerConfig struct {
	// LeaseTTL is how long a processing job is considered owned before a
	// redelivered message may reclaim it. Keep it above the queue's
	// redelivery budget.
	LeaseTTL time.Duration
	// MaxAttempts bounds in-delivery retries of transient upstream failures.
	MaxAttempts  int
	RetryBackoff time.Duration
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns a descriptive error if any required value is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("REELFIX_PORT", 8080),
			Env:  envString("REELFIX_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			AMQPURL:     os.Getenv("AMQP_URL"),
			Exchange:    envString("AMQP_EXCHANGE", "reelfix.jobs"),
			Prefetch:    envInt("AMQP_PREFETCH", 8),
			TopicPrefix: envString("QUEUE_TOPIC_PREFIX", "jobs"),
		},
		Blob: BlobConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envString("MINIO_BUCKET", "reelfix-media"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "mock"),
			InferenceTimeout: envDuration("AI_INFERENCE_TIMEOUT", 60*time.Second),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Billing: BillingConfig{
			Policy:        envString("BILLING_POLICY", BillingOnRequest),
			WebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),
			PeriodLength:  envDuration("BILLING_PERIOD_LENGTH", 30*24*time.Hour),
		},
		Worker: WorkerConfig{
			LeaseTTL:     envDuration("JOB_LEASE_TTL", 10*time.Minute),
			MaxAttempts:  envInt("JOB_MAX_ATTEMPTS", 3),
			RetryBackoff: envDuration("JOB_RETRY_BACKOFF", 2*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}

	if c.Billing.Policy != BillingOnRequest && c.Billing.Policy != BillingOnCompute {
		return fmt.Errorf("BILLING_POLICY must be %s or %s; got %q",
			BillingOnRequest, BillingOnCompute, c.Billing.Policy)
	}
	if c.Server.Env == "production" && c.Billing.WebhookSecret == "" {
		return fmt.Errorf("BILLING_WEBHOOK_SECRET is required in production")
	}

	if c.Blob.Endpoint != "" && (c.Blob.AccessKey == "" || c.Blob.SecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}

	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1; got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("JOB_LEASE_TTL must be positive; got %s", c.Worker.LeaseTTL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
