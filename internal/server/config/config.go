// Package config handles configuration for the upload gateway: defaults, a
// JSON overlay, environment variables and command-line flags, applied in
// that order.
package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/breaker"
	"github.com/dmitrijs2005/uploadgate/internal/isolation"
	"github.com/dmitrijs2005/uploadgate/internal/locks"
	"github.com/dmitrijs2005/uploadgate/internal/retry"
	"github.com/dmitrijs2005/uploadgate/internal/server/lifecycle"
)

// Provider kinds.
const (
	KindFilesAPI = "filesapi"
	KindS3       = "s3"
	KindMinio    = "minio"
)

// ProviderConfig describes one upload backend.
type ProviderConfig struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	MaxFileSize int64    `json:"max_file_size"`
	Purposes    []string `json:"purposes"`

	// filesapi
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the API key; it wins
	// over APIKey when set.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// s3 / minio
	Endpoint     string `json:"endpoint,omitempty"`
	Region       string `json:"region,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	UseSSL       bool   `json:"use_ssl,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty"`
}

// Config holds runtime settings for the upload gateway. An empty DatabaseDSN
// keeps file records in memory, an empty RedisAddr keeps breaker and lock
// state in process, and no KafkaBrokers disables event publishing.
type Config struct {
	EndpointAddrGRPC string `envconfig:"GRPC_ADDR"`
	MetricsAddr      string `envconfig:"METRICS_ADDR"`
	DatabaseDSN      string `envconfig:"DATABASE_DSN"`

	RedisAddr      string `envconfig:"REDIS_ADDR"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisDB        int    `envconfig:"REDIS_DB"`
	RedisNamespace string `envconfig:"REDIS_NAMESPACE"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC"`

	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`

	ProviderCallTimeout time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL"`
	HealthCheckTimeout  time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT"`

	RetryMaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay       time.Duration `envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay        time.Duration `envconfig:"RETRY_MAX_DELAY"`
	RetryExponentialBase float64       `envconfig:"RETRY_EXPONENTIAL_BASE"`
	RetryJitter          bool          `envconfig:"RETRY_JITTER"`

	BreakerFailureThreshold  int           `envconfig:"BREAKER_FAILURE_THRESHOLD"`
	BreakerSuccessThreshold  int           `envconfig:"BREAKER_SUCCESS_THRESHOLD"`
	BreakerTimeout           time.Duration `envconfig:"BREAKER_TIMEOUT"`
	BreakerMaxTimeout        time.Duration `envconfig:"BREAKER_MAX_TIMEOUT"`
	BreakerBackoffMultiplier float64       `envconfig:"BREAKER_BACKOFF_MULTIPLIER"`
	BreakerHalfOpenMaxCalls  int           `envconfig:"BREAKER_HALF_OPEN_MAX_CALLS"`
	BreakerProbeLease        time.Duration `envconfig:"BREAKER_PROBE_LEASE"`

	LockTTL            time.Duration `envconfig:"LOCK_TTL"`
	LockAcquireTimeout time.Duration `envconfig:"LOCK_ACQUIRE_TIMEOUT"`
	LockSweepInterval  time.Duration `envconfig:"LOCK_SWEEP_INTERVAL"`
	LockAutoRenew      bool          `envconfig:"LOCK_AUTO_RENEW"`

	LifecycleInterval  time.Duration `envconfig:"LIFECYCLE_INTERVAL"`
	Retention          time.Duration `envconfig:"RETENTION"`
	StaleUploadAfter   time.Duration `envconfig:"STALE_UPLOAD_AFTER"`
	LifecycleBatchSize int           `envconfig:"LIFECYCLE_BATCH_SIZE"`

	DedupCacheSize int           `envconfig:"DEDUP_CACHE_SIZE"`
	DedupCacheTTL  time.Duration `envconfig:"DEDUP_CACHE_TTL"`

	SizeThreshold     int64  `envconfig:"SIZE_THRESHOLD"`
	SmallFileProvider string `envconfig:"SMALL_FILE_PROVIDER"`
	LargeFileProvider string `envconfig:"LARGE_FILE_PROVIDER"`

	Providers []ProviderConfig `ignored:"true"`
}

const mb = 1 << 20

// LoadDefaults populates Config with development defaults: two files-API
// providers, in-memory state and no event broker.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.MetricsAddr = ":9090"
	c.RedisNamespace = "uploadgate"
	c.KafkaTopic = "uploadgate.events"
	c.LogLevel = "info"
	c.LogFormat = "json"

	c.ProviderCallTimeout = 2 * time.Minute
	c.HealthCheckInterval = 30 * time.Second
	c.HealthCheckTimeout = 5 * time.Second

	r := retry.DefaultConfig()
	c.RetryMaxAttempts = r.MaxAttempts
	c.RetryBaseDelay = r.BaseDelay
	c.RetryMaxDelay = r.MaxDelay
	c.RetryExponentialBase = r.ExponentialBase
	c.RetryJitter = r.Jitter

	b := breaker.DefaultConfig()
	c.BreakerFailureThreshold = b.FailureThreshold
	c.BreakerSuccessThreshold = b.SuccessThreshold
	c.BreakerTimeout = b.Timeout
	c.BreakerMaxTimeout = b.MaxTimeout
	c.BreakerBackoffMultiplier = b.BackoffMultiplier
	c.BreakerHalfOpenMaxCalls = b.HalfOpenMaxCalls
	c.BreakerProbeLease = b.ProbeLease

	l := locks.DefaultConfig()
	c.LockTTL = l.TTL
	c.LockAcquireTimeout = l.AcquireTimeout
	c.LockSweepInterval = time.Minute
	c.LockAutoRenew = l.AutoRenew

	lc := lifecycle.DefaultConfig()
	c.LifecycleInterval = lc.Interval
	c.Retention = lc.Retention
	c.StaleUploadAfter = lc.StaleUploadAfter
	c.LifecycleBatchSize = lc.BatchSize

	c.DedupCacheSize = 10_000
	c.DedupCacheTTL = 5 * time.Minute

	c.SizeThreshold = 5 * mb
	c.SmallFileProvider = "openai"
	c.LargeFileProvider = "mistral"

	c.Providers = []ProviderConfig{
		{
			Name:        "openai",
			Kind:        KindFilesAPI,
			MaxFileSize: 512 * mb,
			Purposes:    []string{"assistants", "batch", "fine-tune", "vision", "user_data"},
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
		},
		{
			Name:        "mistral",
			Kind:        KindFilesAPI,
			MaxFileSize: 512 * mb,
			Purposes:    []string{"fine-tune", "batch", "ocr"},
			BaseURL:     "https://api.mistral.ai/v1",
			APIKeyEnv:   "MISTRAL_API_KEY",
		},
	}
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg); err != nil {
		return nil, fmt.Errorf("json config: %w", err)
	}
	if err := parseEnv(cfg); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}
	if err := parseFlags(cfg); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is LoadConfig without command-line flags, for tools that own
// their own flag parsing. An empty path skips the JSON layer.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := readJson(path, cfg); err != nil {
		return nil, fmt.Errorf("json config: %w", err)
	}
	if err := parseEnv(cfg); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the provider list and the size policy.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindFilesAPI:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q: base_url is required", p.Name)
			}
		case KindS3, KindMinio:
			if p.Bucket == "" {
				return fmt.Errorf("provider %q: bucket is required", p.Name)
			}
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
	}
	for _, n := range []string{c.SmallFileProvider, c.LargeFileProvider} {
		if n != "" && !seen[n] {
			return fmt.Errorf("size policy names unknown provider %q", n)
		}
	}
	return nil
}

func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:     c.RetryMaxAttempts,
		BaseDelay:       c.RetryBaseDelay,
		MaxDelay:        c.RetryMaxDelay,
		ExponentialBase: c.RetryExponentialBase,
		Jitter:          c.RetryJitter,
	}
}

func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:  c.BreakerFailureThreshold,
		SuccessThreshold:  c.BreakerSuccessThreshold,
		Timeout:           c.BreakerTimeout,
		MaxTimeout:        c.BreakerMaxTimeout,
		BackoffMultiplier: c.BreakerBackoffMultiplier,
		HalfOpenMaxCalls:  c.BreakerHalfOpenMaxCalls,
		ProbeLease:        c.BreakerProbeLease,
	}
}

func (c *Config) LockConfig() locks.Config {
	return locks.Config{
		TTL:            c.LockTTL,
		AcquireTimeout: c.LockAcquireTimeout,
		AutoRenew:      c.LockAutoRenew,
	}
}

func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		Interval:         c.LifecycleInterval,
		Retention:        c.Retention,
		StaleUploadAfter: c.StaleUploadAfter,
		BatchSize:        c.LifecycleBatchSize,
	}
}

func (c *Config) SizePolicy() isolation.SizePolicy {
	return isolation.SizePolicy{
		Threshold: c.SizeThreshold,
		Small:     c.SmallFileProvider,
		Large:     c.LargeFileProvider,
	}
}
