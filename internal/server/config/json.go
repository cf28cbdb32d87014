package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/flagx"
	"github.com/dmitrijs2005/uploadgate/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so both "30s" and integer nanoseconds are accepted. Only
// fields present in the file override the current values.
type JsonConfig struct {
	EndpointAddrGRPC string `json:"endpoint_addr_grpc"`
	MetricsAddr      string `json:"metrics_addr"`
	DatabaseDSN      string `json:"database_dsn"`

	RedisAddr      string `json:"redis_addr"`
	RedisPassword  string `json:"redis_password"`
	RedisDB        *int   `json:"redis_db"`
	RedisNamespace string `json:"redis_namespace"`

	KafkaBrokers []string `json:"kafka_brokers"`
	KafkaTopic   string   `json:"kafka_topic"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	ProviderCallTimeout timex.Duration `json:"provider_call_timeout"`
	HealthCheckInterval timex.Duration `json:"health_check_interval"`
	HealthCheckTimeout  timex.Duration `json:"health_check_timeout"`

	Retry struct {
		MaxAttempts     int            `json:"max_attempts"`
		BaseDelay       timex.Duration `json:"base_delay"`
		MaxDelay        timex.Duration `json:"max_delay"`
		ExponentialBase float64        `json:"exponential_base"`
		Jitter          *bool          `json:"jitter"`
	} `json:"retry"`

	Breaker struct {
		FailureThreshold  int            `json:"failure_threshold"`
		SuccessThreshold  int            `json:"success_threshold"`
		Timeout           timex.Duration `json:"timeout"`
		MaxTimeout        timex.Duration `json:"max_timeout"`
		BackoffMultiplier float64        `json:"backoff_multiplier"`
		HalfOpenMaxCalls  int            `json:"half_open_max_calls"`
		ProbeLease        timex.Duration `json:"probe_lease"`
	} `json:"breaker"`

	Locks struct {
		TTL            timex.Duration  `json:"ttl"`
		AcquireTimeout *timex.Duration `json:"acquire_timeout"`
		SweepInterval  timex.Duration  `json:"sweep_interval"`
		AutoRenew      *bool           `json:"auto_renew"`
	} `json:"locks"`

	Lifecycle struct {
		Interval         timex.Duration `json:"interval"`
		Retention        timex.Duration `json:"retention"`
		StaleUploadAfter timex.Duration `json:"stale_upload_after"`
		BatchSize        int            `json:"batch_size"`
	} `json:"lifecycle"`

	Dedup struct {
		CacheSize int            `json:"cache_size"`
		CacheTTL  timex.Duration `json:"cache_ttl"`
	} `json:"dedup"`

	SizePolicy struct {
		Threshold int64  `json:"threshold"`
		Small     string `json:"small"`
		Large     string `json:"large"`
	} `json:"size_policy"`

	Providers []ProviderConfig `json:"providers"`
}

// parseJson overlays the JSON file named by -c / -config (or
// $UPLOADGATE_CONFIG) onto config. No file means no changes.
func parseJson(config *Config) error {
	return readJson(flagx.ConfigFile(os.Args[1:]), config)
}

func readJson(path string, config *Config) error {
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return err
	}
	c.apply(config)
	return nil
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	if c.RedisDB != nil {
		config.RedisDB = *c.RedisDB
	}
	setString(&config.RedisNamespace, c.RedisNamespace)
	if len(c.KafkaBrokers) > 0 {
		config.KafkaBrokers = c.KafkaBrokers
	}
	setString(&config.KafkaTopic, c.KafkaTopic)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)

	setDuration(&config.ProviderCallTimeout, c.ProviderCallTimeout)
	setDuration(&config.HealthCheckInterval, c.HealthCheckInterval)
	setDuration(&config.HealthCheckTimeout, c.HealthCheckTimeout)

	setInt(&config.RetryMaxAttempts, c.Retry.MaxAttempts)
	setDuration(&config.RetryBaseDelay, c.Retry.BaseDelay)
	setDuration(&config.RetryMaxDelay, c.Retry.MaxDelay)
	setFloat(&config.RetryExponentialBase, c.Retry.ExponentialBase)
	if c.Retry.Jitter != nil {
		config.RetryJitter = *c.Retry.Jitter
	}

	setInt(&config.BreakerFailureThreshold, c.Breaker.FailureThreshold)
	setInt(&config.BreakerSuccessThreshold, c.Breaker.SuccessThreshold)
	setDuration(&config.BreakerTimeout, c.Breaker.Timeout)
	setDuration(&config.BreakerMaxTimeout, c.Breaker.MaxTimeout)
	setFloat(&config.BreakerBackoffMultiplier, c.Breaker.BackoffMultiplier)
	setInt(&config.BreakerHalfOpenMaxCalls, c.Breaker.HalfOpenMaxCalls)
	setDuration(&config.BreakerProbeLease, c.Breaker.ProbeLease)

	setDuration(&config.LockTTL, c.Locks.TTL)
	if c.Locks.AcquireTimeout != nil {
		config.LockAcquireTimeout = c.Locks.AcquireTimeout.Duration
	}
	setDuration(&config.LockSweepInterval, c.Locks.SweepInterval)
	if c.Locks.AutoRenew != nil {
		config.LockAutoRenew = *c.Locks.AutoRenew
	}

	setDuration(&config.LifecycleInterval, c.Lifecycle.Interval)
	setDuration(&config.Retention, c.Lifecycle.Retention)
	setDuration(&config.StaleUploadAfter, c.Lifecycle.StaleUploadAfter)
	setInt(&config.LifecycleBatchSize, c.Lifecycle.BatchSize)

	setInt(&config.DedupCacheSize, c.Dedup.CacheSize)
	setDuration(&config.DedupCacheTTL, c.Dedup.CacheTTL)

	if c.SizePolicy.Threshold > 0 {
		config.SizeThreshold = c.SizePolicy.Threshold
	}
	setString(&config.SmallFileProvider, c.SizePolicy.Small)
	setString(&config.LargeFileProvider, c.SizePolicy.Large)

	if len(c.Providers) > 0 {
		config.Providers = c.Providers
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
