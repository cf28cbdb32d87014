package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, ":50051", c.EndpointAddrGRPC)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Empty(t, c.DatabaseDSN)
	assert.Empty(t, c.RedisAddr)
	assert.Empty(t, c.KafkaBrokers)
	assert.Equal(t, 3, c.RetryMaxAttempts)
	assert.True(t, c.RetryJitter)
	assert.Equal(t, 5, c.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, c.BreakerTimeout)
	assert.Equal(t, 10*time.Minute, c.LockTTL)
	assert.Equal(t, 30*24*time.Hour, c.Retention)
	require.Len(t, c.Providers, 2)
	assert.Equal(t, "openai", c.Providers[0].Name)
	assert.Equal(t, "mistral", c.Providers[1].Name)
	assert.NoError(t, c.Validate())
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}
	t.Setenv("UPLOADGATE_CONFIG", "")

	c, err := LoadConfig()
	require.NoError(t, err)
	require.NotNil(t, c, "LoadConfig must not return nil")

	var d Config
	d.LoadDefaults()
	assert.Equal(t, d, *c)
}

func TestLoadConfig_Precedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, "", "", map[string]any{
		"redis_addr":   "json-redis:6379",
		"metrics_addr": ":1111",
		"log_level":    "debug",
	})
	t.Setenv("UPLOADGATE_REDIS_ADDR", "env-redis:6379")
	t.Setenv("UPLOADGATE_METRICS_ADDR", ":2222")
	os.Args = []string{"testbin", "-c", path, "-r", "flag-redis:6379"}

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "flag-redis:6379", c.RedisAddr, "flags win over env and json")
	assert.Equal(t, ":2222", c.MetricsAddr, "env wins over json")
	assert.Equal(t, "debug", c.LogLevel, "json wins over defaults")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"duplicate name", func(c *Config) { c.Providers[1].Name = c.Providers[0].Name }},
		{"unknown kind", func(c *Config) { c.Providers[0].Kind = "ftp" }},
		{"filesapi without url", func(c *Config) { c.Providers[0].BaseURL = "" }},
		{"s3 without bucket", func(c *Config) { c.Providers[0].Kind = KindS3 }},
		{"policy names unknown provider", func(c *Config) { c.LargeFileProvider = "nope" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var c Config
			c.LoadDefaults()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	var c Config
	c.LoadDefaults()
	c.LockAcquireTimeout = 0
	c.SizeThreshold = 42

	assert.Equal(t, c.RetryMaxAttempts, c.RetryConfig().MaxAttempts)
	assert.Equal(t, c.BreakerMaxTimeout, c.BreakerConfig().MaxTimeout)
	assert.Zero(t, c.LockConfig().AcquireTimeout, "zero acquire timeout means fail fast")
	assert.Equal(t, c.Retention, c.LifecycleConfig().Retention)
	assert.EqualValues(t, 42, c.SizePolicy().Threshold)
	assert.Equal(t, "openai", c.SizePolicy().Small)
}

func TestLoadFile_IgnoresFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"uploadctl", "-r", "flag-redis:6379"}

	path := writeTempJSON(t, "", "", map[string]any{"redis_addr": "json-redis:6379"})
	t.Setenv("UPLOADGATE_LOG_LEVEL", "warn")

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "json-redis:6379", c.RedisAddr)
	assert.Equal(t, "warn", c.LogLevel)

	_, err = LoadFile(path + ".missing")
	assert.Error(t, err)
}
