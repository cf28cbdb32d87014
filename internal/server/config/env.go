package config

import "github.com/kelseyhightower/envconfig"

// EnvPrefix prefixes every environment variable, e.g. UPLOADGATE_REDIS_ADDR.
const EnvPrefix = "UPLOADGATE"

// parseEnv overlays UPLOADGATE_* environment variables. Unset variables
// leave the current value alone.
func parseEnv(config *Config) error {
	return envconfig.Process(EnvPrefix, config)
}
