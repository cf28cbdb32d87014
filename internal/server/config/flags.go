package config

import (
	"flag"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/uploadgate/internal/flagx"
)

// parseFlags overlays the flags this package owns.
//
// Supported flags (short forms):
//
//	-a string     gRPC health endpoint address (e.g., ":50051")
//	-m string     metrics endpoint address (e.g., ":9090")
//	-d string     PostgreSQL DSN; empty keeps records in memory
//	-r string     Redis address; empty keeps breaker and lock state in process
//	-k string     comma separated Kafka brokers; empty disables publishing
//	-l string     log level (debug, info, warn, error)
//	-t duration   timeout of a single provider call
//
// os.Args is first filtered with flagx.FilterArgs so flags owned by other
// layers (such as -c) do not collide.
func parseFlags(config *Config) error {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-m", "-d", "-r", "-k", "-l", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC health endpoint address")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics endpoint address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	brokers := fs.String("k", strings.Join(config.KafkaBrokers, ","), "kafka brokers")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.DurationVar(&config.ProviderCallTimeout, "t", config.ProviderCallTimeout, "provider call timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.KafkaBrokers = nil
	for _, b := range strings.Split(*brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			config.KafkaBrokers = append(config.KafkaBrokers, b)
		}
	}
	return nil
}
