package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/uploadgate/internal/breaker"
	"github.com/dmitrijs2005/uploadgate/internal/dedup"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/isolation"
	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/locks"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/providers"
	"github.com/dmitrijs2005/uploadgate/internal/providers/filesapi"
	"github.com/dmitrijs2005/uploadgate/internal/providers/minioprovider"
	"github.com/dmitrijs2005/uploadgate/internal/providers/s3provider"
	"github.com/dmitrijs2005/uploadgate/internal/retry"
	"github.com/dmitrijs2005/uploadgate/internal/server/config"
	"github.com/dmitrijs2005/uploadgate/internal/server/filemanager"
	"github.com/dmitrijs2005/uploadgate/internal/server/lifecycle"
	"github.com/dmitrijs2005/uploadgate/internal/server/repositories/files"
	"github.com/dmitrijs2005/uploadgate/internal/server/repositories/repomanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Components is the fully wired service graph. Close releases every
// connection opened while building it.
type Components struct {
	Store     kv.Store
	Repo      files.Repository
	Sink      events.Sink
	Registry  *prometheus.Registry
	Isolation *isolation.Manager
	Locks     *locks.Manager
	Files     *filemanager.Manager
	Lifecycle *lifecycle.Manager

	closers []func() error
}

func (c *Components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close runs the registered closers in reverse order.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// OpenStore connects to Redis when an address is configured and falls back
// to an in-process store otherwise.
func OpenStore(ctx context.Context, cfg *config.Config) (kv.Store, func() error, error) {
	if cfg.RedisAddr == "" {
		return kv.NewMemory(), func() error { return nil }, nil
	}
	r, err := kv.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisNamespace)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}

// OpenRepository opens the Postgres file-record store and applies pending
// migrations. Without a DSN records are kept in memory.
func OpenRepository(ctx context.Context, cfg *config.Config, l logging.Logger) (files.Repository, func() error, error) {
	if cfg.DatabaseDSN == "" {
		l.Warn(ctx, "no database configured, file records are kept in memory")
		return files.NewMemoryRepository(), func() error { return nil }, nil
	}
	db, err := repomanager.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db init error: %w", err)
	}
	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return rm.Files(db), db.Close, nil
}

// Migrate applies pending migrations and returns.
func Migrate(ctx context.Context, dsn string) error {
	if dsn == "" {
		return errors.New("database dsn is not set")
	}
	db, err := repomanager.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	return repomanager.NewPostgresRepositoryManager().RunMigrations(ctx, db)
}

// BuildProviders instantiates the configured backends in declaration order.
func BuildProviders(ctx context.Context, cfg *config.Config) ([]providers.Provider, error) {
	out := make([]providers.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := buildProvider(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func buildProvider(ctx context.Context, pc config.ProviderConfig) (providers.Provider, error) {
	limits := providers.Limits{MaxFileSize: pc.MaxFileSize, Purposes: pc.Purposes}
	switch pc.Kind {
	case config.KindFilesAPI:
		key := pc.APIKey
		if pc.APIKeyEnv != "" {
			if v := os.Getenv(pc.APIKeyEnv); v != "" {
				key = v
			}
		}
		return filesapi.New(filesapi.Config{Name: pc.Name, BaseURL: pc.BaseURL, APIKey: key, Limits: limits})
	case config.KindS3:
		return s3provider.New(ctx, s3provider.Config{
			Name:         pc.Name,
			Region:       pc.Region,
			Endpoint:     pc.Endpoint,
			Bucket:       pc.Bucket,
			AccessKey:    pc.AccessKey,
			SecretKey:    pc.SecretKey,
			UsePathStyle: pc.UsePathStyle,
			Limits:       limits,
		})
	case config.KindMinio:
		return minioprovider.New(ctx, minioprovider.Config{
			Name:      pc.Name,
			Endpoint:  pc.Endpoint,
			Region:    pc.Region,
			Bucket:    pc.Bucket,
			AccessKey: pc.AccessKey,
			SecretKey: pc.SecretKey,
			UseSSL:    pc.UseSSL,
			Limits:    limits,
		})
	}
	return nil, fmt.Errorf("unknown kind %q", pc.Kind)
}

// NewSink assembles the event fan-out: structured log, Prometheus metrics
// and, when brokers are configured, Kafka.
func NewSink(cfg *config.Config, registry prometheus.Registerer, l logging.Logger) (events.Sink, func() error) {
	sinks := events.Multi{events.NewLog(l), events.NewMetrics(registry)}
	if len(cfg.KafkaBrokers) == 0 {
		return sinks, func() error { return nil }
	}
	k := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, l)
	return append(sinks, k), k.Close
}

// Build wires the whole service from cfg. The given providers are used when
// non-nil, otherwise they are built from cfg.Providers.
func Build(ctx context.Context, cfg *config.Config, l logging.Logger, provs []providers.Provider) (_ *Components, err error) {
	c := &Components{Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var closer func() error
	c.Sink, closer = NewSink(cfg, c.Registry, l)
	c.onClose(closer)

	if c.Store, closer, err = OpenStore(ctx, cfg); err != nil {
		return nil, err
	}
	c.onClose(closer)

	if c.Repo, closer, err = OpenRepository(ctx, cfg, l); err != nil {
		return nil, err
	}
	c.onClose(closer)

	if provs == nil {
		if provs, err = BuildProviders(ctx, cfg); err != nil {
			return nil, err
		}
	}
	regs := make([]isolation.Registration, 0, len(provs))
	for _, p := range provs {
		regs = append(regs, isolation.Registration{
			Provider: p,
			Breaker:  breaker.New(p.Name(), cfg.BreakerConfig(), c.Store, l, c.Sink),
		})
	}
	if c.Isolation, err = isolation.New(regs, cfg.SizePolicy(), l); err != nil {
		return nil, err
	}

	c.Locks = locks.New(c.Store, cfg.LockConfig(), l, c.Sink)
	c.Files, err = filemanager.New(filemanager.Deps{
		Repo:      c.Repo,
		Isolation: c.Isolation,
		Retry:     retry.New(cfg.RetryConfig(), l, c.Sink),
		Locks:     c.Locks,
		Dedup:     dedup.New(c.Repo, cfg.DedupCacheSize, cfg.DedupCacheTTL, l),
	}, filemanager.Config{ProviderCallTimeout: cfg.ProviderCallTimeout}, l, c.Sink)
	if err != nil {
		return nil, err
	}
	c.Lifecycle = lifecycle.New(c.Repo, c.Files, c.Locks, cfg.LifecycleConfig(), l, c.Sink)
	return c, nil
}
