// Package server wires storage, providers and the orchestration services
// together and runs the long-lived parts of the gateway: the gRPC health
// endpoint, the metrics endpoint, the lock sweeper, provider health checks
// and the retention cleanup loop.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/providers"
	"github.com/dmitrijs2005/uploadgate/internal/server/config"

	gs "github.com/dmitrijs2005/uploadgate/internal/server/grpc"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	config     *config.Config
	logger     logging.Logger
	components *Components
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, c.LogLevel, c.LogFormat)
	return newApp(ctx, c, logger, nil)
}

func newApp(ctx context.Context, c *config.Config, l logging.Logger, provs []providers.Provider) (*App, error) {
	comps, err := Build(ctx, c, l, provs)
	if err != nil {
		return nil, err
	}
	return &App{config: c, logger: l, components: comps}, nil
}

// Components exposes the wired services.
func (app *App) Components() *Components { return app.components }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) func() {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cancelFunc()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func (app *App) startMetricsServer(ctx context.Context) error {
	if app.config.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.components.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run blocks until ctx is cancelled, a termination signal arrives or one of
// the servers fails, then stops everything and releases connections.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	stopSignals := app.initSignalHandler(cancelFunc)
	defer stopSignals()

	c := app.components
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, c.Files, app.config.HealthCheckInterval)
		return s.Run(gctx)
	})
	g.Go(func() error { return app.startMetricsServer(gctx) })
	g.Go(func() error {
		c.Locks.RunSweeper(gctx, app.config.LockSweepInterval)
		return nil
	})
	g.Go(func() error {
		c.Isolation.RunHealthChecks(gctx, app.config.HealthCheckInterval, app.config.HealthCheckTimeout)
		return nil
	})

	if err := c.Lifecycle.Start(gctx); err != nil {
		cancelFunc()
		_ = g.Wait()
		return errors.Join(err, c.Close())
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return c.Lifecycle.Stop(stopCtx)
	})

	err := g.Wait()
	app.logger.Info(context.WithoutCancel(ctx), "App stopped")
	return errors.Join(err, c.Close())
}
