// Package admin implements uploadctl, the operator CLI. Every command loads
// the same configuration as the server and talks to the shared state
// directly (Redis for locks and breakers, Postgres for file records).
package admin

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/flagx"
	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/server"
	"github.com/dmitrijs2005/uploadgate/internal/server/config"
)

type App struct {
	configPath string
	logLevel   string

	load  func(path string) (*config.Config, error)
	build func(ctx context.Context, cfg *config.Config, l logging.Logger) (*server.Components, error)
	store func(ctx context.Context, cfg *config.Config) (kv.Store, func() error, error)
}

func NewApp() *App {
	return &App{
		load: config.LoadFile,
		build: func(ctx context.Context, cfg *config.Config, l logging.Logger) (*server.Components, error) {
			return server.Build(ctx, cfg, l, nil)
		},
		store: server.OpenStore,
	}
}

func (a *App) logger() logging.Logger {
	return logging.New(os.Stderr, a.logLevel, "text")
}

func (a *App) config() (*config.Config, error) {
	path := a.configPath
	if path == "" {
		path = os.Getenv(flagx.ConfigFileEnv)
	}
	return a.load(path)
}

// withStore runs fn against the configured distributed-state backend.
func (a *App) withStore(ctx context.Context, fn func(cfg *config.Config, store kv.Store) error) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	store, closeFn, err := a.store(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()
	return fn(cfg, store)
}

// withComponents runs fn against a fully wired service graph.
func (a *App) withComponents(ctx context.Context, fn func(cfg *config.Config, c *server.Components) error) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	c, err := a.build(ctx, cfg, a.logger())
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(cfg, c)
}

// RootCmd assembles the command tree.
func (a *App) RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "uploadctl",
		Short: "Operate the upload gateway",
		Long: `Operate the upload gateway.

Configuration is read like the server does: defaults, then the JSON file
given with --config (or $UPLOADGATE_CONFIG), then UPLOADGATE_* variables.

Examples:
  # Show held locks and breaker states
  uploadctl locks
  uploadctl breaker status

  # Release a stuck lock and close a circuit
  uploadctl unlock 3a7bd3e2360a3d29eea436fcfb7e44c735d117c42d1c1835420b6b9942dd4f1b
  uploadctl breaker reset openai

  # Run one retention pass
  uploadctl cleanup`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to JSON config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.newLocksCmd(),
		a.newUnlockCmd(),
		a.newBreakerCmd(),
		a.newCleanupCmd(),
		a.newMigrateCmd(),
		a.newUploadCmd(),
		a.newDeleteCmd(),
	)
	return root
}

// Run executes the CLI with args and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string, out, errOut io.Writer) int {
	root := a.RootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func nopSink() events.Sink { return events.Nop{} }

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
