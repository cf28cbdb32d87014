package admin

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/uploadgate/internal/breaker"
	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/server/config"
)

func (a *App) newBreakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset provider circuit breakers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the circuit state of every configured provider",
		Args:  cobra.NoArgs,
		RunE:  a.runBreakerStatus,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <provider>",
		Short: "Close the circuit of a provider",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runBreakerReset,
	})
	return cmd
}

func (a *App) runBreakerStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return a.withStore(ctx, func(cfg *config.Config, store kv.Store) error {
		states, err := breaker.List(ctx, store)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			names = append(names, p.Name)
		}
		for name := range states {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PROVIDER\tSTATE\tFAILURES\tTRIPS\tRETRY AT")
		for _, name := range names {
			st, ok := states[name]
			if !ok {
				st = breaker.State{Phase: breaker.Closed}
			}
			retryAt := "-"
			if t := st.RetryAt(); !t.IsZero() {
				retryAt = t.Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", name, st.Phase, st.Failures, st.Trips, retryAt)
		}
		return w.Flush()
	})
}

func (a *App) runBreakerReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]
	return a.withStore(ctx, func(cfg *config.Config, store kv.Store) error {
		known := slices.ContainsFunc(cfg.Providers, func(p config.ProviderConfig) bool { return p.Name == name })
		if !known {
			return fmt.Errorf("%w: %s", common.ErrUnknownProvider, name)
		}
		if err := breaker.New(name, cfg.BreakerConfig(), store, a.logger(), nopSink()).Reset(ctx); err != nil {
			return err
		}
		printf(cmd, "Circuit of %s closed\n", name)
		return nil
	})
}
