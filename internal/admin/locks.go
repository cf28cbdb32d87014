package admin

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/locks"
	"github.com/dmitrijs2005/uploadgate/internal/server/config"
)

func (a *App) newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List held upload locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(cfg *config.Config, store kv.Store) error {
				infos, err := locks.New(store, cfg.LockConfig(), a.logger(), nopSink()).List(ctx)
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					printf(cmd, "No locks held\n")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "HASH\tHOLDER\tACQUIRED\tEXPIRES")
				for _, in := range infos {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", in.Key, in.Holder,
						in.AcquiredAt.Format(time.RFC3339), in.ExpiresAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func (a *App) newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <hash>",
		Short: "Force-release the upload lock of a content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(cfg *config.Config, store kv.Store) error {
				ok, err := locks.New(store, cfg.LockConfig(), a.logger(), nopSink()).ForceUnlock(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					printf(cmd, "No lock held for %s\n", args[0])
					return nil
				}
				printf(cmd, "Released lock for %s\n", args[0])
				return nil
			})
		},
	}
}
