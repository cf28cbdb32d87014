package admin

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/server"
	"github.com/dmitrijs2005/uploadgate/internal/server/config"
	"github.com/dmitrijs2005/uploadgate/internal/server/filemanager"
	"github.com/dmitrijs2005/uploadgate/internal/server/lifecycle"
)

func (a *App) newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention pass: delete expired files, flag stale uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withComponents(ctx, func(cfg *config.Config, c *server.Components) error {
				rec := &events.Recorder{}
				lm := lifecycle.New(c.Repo, c.Files, c.Locks, cfg.LifecycleConfig(), a.logger(), events.Multi{c.Sink, rec})
				rep, err := lm.RunOnce(ctx)
				if err != nil {
					return err
				}
				for _, e := range rec.Events() {
					switch e.Type {
					case events.LifecycleDeleted:
						printf(cmd, "Record %s expired, deleted from %s\n", e.RecordID, e.Provider)
					case events.LifecycleFlagged:
						printf(cmd, "Record %s stuck uploading to %s, flagged for review\n", e.RecordID, e.Provider)
					}
				}
				printf(cmd, "expired=%d deleted=%d remote_failed=%d skipped=%d failed=%d flagged=%d\n",
					rep.Expired, rep.Deleted, rep.RemoteFailed, rep.Skipped, rep.Failed, rep.Flagged)
				return nil
			})
		},
	}
}

func (a *App) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if err := server.Migrate(cmd.Context(), cfg.DatabaseDSN); err != nil {
				return err
			}
			printf(cmd, "Migrations applied\n")
			return nil
		},
	}
}

func (a *App) newUploadCmd() *cobra.Command {
	var req filemanager.UploadRequest
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file through the orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req.Path = args[0]
			return a.withComponents(ctx, func(_ *config.Config, c *server.Components) error {
				res, err := c.Files.Upload(ctx, req)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			})
		},
	}
	cmd.Flags().StringVarP(&req.Purpose, "purpose", "p", "", "provider purpose tag (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "file name sent to the provider (default: base name of path)")
	cmd.Flags().StringVar(&req.PreferredProvider, "provider", "", "preferred provider")
	cmd.Flags().StringVar(&req.UserID, "user", "", "owner recorded on the file")
	_ = cmd.MarkFlagRequired("purpose")
	return cmd
}

func (a *App) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <record-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a file from its provider and mark the record deleted",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withComponents(ctx, func(_ *config.Config, c *server.Components) error {
				res, err := c.Files.DeleteWithReason(ctx, args[0], common.ReasonOperator)
				if err != nil {
					return err
				}
				if res.RemoteErr != nil {
					printf(cmd, "Record %s deleted; provider %s kept the file: %v\n", res.RecordID, res.Provider, res.RemoteErr)
					return nil
				}
				printf(cmd, "Record %s deleted from %s\n", res.RecordID, res.Provider)
				return nil
			})
		},
	}
}
