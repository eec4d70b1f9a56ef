package main

import (
	"context"
	"time"

	"github.com/serbia-gov/followup/internal/adapters/health/heliant"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/followup/memory"
	"github.com/serbia-gov/followup/internal/shared/metrics"
	"github.com/serbia-gov/followup/internal/syncer"
	"github.com/spf13/cobra"
)

const triggerCLI = "cli"

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()

			var store domain.MirrorRepository
			if dryRun {
				store = memory.New()
			} else {
				if err := a.openStore(ctx); err != nil {
					return err
				}
				if err := a.migrate(ctx); err != nil {
					return err
				}
				a.openPublisher(ctx)
				store = a.store
			}

			source, err := heliant.Open(ctx, a.sourceConfig(), a.log)
			if err != nil {
				return err
			}
			defer source.Close()

			report, err := runOnce(ctx, syncer.New(source, store, a.syncConfig(), a.emitter, a.log))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().Bool("dry-run", false, "Read from the source into an in-memory store; nothing is written")
	return cmd
}

func runOnce(ctx context.Context, s *syncer.Synchronizer) (syncer.SyncReport, error) {
	start := time.Now()
	report, err := s.RunSync(ctx)
	metrics.RecordSyncRun(triggerCLI, err, time.Since(start))
	return report, err
}
