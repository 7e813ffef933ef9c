package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove finished runs and their execution logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			ctx := context.Background()
			store, release, err := openStorage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer release()

			n, err := store.ClearFinished(ctx)
			if err != nil {
				return fmt.Errorf("failed to purge runs: %w", err)
			}
			logger.Info("Purged finished runs", "runs", n)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d finished runs\n", n)
			return nil
		},
	}
}
