package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/pipeline"
	"sieve/internal/services"
	"sieve/internal/store"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process queued work until the pipeline is idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := ctx.logger()
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				p, err := pipeline.Build(cfg, st, logger)
				if err != nil {
					return err
				}
				defer p.Close()

				runCtx := services.WithRequestID(cmd.Context(), uuid.NewString())
				result, err := p.Manager.Drain(runCtx, !noWait)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %d jobs (%d failed) in %s\n",
					result.Processed, result.Failed, result.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Stop once nothing is claimable instead of waiting for delayed jobs")
	return cmd
}
