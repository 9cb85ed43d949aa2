package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/dispatch"
	"sieve/internal/ratelimit"
	"sieve/internal/services"
	"sieve/internal/store"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push requirements to project-management targets",
	}
	cmd.AddCommand(newSyncPushCommand(ctx))
	cmd.AddCommand(newSyncTargetsCommand(ctx))
	return cmd
}

func newSyncPushCommand(ctx *commandContext) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "push <requirement-id>",
		Short: "Export a requirement to one target, or every target when --target is empty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			logger := ctx.logger()
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				limits := ratelimit.NewRegistry(time.Duration(cfg.Router.RateWaitTimeoutSeconds) * time.Second)
				dispatcher, err := dispatch.NewFromConfig(cfg, st, limits, logger)
				if err != nil {
					return err
				}
				if len(dispatcher.Targets()) == 0 {
					return fmt.Errorf("no sync targets configured")
				}

				runCtx := services.WithRequestID(cmd.Context(), uuid.NewString())
				var (
					outcomes []dispatch.Outcome
					pushErr  error
				)
				if name := strings.TrimSpace(target); name != "" {
					outcome, err := dispatcher.Dispatch(runCtx, id, name)
					if err != nil {
						return err
					}
					outcomes = append(outcomes, outcome)
				} else {
					outcomes, pushErr = dispatcher.DispatchAll(runCtx, id)
				}

				out := cmd.OutOrStdout()
				for _, o := range outcomes {
					fmt.Fprintf(out, "%s: %s %s (attempts %d)\n", o.Target, o.Action, valueOrDash(string(o.ExternalRef)), o.Attempts)
				}
				return pushErr
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Target name")
	return cmd
}

func newSyncTargetsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List configured sync targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(cfg.Sync.Targets))
			for _, t := range cfg.Sync.Targets {
				dest := t.URL
				if dest == "" {
					dest = t.Path
				}
				rows = append(rows, []string{t.Name, t.Kind, dest})
			}
			printTable(cmd.OutOrStdout(), []string{"Name", "Kind", "Destination"}, rows, "")
			return nil
		},
	}
}
