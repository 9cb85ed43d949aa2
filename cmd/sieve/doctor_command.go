package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/preflight"
	"sieve/internal/store"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, database, model tiers, and sync targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				results := preflight.RunAll(cmd.Context(), cfg, preflight.Options{Probe: probe})
				results = append(results, databaseResult(cmd, st))

				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					state := "ok"
					if !r.Passed {
						state = "failed"
					}
					rows = append(rows, []string{r.Name, colorStatus(out, state), r.Detail})
				}
				printTable(out, []string{"Check", "Result", "Detail"}, rows, "")

				if failed := preflight.Failed(results); len(failed) > 0 {
					return fmt.Errorf("%d of %d checks failed", len(failed), len(results))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Also call each model tier and webhook target")
	return cmd
}

func databaseResult(cmd *cobra.Command, st *store.Store) preflight.Result {
	health, err := st.CheckHealth(cmd.Context())
	if err != nil {
		return preflight.Result{Name: "Database", Detail: err.Error()}
	}
	if !health.DatabaseReadable || !health.IntegrityCheck || len(health.MissingTables) > 0 {
		detail := health.Error
		if detail == "" {
			detail = fmt.Sprintf("missing tables: %v", health.MissingTables)
		}
		return preflight.Result{Name: "Database", Detail: detail}
	}
	return preflight.Result{
		Name:   "Database",
		Passed: true,
		Detail: fmt.Sprintf("%s (schema v%d)", health.DBPath, health.SchemaVersion),
	}
}
