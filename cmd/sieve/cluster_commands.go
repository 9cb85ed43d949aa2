package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/store"
)

func newClustersCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Inspect feedback clusters",
	}
	cmd.AddCommand(newClustersListCommand(ctx))
	return cmd
}

func newClustersListCommand(ctx *commandContext) *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				clusters, err := st.ListClusters(cmd.Context(), ctx.workspace(), all)
				if err != nil {
					return err
				}
				if asJSON {
					for _, c := range clusters {
						c.Centroid = nil
					}
					return writeJSON(cmd, clusters)
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(clusters))
				for _, c := range clusters {
					summary := ""
					analysis, err := st.ActiveAnalysis(cmd.Context(), c.ID)
					if err != nil {
						return err
					}
					if analysis != nil {
						summary = analysis.Summary
					} else if c.FailureReason != "" {
						summary = "error: " + c.FailureReason
					}
					rows = append(rows, []string{
						strconv.FormatInt(c.ID, 10),
						strconv.Itoa(c.Size),
						strconv.FormatFloat(c.PriorityScore, 'f', 2, 64),
						colorStatus(out, c.PriorityBucket),
						colorStatus(out, string(c.Status)),
						oneLine(summary, 60),
					})
				}
				printTable(out,
					[]string{"ID", "Size", "Score", "Priority", "Status", "Summary"},
					rows,
					"rrr",
				)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include dissolved clusters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}
