package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/store"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Work the manual review queue",
	}
	cmd.AddCommand(newReviewListCommand(ctx))
	cmd.AddCommand(newReviewResolveCommand(ctx))
	return cmd
}

func newReviewListCommand(ctx *commandContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters waiting for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				entries, err := st.ListReviewEntries(cmd.Context(), ctx.workspace(), all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					resolved := "-"
					if e.ResolvedAt != nil {
						resolved = formatTime(*e.ResolvedAt)
					}
					rows = append(rows, []string{
						strconv.FormatInt(e.ID, 10),
						strconv.FormatInt(e.ClusterID, 10),
						entityLabel(e.RequirementID),
						formatTime(e.CreatedAt),
						resolved,
						oneLine(e.Reason, 60),
					})
				}
				printTable(out,
					[]string{"ID", "Cluster", "Requirement", "Queued", "Resolved", "Reason"},
					rows,
					"rrr",
				)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved entries")
	return cmd
}

func newReviewResolveCommand(ctx *commandContext) *cobra.Command {
	var resynthesize bool
	cmd := &cobra.Command{
		Use:   "resolve <entry-id>",
		Short: "Resolve a review entry and optionally queue a fresh synthesis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				entries, err := st.ListReviewEntries(cmd.Context(), ctx.workspace(), true)
				if err != nil {
					return err
				}
				var entry *store.ReviewEntry
				for _, e := range entries {
					if e.ID == id {
						entry = e
						break
					}
				}
				if entry == nil {
					return fmt.Errorf("review entry %d not found in workspace %s", id, ctx.workspace())
				}
				changed, err := st.ResolveReviewEntry(cmd.Context(), id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !changed {
					fmt.Fprintf(out, "Review entry %d was already resolved\n", id)
					return nil
				}
				fmt.Fprintf(out, "Resolved review entry %d\n", id)
				if !resynthesize {
					return nil
				}
				jobID, err := st.Enqueue(cmd.Context(), store.NewJob{
					WorkspaceID: entry.WorkspaceID,
					Stage:       store.StageSynthesize,
					EntityID:    entry.ClusterID,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Queued synthesis job %d for cluster %d\n", jobID, entry.ClusterID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resynthesize, "resynthesize", true, "Queue a new synthesis for the cluster")
	return cmd
}
