package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/store"
)

func newAlertsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent operator alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				alerts, err := st.ListAlerts(cmd.Context(), ctx.workspace(), limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(alerts))
				for _, a := range alerts {
					rows = append(rows, []string{
						strconv.FormatInt(a.ID, 10),
						formatTime(a.CreatedAt),
						a.Kind,
						a.Subject,
						oneLine(a.Message, 70),
					})
				}
				printTable(cmd.OutOrStdout(), []string{"ID", "When", "Kind", "Subject", "Message"}, rows, "")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}
