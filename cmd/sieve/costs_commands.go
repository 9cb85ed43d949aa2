package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/store"
)

func newCostsCommand(ctx *commandContext) *cobra.Command {
	var (
		period string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Show model spend per billing period and tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				entries, err := st.Costs(cmd.Context(), ctx.workspace(), strings.TrimSpace(period))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, entries)
				}
				out := cmd.OutOrStdout()
				var total float64
				rows := make([][]string, 0, len(entries)+1)
				for _, e := range entries {
					total += e.Cost
					rows = append(rows, []string{
						e.Period,
						e.Tier,
						strconv.FormatInt(e.Calls, 10),
						strconv.FormatInt(e.PromptTokens, 10),
						strconv.FormatInt(e.CompletionTokens, 10),
						formatCost(e.Cost),
					})
				}
				var footer []string
				if len(entries) > 0 {
					footer = []string{"Total", "", "", "", "", formatCost(total)}
				}
				printTableWithFooter(out,
					[]string{"Period", "Tier", "Calls", "Prompt", "Completion", "Cost"},
					rows,
					"llrrrr",
					footer,
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "Billing period (YYYY-MM); all periods when empty")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func formatCost(value float64) string {
	return "$" + strconv.FormatFloat(value, 'f', 4, 64)
}
