package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/dispatch"
	"sieve/internal/pipeline"
	"sieve/internal/services"
	"sieve/internal/stages"
	"sieve/internal/store"
	"sieve/internal/synth"
)

func newRequirementsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "requirements",
		Aliases: []string{"reqs"},
		Short:   "Inspect synthesized requirements",
	}
	cmd.AddCommand(newRequirementsListCommand(ctx))
	cmd.AddCommand(newRequirementsShowCommand(ctx))
	cmd.AddCommand(newRequirementsExportCommand(ctx))
	cmd.AddCommand(newRequirementsSynthesizeCommand(ctx))
	return cmd
}

func newRequirementsListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requirements in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]store.RequirementStatus, 0, len(statuses))
			for _, s := range statuses {
				status, err := parseRequirementStatus(s)
				if err != nil {
					return err
				}
				filter = append(filter, status)
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				reqs, err := st.ListRequirements(cmd.Context(), ctx.workspace(), filter...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(reqs))
				for _, r := range reqs {
					rows = append(rows, []string{
						strconv.FormatInt(r.ID, 10),
						strconv.FormatInt(r.ClusterID, 10),
						colorStatus(out, r.PriorityBucket),
						colorStatus(out, string(r.Status)),
						strconv.Itoa(len(r.SourceFeedbackIDs)),
						oneLine(r.Title, 60),
					})
				}
				printTable(out,
					[]string{"ID", "Cluster", "Priority", "Status", "Sources", "Title"},
					rows,
					"rrllr",
				)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	return cmd
}

func newRequirementsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <requirement-id>",
		Short: "Show a requirement and its sync history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				req, err := loadRequirement(cmd, st, id)
				if err != nil {
					return err
				}
				records, err := st.ListSyncRecords(cmd.Context(), id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Requirement %d (cluster %d)\n", req.ID, req.ClusterID)
				fmt.Fprintf(out, "Status:   %s\n", colorStatus(out, string(req.Status)))
				fmt.Fprintf(out, "Priority: %s (%.2f)\n", req.PriorityBucket, req.PriorityScore)
				if req.Template != "" {
					fmt.Fprintf(out, "Template: %s\n", req.Template)
				}
				if req.FailureReason != "" {
					fmt.Fprintf(out, "Reason:   %s\n", req.FailureReason)
				}
				if req.SupersededBy != 0 {
					fmt.Fprintf(out, "Superseded by %d\n", req.SupersededBy)
				}
				fmt.Fprintf(out, "\n%s\n\n%s\n", req.Title, req.UserStory)
				if len(req.AcceptanceCriteria) > 0 {
					fmt.Fprintln(out, "\nAcceptance criteria:")
					for _, c := range req.AcceptanceCriteria {
						fmt.Fprintf(out, "  - %s\n", c)
					}
				}
				ids := make([]string, len(req.SourceFeedbackIDs))
				for i, fid := range req.SourceFeedbackIDs {
					ids[i] = strconv.FormatInt(fid, 10)
				}
				fmt.Fprintf(out, "\nSource feedback: %s\n", strings.Join(ids, ", "))

				if len(records) > 0 {
					fmt.Fprintln(out)
					rows := make([][]string, 0, len(records))
					for _, rec := range records {
						rows = append(rows, []string{
							rec.TargetSystem,
							colorStatus(out, string(rec.State)),
							strconv.Itoa(rec.AttemptCount),
							valueOrDash(rec.ExternalRef),
							oneLine(rec.FailureReason, 50),
						})
					}
					printTable(out, []string{"Target", "State", "Attempts", "Ref", "Reason"}, rows, "")
				}
				return nil
			})
		},
	}
}

func newRequirementsExportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "export <requirement-id>",
		Short: "Print the export document of a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				req, err := loadRequirement(cmd, st, id)
				if err != nil {
					return err
				}
				switch req.Status {
				case store.RequirementSynthesized, store.RequirementExported:
				default:
					return fmt.Errorf("requirement %d is %s and cannot be exported", id, req.Status)
				}
				return writeJSON(cmd, dispatch.PayloadFor(req))
			})
		},
	}
}

func newRequirementsSynthesizeCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "synthesize [cluster-id...]",
		Short: "Synthesize requirements for clusters now, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			logger := ctx.logger()
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				p, err := pipeline.Build(cfg, st, logger)
				if err != nil {
					return err
				}
				defer p.Close()

				if !cmd.Flags().Changed("limit") {
					limit = cfg.Synthesis.BatchLimit
				}
				workspace := ctx.workspace()
				result, err := p.Synth.SynthesizeBatch(cmd.Context(), workspace, ids, limit)
				if err != nil {
					return err
				}

				targets := p.Dispatcher.Targets()
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(result.Outcomes)+len(result.Errors))
				for _, id := range batchClusterIDs(result) {
					if berr, ok := result.Errors[id]; ok {
						rows = append(rows, []string{strconv.FormatInt(id, 10), colorStatus(out, "failed"), "-", oneLine(services.Details(berr), 90)})
						continue
					}
					outcome := result.Outcomes[id]
					if outcome.Action == synth.ActionSynthesized && cfg.Sync.AutoExport && len(targets) > 0 {
						if err := stages.ScheduleSync(cmd.Context(), st, workspace, outcome.RequirementID, targets); err != nil {
							return err
						}
					}
					rows = append(rows, []string{strconv.FormatInt(id, 10), colorStatus(out, string(outcome.Action)), entityLabel(outcome.RequirementID), ""})
				}
				printTable(out, []string{"Cluster", "Action", "Requirement", "Error"}, rows, "rlr")
				if len(result.Deferred) > 0 {
					fmt.Fprintf(out, "%d clusters left for a later run (--limit %d)\n", len(result.Deferred), limit)
				}
				if len(result.Errors) > 0 {
					return fmt.Errorf("%d clusters failed to synthesize", len(result.Errors))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum clusters to synthesize (default synthesis.batch_limit)")
	return cmd
}

func batchClusterIDs(result synth.BatchResult) []int64 {
	ids := make([]int64, 0, len(result.Outcomes)+len(result.Errors))
	for id := range result.Outcomes {
		ids = append(ids, id)
	}
	for id := range result.Errors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func loadRequirement(cmd *cobra.Command, st *store.Store, id int64) (*store.Requirement, error) {
	req, err := st.GetRequirement(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("requirement %d not found", id)
	}
	return req, nil
}

func parseRequirementStatus(value string) (store.RequirementStatus, error) {
	status := store.RequirementStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case store.RequirementDraft, store.RequirementReview, store.RequirementSynthesized, store.RequirementExported:
		return status, nil
	default:
		return "", fmt.Errorf("unknown requirement status %q", value)
	}
}

func valueOrDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
