package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/store"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry stage jobs",
	}
	cmd.AddCommand(newJobsListCommand(ctx))
	cmd.AddCommand(newJobsRetryCommand(ctx))
	return cmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		stage    string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.JobFilter{
				WorkspaceID: ctx.workspace(),
				Stage:       store.Stage(strings.TrimSpace(stage)),
				Limit:       limit,
			}
			for _, s := range statuses {
				status, err := parseJobStatus(s)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				jobs, err := st.ListJobs(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, jobs)
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						string(job.Stage),
						entityLabel(job.EntityID),
						colorStatus(out, string(job.Status)),
						strconv.Itoa(job.Attempts),
						formatTime(job.AvailableAt),
						oneLine(job.LastError, 60),
					})
				}
				printTable(out,
					[]string{"ID", "Stage", "Entity", "Status", "Attempts", "Available", "Last Error"},
					rows,
					"rlrlr",
				)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&stage, "stage", "", "Filter by stage")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Return failed jobs to pending (all failed jobs when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				n, err := st.RetryFailedJobs(cmd.Context(), ctx.workspace(), ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed jobs\n", n)
				return nil
			})
		},
	}
}

func parseJobStatus(value string) (store.JobStatus, error) {
	status := store.JobStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case store.JobPending, store.JobRunning, store.JobDone, store.JobFailed, store.JobCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", value)
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", value)
	}
	return id, nil
}

func entityLabel(id int64) string {
	if id == 0 {
		return "-"
	}
	return strconv.FormatInt(id, 10)
}
