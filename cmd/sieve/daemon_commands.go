package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sieve/internal/daemonctl"
	"sieve/internal/daemonrun"
	"sieve/internal/store"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or control the sieve daemon",
	}
	cmd.AddCommand(newDaemonRunCommand(ctx))
	cmd.AddCommand(newDaemonStatusCommand(ctx))
	cmd.AddCommand(newDaemonStopCommand(ctx))
	return cmd
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var (
		logLevel string
		dev      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel, Development: dev})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development logging")
	return cmd
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			running, pid, err := daemonctl.ProcessInfo(cfg)
			if err != nil {
				return err
			}
			if !running {
				if asJSON {
					return writeJSON(cmd, map[string]any{"running": false})
				}
				fmt.Fprintln(out, "Daemon: not running")
				return nil
			}
			status, err := daemonctl.FetchStatus(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("daemon holds the lock (pid %d) but status is unavailable: %w", pid, err)
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			fmt.Fprintf(out, "Daemon:   running (pid %d)\n", status.PID)
			fmt.Fprintf(out, "Database: %s (schema ok: %s)\n", status.DatabasePath, yesNo(status.SchemaOK))
			fmt.Fprintf(out, "Sources:  %s\n", valueOrDash(strings.Join(status.Sources, ", ")))
			if status.Workflow.LastError != "" {
				fmt.Fprintf(out, "Last error: %s\n", status.Workflow.LastError)
			}

			stages := make([]string, 0, len(status.Stages))
			for name := range status.Stages {
				stages = append(stages, name)
			}
			sort.Strings(stages)
			rows := make([][]string, 0, len(stages))
			for _, name := range stages {
				s := status.Stages[name]
				rows = append(rows, []string{name, yesNo(s.Ready), valueOrDash(s.Detail)})
			}
			fmt.Fprintln(out)
			printTable(out, []string{"Stage", "Ready", "Detail"}, rows, "")

			counts := make([][]string, 0, len(status.Jobs))
			for _, st := range []store.JobStatus{store.JobPending, store.JobRunning, store.JobDone, store.JobFailed, store.JobCancelled} {
				counts = append(counts, []string{colorStatus(out, string(st)), fmt.Sprint(status.Jobs[st])})
			}
			fmt.Fprintln(out)
			printTable(out, []string{"Jobs", "Count"}, counts, "lr")
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cfg, grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.Forced {
				fmt.Fprintf(out, "Daemon (pid %d) did not exit in %s and was killed\n", result.PID, grace)
				return nil
			}
			fmt.Fprintf(out, "Daemon (pid %d) stopped\n", result.PID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 15*time.Second, "Time to wait before killing the daemon")
	return cmd
}
