package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/source"
	"sieve/internal/store"
)

const defaultIngestSource = "cli"

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var sourceName string
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Queue feedback records from a JSON Lines file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, closeFn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			events, skipped, err := readEvents(reader, strings.TrimSpace(sourceName))
			if err != nil {
				return err
			}
			workspace := ctx.workspace()
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				if err := ensureLiveWorkspace(cmd, st, workspace); err != nil {
					return err
				}
				if err := source.Enqueue(cmd.Context(), st, workspace, events...); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Queued %d feedback records into %s\n", len(events), workspace)
				if skipped > 0 {
					fmt.Fprintf(out, "Skipped %d unreadable lines\n", skipped)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sourceName, "source", defaultIngestSource, "Source system recorded on each item")
	return cmd
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return file, func() { _ = file.Close() }, nil
}

// readEvents parses one RawFeedback per line. Blank lines are ignored and
// lines that do not decode are counted as skipped.
func readEvents(r io.Reader, sourceName string) ([]source.Event, int, error) {
	if sourceName == "" {
		sourceName = defaultIngestSource
	}
	var (
		events  []source.Event
		skipped int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var item source.RawFeedback
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			skipped++
			continue
		}
		events = append(events, source.Event{Source: sourceName, Item: item})
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read input: %w", err)
	}
	if len(events) == 0 {
		return nil, skipped, errors.New("no feedback records found")
	}
	return events, skipped, nil
}

// ensureLiveWorkspace creates the workspace on first use and refuses a
// deleted one.
func ensureLiveWorkspace(cmd *cobra.Command, st *store.Store, workspace string) error {
	ws, err := st.EnsureWorkspace(cmd.Context(), workspace)
	if err != nil {
		return err
	}
	if ws == nil || ws.DeletedAt != nil {
		return fmt.Errorf("workspace %q is deleted", workspace)
	}
	return nil
}
