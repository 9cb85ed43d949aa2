package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"sieve/internal/textutil"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// colorStatus tints lifecycle words when writing to a terminal.
func colorStatus(w io.Writer, status string) string {
	if !shouldColorize(w) {
		return status
	}
	switch strings.ToLower(status) {
	case "ok", "done", "succeeded", "exported", "synthesized", "active":
		return ansiGreen + status + ansiReset
	case "pending", "running", "in_flight", "draft", "review":
		return ansiYellow + status + ansiReset
	case "failed", "cancelled", "dissolved":
		return ansiRed + status + ansiReset
	default:
		return status
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// oneLine collapses whitespace and cuts value to n runes for table cells.
func oneLine(value string, n int) string {
	return textutil.Truncate(strings.Join(strings.Fields(value), " "), n)
}

// printTable writes "(none)" instead of an empty table.
func printTable(w io.Writer, headers []string, rows [][]string, align string) {
	printTableWithFooter(w, headers, rows, align, nil)
}

func printTableWithFooter(w io.Writer, headers []string, rows [][]string, align string, footer []string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(none)")
		return
	}
	fmt.Fprintln(w, renderTable(headers, rows, align, footer))
}

// writeJSON backs every --json flag.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
