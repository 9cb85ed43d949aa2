// Package logging assembles structured slog loggers and formatting helpers used
// across sieve.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code can tag log lines
// with workspace IDs, job IDs, stages, and correlation IDs. The daemon logger
// fans records out to the terminal and a JSON log file.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape as the rest of the system.
package logging
