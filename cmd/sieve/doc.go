// Package main hosts the sieve CLI entrypoint and command graph.
//
// The Cobra command tree opens the pipeline store directly for inspection and
// maintenance (jobs, clusters, requirements, the review queue, costs, and
// workspaces), runs one-shot drains of the stage queue, and controls a
// running sieved daemon. Configuration resolution and store access are
// centralized in commandContext so subcommands stay declarative.
package main
