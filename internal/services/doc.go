// Package services defines shared utilities consumed by the pipeline stages
// and the external provider clients.
//
// Key responsibilities:
//   - Context helpers that stamp workspace IDs, job IDs, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Classify, which turns
//     a failure into a recovery disposition (retry, reject, review, noop,
//     abort).
//
// Use these helpers when wiring new stage logic so retries and failure
// persistence stay uniform across the pipeline.
package services
