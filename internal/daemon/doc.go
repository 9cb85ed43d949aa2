// Package daemon coordinates the long-running sieve process.
//
// It ties configuration, the pipeline store, the workflow manager, and the
// source poller into a single lifecycle with flock-based locking to prevent
// multiple instances. An optional HTTP listener serves Prometheus metrics, a
// JSON status endpoint, and signed webhook deliveries, which become ingest
// jobs like any polled record.
//
// Keep orchestration here: stage logic lives in the component packages while
// the daemon focuses on startup, shutdown, and the operator surface.
package daemon
