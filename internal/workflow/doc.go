// Package workflow advances durable jobs through the pipeline stages.
//
// The Manager runs one lane per stage (ingest, embed, dedup, analyze,
// synthesize, sync). Each lane has a configurable number of workers that
// claim jobs atomically from the store, run the stage handler under a
// heartbeat, and settle the job from the handler's error: done, requeued with
// backoff, failed with a persisted reason, or cancelled. Stale running jobs
// are reclaimed when their heartbeat expires, and workspace deletion cancels
// the in-flight contexts of that workspace.
//
// Stages talk to each other only through job rows that reference entity ids,
// so a lane can be scaled or restarted without coordinating with the others.
package workflow
