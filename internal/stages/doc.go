// Package stages binds the pipeline components to workflow lanes. Each
// handler resolves the entity a job references, checks workspace liveness at
// its boundaries, runs one component operation, and schedules the next stage.
package stages
