// Package store persists the feedback pipeline in SQLite.
//
// Every entity (workspaces, feedback items, embeddings, clusters and their
// membership, analyses, requirements, sync records, jobs) lives in one
// database opened in WAL mode. Writes that must land together go through
// Store.WithTx, which retries the whole transaction when SQLite reports the
// database as busy. Jobs are durable queue messages that reference entities
// by id; at most one pending job exists per unit of work.
//
// Schema changes append a step to migrations in schema.go. Opening an older
// database applies the missing steps in order; a database from a newer
// build is refused with ErrSchemaMismatch.
package store
