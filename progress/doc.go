// Package progress provides progress-store implementations for the pipeline's
// collaborator contracts: a Postgres store (pipeline_run,
// pipeline_resource_run, pipeline_resource_step tables) for durable run
// history and resume, and an in-memory store for tests and single-process
// runs. Both implement pipeline.Tracker, pipeline.ProgressService and
// pipeline.RunCache.
package progress
