// Package jobq provides a storage-agnostic job queue for Go applications.
//
// Work is dispatched as jobs naming a task. Every call to Process runs each eligible job once, highest priority
// first, and records its outcome. A job is eligible when it is pending, its delay has elapsed and every job it
// depends on has completed. Failed jobs are retried until their retries are exhausted, then moved to a dead letter
// queue from which they can be retried by hand.
//
// Memory, Postgres, SQLite and Redis backends are provided out of the box, and all of them implement
// [types.Backend]. Process is never called by the backends themselves; see the driver package for polling and cron
// schedules.
package jobq
