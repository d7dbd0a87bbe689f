package types

import (
	"context"

	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/logging"
	"github.com/guregu/null"
)

// Backend interface is jobq's primary API
//
// Backend is implemented by:
//   - [pkg/github.com/acaloiaro/jobq/backends/memory.MemBackend]
//   - [pkg/github.com/acaloiaro/jobq/backends/postgres.PgBackend]
//   - [pkg/github.com/acaloiaro/jobq/backends/sqlite.SqliteBackend]
//   - [pkg/github.com/acaloiaro/jobq/backends/redis.RedisBackend]
//
// Lookups of unknown job IDs return sentinel values (a nil job, [jobs.StatusUnknown], an invalid null.String) and
// mutations of unknown job IDs are no-ops. Errors are returned only when the backend itself fails.
type Backend interface {
	// Register binds a handler to a task name. Jobs whose payload names the task are executed by h.
	Register(task string, h handler.Handler)

	// Dispatch queues a pending job and returns its ID
	Dispatch(ctx context.Context, payload jobs.Payload, opts ...jobs.Option) (jobID string, err error)

	// Process executes every eligible pending job once, in priority order
	//
	// Process does nothing while the backend is paused. Job failures are recorded on the job and never returned.
	Process(ctx context.Context) (err error)

	// GetJobs returns jobs in the live queue, optionally only those with one of the given statuses
	GetJobs(ctx context.Context, statuses ...jobs.Status) (js []*jobs.Job, err error)

	// GetJob returns a job in the live queue. Dead-lettered jobs are not returned.
	GetJob(ctx context.Context, jobID string) (job *jobs.Job, err error)

	// CancelJob cancels a pending or running job
	CancelJob(ctx context.Context, jobID string) (err error)

	// Pause stops Process from selecting jobs
	Pause()

	// Resume undoes Pause
	Resume()

	// IsPaused reports whether the backend is paused
	IsPaused() bool

	// SetPriority changes a job's priority
	SetPriority(ctx context.Context, jobID string, priority int) (err error)

	// AddDependency makes jobID wait for dependsOnID to complete
	//
	// Returns [jobs.ErrDependencyCycle] if the dependency would make the job wait on itself.
	AddDependency(ctx context.Context, jobID, dependsOnID string) (err error)

	// GetDependencies returns the IDs a job waits for
	GetDependencies(ctx context.Context, jobID string) (deps []string, err error)

	// GetDeadLetterQueue returns permanently failed jobs
	GetDeadLetterQueue(ctx context.Context) (js []*jobs.Job, err error)

	// RetryJob moves a dead-lettered job back onto the live queue as pending with no attempts
	RetryJob(ctx context.Context, jobID string) (err error)

	// UpdateJob overwrites job fields for administrative corrections
	UpdateJob(ctx context.Context, jobID string, update jobs.Update) (err error)

	// JobExists reports whether a job is in the live queue
	JobExists(ctx context.Context, jobID string) (exists bool, err error)

	// GetJobStatus returns a job's status or [jobs.StatusUnknown]
	GetJobStatus(ctx context.Context, jobID string) (status jobs.Status, err error)

	// GetJobResult returns the JSON encoded result of a completed job
	GetJobResult(ctx context.Context, jobID string) (result null.String, err error)

	// GetQueueLength counts jobs in the live queue, optionally only those with one of the given statuses
	GetQueueLength(ctx context.Context, statuses ...jobs.Status) (length int, err error)

	// GetStats counts jobs by status. Failed jobs are counted from the dead letter queue.
	GetStats(ctx context.Context) (stats jobs.Stats, err error)

	// GetNextScheduledJob returns the pending job that becomes eligible soonest
	GetNextScheduledJob(ctx context.Context) (job *jobs.Job, err error)

	// GetFailedJobs returns permanently failed jobs
	GetFailedJobs(ctx context.Context) (js []*jobs.Job, err error)

	// GetCompletedJobs returns completed jobs
	GetCompletedJobs(ctx context.Context) (js []*jobs.Job, err error)

	// SetLogger sets the backend logger
	SetLogger(logger logging.Logger)

	// Shutdown releases backend resources
	Shutdown(ctx context.Context)
}
