package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null"
)

var (
	ErrDependencyCycle  = errors.New("dependency would create a cycle")
	ErrDuplicateJobID   = errors.New("duplicate job id")
	ErrNoHandlerForTask = errors.New("no handler registered for task")
	ErrContextHasNoJob  = errors.New("context has no Job")
)

// Status is the lifecycle state of a Job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// StatusUnknown is returned by lookups for jobs that do not exist. It is never stored.
	StatusUnknown Status = "unknown"
)

// Statuses lists every status a stored job may have, in state machine order
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// Terminal reports whether no further transition is possible from s without an explicit retry
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Payload is the unit of work a Job carries
//
// Task names the handler that executes the job; Args is passed along to the handler through the job context. Args
// must be JSON-serializable since persistent backends store payloads as JSON.
type Payload struct {
	Task string         `json:"task"`
	Args map[string]any `json:"args,omitempty"`
}

// Job contains all the data pertaining to jobs
//
// Jobs are what are placed on queues for processing.
type Job struct {
	ID           string        `db:"id"`           // Time-ordered unique identifier assigned at dispatch
	Payload      Payload       `db:"payload"`      // The work to perform
	Status       Status        `db:"status"`       // The status of the job
	CreatedAt    time.Time     `db:"created"`      // The time the job was dispatched, truncated to the second
	Delay        time.Duration `db:"delay"`        // Time after CreatedAt before the job becomes eligible
	Retries      int           `db:"retries"`      // The maximum number of attempts allowed after the first failure
	Attempts     int           `db:"attempts"`     // The number of failed attempts so far
	Priority     int           `db:"priority"`     // Higher priorities are processed first
	Dependencies []string      `db:"dependencies"` // IDs of jobs that must complete before this job is eligible
	Result       null.String   `db:"result"`       // JSON encoded result of a successful run
	Error        null.String   `db:"error"`        // The last error the job elicited
}

// RunAt is the earliest time the job may be processed
func (j *Job) RunAt() time.Time {
	return j.CreatedAt.Add(j.Delay)
}

// Clone returns a deep copy of j
func (j *Job) Clone() *Job {
	c := *j
	if j.Dependencies != nil {
		c.Dependencies = append([]string(nil), j.Dependencies...)
	}
	if j.Payload.Args != nil {
		c.Payload.Args = make(map[string]any, len(j.Payload.Args))
		for k, v := range j.Payload.Args {
			c.Payload.Args[k] = v
		}
	}
	return &c
}

// Option sets optional fields on newly dispatched jobs
type Option func(j *Job)

// WithDelay makes the job eligible only after d has elapsed since dispatch
func WithDelay(d time.Duration) Option {
	return func(j *Job) {
		j.Delay = d
	}
}

// WithRetries sets the number of attempts allowed after the first failure
func WithRetries(n int) Option {
	return func(j *Job) {
		j.Retries = n
	}
}

// WithPriority sets the job's priority; higher values are processed first
func WithPriority(p int) Option {
	return func(j *Job) {
		j.Priority = p
	}
}

// WithDependencies makes the job wait for the given jobs to complete
func WithDependencies(ids ...string) Option {
	return func(j *Job) {
		for _, id := range ids {
			j.Dependencies = AppendDependency(j.Dependencies, id)
		}
	}
}

// New creates a pending job for payload dispatched at created
func New(payload Payload, created time.Time, opts ...Option) (j *Job, err error) {
	id, err := uuid.NewV7()
	if err != nil {
		return
	}

	j = &Job{
		ID:           id.String(),
		Payload:      payload,
		Status:       StatusPending,
		CreatedAt:    created.Truncate(time.Second),
		Dependencies: []string{},
	}

	for _, opt := range opts {
		opt(j)
	}

	// CreatedAt is truncated, so the delay is measured from it
	if j.Delay > 0 {
		j.Delay = RoundDelay(created.Add(j.Delay).Sub(j.CreatedAt))
	}
	if j.Retries < 0 {
		j.Retries = 0
	}

	return
}

// RoundDelay rounds d up to whole seconds, the resolution at which delays are persisted
func RoundDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	r := d.Truncate(time.Second)
	if r < d {
		r += time.Second
	}
	return r
}

// AppendDependency adds id to deps unless it is already present
func AppendDependency(deps []string, id string) []string {
	for _, d := range deps {
		if d == id {
			return deps
		}
	}
	return append(deps, id)
}

// Update holds administrative overrides for a job. Every non-nil field replaces the job's value.
//
// Delay is measured from the job's stored CreatedAt. A Status of StatusFailed is ignored since failed jobs only
// exist in the dead letter queue.
type Update struct {
	Payload      *Payload
	Status       *Status
	Delay        *time.Duration
	Retries      *int
	Attempts     *int
	Priority     *int
	Dependencies *[]string
	Result       *null.String
	Error        *null.String
}

// Apply overwrites j's fields with the non-nil fields of u
func (u Update) Apply(j *Job) {
	if u.Payload != nil {
		j.Payload = *u.Payload
	}
	if u.Status != nil && *u.Status != StatusFailed {
		j.Status = *u.Status
	}
	if u.Delay != nil {
		j.Delay = RoundDelay(*u.Delay)
	}
	if u.Retries != nil {
		j.Retries = *u.Retries
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	if u.Priority != nil {
		j.Priority = *u.Priority
	}
	if u.Dependencies != nil {
		deps := []string{}
		for _, id := range *u.Dependencies {
			deps = AppendDependency(deps, id)
		}
		j.Dependencies = deps
	}
	if u.Result != nil {
		j.Result = *u.Result
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
}

// Stats counts jobs by status
type Stats map[Status]int

type contextKey struct{}

var jobCtxVarKey contextKey

// WithContext creates a new context with the Job set
func WithContext(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, jobCtxVarKey, j)
}

// FromContext fetches the job from a context if the job context variable is already set
func FromContext(ctx context.Context) (j *Job, err error) {
	var ok bool
	if j, ok = ctx.Value(jobCtxVarKey).(*Job); ok {
		return
	}

	return nil, ErrContextHasNoJob
}
