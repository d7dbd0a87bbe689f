package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/logging"
	"github.com/acaloiaro/jobq/metrics"
	"github.com/guregu/null"
)

// Store is the storage a backend exposes to Process
//
// The conditional methods report false, without error, when the job is no longer in the expected state. That is how
// a lost claim or a cancellation during execution is detected.
type Store interface {
	// PendingJobs returns copies of every pending job
	PendingJobs(ctx context.Context) ([]*jobs.Job, error)

	// JobStatus returns the status of a job in the live queue, or jobs.StatusUnknown
	JobStatus(ctx context.Context, jobID string) (jobs.Status, error)

	// ClaimJob moves j from pending to running
	ClaimJob(ctx context.Context, j *jobs.Job) (claimed bool, err error)

	// FinishJob persists the status, attempts, delay, result and error of a running j
	FinishJob(ctx context.Context, j *jobs.Job) (saved bool, err error)

	// BuryJob moves a running j to the dead letter queue
	BuryJob(ctx context.Context, j *jobs.Job) (buried bool, err error)
}

// Processor runs the dispatcher loop shared by every backend
type Processor struct {
	Queue    string
	Handlers *handler.Registry
	Logger   logging.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
	Backoff  func(attempts int) time.Duration
}

// Process executes every eligible pending job in s once
//
// Eligibility is decided for all pending jobs before any of them runs, so a job that completes during this call does
// not release its dependents until the next call.
func (p Processor) Process(ctx context.Context, s Store) (err error) {
	pending, err := s.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("unable to load pending jobs: %w", err)
	}

	SortForProcessing(pending)

	resolved := make(map[string]jobs.Status, len(pending))
	for _, j := range pending {
		resolved[j.ID] = j.Status
	}

	statusOf := func(id string) (jobs.Status, error) {
		if status, ok := resolved[id]; ok {
			return status, nil
		}

		status, err := s.JobStatus(ctx, id)
		if err != nil {
			return jobs.StatusUnknown, err
		}

		resolved[id] = status
		return status, nil
	}

	now := p.Now()
	eligible := make([]*jobs.Job, 0, len(pending))
	for _, j := range pending {
		var ok bool
		ok, err = Eligible(j, now, statusOf)
		if err != nil {
			return fmt.Errorf("unable to resolve dependencies of job %s: %w", j.ID, err)
		}

		if ok {
			eligible = append(eligible, j)
		}
	}

	p.Logger.Debug("processing queue", "queue", p.Queue, "pending", len(pending), "eligible", len(eligible))

	for _, j := range eligible {
		if err = ctx.Err(); err != nil {
			return
		}

		if err = p.execute(ctx, s, j); err != nil {
			return
		}
	}

	return nil
}

// execute claims, runs and records the outcome of a single job
func (p Processor) execute(ctx context.Context, s Store, j *jobs.Job) (err error) {
	claimed, err := s.ClaimJob(ctx, j)
	if err != nil {
		return fmt.Errorf("unable to claim job %s: %w", j.ID, err)
	}

	if !claimed {
		p.Logger.Debug("job is no longer pending, skipping", "job_id", j.ID)
		return nil
	}

	j.Status = jobs.StatusRunning
	p.Logger.Debug("running job", "job_id", j.ID, "task", j.Payload.Task)

	result, jobErr := p.Handlers.Run(ctx, j)

	var encoded null.String
	if jobErr == nil && result != nil {
		b, mErr := json.Marshal(result)
		if mErr != nil {
			jobErr = fmt.Errorf("unable to serialize job result: %w", mErr)
		} else {
			encoded = null.StringFrom(string(b))
		}
	}

	var saved bool
	var outcome string
	switch {
	case jobErr == nil:
		Complete(j, encoded)
		outcome = metrics.OutcomeCompleted
		saved, err = s.FinishJob(ctx, j)

	case Fail(j, jobErr, p.Now(), p.Backoff):
		p.Logger.Error("job failed permanently", "job_id", j.ID, "attempts", j.Attempts, "error", jobErr)
		outcome = metrics.OutcomeDead
		saved, err = s.BuryJob(ctx, j)

	default:
		p.Logger.Info("job failed, will retry", "job_id", j.ID, "attempts", j.Attempts, "retries", j.Retries, "error", jobErr)
		outcome = metrics.OutcomeRetried
		saved, err = s.FinishJob(ctx, j)
	}

	if err != nil {
		return fmt.Errorf("unable to record outcome of job %s: %w", j.ID, err)
	}

	if !saved {
		p.Logger.Error("job changed while running, outcome discarded", "job_id", j.ID, "outcome", outcome)
		outcome = metrics.OutcomeDiscarded
	}

	p.Metrics.Executed(p.Queue, outcome)

	return nil
}
