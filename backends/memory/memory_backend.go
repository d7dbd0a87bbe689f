package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/acaloiaro/jobq/config"
	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/internal"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/logging"
	"github.com/acaloiaro/jobq/types"
	"github.com/guregu/null"
)

// MemBackend is a memory-backed jobq backend
//
// Jobs live only as long as the backend. The queue is kept in processing order so scans need no sorting.
type MemBackend struct {
	internal.Pauser
	config   *config.Config
	logger   logging.Logger
	handlers *handler.Registry
	mu       *sync.Mutex // protects queue and dead; never held while a job runs
	queue    []*jobs.Job // live jobs in processing order
	dead     []*jobs.Job // permanently failed jobs in the order they failed
}

// Backend is a [config.BackendInitializer] that initializes a new memory-backed jobq backend
func Backend(_ context.Context, opts ...config.Option) (backend types.Backend, err error) {
	return New(opts...), nil
}

// New creates a MemBackend
func New(opts ...config.Option) *MemBackend {
	cfg := config.Apply(opts...)
	return &MemBackend{
		config:   cfg,
		logger:   logging.New(os.Stdout, cfg.LogLevel),
		handlers: handler.NewRegistry(),
		mu:       &sync.Mutex{},
		queue:    []*jobs.Job{},
		dead:     []*jobs.Job{},
	}
}

// Register binds h to task
func (m *MemBackend) Register(task string, h handler.Handler) {
	m.handlers.Register(task, h)
}

// Dispatch queues a new pending job
func (m *MemBackend) Dispatch(_ context.Context, payload jobs.Payload, opts ...jobs.Option) (jobID string, err error) {
	job, err := jobs.New(payload, m.config.Now(), opts...)
	if err != nil {
		return "", fmt.Errorf("unable to create job: %w", err)
	}

	m.mu.Lock()
	if m.find(job.ID) >= 0 {
		m.mu.Unlock()
		return "", jobs.ErrDuplicateJobID
	}
	m.queue = append(m.queue, job)
	internal.SortForProcessing(m.queue)
	m.mu.Unlock()

	m.config.Metrics.Dispatched(m.config.QueueName)
	m.logger.Debug("dispatched job", "job_id", job.ID, "task", payload.Task)

	return job.ID, nil
}

// Process executes every eligible pending job once
func (m *MemBackend) Process(ctx context.Context) (err error) {
	if m.IsPaused() {
		return nil
	}

	p := internal.Processor{
		Queue:    m.config.QueueName,
		Handlers: m.handlers,
		Logger:   m.logger,
		Metrics:  m.config.Metrics,
		Now:      m.config.Now,
		Backoff:  m.config.RetryBackoff,
	}

	return p.Process(ctx, store{m})
}

// GetJobs returns copies of the live jobs having one of statuses
func (m *MemBackend) GetJobs(_ context.Context, statuses ...jobs.Status) (js []*jobs.Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(internal.Filter(m.queue, statuses...)), nil
}

// GetJob returns a copy of the job, or nil if it is not in the live queue
func (m *MemBackend) GetJob(_ context.Context, jobID string) (job *jobs.Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(jobID); i >= 0 {
		return m.queue[i].Clone(), nil
	}
	return nil, nil
}

// CancelJob cancels a pending or running job
func (m *MemBackend) CancelJob(_ context.Context, jobID string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(jobID); i >= 0 {
		j := m.queue[i]
		if j.Status == jobs.StatusPending || j.Status == jobs.StatusRunning {
			j.Status = jobs.StatusCancelled
		}
	}
	return nil
}

// SetPriority changes a job's priority
func (m *MemBackend) SetPriority(_ context.Context, jobID string, priority int) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(jobID); i >= 0 {
		m.queue[i].Priority = priority
		internal.SortForProcessing(m.queue)
	}
	return nil
}

// AddDependency makes jobID wait for dependsOnID
func (m *MemBackend) AddDependency(_ context.Context, jobID, dependsOnID string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.find(jobID)
	if i < 0 {
		return nil
	}

	cycle, err := internal.CreatesCycle(jobID, dependsOnID, func(id string) ([]string, error) {
		if k := m.find(id); k >= 0 {
			return m.queue[k].Dependencies, nil
		}
		return nil, nil
	})
	if err != nil {
		return
	}
	if cycle {
		return fmt.Errorf("%w: %s -> %s", jobs.ErrDependencyCycle, jobID, dependsOnID)
	}

	m.queue[i].Dependencies = jobs.AppendDependency(m.queue[i].Dependencies, dependsOnID)
	return nil
}

// GetDependencies returns the IDs jobID waits for
func (m *MemBackend) GetDependencies(_ context.Context, jobID string) (deps []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deps = []string{}
	if i := m.find(jobID); i >= 0 {
		deps = append(deps, m.queue[i].Dependencies...)
	}
	return
}

// GetDeadLetterQueue returns copies of the permanently failed jobs
func (m *MemBackend) GetDeadLetterQueue(_ context.Context) (js []*jobs.Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.dead), nil
}

// RetryJob moves a dead-lettered job back onto the live queue
func (m *MemBackend) RetryJob(_ context.Context, jobID string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, j := range m.dead {
		if j.ID != jobID {
			continue
		}

		m.dead = append(m.dead[:i], m.dead[i+1:]...)
		j.Status = jobs.StatusPending
		j.Attempts = 0
		j.Error = null.String{}
		m.queue = append(m.queue, j)
		internal.SortForProcessing(m.queue)
		return nil
	}

	return nil
}

// UpdateJob overwrites the fields set on update
func (m *MemBackend) UpdateJob(_ context.Context, jobID string, update jobs.Update) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(jobID); i >= 0 {
		update.Apply(m.queue[i])
		internal.SortForProcessing(m.queue)
	}
	return nil
}

// JobExists reports whether jobID is in the live queue
func (m *MemBackend) JobExists(_ context.Context, jobID string) (exists bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(jobID) >= 0, nil
}

// GetJobStatus returns the status of jobID, or jobs.StatusUnknown
func (m *MemBackend) GetJobStatus(_ context.Context, jobID string) (status jobs.Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status(jobID), nil
}

// GetJobResult returns the stored result of jobID
func (m *MemBackend) GetJobResult(_ context.Context, jobID string) (result null.String, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(jobID); i >= 0 {
		return m.queue[i].Result, nil
	}
	return null.String{}, nil
}

// GetQueueLength counts the live jobs having one of statuses
func (m *MemBackend) GetQueueLength(_ context.Context, statuses ...jobs.Status) (length int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.queue {
		if internal.Matches(j.Status, statuses...) {
			length++
		}
	}
	return
}

// GetStats counts jobs by status
func (m *MemBackend) GetStats(_ context.Context) (stats jobs.Stats, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return internal.CountByStatus(m.queue, len(m.dead)), nil
}

// GetNextScheduledJob returns the pending job that becomes eligible soonest
func (m *MemBackend) GetNextScheduledJob(_ context.Context) (job *jobs.Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next := internal.NextScheduled(m.queue); next != nil {
		return next.Clone(), nil
	}
	return nil, nil
}

// GetFailedJobs returns the permanently failed jobs
func (m *MemBackend) GetFailedJobs(ctx context.Context) (js []*jobs.Job, err error) {
	return m.GetDeadLetterQueue(ctx)
}

// GetCompletedJobs returns the completed jobs
func (m *MemBackend) GetCompletedJobs(ctx context.Context) (js []*jobs.Job, err error) {
	return m.GetJobs(ctx, jobs.StatusCompleted)
}

// SetLogger sets this backend's logger
func (m *MemBackend) SetLogger(logger logging.Logger) {
	m.logger = logger
}

// Shutdown is a no-op; memory-backed jobs are discarded with the backend
func (m *MemBackend) Shutdown(_ context.Context) {}

// find returns the index of jobID in the live queue, or -1. m.mu must be held.
func (m *MemBackend) find(jobID string) int {
	for i, j := range m.queue {
		if j.ID == jobID {
			return i
		}
	}
	return -1
}

func (m *MemBackend) status(jobID string) jobs.Status {
	if i := m.find(jobID); i >= 0 {
		return m.queue[i].Status
	}
	return jobs.StatusUnknown
}

func cloneAll(js []*jobs.Job) []*jobs.Job {
	out := make([]*jobs.Job, 0, len(js))
	for _, j := range js {
		out = append(out, j.Clone())
	}
	return out
}

// store gives Process locked access to the queue
type store struct {
	m *MemBackend
}

func (s store) PendingJobs(_ context.Context) ([]*jobs.Job, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return cloneAll(internal.Filter(s.m.queue, jobs.StatusPending)), nil
}

func (s store) JobStatus(_ context.Context, jobID string) (jobs.Status, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.status(jobID), nil
}

func (s store) ClaimJob(_ context.Context, j *jobs.Job) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	i := s.m.find(j.ID)
	if i < 0 || s.m.queue[i].Status != jobs.StatusPending {
		return false, nil
	}
	s.m.queue[i].Status = jobs.StatusRunning
	return true, nil
}

func (s store) FinishJob(_ context.Context, j *jobs.Job) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	i := s.m.find(j.ID)
	if i < 0 || s.m.queue[i].Status != jobs.StatusRunning {
		return false, nil
	}

	stored := s.m.queue[i]
	stored.Status = j.Status
	stored.Attempts = j.Attempts
	stored.Delay = j.Delay
	stored.Result = j.Result
	stored.Error = j.Error
	return true, nil
}

func (s store) BuryJob(_ context.Context, j *jobs.Job) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	i := s.m.find(j.ID)
	if i < 0 || s.m.queue[i].Status != jobs.StatusRunning {
		return false, nil
	}

	stored := s.m.queue[i]
	stored.Status = j.Status
	stored.Attempts = j.Attempts
	stored.Error = j.Error
	s.m.queue = append(s.m.queue[:i], s.m.queue[i+1:]...)
	s.m.dead = append(s.m.dead, stored)
	return true, nil
}
