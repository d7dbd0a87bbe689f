package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/acaloiaro/jobq/config"
	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/internal"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/logging"
	"github.com/acaloiaro/jobq/types"
	"github.com/guregu/null"
	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds how often a conflicting optimistic transaction is retried
const maxTxAttempts = 16

var (
	// ErrInvalidAddr indicates that the provided address is not a valid redis connection string
	ErrInvalidAddr = errors.New("invalid connecton string: see documentation for valid connection strings")

	// ErrTooManyConflicts is returned when a write keeps losing its optimistic transaction to concurrent writers
	ErrTooManyConflicts = errors.New("too many concurrent modifications to queue")
)

// RedisBackend is a Redis-backed jobq backend
//
// Each queue is a pair of lists: "queue:<name>" holds live jobs in dispatch order and "queue:<name>:dead" holds
// permanently failed jobs. Elements are JSON documents. Writes are optimistic WATCH/MULTI transactions.
// nolint: revive
type RedisBackend struct {
	internal.Pauser
	client     redis.UniversalClient
	ownsClient bool
	config     *config.Config
	logger     logging.Logger
	handlers   *handler.Registry
	liveKey    string
	deadKey    string
}

// element is the stored form of a job
type element struct {
	ID           string       `json:"id"`
	Payload      jobs.Payload `json:"payload"`
	Status       jobs.Status  `json:"status"`
	Created      int64        `json:"created"` // unix seconds
	Delay        int64        `json:"delay"`   // seconds
	Retries      int          `json:"retries"`
	Attempts     int          `json:"attempts"`
	Priority     int          `json:"priority"`
	Dependencies []string     `json:"dependencies"`
	Result       null.String  `json:"result"`
	Error        null.String  `json:"error"`
}

// Backend is a [config.BackendInitializer] that initializes a new Redis-backed jobq backend
//
// The connection string is either a host:port address or a redis:// URL. [config.WithPassword] sets the password
// used with a plain address.
func Backend(ctx context.Context, opts ...config.Option) (backend types.Backend, err error) {
	cfg := config.Apply(opts...)
	if cfg.ConnectionString == "" {
		return nil, ErrInvalidAddr
	}

	var client redis.UniversalClient
	if strings.HasPrefix(cfg.ConnectionString, "redis://") || strings.HasPrefix(cfg.ConnectionString, "rediss://") {
		var o *redis.Options
		o, err = redis.ParseURL(cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAddr, err)
		}
		if o.Password == "" {
			o.Password = cfg.BackendAuthPassword
		}
		client = redis.NewClient(o)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.ConnectionString},
			Password: cfg.BackendAuthPassword,
		})
	}

	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	b := New(client, opts...)
	b.ownsClient = true

	return b, nil
}

// New creates a backend using an existing client. Shutdown does not close client.
func New(client redis.UniversalClient, opts ...config.Option) *RedisBackend {
	cfg := config.Apply(opts...)
	return &RedisBackend{
		client:   client,
		config:   cfg,
		logger:   logging.New(os.Stdout, cfg.LogLevel),
		handlers: handler.NewRegistry(),
		liveKey:  "queue:" + cfg.QueueName,
		deadKey:  "queue:" + cfg.QueueName + ":dead",
	}
}

// Register binds h to task
func (b *RedisBackend) Register(task string, h handler.Handler) {
	b.handlers.Register(task, h)
}

// Dispatch appends a new pending job to the queue
func (b *RedisBackend) Dispatch(ctx context.Context, payload jobs.Payload, opts ...jobs.Option) (jobID string, err error) {
	job, err := jobs.New(payload, b.config.Now(), opts...)
	if err != nil {
		return "", fmt.Errorf("unable to create job: %w", err)
	}

	encoded, err := encode(job)
	if err != nil {
		return
	}

	b.logger.Debug("dispatching job", "job_id", job.ID, "task", payload.Task, "key", b.liveKey)
	if err = b.client.RPush(ctx, b.liveKey, encoded).Err(); err != nil {
		return "", fmt.Errorf("unable to add job to queue: %w", err)
	}

	b.config.Metrics.Dispatched(b.config.QueueName)

	return job.ID, nil
}

// Process executes every eligible pending job once
func (b *RedisBackend) Process(ctx context.Context) (err error) {
	if b.IsPaused() {
		return nil
	}

	p := internal.Processor{
		Queue:    b.config.QueueName,
		Handlers: b.handlers,
		Logger:   b.logger,
		Metrics:  b.config.Metrics,
		Now:      b.config.Now,
		Backoff:  b.config.RetryBackoff,
	}

	return p.Process(ctx, &redisStore{b: b})
}

// GetJobs returns the live jobs having one of statuses, in processing order
func (b *RedisBackend) GetJobs(ctx context.Context, statuses ...jobs.Status) (js []*jobs.Job, err error) {
	all, err := b.scan(ctx, b.client, b.liveKey)
	if err != nil {
		return
	}

	js = internal.Filter(all, statuses...)
	internal.SortForProcessing(js)
	return js, nil
}

// GetJob returns the job, or nil if it is not in the live queue
func (b *RedisBackend) GetJob(ctx context.Context, jobID string) (job *jobs.Job, err error) {
	all, err := b.scan(ctx, b.client, b.liveKey)
	if err != nil {
		return
	}

	if i := indexOf(all, jobID); i >= 0 {
		return all[i], nil
	}
	return nil, nil
}

// CancelJob cancels a pending or running job
func (b *RedisBackend) CancelJob(ctx context.Context, jobID string) (err error) {
	_, err = b.mutate(ctx, jobID, func(j *jobs.Job, _ []*jobs.Job) (bool, error) {
		if j.Status != jobs.StatusPending && j.Status != jobs.StatusRunning {
			return false, nil
		}
		j.Status = jobs.StatusCancelled
		return true, nil
	})
	return
}

// SetPriority changes a job's priority
func (b *RedisBackend) SetPriority(ctx context.Context, jobID string, priority int) (err error) {
	_, err = b.mutate(ctx, jobID, func(j *jobs.Job, _ []*jobs.Job) (bool, error) {
		j.Priority = priority
		return true, nil
	})
	return
}

// AddDependency makes jobID wait for dependsOnID
func (b *RedisBackend) AddDependency(ctx context.Context, jobID, dependsOnID string) (err error) {
	_, err = b.mutate(ctx, jobID, func(j *jobs.Job, all []*jobs.Job) (bool, error) {
		cycle, err := internal.CreatesCycle(jobID, dependsOnID, func(id string) ([]string, error) {
			if i := indexOf(all, id); i >= 0 {
				return all[i].Dependencies, nil
			}
			return nil, nil
		})
		if err != nil {
			return false, err
		}
		if cycle {
			return false, fmt.Errorf("%w: %s -> %s", jobs.ErrDependencyCycle, jobID, dependsOnID)
		}

		j.Dependencies = jobs.AppendDependency(j.Dependencies, dependsOnID)
		return true, nil
	})
	return
}

// GetDependencies returns the IDs jobID waits for
func (b *RedisBackend) GetDependencies(ctx context.Context, jobID string) (deps []string, err error) {
	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		return
	}

	deps = []string{}
	if job != nil {
		deps = append(deps, job.Dependencies...)
	}
	return
}

// GetDeadLetterQueue returns the permanently failed jobs in the order they failed
func (b *RedisBackend) GetDeadLetterQueue(ctx context.Context) (js []*jobs.Job, err error) {
	return b.scan(ctx, b.client, b.deadKey)
}

// RetryJob moves a dead-lettered job back onto the live queue
func (b *RedisBackend) RetryJob(ctx context.Context, jobID string) (err error) {
	return b.transact(ctx, func(tx *redis.Tx) (err error) {
		es, err := b.entries(ctx, tx, b.deadKey)
		if err != nil {
			return
		}

		i := indexOf(jobsOf(es), jobID)
		if i < 0 {
			return nil
		}

		job := es[i].job
		job.Status = jobs.StatusPending
		job.Attempts = 0
		job.Error = null.String{}

		encoded, err := encode(job)
		if err != nil {
			return
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removeAt(ctx, pipe, b.deadKey, es[i].pos)
			pipe.RPush(ctx, b.liveKey, encoded)
			return nil
		})
		return
	}, b.liveKey, b.deadKey)
}

// UpdateJob overwrites the fields set on update
func (b *RedisBackend) UpdateJob(ctx context.Context, jobID string, update jobs.Update) (err error) {
	_, err = b.mutate(ctx, jobID, func(j *jobs.Job, _ []*jobs.Job) (bool, error) {
		update.Apply(j)
		return true, nil
	})
	return
}

// JobExists reports whether jobID is in the live queue
func (b *RedisBackend) JobExists(ctx context.Context, jobID string) (exists bool, err error) {
	job, err := b.GetJob(ctx, jobID)
	return job != nil, err
}

// GetJobStatus returns the status of jobID, or jobs.StatusUnknown
func (b *RedisBackend) GetJobStatus(ctx context.Context, jobID string) (status jobs.Status, err error) {
	job, err := b.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return jobs.StatusUnknown, err
	}
	return job.Status, nil
}

// GetJobResult returns the stored result of jobID
func (b *RedisBackend) GetJobResult(ctx context.Context, jobID string) (result null.String, err error) {
	job, err := b.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return null.String{}, err
	}
	return job.Result, nil
}

// GetQueueLength counts the live jobs having one of statuses
func (b *RedisBackend) GetQueueLength(ctx context.Context, statuses ...jobs.Status) (length int, err error) {
	js, err := b.GetJobs(ctx, statuses...)
	return len(js), err
}

// GetStats counts jobs by status
func (b *RedisBackend) GetStats(ctx context.Context) (stats jobs.Stats, err error) {
	live, err := b.scan(ctx, b.client, b.liveKey)
	if err != nil {
		return
	}

	dead, err := b.client.LLen(ctx, b.deadKey).Result()
	if err != nil {
		return
	}

	return internal.CountByStatus(live, int(dead)), nil
}

// GetNextScheduledJob returns the pending job that becomes eligible soonest
func (b *RedisBackend) GetNextScheduledJob(ctx context.Context) (job *jobs.Job, err error) {
	live, err := b.scan(ctx, b.client, b.liveKey)
	if err != nil {
		return
	}
	return internal.NextScheduled(live), nil
}

// GetFailedJobs returns the permanently failed jobs
func (b *RedisBackend) GetFailedJobs(ctx context.Context) (js []*jobs.Job, err error) {
	return b.GetDeadLetterQueue(ctx)
}

// GetCompletedJobs returns the completed jobs
func (b *RedisBackend) GetCompletedJobs(ctx context.Context) (js []*jobs.Job, err error) {
	return b.GetJobs(ctx, jobs.StatusCompleted)
}

// SetLogger sets this backend's logger
func (b *RedisBackend) SetLogger(logger logging.Logger) {
	b.logger = logger
}

// Shutdown closes the redis client if the backend created it
func (b *RedisBackend) Shutdown(_ context.Context) {
	if !b.ownsClient {
		return
	}

	if err := b.client.Close(); err != nil {
		b.logger.Error("unable to close redis client", "error", err)
	}
}

// lister is satisfied by clients and by transactions
type lister interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// entry is a decoded list element and its position in the list
type entry struct {
	pos int64
	job *jobs.Job
}

// entries reads and decodes every element of the list at key, in list order
func (b *RedisBackend) entries(ctx context.Context, c lister, key string) (es []entry, err error) {
	raw, err := c.LRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("unable to read %s: %w", key, err)
	}

	es = make([]entry, 0, len(raw))
	for i, r := range raw {
		if r == internal.Tombstone {
			continue
		}

		var job *jobs.Job
		if job, err = decode(r); err != nil {
			return nil, err
		}
		es = append(es, entry{pos: int64(i), job: job})
	}

	return es, nil
}

// scan returns the jobs in the list at key, in list order
func (b *RedisBackend) scan(ctx context.Context, c lister, key string) (js []*jobs.Job, err error) {
	es, err := b.entries(ctx, c, key)
	if err != nil {
		return
	}
	return jobsOf(es), nil
}

// transact runs fn as an optimistic transaction watching keys, retrying when another client modifies them first
func (b *RedisBackend) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) (err error) {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = b.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return
		}
		b.logger.Debug("queue modified concurrently, retrying", "key", keys[0], "attempt", attempt+1)
	}

	return ErrTooManyConflicts
}

// mutate applies fn to the live job jobID and writes it back if fn reports a change
//
// all holds every live job as read inside the transaction. mutate reports false when the job does not exist or fn
// made no change.
func (b *RedisBackend) mutate(ctx context.Context, jobID string, fn func(j *jobs.Job, all []*jobs.Job) (bool, error)) (applied bool, err error) {
	err = b.transact(ctx, func(tx *redis.Tx) (err error) {
		applied = false

		es, err := b.entries(ctx, tx, b.liveKey)
		if err != nil {
			return
		}

		all := jobsOf(es)
		i := indexOf(all, jobID)
		if i < 0 {
			return nil
		}

		changed, err := fn(all[i], all)
		if err != nil || !changed {
			return
		}

		encoded, err := encode(all[i])
		if err != nil {
			return
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, b.liveKey, es[i].pos, encoded)
			return nil
		})
		if err == nil {
			applied = true
		}
		return
	}, b.liveKey)

	return
}

// removeAt queues the removal of the element at pos from the list at key
func removeAt(ctx context.Context, pipe redis.Pipeliner, key string, pos int64) {
	pipe.LSet(ctx, key, pos, internal.Tombstone)
	pipe.LRem(ctx, key, 0, internal.Tombstone)
}

func jobsOf(es []entry) []*jobs.Job {
	js := make([]*jobs.Job, 0, len(es))
	for _, e := range es {
		js = append(js, e.job)
	}
	return js
}

func indexOf(js []*jobs.Job, jobID string) int {
	for i, j := range js {
		if j.ID == jobID {
			return i
		}
	}
	return -1
}

func encode(j *jobs.Job) (string, error) {
	deps := j.Dependencies
	if deps == nil {
		deps = []string{}
	}

	b, err := json.Marshal(element{
		ID:           j.ID,
		Payload:      j.Payload,
		Status:       j.Status,
		Created:      j.CreatedAt.Unix(),
		Delay:        int64(jobs.RoundDelay(j.Delay) / time.Second),
		Retries:      j.Retries,
		Attempts:     j.Attempts,
		Priority:     j.Priority,
		Dependencies: deps,
		Result:       j.Result,
		Error:        j.Error,
	})
	if err != nil {
		return "", fmt.Errorf("unable to serialize job %s: %w", j.ID, err)
	}
	return string(b), nil
}

func decode(s string) (*jobs.Job, error) {
	var e element
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("unable to deserialize job: %w", err)
	}

	deps := e.Dependencies
	if deps == nil {
		deps = []string{}
	}

	return &jobs.Job{
		ID:           e.ID,
		Payload:      e.Payload,
		Status:       e.Status,
		CreatedAt:    time.Unix(e.Created, 0),
		Delay:        time.Duration(e.Delay) * time.Second,
		Retries:      e.Retries,
		Attempts:     e.Attempts,
		Priority:     e.Priority,
		Dependencies: deps,
		Result:       e.Result,
		Error:        e.Error,
	}, nil
}

// redisStore runs Process' reads and conditional writes against redis
//
// Dependency statuses are resolved from one snapshot of the live list taken on first use.
type redisStore struct {
	b        *RedisBackend
	statuses map[string]jobs.Status
}

func (s *redisStore) PendingJobs(ctx context.Context) ([]*jobs.Job, error) {
	return s.b.GetJobs(ctx, jobs.StatusPending)
}

func (s *redisStore) JobStatus(ctx context.Context, jobID string) (jobs.Status, error) {
	if s.statuses == nil {
		live, err := s.b.scan(ctx, s.b.client, s.b.liveKey)
		if err != nil {
			return jobs.StatusUnknown, err
		}

		s.statuses = make(map[string]jobs.Status, len(live))
		for _, j := range live {
			s.statuses[j.ID] = j.Status
		}
	}

	if status, ok := s.statuses[jobID]; ok {
		return status, nil
	}
	return jobs.StatusUnknown, nil
}

func (s *redisStore) ClaimJob(ctx context.Context, j *jobs.Job) (bool, error) {
	return s.b.mutate(ctx, j.ID, func(stored *jobs.Job, _ []*jobs.Job) (bool, error) {
		if stored.Status != jobs.StatusPending {
			return false, nil
		}
		stored.Status = jobs.StatusRunning
		return true, nil
	})
}

func (s *redisStore) FinishJob(ctx context.Context, j *jobs.Job) (bool, error) {
	return s.b.mutate(ctx, j.ID, func(stored *jobs.Job, _ []*jobs.Job) (bool, error) {
		if stored.Status != jobs.StatusRunning {
			return false, nil
		}
		stored.Status = j.Status
		stored.Attempts = j.Attempts
		stored.Delay = j.Delay
		stored.Result = j.Result
		stored.Error = j.Error
		return true, nil
	})
}

func (s *redisStore) BuryJob(ctx context.Context, j *jobs.Job) (buried bool, err error) {
	b := s.b
	err = b.transact(ctx, func(tx *redis.Tx) (err error) {
		buried = false

		es, err := b.entries(ctx, tx, b.liveKey)
		if err != nil {
			return
		}

		i := indexOf(jobsOf(es), j.ID)
		if i < 0 || es[i].job.Status != jobs.StatusRunning {
			return nil
		}

		stored := es[i].job
		stored.Status = j.Status
		stored.Attempts = j.Attempts
		stored.Error = j.Error

		encoded, err := encode(stored)
		if err != nil {
			return
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removeAt(ctx, pipe, b.liveKey, es[i].pos)
			pipe.RPush(ctx, b.deadKey, encoded)
			return nil
		})
		if err == nil {
			buried = true
		}
		return
	}, b.liveKey, b.deadKey)

	return
}
