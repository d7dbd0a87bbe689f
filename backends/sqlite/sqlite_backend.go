package sqlite

import (
	"context"
	"database/sql"
	"embed"
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
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/guregu/null"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var sqliteMigrationsFS embed.FS

const (
	urlScheme          = "sqlite3://"
	orderForProcessing = `ORDER BY priority DESC, created ASC, id ASC`
	insertColumns      = `(` + internal.JobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

var ErrNoDatabasePath = errors.New("sqlite backend requires a database file path as its connection string")

// SqliteBackend is a jobq backend storing jobs in a sqlite database file
//
// All access goes through a single connection. No transaction or result set is held while a job runs, so handlers
// may call back into the backend.
type SqliteBackend struct {
	internal.Pauser
	config   *config.Config
	logger   logging.Logger
	handlers *handler.Registry
	db       *sql.DB
}

// Backend is a [config.BackendInitializer] that opens the sqlite database named by [config.WithConnectionString],
// creating and migrating it as needed
//
// The connection string is a file path, optionally prefixed with "sqlite3://".
func Backend(ctx context.Context, opts ...config.Option) (sb types.Backend, err error) {
	cfg := config.Apply(opts...)
	path := strings.TrimPrefix(cfg.ConnectionString, urlScheme)
	if path == "" {
		return nil, ErrNoDatabasePath
	}

	if err = Migrate(path); err != nil {
		return
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open jobs database: %w", err)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to connect to jobs database: %w", err)
	}

	return New(db, opts...), nil
}

// New creates a backend on an open database whose schema is already migrated
func New(db *sql.DB, opts ...config.Option) *SqliteBackend {
	db.SetMaxOpenConns(1)

	s := &SqliteBackend{
		config:   config.Apply(opts...),
		handlers: handler.NewRegistry(),
		db:       db,
	}
	s.logger = logging.New(os.Stdout, s.config.LogLevel)

	return s
}

// Migrate applies the jobq schema migrations to the database file at path
func Migrate(path string) (err error) {
	migrations, err := iofs.New(sqliteMigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to run migrations, error during iofs new: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", migrations, urlScheme+path)
	if err != nil {
		return fmt.Errorf("unable to run migrations, could not create new source: %w", err)
	}

	// the migration tooling does not need to hold its connections once it has completed
	defer m.Close()
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("unable to run migrations, could not apply up migration: %w", err)
	}

	return nil
}

// Register binds h to task
func (s *SqliteBackend) Register(task string, h handler.Handler) {
	s.handlers.Register(task, h)
}

// Dispatch inserts a new pending job
func (s *SqliteBackend) Dispatch(ctx context.Context, payload jobs.Payload, opts ...jobs.Option) (jobID string, err error) {
	job, err := jobs.New(payload, s.config.Now(), opts...)
	if err != nil {
		return "", fmt.Errorf("unable to create job: %w", err)
	}

	s.logger.Debug("dispatching job", "job_id", job.ID, "task", payload.Task)
	err = s.insert(ctx, s.db, "jobq_jobs", job)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return "", jobs.ErrDuplicateJobID
		}
		return "", fmt.Errorf("unable to add job to queue: %w", err)
	}

	s.config.Metrics.Dispatched(s.config.QueueName)

	return job.ID, nil
}

// Process executes every eligible pending job once
func (s *SqliteBackend) Process(ctx context.Context) (err error) {
	if s.IsPaused() {
		return nil
	}

	p := internal.Processor{
		Queue:    s.config.QueueName,
		Handlers: s.handlers,
		Logger:   s.logger,
		Metrics:  s.config.Metrics,
		Now:      s.config.Now,
		Backoff:  s.config.RetryBackoff,
	}

	return p.Process(ctx, sqliteStore{s})
}

// GetJobs returns the live jobs having one of statuses, in processing order
func (s *SqliteBackend) GetJobs(ctx context.Context, statuses ...jobs.Status) (js []*jobs.Job, err error) {
	filter, args := s.statusFilter(statuses)
	return s.queryJobs(ctx, s.db, `SELECT `+internal.JobColumns+` FROM jobq_jobs WHERE queue = ?`+filter+` `+
		orderForProcessing, args...)
}

// GetJob returns the job, or nil if it is not in the live queue
func (s *SqliteBackend) GetJob(ctx context.Context, jobID string) (job *jobs.Job, err error) {
	return s.getJob(ctx, s.db, "jobq_jobs", jobID)
}

// CancelJob cancels a pending or running job
func (s *SqliteBackend) CancelJob(ctx context.Context, jobID string) (err error) {
	_, err = s.db.ExecContext(ctx, `UPDATE jobq_jobs SET status = ? WHERE queue = ? AND id = ? AND status IN (?, ?)`,
		string(jobs.StatusCancelled), s.config.QueueName, jobID, string(jobs.StatusPending), string(jobs.StatusRunning))
	return
}

// SetPriority changes a job's priority
func (s *SqliteBackend) SetPriority(ctx context.Context, jobID string, priority int) (err error) {
	_, err = s.db.ExecContext(ctx, `UPDATE jobq_jobs SET priority = ? WHERE queue = ? AND id = ?`,
		priority, s.config.QueueName, jobID)
	return
}

// AddDependency makes jobID wait for dependsOnID
func (s *SqliteBackend) AddDependency(ctx context.Context, jobID, dependsOnID string) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (err error) {
		var encoded string
		err = tx.QueryRowContext(ctx, `SELECT dependencies FROM jobq_jobs WHERE queue = ? AND id = ?`,
			s.config.QueueName, jobID).Scan(&encoded)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return
		}

		cycle, err := internal.CreatesCycle(jobID, dependsOnID, func(id string) ([]string, error) {
			return s.dependencies(ctx, tx, id)
		})
		if err != nil {
			return
		}
		if cycle {
			return fmt.Errorf("%w: %s -> %s", jobs.ErrDependencyCycle, jobID, dependsOnID)
		}

		deps, err := internal.DecodeDependencies(encoded)
		if err != nil {
			return
		}
		encoded, err = internal.EncodeDependencies(jobs.AppendDependency(deps, dependsOnID))
		if err != nil {
			return
		}

		_, err = tx.ExecContext(ctx, `UPDATE jobq_jobs SET dependencies = ? WHERE queue = ? AND id = ?`,
			encoded, s.config.QueueName, jobID)
		return
	})
}

// GetDependencies returns the IDs jobID waits for
func (s *SqliteBackend) GetDependencies(ctx context.Context, jobID string) (deps []string, err error) {
	return s.dependencies(ctx, s.db, jobID)
}

// GetDeadLetterQueue returns the permanently failed jobs
func (s *SqliteBackend) GetDeadLetterQueue(ctx context.Context) (js []*jobs.Job, err error) {
	return s.queryJobs(ctx, s.db, `SELECT `+internal.JobColumns+` FROM jobq_jobs_dead WHERE queue = ?
		ORDER BY created ASC, id ASC`, s.config.QueueName)
}

// RetryJob moves a dead-lettered job back onto the live queue
func (s *SqliteBackend) RetryJob(ctx context.Context, jobID string) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (err error) {
		job, err := s.getJob(ctx, tx, "jobq_jobs_dead", jobID)
		if err != nil || job == nil {
			return
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM jobq_jobs_dead WHERE queue = ? AND id = ?`, s.config.QueueName, jobID)
		if err != nil {
			return
		}

		job.Status = jobs.StatusPending
		job.Attempts = 0
		job.Error = null.String{}

		return s.insert(ctx, tx, "jobq_jobs", job)
	})
}

// UpdateJob overwrites the fields set on update
func (s *SqliteBackend) UpdateJob(ctx context.Context, jobID string, update jobs.Update) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (err error) {
		job, err := s.getJob(ctx, tx, "jobq_jobs", jobID)
		if err != nil || job == nil {
			return
		}

		update.Apply(job)
		r, err := internal.ToRow(s.config.QueueName, job)
		if err != nil {
			return
		}

		_, err = tx.ExecContext(ctx, `UPDATE jobq_jobs
			SET payload = ?, status = ?, delay = ?, retries = ?, attempts = ?, priority = ?, dependencies = ?,
				result = ?, error = ?
			WHERE queue = ? AND id = ?`,
			r.Payload, r.Status, r.Delay, r.Retries, r.Attempts, r.Priority, r.Dependencies, r.Result, r.Error,
			r.Queue, r.ID)
		return
	})
}

// JobExists reports whether jobID is in the live queue
func (s *SqliteBackend) JobExists(ctx context.Context, jobID string) (exists bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobq_jobs WHERE queue = ? AND id = ?)`,
		s.config.QueueName, jobID).Scan(&exists)
	return
}

// GetJobStatus returns the status of jobID, or jobs.StatusUnknown
func (s *SqliteBackend) GetJobStatus(ctx context.Context, jobID string) (status jobs.Status, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobq_jobs WHERE queue = ? AND id = ?`,
		s.config.QueueName, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.StatusUnknown, nil
	}
	return jobs.Status(raw), err
}

// GetJobResult returns the stored result of jobID
func (s *SqliteBackend) GetJobResult(ctx context.Context, jobID string) (result null.String, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT result FROM jobq_jobs WHERE queue = ? AND id = ?`,
		s.config.QueueName, jobID).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return null.String{}, nil
	}
	return
}

// GetQueueLength counts the live jobs having one of statuses
func (s *SqliteBackend) GetQueueLength(ctx context.Context, statuses ...jobs.Status) (length int, err error) {
	filter, args := s.statusFilter(statuses)
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobq_jobs WHERE queue = ?`+filter, args...).Scan(&length)
	return
}

// GetStats counts jobs by status
func (s *SqliteBackend) GetStats(ctx context.Context) (stats jobs.Stats, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobq_jobs WHERE queue = ? GROUP BY status`,
		s.config.QueueName)
	if err != nil {
		return
	}

	stats = internal.CountByStatus(nil, 0)
	for rows.Next() {
		var status string
		var count int
		if err = rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats[jobs.Status(status)] += count
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var dead int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobq_jobs_dead WHERE queue = ?`, s.config.QueueName).Scan(&dead)
	if err != nil {
		return nil, err
	}
	stats[jobs.StatusFailed] += dead

	return stats, nil
}

// GetNextScheduledJob returns the pending job that becomes eligible soonest
func (s *SqliteBackend) GetNextScheduledJob(ctx context.Context) (job *jobs.Job, err error) {
	js, err := s.queryJobs(ctx, s.db, `SELECT `+internal.JobColumns+` FROM jobq_jobs
		WHERE queue = ? AND status = ?
		ORDER BY created + delay ASC, priority DESC, created ASC, id ASC
		LIMIT 1`, s.config.QueueName, string(jobs.StatusPending))
	if err != nil || len(js) == 0 {
		return nil, err
	}
	return js[0], nil
}

// GetFailedJobs returns the permanently failed jobs
func (s *SqliteBackend) GetFailedJobs(ctx context.Context) (js []*jobs.Job, err error) {
	return s.GetDeadLetterQueue(ctx)
}

// GetCompletedJobs returns the completed jobs
func (s *SqliteBackend) GetCompletedJobs(ctx context.Context) (js []*jobs.Job, err error) {
	return s.GetJobs(ctx, jobs.StatusCompleted)
}

// SetLogger sets this backend's logger
func (s *SqliteBackend) SetLogger(logger logging.Logger) {
	s.logger = logger
}

// Shutdown closes the database
func (s *SqliteBackend) Shutdown(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Error("unable to close jobs database", "error", err)
	}
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SqliteBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer func() { _ = tx.Rollback() }() // rollback has no effect if the transaction has been committed

	if err = fn(tx); err != nil {
		return
	}

	return tx.Commit()
}

// statusFilter returns the condition and arguments restricting a query on queue to statuses
func (s *SqliteBackend) statusFilter(statuses []jobs.Status) (filter string, args []any) {
	args = []any{s.config.QueueName}
	if len(statuses) == 0 {
		return
	}

	placeholders := make([]string, 0, len(statuses))
	for _, status := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, string(status))
	}

	return ` AND status IN (` + strings.Join(placeholders, ", ") + `)`, args
}

// queryJobs runs query and closes its rows before returning, leaving the connection free
func (s *SqliteBackend) queryJobs(ctx context.Context, q querier, query string, args ...any) (js []*jobs.Job, err error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return
	}
	defer rows.Close()

	js = []*jobs.Job{}
	for rows.Next() {
		var r internal.Row
		if err = rows.Scan(r.Fields()...); err != nil {
			return nil, err
		}

		var job *jobs.Job
		if job, err = r.Job(); err != nil {
			return nil, err
		}
		js = append(js, job)
	}

	return js, rows.Err()
}

func (s *SqliteBackend) getJob(ctx context.Context, q querier, table, jobID string) (job *jobs.Job, err error) {
	var r internal.Row
	err = q.QueryRowContext(ctx, `SELECT `+internal.JobColumns+` FROM `+table+` WHERE queue = ? AND id = ?`,
		s.config.QueueName, jobID).Scan(r.Fields()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return
	}
	return r.Job()
}

func (s *SqliteBackend) dependencies(ctx context.Context, q querier, jobID string) (deps []string, err error) {
	var encoded string
	err = q.QueryRowContext(ctx, `SELECT dependencies FROM jobq_jobs WHERE queue = ? AND id = ?`,
		s.config.QueueName, jobID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return
	}
	return internal.DecodeDependencies(encoded)
}

func (s *SqliteBackend) insert(ctx context.Context, q querier, table string, job *jobs.Job) (err error) {
	r, err := internal.ToRow(s.config.QueueName, job)
	if err != nil {
		return
	}

	_, err = q.ExecContext(ctx, `INSERT INTO `+table+` `+insertColumns, r.Values()...)
	return
}

// sqliteStore runs Process' reads and conditional writes against sqlite
type sqliteStore struct {
	s *SqliteBackend
}

func (st sqliteStore) PendingJobs(ctx context.Context) ([]*jobs.Job, error) {
	return st.s.GetJobs(ctx, jobs.StatusPending)
}

func (st sqliteStore) JobStatus(ctx context.Context, jobID string) (jobs.Status, error) {
	return st.s.GetJobStatus(ctx, jobID)
}

func (st sqliteStore) ClaimJob(ctx context.Context, j *jobs.Job) (bool, error) {
	res, err := st.s.db.ExecContext(ctx, `UPDATE jobq_jobs SET status = ? WHERE queue = ? AND id = ? AND status = ?`,
		string(jobs.StatusRunning), st.s.config.QueueName, j.ID, string(jobs.StatusPending))
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (st sqliteStore) FinishJob(ctx context.Context, j *jobs.Job) (bool, error) {
	res, err := st.s.db.ExecContext(ctx, `UPDATE jobq_jobs
		SET status = ?, attempts = ?, delay = ?, result = ?, error = ?
		WHERE queue = ? AND id = ? AND status = ?`,
		string(j.Status), j.Attempts, int64(jobs.RoundDelay(j.Delay)/time.Second), j.Result, j.Error,
		st.s.config.QueueName, j.ID, string(jobs.StatusRunning))
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (st sqliteStore) BuryJob(ctx context.Context, j *jobs.Job) (buried bool, err error) {
	err = st.s.withTx(ctx, func(tx *sql.Tx) (err error) {
		stored, err := st.s.getJob(ctx, tx, "jobq_jobs", j.ID)
		if err != nil || stored == nil || stored.Status != jobs.StatusRunning {
			return
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM jobq_jobs WHERE queue = ? AND id = ?`, st.s.config.QueueName, j.ID)
		if err != nil {
			return
		}

		stored.Status = j.Status
		stored.Attempts = j.Attempts
		stored.Error = j.Error
		if err = st.s.insert(ctx, tx, "jobq_jobs_dead", stored); err != nil {
			return
		}

		buried = true
		return nil
	})
	return
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
