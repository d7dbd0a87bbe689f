package postgres_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/acaloiaro/jobq/backends"
	"github.com/acaloiaro/jobq/backends/postgres"
	"github.com/acaloiaro/jobq/config"
	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/testutils"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const ConcurrentWorkers = 8

// prepareAndCleanupDB should be run at the beginning of each test. It will check to see if the TEST_DATABASE_URL is
// present and has a valid connection string. If it does it will connect to the DB and clean up any jobs that might be
// lingering in the jobs tables if they exist. It will then return the connection string it found. If the
// connection string is not present then it will cause the current test to skip automatically. If the connection string
// is invalid or it cannot connect to the DB it will fail the current test.
func prepareAndCleanupDB(t *testing.T) (dbURL string, conn *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	dbURL = os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL environment variable is missing, test requires a PostgreSQL database to continue")
		return "", nil
	}

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("unable to parse database url: '%s': %+v", dbURL, err)
		return dbURL, nil
	}
	poolConfig.MaxConns = 2

	conn, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("failed to connect to the database in TEST_DATABASE_URL: %+v", err)
		return dbURL, nil
	}

	// the tables may not exist yet; the backend creates them
	_, _ = conn.Exec(ctx, "DELETE FROM jobq_jobs")      // nolint: gocritic
	_, _ = conn.Exec(ctx, "DELETE FROM jobq_jobs_dead") // nolint: gocritic

	t.Cleanup(func() {
		conn.Close()
	})

	return dbURL, conn
}

func TestSuite(t *testing.T) {
	dbURL, _ := prepareAndCleanupDB(t)
	suite.Run(t, backends.NewQueueTestSuite(postgres.Backend, config.WithConnectionString(dbURL)))
}

func TestInvalidConnectionString(t *testing.T) {
	_, err := postgres.Backend(context.Background())
	assert.ErrorIs(t, err, postgres.ErrCnxString)

	_, err = postgres.Backend(context.Background(), config.WithConnectionString("://not a url"))
	assert.ErrorIs(t, err, postgres.ErrCnxString)
}

// TestConcurrentWorkersRunJobsOnce verifies that backends polling the same queue never execute a job twice
func TestConcurrentWorkersRunJobsOnce(t *testing.T) {
	const numJobs = 100
	dbURL, _ := prepareAndCleanupDB(t)
	ctx := context.Background()

	var runs sync.Map
	var total atomic.Int64
	h := handler.New(handler.Func(func(ctx context.Context) (any, error) {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		if _, dup := runs.LoadOrStore(j.ID, true); dup {
			t.Errorf("job %s ran twice", j.ID)
		}
		total.Add(1)
		return nil, nil
	}))

	workers := make([]*postgres.PgBackend, 0, ConcurrentWorkers)
	for i := 0; i < ConcurrentWorkers; i++ {
		b, err := postgres.Backend(ctx, config.WithConnectionString(dbURL), config.WithQueueName("concurrent"))
		require.NoError(t, err)
		t.Cleanup(func() { b.Shutdown(ctx) })

		pb := b.(*postgres.PgBackend)
		pb.SetLogger(&testutils.TestLogger{})
		pb.Register("count", h)
		workers = append(workers, pb)
	}

	for i := 0; i < numJobs; i++ {
		_, err := workers[0].Dispatch(ctx, jobs.Payload{Task: "count"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *postgres.PgBackend) {
			defer wg.Done()
			assert.NoError(t, w.Process(ctx))
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(numJobs), total.Load())
	length, err := workers[0].GetQueueLength(ctx, jobs.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, numJobs, length)
}

// TestQueuesAreIsolated verifies that backends on different queues share tables without seeing each other's jobs
func TestQueuesAreIsolated(t *testing.T) {
	dbURL, _ := prepareAndCleanupDB(t)
	ctx := context.Background()

	emails, err := postgres.Backend(ctx, config.WithConnectionString(dbURL), config.WithQueueName("emails"))
	require.NoError(t, err)
	defer emails.Shutdown(ctx)

	reports, err := postgres.Backend(ctx, config.WithConnectionString(dbURL), config.WithQueueName("reports"))
	require.NoError(t, err)
	defer reports.Shutdown(ctx)

	id, err := emails.Dispatch(ctx, jobs.Payload{Task: "send"})
	require.NoError(t, err)

	exists, err := reports.JobExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	length, err := reports.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)

	length, err = emails.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

// TestConcurrentAddDependencyRejectsCycles verifies that opposing dependencies added at the same time cannot both
// succeed
func TestConcurrentAddDependencyRejectsCycles(t *testing.T) {
	const rounds = 20
	dbURL, _ := prepareAndCleanupDB(t)
	ctx := context.Background()

	first, err := postgres.Backend(ctx, config.WithConnectionString(dbURL), config.WithQueueName("cycles"))
	require.NoError(t, err)
	defer first.Shutdown(ctx)
	second, err := postgres.Backend(ctx, config.WithConnectionString(dbURL), config.WithQueueName("cycles"))
	require.NoError(t, err)
	defer second.Shutdown(ctx)

	for i := 0; i < rounds; i++ {
		a, err := first.Dispatch(ctx, jobs.Payload{Task: "noop"})
		require.NoError(t, err)
		b, err := first.Dispatch(ctx, jobs.Payload{Task: "noop"})
		require.NoError(t, err)

		errs := make(chan error, 2)
		go func() { errs <- first.AddDependency(ctx, a, b) }()
		go func() { errs <- second.AddDependency(ctx, b, a) }()

		var cycles int
		for j := 0; j < 2; j++ {
			if err := <-errs; err != nil {
				require.ErrorIs(t, err, jobs.ErrDependencyCycle)
				cycles++
			}
		}
		assert.Equal(t, 1, cycles)
	}
}
