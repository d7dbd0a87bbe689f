package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acaloiaro/jobq/backends/memory"
	"github.com/acaloiaro/jobq/config"
	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/metrics"
	"github.com/acaloiaro/jobq/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryBackendReturnsCopies verifies that callers cannot mutate queued jobs through the values they are handed
func TestMemoryBackendReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := memory.New()

	id, err := m.Dispatch(ctx, jobs.Payload{Task: "t", Args: map[string]any{"k": "v"}})
	require.NoError(t, err)

	j, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	j.Status = jobs.StatusCancelled
	j.Payload.Args["k"] = "changed"
	j.Dependencies = append(j.Dependencies, "x")

	stored, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, stored.Status)
	assert.Equal(t, "v", stored.Payload.Args["k"])
	assert.Empty(t, stored.Dependencies)
}

// TestMemoryBackendConcurrentProcessRunsJobsOnce verifies that racing Process calls never execute a job twice
func TestMemoryBackendConcurrentProcessRunsJobsOnce(t *testing.T) {
	const numJobs = 200
	ctx := context.Background()
	m := memory.New()
	m.SetLogger(&testutils.TestLogger{})

	var runs sync.Map
	var total atomic.Int64
	m.Register("count", handler.New(handler.Func(func(ctx context.Context) (any, error) {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		if _, dup := runs.LoadOrStore(j.ID, true); dup {
			t.Errorf("job %s ran twice", j.ID)
		}
		total.Add(1)
		return nil, nil
	})))

	for i := 0; i < numJobs; i++ {
		_, err := m.Dispatch(ctx, jobs.Payload{Task: "count"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Process(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(numJobs), total.Load())
	length, err := m.GetQueueLength(ctx, jobs.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, numJobs, length)
}

// TestMemoryBackendRetryBackoff verifies that a configured backoff delays retries
func TestMemoryBackendRetryBackoff(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewClock(time.Unix(1_700_000_000, 0))
	m := memory.New(
		config.WithClock(clock.Now),
		config.WithRetryBackoff(func(attempts int) time.Duration { return time.Duration(attempts) * time.Minute }),
	)
	m.SetLogger(&testutils.TestLogger{})

	var calls int
	m.Register("flaky", handler.New(handler.Func(func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, context.DeadlineExceeded
		}
		return nil, nil
	})))

	id, err := m.Dispatch(ctx, jobs.Payload{Task: "flaky"}, jobs.WithRetries(1))
	require.NoError(t, err)

	require.NoError(t, m.Process(ctx))
	require.NoError(t, m.Process(ctx))
	assert.Equal(t, 1, calls, "retry is not due yet")

	next, err := m.GetNextScheduledJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, clock.Now().Add(time.Minute), next.RunAt())

	clock.Advance(time.Minute)
	require.NoError(t, m.Process(ctx))
	assert.Equal(t, 2, calls)

	status, err := m.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, status)
}

// TestMemoryBackendMetrics verifies dispatch and execution counters
func TestMemoryBackendMetrics(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector(prometheus.NewRegistry())
	m := memory.New(config.WithMetrics(collector), config.WithQueueName("Billing Jobs"))
	m.SetLogger(&testutils.TestLogger{})
	m.Register("ok", handler.New(handler.Func(func(context.Context) (any, error) { return nil, nil })))

	for i := 0; i < 3; i++ {
		_, err := m.Dispatch(ctx, jobs.Payload{Task: "ok"})
		require.NoError(t, err)
	}
	require.NoError(t, m.Process(ctx))

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.DispatchedTotal.WithLabelValues("billing_jobs")))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.ExecutedTotal.WithLabelValues("billing_jobs", metrics.OutcomeCompleted)))
}
