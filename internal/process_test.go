package internal

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/metrics"
	"github.com/acaloiaro/jobq/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapStore is a minimal Store for exercising Processor without a backend
type mapStore struct {
	mu   sync.Mutex
	live map[string]*jobs.Job
	dead map[string]*jobs.Job

	// beforeFinish runs before a finish or bury is applied
	beforeFinish func(j *jobs.Job)
	pendingErr   error
}

func newMapStore(js ...*jobs.Job) *mapStore {
	s := &mapStore{live: map[string]*jobs.Job{}, dead: map[string]*jobs.Job{}}
	for _, j := range js {
		s.live[j.ID] = j.Clone()
	}
	return s
}

func (s *mapStore) PendingJobs(_ context.Context) ([]*jobs.Job, error) {
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*jobs.Job{}
	for _, j := range s.live {
		if j.Status == jobs.StatusPending {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *mapStore) JobStatus(_ context.Context, id string) (jobs.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.live[id]; ok {
		return j.Status, nil
	}
	return jobs.StatusUnknown, nil
}

func (s *mapStore) ClaimJob(_ context.Context, j *jobs.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.live[j.ID]
	if !ok || stored.Status != jobs.StatusPending {
		return false, nil
	}
	stored.Status = jobs.StatusRunning
	return true, nil
}

func (s *mapStore) FinishJob(_ context.Context, j *jobs.Job) (bool, error) {
	if s.beforeFinish != nil {
		s.beforeFinish(j)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.live[j.ID]
	if !ok || stored.Status != jobs.StatusRunning {
		return false, nil
	}
	s.live[j.ID] = j.Clone()
	return true, nil
}

func (s *mapStore) BuryJob(_ context.Context, j *jobs.Job) (bool, error) {
	if s.beforeFinish != nil {
		s.beforeFinish(j)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.live[j.ID]
	if !ok || stored.Status != jobs.StatusRunning {
		return false, nil
	}
	delete(s.live, j.ID)
	s.dead[j.ID] = j.Clone()
	return true, nil
}

func (s *mapStore) get(id string) *jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

func newJob(t *testing.T, task string, created time.Time, opts ...jobs.Option) *jobs.Job {
	t.Helper()
	j, err := jobs.New(jobs.Payload{Task: task}, created, opts...)
	require.NoError(t, err)
	return j
}

func newProcessor(clock *testutils.Clock, handlers *handler.Registry) Processor {
	return Processor{
		Queue:    "default",
		Handlers: handlers,
		Logger:   &testutils.TestLogger{},
		Now:      clock.Now,
	}
}

func TestProcessRunsInPriorityOrder(t *testing.T) {
	clock := testutils.NewClock(epoch)
	order := []string{}
	r := handler.NewRegistry()
	r.Register("record", handler.New(handler.Func(func(ctx context.Context) (any, error) {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		order = append(order, j.ID)
		return nil, nil
	})))

	low := newJob(t, "record", epoch)
	high := newJob(t, "record", epoch, jobs.WithPriority(10))
	mid := newJob(t, "record", epoch, jobs.WithPriority(5))
	s := newMapStore(low, high, mid)

	require.NoError(t, newProcessor(clock, r).Process(context.Background(), s))

	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, order)
	for _, id := range order {
		assert.Equal(t, jobs.StatusCompleted, s.get(id).Status)
	}
}

func TestProcessDependentsWaitForNextCall(t *testing.T) {
	clock := testutils.NewClock(epoch)
	r := handler.NewRegistry()
	r.Register("noop", handler.New(handler.Func(func(context.Context) (any, error) { return nil, nil })))

	first := newJob(t, "noop", epoch)
	second := newJob(t, "noop", epoch, jobs.WithPriority(-1), jobs.WithDependencies(first.ID))
	s := newMapStore(first, second)
	p := newProcessor(clock, r)

	require.NoError(t, p.Process(context.Background(), s))
	assert.Equal(t, jobs.StatusCompleted, s.get(first.ID).Status)
	assert.Equal(t, jobs.StatusPending, s.get(second.ID).Status)

	require.NoError(t, p.Process(context.Background(), s))
	assert.Equal(t, jobs.StatusCompleted, s.get(second.ID).Status)
}

func TestProcessStoresResult(t *testing.T) {
	clock := testutils.NewClock(epoch)
	r := handler.NewRegistry()
	r.Register("sum", handler.New(handler.Func(func(context.Context) (any, error) {
		return map[string]int{"sum": 3}, nil
	})))

	j := newJob(t, "sum", epoch)
	s := newMapStore(j)

	require.NoError(t, newProcessor(clock, r).Process(context.Background(), s))

	stored := s.get(j.ID)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)
	assert.Equal(t, `{"sum":3}`, stored.Result.String)
	assert.False(t, stored.Error.Valid)
}

func TestProcessUnserializableResultFails(t *testing.T) {
	clock := testutils.NewClock(epoch)
	r := handler.NewRegistry()
	r.Register("nan", handler.New(handler.Func(func(context.Context) (any, error) {
		return math.NaN(), nil
	})))

	j := newJob(t, "nan", epoch)
	s := newMapStore(j)

	require.NoError(t, newProcessor(clock, r).Process(context.Background(), s))

	assert.Empty(t, s.live)
	require.Contains(t, s.dead, j.ID)
	assert.Contains(t, s.dead[j.ID].Error.String, "unable to serialize job result")
}

func TestProcessRetriesThenBuries(t *testing.T) {
	clock := testutils.NewClock(epoch)
	r := handler.NewRegistry()
	r.Register("fail", handler.New(handler.Func(func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})))

	j := newJob(t, "fail", epoch, jobs.WithRetries(1))
	s := newMapStore(j)
	p := newProcessor(clock, r)

	require.NoError(t, p.Process(context.Background(), s))
	stored := s.get(j.ID)
	require.NotNil(t, stored)
	assert.Equal(t, jobs.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "boom", stored.Error.String)

	require.NoError(t, p.Process(context.Background(), s))
	assert.Nil(t, s.get(j.ID))
	require.Contains(t, s.dead, j.ID)
	assert.Equal(t, jobs.StatusFailed, s.dead[j.ID].Status)
	assert.Equal(t, 2, s.dead[j.ID].Attempts)
}

func TestProcessUnknownTaskFailsJob(t *testing.T) {
	clock := testutils.NewClock(epoch)
	j := newJob(t, "missing", epoch)
	s := newMapStore(j)

	require.NoError(t, newProcessor(clock, handler.NewRegistry()).Process(context.Background(), s))

	require.Contains(t, s.dead, j.ID)
	assert.Contains(t, s.dead[j.ID].Error.String, jobs.ErrNoHandlerForTask.Error())
}

func TestProcessDiscardsOutcomeOfChangedJob(t *testing.T) {
	clock := testutils.NewClock(epoch)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	r := handler.NewRegistry()
	r.Register("noop", handler.New(handler.Func(func(context.Context) (any, error) { return nil, nil })))

	j := newJob(t, "noop", epoch)
	s := newMapStore(j)
	s.beforeFinish = func(j *jobs.Job) {
		s.mu.Lock()
		s.live[j.ID].Status = jobs.StatusCancelled
		s.mu.Unlock()
	}

	p := newProcessor(clock, r)
	p.Metrics = collector
	require.NoError(t, p.Process(context.Background(), s))

	assert.Equal(t, jobs.StatusCancelled, s.get(j.ID).Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.ExecutedTotal.WithLabelValues("default", metrics.OutcomeDiscarded)))
}

func TestProcessReturnsStoreErrors(t *testing.T) {
	clock := testutils.NewClock(epoch)
	boom := errors.New("disk full")
	s := newMapStore()
	s.pendingErr = boom

	err := newProcessor(clock, handler.NewRegistry()).Process(context.Background(), s)
	assert.ErrorIs(t, err, boom)
}

func TestProcessSkipsDelayedJobs(t *testing.T) {
	clock := testutils.NewClock(epoch)
	r := handler.NewRegistry()
	r.Register("noop", handler.New(handler.Func(func(context.Context) (any, error) { return nil, nil })))

	j := newJob(t, "noop", epoch, jobs.WithDelay(time.Minute))
	s := newMapStore(j)
	p := newProcessor(clock, r)

	require.NoError(t, p.Process(context.Background(), s))
	assert.Equal(t, jobs.StatusPending, s.get(j.ID).Status)

	clock.Advance(time.Minute)
	require.NoError(t, p.Process(context.Background(), s))
	assert.Equal(t, jobs.StatusCompleted, s.get(j.ID).Status)
}
