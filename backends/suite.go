package backends

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/acaloiaro/jobq/config"
	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/logging"
	"github.com/acaloiaro/jobq/testutils"
	"github.com/acaloiaro/jobq/types"
	"github.com/stretchr/testify/suite"
)

// Epoch is the time every suite test's clock starts at
var Epoch = time.Unix(1_700_000_000, 0)

var queueSeq atomic.Int64

const (
	taskSucceed = "succeed"
	taskFail    = "fail"
	taskRecord  = "record"
)

// QueueTestSuite tests any implementation of types.Backend
//
// Every test gets a fresh backend on its own queue, driven by a manual clock.
type QueueTestSuite struct {
	suite.Suite
	Init  config.BackendInitializer
	Opts  []config.Option
	Clock *testutils.Clock
	Q     types.Backend

	ran []string // IDs of jobs executed by the record task, in execution order
}

// NewQueueTestSuite constructs a suite that creates backends with init, passing opts to every one of them
func NewQueueTestSuite(init config.BackendInitializer, opts ...config.Option) *QueueTestSuite {
	return &QueueTestSuite{Init: init, Opts: opts}
}

func (s *QueueTestSuite) SetupTest() {
	s.Clock = testutils.NewClock(Epoch)
	s.ran = nil

	queue := fmt.Sprintf("testq_%d_%d", time.Now().UnixNano(), queueSeq.Add(1))
	opts := append([]config.Option{}, s.Opts...)
	opts = append(opts,
		config.WithQueueName(queue),
		config.WithClock(s.Clock.Now),
		config.WithLogLevel(logging.LogLevelError),
	)

	var err error
	s.Q, err = s.Init(context.Background(), opts...)
	s.Require().NoError(err)

	s.Q.Register(taskSucceed, handler.New(handler.Func(func(context.Context) (any, error) {
		return nil, nil
	})))
	s.Q.Register(taskFail, handler.New(handler.Func(func(context.Context) (any, error) {
		return nil, errors.New("always fails")
	})))
	s.Q.Register(taskRecord, handler.New(handler.Func(func(ctx context.Context) (any, error) {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		s.ran = append(s.ran, j.ID)
		return nil, nil
	})))
}

func (s *QueueTestSuite) TearDownTest() {
	s.Q.Shutdown(context.Background())
}

func (s *QueueTestSuite) dispatch(task string, opts ...jobs.Option) string {
	id, err := s.Q.Dispatch(context.Background(), jobs.Payload{Task: task, Args: map[string]any{"from": "suite"}}, opts...)
	s.Require().NoError(err)
	s.Require().NotEmpty(id)
	return id
}

func (s *QueueTestSuite) process() {
	s.Require().NoError(s.Q.Process(context.Background()))
}

func (s *QueueTestSuite) status(jobID string) jobs.Status {
	status, err := s.Q.GetJobStatus(context.Background(), jobID)
	s.Require().NoError(err)
	return status
}

func (s *QueueTestSuite) job(jobID string) *jobs.Job {
	j, err := s.Q.GetJob(context.Background(), jobID)
	s.Require().NoError(err)
	return j
}

func (s *QueueTestSuite) TestDispatchStoresPendingJob() {
	id := s.dispatch(taskSucceed, jobs.WithRetries(3), jobs.WithPriority(2), jobs.WithDelay(1500*time.Millisecond))

	j := s.job(id)
	s.Require().NotNil(j)
	s.Equal(id, j.ID)
	s.Equal(jobs.StatusPending, j.Status)
	s.Equal(taskSucceed, j.Payload.Task)
	s.Equal("suite", j.Payload.Args["from"])
	s.True(j.CreatedAt.Equal(Epoch))
	s.Equal(2*time.Second, j.Delay)
	s.Equal(3, j.Retries)
	s.Equal(0, j.Attempts)
	s.Equal(2, j.Priority)
	s.Empty(j.Dependencies)
	s.False(j.Result.Valid)
	s.False(j.Error.Valid)

	exists, err := s.Q.JobExists(context.Background(), id)
	s.NoError(err)
	s.True(exists)
}

func (s *QueueTestSuite) TestProcessCompletesJob() {
	id := s.dispatch(taskSucceed)
	s.process()

	s.Equal(jobs.StatusCompleted, s.status(id))

	completed, err := s.Q.GetCompletedJobs(context.Background())
	s.NoError(err)
	s.Require().Len(completed, 1)
	s.Equal(id, completed[0].ID)
}

// Scenario: a job that always fails is retried until its retries are exhausted, then dead-lettered
func (s *QueueTestSuite) TestRetriesExhaustedMovesJobToDeadLetterQueue() {
	ctx := context.Background()
	id := s.dispatch(taskFail, jobs.WithRetries(2))

	for call := 1; call <= 2; call++ {
		s.process()
		j := s.job(id)
		s.Require().NotNil(j)
		s.Equal(jobs.StatusPending, j.Status)
		s.Equal(call, j.Attempts)
		s.Equal("always fails", j.Error.String)
	}

	s.process()

	s.Nil(s.job(id), "dead-lettered jobs are not in the live queue")
	s.Equal(jobs.StatusUnknown, s.status(id))

	dead, err := s.Q.GetDeadLetterQueue(ctx)
	s.NoError(err)
	s.Require().Len(dead, 1)
	s.Equal(id, dead[0].ID)
	s.Equal(jobs.StatusFailed, dead[0].Status)
	s.Equal(3, dead[0].Attempts)
	s.Equal("always fails", dead[0].Error.String)

	failed, err := s.Q.GetFailedJobs(ctx)
	s.NoError(err)
	s.Len(failed, 1)

	// the dead letter queue is final
	s.process()
	dead, err = s.Q.GetDeadLetterQueue(ctx)
	s.NoError(err)
	s.Len(dead, 1)
}

// Scenario: a dependent is not released by a dependency completing in the same call
func (s *QueueTestSuite) TestDependentRunsAfterDependencyCompletes() {
	a := s.dispatch(taskSucceed)
	b := s.dispatch(taskSucceed, jobs.WithDependencies(a))

	deps, err := s.Q.GetDependencies(context.Background(), b)
	s.NoError(err)
	s.Equal([]string{a}, deps)

	s.process()
	s.Equal(jobs.StatusCompleted, s.status(a))
	s.Equal(jobs.StatusPending, s.status(b))

	s.process()
	s.Equal(jobs.StatusCompleted, s.status(b))
}

// Scenario: a paused backend does not run jobs until resumed
func (s *QueueTestSuite) TestPauseAndResume() {
	s.Q.Pause()
	s.True(s.Q.IsPaused())

	id := s.dispatch(taskSucceed)
	s.process()
	s.Equal(jobs.StatusPending, s.status(id))

	s.Q.Resume()
	s.False(s.Q.IsPaused())
	s.process()
	s.Equal(jobs.StatusCompleted, s.status(id))
}

func (s *QueueTestSuite) TestPriorityOrder() {
	low := s.dispatch(taskRecord, jobs.WithPriority(1))
	high := s.dispatch(taskRecord, jobs.WithPriority(10))
	none := s.dispatch(taskRecord)
	negative := s.dispatch(taskRecord, jobs.WithPriority(-5))

	s.process()

	s.Equal([]string{high, low, none, negative}, s.ran)
}

func (s *QueueTestSuite) TestEqualPriorityRunsInDispatchOrder() {
	first := s.dispatch(taskRecord)
	s.Clock.Advance(time.Second)
	second := s.dispatch(taskRecord)
	third := s.dispatch(taskRecord) // same second as second

	s.process()

	s.Equal([]string{first, second, third}, s.ran)
}

func (s *QueueTestSuite) TestSetPriorityReorders() {
	first := s.dispatch(taskRecord)
	second := s.dispatch(taskRecord)

	s.Require().NoError(s.Q.SetPriority(context.Background(), second, 100))
	s.Equal(100, s.job(second).Priority)

	s.process()

	s.Equal([]string{second, first}, s.ran)
}

func (s *QueueTestSuite) TestDelayedJobWaitsForItsRunTime() {
	ctx := context.Background()
	later := s.dispatch(taskSucceed, jobs.WithDelay(90*time.Second))
	soon := s.dispatch(taskSucceed, jobs.WithDelay(30*time.Second))

	next, err := s.Q.GetNextScheduledJob(ctx)
	s.NoError(err)
	s.Require().NotNil(next)
	s.Equal(soon, next.ID)

	s.process()
	s.Equal(jobs.StatusPending, s.status(soon))
	s.Equal(jobs.StatusPending, s.status(later))

	s.Clock.Advance(30 * time.Second)
	s.process()
	s.Equal(jobs.StatusCompleted, s.status(soon))
	s.Equal(jobs.StatusPending, s.status(later))

	next, err = s.Q.GetNextScheduledJob(ctx)
	s.NoError(err)
	s.Require().NotNil(next)
	s.Equal(later, next.ID)

	s.Clock.Advance(time.Minute)
	s.process()
	s.Equal(jobs.StatusCompleted, s.status(later))

	next, err = s.Q.GetNextScheduledJob(ctx)
	s.NoError(err)
	s.Nil(next)
}

func (s *QueueTestSuite) TestDelayIsMeasuredFromDispatchTime() {
	s.Clock.Advance(900 * time.Millisecond)
	id := s.dispatch(taskRecord, jobs.WithDelay(time.Second))

	s.Clock.Advance(200 * time.Millisecond)
	s.process()
	s.Empty(s.ran, "the delay has not elapsed")
	s.Equal(jobs.StatusPending, s.status(id))

	s.Clock.Advance(900 * time.Millisecond)
	s.process()
	s.Equal([]string{id}, s.ran)
}

func (s *QueueTestSuite) TestUpdateJobIgnoresFailedStatus() {
	ctx := context.Background()
	id := s.dispatch(taskSucceed)

	failed := jobs.StatusFailed
	s.Require().NoError(s.Q.UpdateJob(ctx, id, jobs.Update{Status: &failed}))
	s.Equal(jobs.StatusPending, s.status(id))

	stats, err := s.Q.GetStats(ctx)
	s.NoError(err)
	s.Zero(stats[jobs.StatusFailed])
}

func (s *QueueTestSuite) TestCancelJob() {
	ctx := context.Background()
	earlier := s.dispatch(taskRecord)
	done := s.dispatch(taskSucceed)
	s.process()
	s.Require().Equal(jobs.StatusCompleted, s.status(done))
	s.ran = nil

	waiting := s.dispatch(taskRecord)
	s.Require().NoError(s.Q.CancelJob(ctx, waiting))
	s.Require().NoError(s.Q.CancelJob(ctx, done))
	s.process()

	s.Equal(jobs.StatusCompleted, s.status(earlier))
	s.Equal(jobs.StatusCancelled, s.status(waiting))
	s.Equal(jobs.StatusCompleted, s.status(done), "completed jobs cannot be cancelled")
	s.Empty(s.ran)
}

func (s *QueueTestSuite) TestCancelDuringExecutionDiscardsOutcome() {
	ctx := context.Background()
	s.Q.Register("self_cancel", handler.New(handler.Func(func(ctx context.Context) (any, error) {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		return "finished", s.Q.CancelJob(ctx, j.ID)
	})))

	id := s.dispatch("self_cancel")
	s.process()

	s.Equal(jobs.StatusCancelled, s.status(id))
	result, err := s.Q.GetJobResult(ctx, id)
	s.NoError(err)
	s.False(result.Valid)
}

func (s *QueueTestSuite) TestDispatchDuringProcessWaitsForNextCall() {
	var child string
	s.Q.Register("spawn", handler.New(handler.Func(func(ctx context.Context) (id any, err error) {
		child, err = s.Q.Dispatch(ctx, jobs.Payload{Task: taskSucceed})
		return child, err
	})))

	parent := s.dispatch("spawn")
	s.process()

	s.Equal(jobs.StatusCompleted, s.status(parent))
	s.Require().NotEmpty(child)
	s.Equal(jobs.StatusPending, s.status(child))

	s.process()
	s.Equal(jobs.StatusCompleted, s.status(child))
}

func (s *QueueTestSuite) TestFailuresDoNotStopTheScan() {
	failing := s.dispatch(taskFail, jobs.WithPriority(10))
	passing := s.dispatch(taskSucceed)

	s.process()

	s.Equal(jobs.StatusUnknown, s.status(failing))
	s.Equal(jobs.StatusCompleted, s.status(passing))
}

func (s *QueueTestSuite) TestUnknownTaskFails() {
	id := s.dispatch("not_registered")
	s.process()

	dead, err := s.Q.GetDeadLetterQueue(context.Background())
	s.NoError(err)
	s.Require().Len(dead, 1)
	s.Equal(id, dead[0].ID)
	s.Contains(dead[0].Error.String, jobs.ErrNoHandlerForTask.Error())
}

func (s *QueueTestSuite) TestPanickingHandlerFails() {
	s.Q.Register("panic", handler.New(handler.Func(func(context.Context) (any, error) {
		panic("kaboom")
	})))

	id := s.dispatch("panic", jobs.WithRetries(1))
	s.process()

	j := s.job(id)
	s.Require().NotNil(j)
	s.Equal(jobs.StatusPending, j.Status)
	s.Equal(1, j.Attempts)
	s.Contains(j.Error.String, "kaboom")
}

func (s *QueueTestSuite) TestDeadlineExceededFails() {
	s.Q.Register("slow", handler.New(handler.Func(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), handler.Deadline(20*time.Millisecond)))

	id := s.dispatch("slow", jobs.WithRetries(1))
	s.process()

	j := s.job(id)
	s.Require().NotNil(j)
	s.Equal(jobs.StatusPending, j.Status)
	s.Contains(j.Error.String, "deadline")
}

func (s *QueueTestSuite) TestResultIsStored() {
	ctx := context.Background()
	s.Q.Register("answer", handler.New(handler.Func(func(context.Context) (any, error) {
		return map[string]any{"answer": 42}, nil
	})))

	id := s.dispatch("answer")

	result, err := s.Q.GetJobResult(ctx, id)
	s.NoError(err)
	s.False(result.Valid)

	s.process()

	result, err = s.Q.GetJobResult(ctx, id)
	s.NoError(err)
	s.True(result.Valid)
	s.JSONEq(`{"answer":42}`, result.String)
}

func (s *QueueTestSuite) TestRetryJob() {
	ctx := context.Background()
	id := s.dispatch(taskFail)
	s.process()
	s.Require().Equal(jobs.StatusUnknown, s.status(id))

	s.Require().NoError(s.Q.RetryJob(ctx, id))

	j := s.job(id)
	s.Require().NotNil(j)
	s.Equal(jobs.StatusPending, j.Status)
	s.Equal(0, j.Attempts)
	s.False(j.Error.Valid)
	s.True(j.CreatedAt.Equal(Epoch))

	dead, err := s.Q.GetDeadLetterQueue(ctx)
	s.NoError(err)
	s.Empty(dead)

	payload := jobs.Payload{Task: taskSucceed}
	s.Require().NoError(s.Q.UpdateJob(ctx, id, jobs.Update{Payload: &payload}))
	s.process()
	s.Equal(jobs.StatusCompleted, s.status(id))
}

func (s *QueueTestSuite) TestUpdateJob() {
	ctx := context.Background()
	id := s.dispatch(taskSucceed)

	retries, priority := 7, 3
	payload := jobs.Payload{Task: taskRecord, Args: map[string]any{"edited": "yes"}}
	s.Require().NoError(s.Q.UpdateJob(ctx, id, jobs.Update{
		Payload:  &payload,
		Retries:  &retries,
		Priority: &priority,
	}))

	j := s.job(id)
	s.Require().NotNil(j)
	s.Equal(payload, j.Payload)
	s.Equal(7, j.Retries)
	s.Equal(3, j.Priority)
	s.Equal(jobs.StatusPending, j.Status)

	s.process()
	s.Equal([]string{id}, s.ran)
}

func (s *QueueTestSuite) TestAddDependency() {
	ctx := context.Background()
	a := s.dispatch(taskSucceed)
	b := s.dispatch(taskSucceed)
	c := s.dispatch(taskSucceed)

	s.Require().NoError(s.Q.AddDependency(ctx, c, b))
	s.Require().NoError(s.Q.AddDependency(ctx, b, a))
	s.Require().NoError(s.Q.AddDependency(ctx, c, b), "adding a dependency twice is a no-op")

	deps, err := s.Q.GetDependencies(ctx, c)
	s.NoError(err)
	s.Equal([]string{b}, deps)

	s.ErrorIs(s.Q.AddDependency(ctx, a, c), jobs.ErrDependencyCycle)
	s.ErrorIs(s.Q.AddDependency(ctx, a, a), jobs.ErrDependencyCycle)

	s.process()
	s.process()
	s.process()
	for _, id := range []string{a, b, c} {
		s.Equal(jobs.StatusCompleted, s.status(id))
	}
}

func (s *QueueTestSuite) TestUnknownDependencyNeverBecomesEligible() {
	id := s.dispatch(taskSucceed, jobs.WithDependencies("does-not-exist"))

	s.process()
	s.Clock.Advance(time.Hour)
	s.process()

	s.Equal(jobs.StatusPending, s.status(id))
}

func (s *QueueTestSuite) TestUnknownJobIDs() {
	ctx := context.Background()
	const ghost = "00000000-0000-7000-8000-000000000000"

	s.Nil(s.job(ghost))
	s.Equal(jobs.StatusUnknown, s.status(ghost))

	exists, err := s.Q.JobExists(ctx, ghost)
	s.NoError(err)
	s.False(exists)

	result, err := s.Q.GetJobResult(ctx, ghost)
	s.NoError(err)
	s.False(result.Valid)

	deps, err := s.Q.GetDependencies(ctx, ghost)
	s.NoError(err)
	s.Empty(deps)

	priority := 5
	s.NoError(s.Q.CancelJob(ctx, ghost))
	s.NoError(s.Q.SetPriority(ctx, ghost, 1))
	s.NoError(s.Q.AddDependency(ctx, ghost, ghost))
	s.NoError(s.Q.RetryJob(ctx, ghost))
	s.NoError(s.Q.UpdateJob(ctx, ghost, jobs.Update{Priority: &priority}))

	length, err := s.Q.GetQueueLength(ctx)
	s.NoError(err)
	s.Zero(length)
}

func (s *QueueTestSuite) TestListingAndCounting() {
	ctx := context.Background()
	pending := s.dispatch(taskSucceed, jobs.WithDelay(time.Hour))
	completed := s.dispatch(taskSucceed)
	cancelled := s.dispatch(taskSucceed, jobs.WithDelay(time.Hour))
	s.dispatch(taskFail)

	s.Require().NoError(s.Q.CancelJob(ctx, cancelled))
	s.process()

	all, err := s.Q.GetJobs(ctx)
	s.NoError(err)
	s.Len(all, 3)

	js, err := s.Q.GetJobs(ctx, jobs.StatusPending)
	s.NoError(err)
	s.Require().Len(js, 1)
	s.Equal(pending, js[0].ID)

	js, err = s.Q.GetJobs(ctx, jobs.StatusCompleted, jobs.StatusCancelled)
	s.NoError(err)
	s.Len(js, 2)

	length, err := s.Q.GetQueueLength(ctx, jobs.StatusCompleted)
	s.NoError(err)
	s.Equal(1, length)

	length, err = s.Q.GetQueueLength(ctx)
	s.NoError(err)
	s.Equal(3, length)

	want := jobs.Stats{
		jobs.StatusPending:   1,
		jobs.StatusRunning:   0,
		jobs.StatusCompleted: 1,
		jobs.StatusFailed:    1,
		jobs.StatusCancelled: 1,
	}
	for i := 0; i < 2; i++ {
		stats, err := s.Q.GetStats(ctx)
		s.NoError(err)
		s.Equal(want, stats)
	}

	s.Equal(jobs.StatusCompleted, s.status(completed))
}

func (s *QueueTestSuite) TestStatsOnEmptyQueue() {
	stats, err := s.Q.GetStats(context.Background())
	s.NoError(err)
	s.Len(stats, len(jobs.Statuses))
	for _, status := range jobs.Statuses {
		s.Zero(stats[status])
	}
}

func (s *QueueTestSuite) TestSetLogger() {
	logger := &testutils.TestLogger{}
	s.Q.SetLogger(logger)

	s.dispatch(taskFail)
	s.process()

	s.True(logger.Contains("job failed permanently"))
}
