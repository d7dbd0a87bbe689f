package handler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecReturnsResult(t *testing.T) {
	h := handler.New(handler.Func(func(_ context.Context) (any, error) {
		return 42, nil
	}))

	result, err := handler.Exec(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestExecRecoversPanics(t *testing.T) {
	h := handler.New(handler.Func(func(_ context.Context) (any, error) {
		panic("kaboom")
	}))

	_, err := handler.Exec(context.Background(), h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, handler.ErrJobPanicked))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestExecDeadline(t *testing.T) {
	h := handler.New(handler.Func(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), handler.Deadline(10*time.Millisecond))

	_, err := handler.Exec(context.Background(), h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRegistryRunsJobWithContext(t *testing.T) {
	r := handler.NewRegistry()
	r.Register("greet", handler.New(handler.Func(func(ctx context.Context) (any, error) {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return nil, err
		}
		return "hello " + j.Payload.Args["name"].(string), nil
	})))

	job := &jobs.Job{ID: "1", Payload: jobs.Payload{Task: "greet", Args: map[string]any{"name": "world"}}}
	result, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "hello world", result)
}

func TestRegistryUnknownTask(t *testing.T) {
	r := handler.NewRegistry()

	_, err := r.Run(context.Background(), &jobs.Job{Payload: jobs.Payload{Task: "missing"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrNoHandlerForTask))
}
