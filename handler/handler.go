package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acaloiaro/jobq/jobs"
)

var ErrJobPanicked = errors.New("job panicked")

// Runner executes jobs of one task. The running job is available via [jobs.FromContext].
type Runner interface {
	Run(ctx context.Context) (result any, err error)
}

// Func is a function that Handlers execute for every Job of a task
type Func func(ctx context.Context) (result any, err error)

// Run calls f(ctx)
func (f Func) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// Handler handles jobs of a task
type Handler struct {
	Runner   Runner
	Deadline time.Duration // zero means jobs run until they return
}

// Option is function that sets optional configuration for Handlers
type Option func(h *Handler)

// WithOptions sets one or more options on handler
func (h *Handler) WithOptions(opts ...Option) {
	for _, opt := range opts {
		opt(h)
	}
}

// Deadline configures handlers with a time deadline for every executed job
// The deadline is the amount of time that can be spent executing the handler's Runner
// when a deadline is exceeded, the job is failed and enters its retry phase
func Deadline(d time.Duration) Option {
	return func(h *Handler) {
		h.Deadline = d
	}
}

// New creates a new task handler
func New(r Runner, opts ...Option) (h Handler) {
	h = Handler{
		Runner: r,
	}

	h.WithOptions(opts...)

	return
}

// Exec executes the handler's Runner, converting panics into errors and enforcing the handler deadline if one is set
func Exec(ctx context.Context, h Handler) (result any, err error) {
	if h.Deadline <= 0 {
		return run(ctx, h.Runner)
	}

	deadlineCtx, cancel := context.WithDeadline(ctx, time.Now().Add(h.Deadline))
	defer cancel()

	type outcome struct {
		result any
		err    error
	}

	var done = make(chan outcome, 1)
	go func(ctx context.Context) {
		r, e := run(ctx, h.Runner)
		done <- outcome{r, e}
	}(deadlineCtx)

	select {
	case o := <-done:
		result, err = o.result, o.err

	case <-deadlineCtx.Done():
		ctxErr := deadlineCtx.Err()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("job exceeded its %s deadline: %w", h.Deadline, ctxErr)
		} else {
			err = ctxErr
		}
	}

	return
}

func run(ctx context.Context, r Runner) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, p)
		}
	}()

	return r.Run(ctx)
}

// Registry maps task names to the handlers that execute them
type Registry struct {
	mu       *sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		mu:       &sync.RWMutex{},
		handlers: make(map[string]Handler),
	}
}

// Register binds h to task, replacing any previous handler
func (r *Registry) Register(task string, h Handler) {
	r.mu.Lock()
	r.handlers[task] = h
	r.mu.Unlock()
}

// Lookup returns the handler registered for task
func (r *Registry) Lookup(task string) (h Handler, ok bool) {
	r.mu.RLock()
	h, ok = r.handlers[task]
	r.mu.RUnlock()
	return
}

// Run executes job with the handler registered for its task
func (r *Registry) Run(ctx context.Context, job *jobs.Job) (result any, err error) {
	h, ok := r.Lookup(job.Payload.Task)
	if !ok || h.Runner == nil {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNoHandlerForTask, job.Payload.Task)
	}

	return Exec(jobs.WithContext(ctx, job), h)
}
