package jobq

import (
	"context"

	"github.com/acaloiaro/jobq/backends/memory"
	"github.com/acaloiaro/jobq/config"
	"github.com/acaloiaro/jobq/logging"
	"github.com/acaloiaro/jobq/types"
)

// New creates a backend for a single queue
//
// The backend is created by the initializer passed with [WithBackend], or is a memory backend when none is given.
func New(ctx context.Context, opts ...config.Option) (b types.Backend, err error) {
	c := config.Apply(opts...)
	if c.BackendInitializer == nil {
		c.BackendInitializer = memory.Backend
	}

	return c.BackendInitializer(ctx, opts...)
}

// WithBackend configures jobq to initialize a specific backend for job processing.
//
// jobq provides the following backends: [memory.Backend], [postgres.Backend], [sqlite.Backend] and [redis.Backend].
func WithBackend(initializer config.BackendInitializer) config.Option {
	return config.WithBackend(initializer)
}

// WithLogLevel configures the log level for the backend's default logger
func WithLogLevel(level logging.LogLevel) config.Option {
	return config.WithLogLevel(level)
}

// WithQueueName selects the queue the backend reads and writes
func WithQueueName(name string) config.Option {
	return config.WithQueueName(name)
}
