package config

import (
	"context"
	"time"

	"github.com/acaloiaro/jobq/internal"
	"github.com/acaloiaro/jobq/logging"
	"github.com/acaloiaro/jobq/metrics"
	"github.com/acaloiaro/jobq/types"
	"github.com/iancoleman/strcase"
)

const (
	DefaultIdleTxTimeout = 30000
	DefaultQueueName     = "default"
)

type Config struct {
	BackendInitializer     BackendInitializer
	ConnectionString       string                           // a string containing connection details for the backend
	BackendAuthPassword    string                           // password for backends that authenticate separately from the connection string
	QueueName              string                           // the queue this backend reads and writes
	LogLevel               logging.LogLevel                 // the level of the default logger
	Now                    func() time.Time                 // the clock used for dispatch times and eligibility
	RetryBackoff           func(attempts int) time.Duration // extra delay added before a failed job is retried
	Metrics                *metrics.Collector               // optional prometheus counters
	IdleTransactionTimeout int                              // the number of milliseconds PgBackend transaction may idle before the connection is killed
}

// Option is a function that sets optional backend configuration
type Option func(c *Config)

// New initiailizes a new Config with defaults
func New() *Config {
	return &Config{
		QueueName:              DefaultQueueName,
		LogLevel:               logging.LogLevelInfo,
		Now:                    time.Now,
		IdleTransactionTimeout: DefaultIdleTxTimeout,
	}
}

// Apply creates a Config with defaults and applies opts to it
func Apply(opts ...Option) *Config {
	c := New()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithBackend configures the initializer used to create a backend
func WithBackend(initializer BackendInitializer) Option {
	return func(c *Config) {
		c.BackendInitializer = initializer
	}
}

// WithConnectionString configures jobq to use the specified connection string when connecting to a backend
func WithConnectionString(connectionString string) Option {
	return func(c *Config) {
		c.ConnectionString = connectionString
	}
}

// WithPassword configures the password used to authenticate with the backend
func WithPassword(password string) Option {
	return func(c *Config) {
		c.BackendAuthPassword = password
	}
}

// WithQueueName selects the named queue. Names are normalized to snake case with non-alphanumeric characters removed.
func WithQueueName(name string) Option {
	return func(c *Config) {
		if n := QueueName(name); n != "" {
			c.QueueName = n
		}
	}
}

// WithLogLevel sets the level of the backend's default logger
func WithLogLevel(level logging.LogLevel) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

// WithClock replaces the clock used for dispatch timestamps and eligibility checks
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

// WithRetryBackoff delays failed jobs by backoff(attempts) before they become eligible again
//
// Without this option a failed job is eligible again on the next Process call.
func WithRetryBackoff(backoff func(attempts int) time.Duration) Option {
	return func(c *Config) {
		c.RetryBackoff = backoff
	}
}

// WithExponentialBackoff delays retries by a polynomial backoff with jitter that grows with each attempt
func WithExponentialBackoff() Option {
	return WithRetryBackoff(internal.CalculateBackoff)
}

// WithMetrics records queue activity on collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Config) {
		c.Metrics = collector
	}
}

// WithTransactionTimeout sets the time that PgBackend's transactions may be idle before its underlying connection is
// closed
func WithTransactionTimeout(txTimeout int) Option {
	return func(c *Config) {
		c.IdleTransactionTimeout = txTimeout
	}
}

// QueueName normalizes a queue name for use in keys and queries
func QueueName(name string) string {
	return internal.StripNonAlphanum(strcase.ToSnake(name))
}

// BackendInitializer is a function that initializes a backend
type BackendInitializer func(ctx context.Context, opts ...Option) (backend types.Backend, err error)
