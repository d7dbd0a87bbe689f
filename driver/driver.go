// Package driver calls Process on a backend from outside it, either at a fixed interval or on a cron schedule.
//
// Backends never process jobs on their own. Both drivers block until ctx is done.
package driver

import (
	"context"
	"time"

	"github.com/acaloiaro/jobq/logging"
	"github.com/jsuar/go-cron-descriptor/pkg/crondescriptor"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
)

var ErrInvalidInterval = errors.New("poll interval must be positive")

// Processor is the part of a backend the drivers need
type Processor interface {
	Process(ctx context.Context) (err error)
}

// Poll calls q.Process immediately and then every interval until ctx is done
//
// Process errors are logged and polling continues.
func Poll(ctx context.Context, q Processor, interval time.Duration, logger logging.Logger) (err error) {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		process(ctx, q, logger)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cron calls q.Process on the schedule given by spec until ctx is done
//
// spec has six fields, the first being seconds.
// See: https://pkg.go.dev/github.com/robfig/cron?#hdr-CRON_Expression_Format for details on the cron spec format
func Cron(ctx context.Context, q Processor, spec string, logger logging.Logger) (err error) {
	c := cron.New()
	err = c.AddFunc(spec, func() {
		process(ctx, q, logger)
	})
	if err != nil {
		return errors.Wrapf(err, "invalid cron spec %q", spec)
	}

	logger.Info("processing on schedule", "schedule", Describe(spec))
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}

// Describe returns a human readable description of a cron spec, or the spec itself when it cannot be described
func Describe(spec string) string {
	cd, err := crondescriptor.NewCronDescriptor(spec)
	if err != nil {
		return spec
	}

	desc, err := cd.GetDescription(crondescriptor.Full)
	if err != nil || desc == nil {
		return spec
	}

	return *desc
}

func process(ctx context.Context, q Processor, logger logging.Logger) {
	if ctx.Err() != nil {
		return
	}

	if err := q.Process(ctx); err != nil {
		logger.Error("unable to process jobs", "error", errors.Wrap(err, "process"))
	}
}
