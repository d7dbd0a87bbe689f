// Package metrics exposes Prometheus counters for queue activity.
//
// A nil *Collector is valid and records nothing, so backends call it unconditionally.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcomes recorded by Executed
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
	OutcomeDiscarded = "discarded"
)

// Collector counts dispatched and executed jobs per queue
type Collector struct {
	DispatchedTotal *prometheus.CounterVec
	ExecutedTotal   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg. A nil reg skips registration.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		DispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobq_dispatched_total",
				Help: "Total number of dispatched jobs",
			},
			[]string{"queue"},
		),
		ExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobq_executed_total",
				Help: "Total number of job executions by outcome",
			},
			[]string{"queue", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(c.DispatchedTotal, c.ExecutedTotal)
	}

	return c
}

// Dispatched records a new job on queue
func (c *Collector) Dispatched(queue string) {
	if c == nil {
		return
	}
	c.DispatchedTotal.WithLabelValues(queue).Inc()
}

// Executed records one execution on queue with the given outcome
func (c *Collector) Executed(queue, outcome string) {
	if c == nil {
		return
	}
	c.ExecutedTotal.WithLabelValues(queue, outcome).Inc()
}
