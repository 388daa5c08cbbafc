// Package metrics provides Prometheus collectors for apiprobe runs.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
// This lets the scheduler and reporter record unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for a single run.
type Metrics struct {
	invoked   prometheus.Counter
	failures  *prometheus.CounterVec
	ticks     prometheus.Counter
	remaining prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
//
// Registering twice with the same registry panics, as with any promauto use.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		invoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "apiprobe_operations_invoked_total",
			Help: "Total number of operations invoked by the batch scheduler",
		}),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiprobe_operation_failures_total",
				Help: "Total number of reported operation failures",
			},
			[]string{"operation", "class"},
		),
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "apiprobe_ticks_total",
			Help: "Total number of scheduler ticks",
		}),
		remaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apiprobe_queue_remaining",
			Help: "Operations still waiting in the scheduler queue",
		}),
	}
}

// OperationInvoked counts one operation invocation.
func (m *Metrics) OperationInvoked() {
	if m == nil {
		return
	}
	m.invoked.Inc()
}

// Failure counts one reported failure for the given operation tag and class.
func (m *Metrics) Failure(operation, class string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, class).Inc()
}

// Tick counts one scheduler tick.
func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// QueueRemaining records the number of operations still queued.
func (m *Metrics) QueueRemaining(n int) {
	if m == nil {
		return
	}
	m.remaining.Set(float64(n))
}
