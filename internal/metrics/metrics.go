// Package metrics holds the Prometheus collectors for the state layer. A
// *Metrics is constructed explicitly and passed to the components that
// record into it. Every method is safe to call on a nil receiver so
// components can run without metrics wired.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcp_state"

// Metrics groups the collectors recorded by stores, streams, tasks and the
// cancellation watcher.
type Metrics struct {
	computeConflicts *prometheus.CounterVec
	blockTimeouts    *prometheus.CounterVec
	interrupts       prometheus.Counter
	replayFailures   *prometheus.CounterVec
	tasksSwept       prometheus.Counter
	activeRequests   prometheus.Gauge
}

// New constructs unregistered collectors.
func New() *Metrics {
	return &Metrics{
		computeConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compute_conflicts_total",
			Help:      "Compute attempts that lost a race and were retried or abandoned, by backend",
		}, []string{"backend"}),
		blockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_timeouts_total",
			Help:      "Blocking waits that reached their deadline, by component",
		}, []string{"component"}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Locally executing requests interrupted after a durable cancellation was observed",
		}),
		replayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_failures_total",
			Help:      "Stream resumptions refused because replay could not be guaranteed, by reason",
		}, []string{"reason"}),
		tasksSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_swept_total",
			Help:      "Completed tasks removed after their ttl elapsed",
		}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cancellable_requests",
			Help:      "Requests currently registered for cancellation on this process",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, c := range []prometheus.Collector{
		m.computeConflicts,
		m.blockTimeouts,
		m.interrupts,
		m.replayFailures,
		m.tasksSwept,
		m.activeRequests,
	} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Metrics) ComputeConflict(backend string) {
	if m == nil {
		return
	}
	m.computeConflicts.WithLabelValues(backend).Inc()
}

func (m *Metrics) BlockTimeout(component string) {
	if m == nil {
		return
	}
	m.blockTimeouts.WithLabelValues(component).Inc()
}

func (m *Metrics) Interrupt() {
	if m == nil {
		return
	}
	m.interrupts.Inc()
}

func (m *Metrics) ReplayFailure(reason string) {
	if m == nil {
		return
	}
	m.replayFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) TasksSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksSwept.Add(float64(n))
}

func (m *Metrics) ActiveRequests(n int) {
	if m == nil {
		return
	}
	m.activeRequests.Set(float64(n))
}
