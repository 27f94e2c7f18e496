package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ComputeConflict("sql")
	m.BlockTimeout("sessions")
	m.Interrupt()
	m.ReplayFailure("not_found")
	m.TasksSwept(3)
	m.ActiveRequests(1)
	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register on nil: %v", err)
	}
}

func TestCountersRecord(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.ComputeConflict("redis")
	m.ComputeConflict("redis")
	m.TasksSwept(4)
	m.TasksSwept(0)
	m.Interrupt()

	if got := testutil.ToFloat64(m.computeConflicts.WithLabelValues("redis")); got != 2 {
		t.Fatalf("compute conflicts = %v", got)
	}
	if got := testutil.ToFloat64(m.tasksSwept); got != 4 {
		t.Fatalf("tasks swept = %v", got)
	}
	if got := testutil.ToFloat64(m.interrupts); got != 1 {
		t.Fatalf("interrupts = %v", got)
	}
	if err := m.Register(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
