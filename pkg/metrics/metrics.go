// Package metrics exports provisioning activity to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/routine"
)

const namespace = "goldenimage"

var _ provision.Observer = (*Metrics)(nil)

// Metrics implements provision.Observer.
type Metrics struct {
	steps       *prometheus.CounterVec
	stepSeconds *prometheus.HistogramVec
	invocations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	pending     prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Dispatched steps by kind and result category (ok for success).",
		}, []string{"kind", "result"}),
		stepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one step.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"kind"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Finished invocations by phase, or by fatal error.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Recorded step failures by category.",
		}, []string{"category"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pending_steps",
			Help:      "Steps left in the checkpoint of the most recent invocation.",
		}),
	}
	reg.MustRegister(m.steps, m.stepSeconds, m.invocations, m.failures, m.pending)
	return m
}

func (m *Metrics) StepDispatched(step routine.Step, rec *routine.ErrorRecord, took time.Duration) {
	result := "ok"
	if rec != nil {
		result = string(rec.Category)
		m.failures.WithLabelValues(result).Inc()
	}
	m.steps.WithLabelValues(string(step.Kind), result).Inc()
	m.stepSeconds.WithLabelValues(string(step.Kind)).Observe(took.Seconds())
}

func (m *Metrics) InvocationFinished(out *provision.Outcome, err error) {
	m.invocations.WithLabelValues(outcomeLabel(out, err)).Inc()
	if out != nil {
		m.pending.Set(float64(len(out.State.Queue)))
	}
}

func outcomeLabel(out *provision.Outcome, err error) string {
	switch {
	case errors.Is(err, provision.ErrSessionLost):
		return "session_lost"
	case errors.Is(err, provision.ErrSessionOpen):
		return "session_open"
	case errors.Is(err, provision.ErrCorruptCheckpoint):
		return "corrupt_checkpoint"
	case errors.Is(err, provision.ErrInvalidRoutine):
		return "invalid_routine"
	case errors.Is(err, provision.ErrHostBusy):
		return "host_busy"
	case err != nil:
		return "error"
	case out == nil:
		return "unknown"
	}
	return string(out.Phase)
}
