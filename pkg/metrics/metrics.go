// Package metrics exposes dispatch instrumentation as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

// Metrics implements the dispatcher instrumentation hooks.
type Metrics struct {
	inflight       *prometheus.GaugeVec
	dispatches     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	adapterInvokes *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hostbridge_dispatch_inflight",
				Help: "Number of commands currently executing",
			},
			[]string{"command"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostbridge_dispatch_total",
				Help: "Total number of dispatched commands by outcome",
			},
			[]string{"command", "status", "error_code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostbridge_dispatch_duration_seconds",
				Help:    "Handler execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		adapterInvokes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostbridge_adapter_invocations_total",
				Help: "Commands handled per adapter",
			},
			[]string{"adapter", "command"},
		),
	}
	reg.MustRegister(m.inflight, m.dispatches, m.duration, m.adapterInvokes)
	return m
}

func (m *Metrics) OnDispatchStart(_ context.Context, command string, _ registry.Params) {
	m.inflight.WithLabelValues(command).Inc()
}

func (m *Metrics) OnDispatchSuccess(_ context.Context, command string, elapsed time.Duration) {
	m.inflight.WithLabelValues(command).Dec()
	m.dispatches.WithLabelValues(command, "success", "").Inc()
	m.duration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) OnDispatchError(_ context.Context, command string, err error, elapsed time.Duration) {
	m.inflight.WithLabelValues(command).Dec()
	m.dispatches.WithLabelValues(command, "error", cmderr.CodeOf(err)).Inc()
	m.duration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) OnAdapterInvoke(_ context.Context, adapter, command string) {
	m.adapterInvokes.WithLabelValues(adapter, command).Inc()
}
