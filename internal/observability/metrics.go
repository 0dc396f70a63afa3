// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for composebot_jobs_total and composebot_submit_total.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
)

// Metrics contains the runtime's Prometheus metrics. Every Record method is
// safe to call on a nil *Metrics, so components can run without metrics.
type Metrics struct {
	JobsTotal        *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	QueueOverflow    *prometheus.CounterVec
	CapabilityDenied *prometheus.CounterVec
	SubmitTotal      *prometheus.CounterVec
	InstanceRestarts *prometheus.CounterVec
	Instances        *prometheus.GaugeVec
}

// NewMetrics creates and registers the runtime metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composebot_jobs_total",
				Help: "Total number of finished jobs by plugin, kind and outcome",
			},
			[]string{"plugin", "kind", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "composebot_job_duration_seconds",
				Help:    "Wall time of job invocations by plugin and kind",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"plugin", "kind"},
		),
		QueueOverflow: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composebot_queue_overflow_total",
				Help: "Total number of jobs dropped because the instance queue was full",
			},
			[]string{"plugin"},
		),
		CapabilityDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composebot_capability_denied_total",
				Help: "Total number of host function calls denied by capability checks",
			},
			[]string{"plugin", "function"},
		),
		SubmitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composebot_submit_total",
				Help: "Total number of outbound submit attempts by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		InstanceRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composebot_instance_restarts_total",
				Help: "Total number of plugin instance resets",
			},
			[]string{"plugin"},
		),
		Instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "composebot_instances",
				Help: "Number of plugin instances by state",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.QueueOverflow,
		m.CapabilityDenied,
		m.SubmitTotal,
		m.InstanceRestarts,
		m.Instances,
	)
	return m
}

// RecordJob counts a finished job and observes its duration.
func (m *Metrics) RecordJob(plugin, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(plugin, kind, outcome).Inc()
	if d > 0 {
		m.JobDuration.WithLabelValues(plugin, kind).Observe(d.Seconds())
	}
}

// RecordQueueOverflow counts a dropped job.
func (m *Metrics) RecordQueueOverflow(plugin string) {
	if m == nil {
		return
	}
	m.QueueOverflow.WithLabelValues(plugin).Inc()
}

// RecordCapabilityDenied counts a denied host function call.
func (m *Metrics) RecordCapabilityDenied(plugin, function string) {
	if m == nil {
		return
	}
	m.CapabilityDenied.WithLabelValues(plugin, function).Inc()
}

// RecordSubmit counts one outbound submit attempt.
func (m *Metrics) RecordSubmit(route, outcome string) {
	if m == nil {
		return
	}
	m.SubmitTotal.WithLabelValues(route, outcome).Inc()
}

// RecordRestart counts an instance reset.
func (m *Metrics) RecordRestart(plugin string) {
	if m == nil {
		return
	}
	m.InstanceRestarts.WithLabelValues(plugin).Inc()
}

// SetInstances replaces the per-state instance gauge.
func (m *Metrics) SetInstances(counts map[string]int) {
	if m == nil {
		return
	}
	m.Instances.Reset()
	for state, n := range counts {
		m.Instances.WithLabelValues(state).Set(float64(n))
	}
}
