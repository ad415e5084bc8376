// SPDX-License-Identifier: MIT

// Package metrics declares the grid's Prometheus collectors. Collectors are
// registered on the default registry via promauto and exposed by the job
// runtime's status server. Labels never carry session ids, keeping
// cardinality bounded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitions counts lifecycle transitions by target state.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgrid_session_transitions_total",
		Help: "Session lifecycle transitions by target state.",
	}, []string{"state"})

	// SessionFailures counts failed session starts by log code.
	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgrid_session_failures_total",
		Help: "Failed session starts by failure code.",
	}, []string{"code"})

	// QueueWaitSeconds observes the time between allocation and slot grant.
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webgrid_session_queue_wait_seconds",
		Help:    "Wait between session allocation and slot grant.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// StartupSeconds observes the time between allocation and operational.
	StartupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webgrid_session_startup_seconds",
		Help:    "Wait between session allocation and node health.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// ActiveSessions gauges the active set size as seen by this process.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webgrid_sessions_active",
		Help: "Sessions currently tracked as active.",
	})
)
