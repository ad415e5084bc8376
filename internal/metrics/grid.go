// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerMatches counts ProvisionerMatch outcomes.
	SchedulerMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgrid_scheduler_matches_total",
		Help: "Scheduler match requests by outcome (assigned, none, error).",
	}, []string{"outcome"})

	// ProvisionerSlots gauges slot pools by state.
	ProvisionerSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "webgrid_provisioner_slots",
		Help: "Provisioner slots by state (available, reclaimed).",
	}, []string{"state"})

	// ProvisionedContainers counts container launches by outcome.
	ProvisionedContainers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgrid_provisioned_containers_total",
		Help: "Container launches by outcome (ok, error).",
	}, []string{"outcome"})

	// ProxyRequests counts forwarded frontdoor requests by upstream role.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgrid_proxy_requests_total",
		Help: "Frontdoor requests by upstream role and outcome.",
	}, []string{"role", "outcome"})

	// HeartbeatFailures counts failed beat refreshes.
	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webgrid_heartbeat_refresh_failures_total",
		Help: "Heartbeat refresh writes that failed.",
	})

	// JobRestarts counts supervised job restarts by cause.
	JobRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgrid_job_restarts_total",
		Help: "Supervised job restarts by job and cause (crash, resource).",
	}, []string{"job", "cause"})

	// GCReaped counts garbage-collector actions by pass.
	GCReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgrid_gc_reaped_total",
		Help: "Garbage collector actions by pass (dead, purged, provisioners).",
	}, []string{"pass"})

	// RecordingBytes counts recording bytes forwarded to storage.
	RecordingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webgrid_recording_bytes_total",
		Help: "Recording bytes uploaded to storage.",
	})
)
