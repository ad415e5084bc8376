// SPDX-License-Identifier: MIT

// Package provider abstracts the container runtime a provisioner launches
// session workloads on. Implementations label every workload with the
// session id so crashed provisioners can re-discover what they own.
package provider

import (
	"context"
	"time"
)

// Workload labels. Every container or pod a provider launches carries both,
// which is the only state the provisioner keeps outside the broker.
const (
	LabelManaged   = "webgrid.managed"
	LabelSessionID = "webgrid.session.id"
)

// Request describes one session workload to launch.
type Request struct {
	SessionID string
	Image     string
	// Env is passed to the workload in KEY=VALUE form. It must contain
	// everything the node needs to reach the broker and identify itself.
	Env []string
}

// Container is one workload the provider knows about.
type Container struct {
	ID        string
	SessionID string
	CreatedAt time.Time
	// Failed reports a workload that exited instead of being removed.
	// Failed workloads are retained for inspection until the garbage
	// policy purges them.
	Failed bool
}

// Provider launches and reaps session workloads.
type Provider interface {
	Provision(ctx context.Context, req Request) (Container, error)
	Terminate(ctx context.Context, id string) error
	List(ctx context.Context) ([]Container, error)
}
