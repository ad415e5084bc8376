// SPDX-License-Identifier: MIT

// Package jobs is the supervised runtime every long-running piece of grid
// work runs under: readiness gating, graceful termination signals, restart
// with exponential backoff on crashes, and restart without penalty on
// resource loss. One scheduler runs per process and exposes a small status
// HTTP surface for orchestration probes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Job is one supervised unit of work. Run blocks until done or ctx ends.
// Jobs that return nil are considered complete and are not restarted.
type Job interface {
	Name() string
	// Graceful reports whether the job honors TerminationSignal. Jobs
	// that do get a grace window on shutdown before their context is cut.
	Graceful() bool
	Run(ctx context.Context, m *Manager) error
}

// Manager is the per-job handle passed into Run.
type Manager struct {
	name      string
	readyOnce sync.Once
	ready     chan struct{}
	term      chan struct{}
}

func newManager(name string) *Manager {
	return &Manager{
		name:  name,
		ready: make(chan struct{}),
		term:  make(chan struct{}),
	}
}

// Ready marks the job ready. ScheduleAndWait gates on it; later calls are
// no-ops. Jobs restarted after a crash signal readiness again harmlessly.
func (m *Manager) Ready() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// TerminationSignal completes when the scheduler requests graceful
// shutdown. Jobs supporting graceful termination select on it.
func (m *Manager) TerminationSignal() <-chan struct{} {
	return m.term
}

type resourceLost struct{ err error }

func (r resourceLost) Error() string { return fmt.Sprintf("resource lost: %v", r.err) }
func (r resourceLost) Unwrap() error { return r.err }

// ResourceLost wraps an error signalling that a shared resource (broker
// connection, subscription) died underneath the job. The scheduler restarts
// without counting it toward the crash cap.
func ResourceLost(err error) error {
	if err == nil {
		return nil
	}
	return resourceLost{err: err}
}

// IsResourceLost reports whether err carries the resource-loss marker.
func IsResourceLost(err error) bool {
	var r resourceLost
	return errors.As(err, &r)
}

// JobFunc adapts a function into a Job.
type JobFunc struct {
	JobName      string
	GracefulStop bool
	Execute      func(ctx context.Context, m *Manager) error
}

func (j JobFunc) Name() string   { return j.JobName }
func (j JobFunc) Graceful() bool { return j.GracefulStop }
func (j JobFunc) Run(ctx context.Context, m *Manager) error {
	return j.Execute(ctx, m)
}
