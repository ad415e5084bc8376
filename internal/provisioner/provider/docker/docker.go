// SPDX-License-Identifier: MIT

// Package docker launches session workloads as containers on a local Docker
// daemon. Intended for single-host grids and development setups.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/provisioner/provider"
)

// Provider implements provider.Provider on the Docker API.
type Provider struct {
	cli     client.APIClient
	network string
	logger  zerolog.Logger
}

// New connects to the daemon using the standard DOCKER_* environment.
// network names the Docker network session containers join; empty means the
// daemon default.
func New(network string) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewWithClient(cli, network), nil
}

// NewWithClient wraps an existing API client. Used by tests.
func NewWithClient(cli client.APIClient, network string) *Provider {
	return &Provider{
		cli:     cli,
		network: network,
		logger:  log.WithComponent("provider.docker"),
	}
}

// Provision creates and starts one session container.
func (p *Provider) Provision(ctx context.Context, req provider.Request) (provider.Container, error) {
	cfg := &container.Config{
		Image: req.Image,
		Env:   req.Env,
		Labels: map[string]string{
			provider.LabelManaged:   "true",
			provider.LabelSessionID: req.SessionID,
		},
	}
	host := &container.HostConfig{}
	if p.network != "" {
		host.NetworkMode = container.NetworkMode(p.network)
	}

	created, err := p.cli.ContainerCreate(ctx, cfg, host, nil, nil, "webgrid-session-"+req.SessionID)
	if err != nil {
		return provider.Container{}, fmt.Errorf("create container for session %s: %w", req.SessionID, err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// A created-but-unstartable container is garbage immediately.
		_ = p.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return provider.Container{}, fmt.Errorf("start container for session %s: %w", req.SessionID, err)
	}

	p.logger.Info().
		Str(log.FieldSessionID, req.SessionID).
		Str("container", created.ID).
		Str("image", req.Image).
		Msg("container started")
	return provider.Container{ID: created.ID, SessionID: req.SessionID, CreatedAt: time.Now()}, nil
}

// Terminate force-removes one container.
func (p *Provider) Terminate(ctx context.Context, id string) error {
	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// List returns every managed session container, running or exited.
func (p *Provider) List(ctx context.Context) ([]provider.Container, error) {
	summaries, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", provider.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]provider.Container, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, fromSummary(s))
	}
	return out, nil
}

func fromSummary(s types.Container) provider.Container {
	return provider.Container{
		ID:        s.ID,
		SessionID: s.Labels[provider.LabelSessionID],
		CreatedAt: time.Unix(s.Created, 0),
		Failed:    s.State == "exited" || s.State == "dead",
	}
}
