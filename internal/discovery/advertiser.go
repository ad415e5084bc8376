// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/log"
)

type announcement struct {
	Descriptor string `json:"descriptor"`
	Endpoint   string `json:"endpoint"`
}

// Advertiser announces one endpoint for one descriptor.
type Advertiser struct {
	pubsub     broker.PubSub
	descriptor Descriptor
	endpoint   string
	logger     zerolog.Logger
}

// NewAdvertiser creates an advertiser for endpoint (host:port form).
func NewAdvertiser(pubsub broker.PubSub, descriptor Descriptor, endpoint string) *Advertiser {
	return &Advertiser{
		pubsub:     pubsub,
		descriptor: descriptor,
		endpoint:   endpoint,
		logger: log.WithComponent("discovery").With().
			Str("descriptor", descriptor.String()).
			Logger(),
	}
}

// Run subscribes to the descriptor's query channel, announces once
// unsolicited for passive caches, then re-announces on every query. Blocks
// until ctx is done.
func (a *Advertiser) Run(ctx context.Context) error {
	sub, err := a.pubsub.Subscribe(ctx, QueryChannel(a.descriptor))
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	if err := a.announce(ctx); err != nil {
		return err
	}
	a.logger.Debug().Str(log.FieldEndpoint, a.endpoint).Msg("advertising")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.Messages():
			if !ok {
				return errors.New("discovery: query subscription closed")
			}
			if err := a.announce(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Advertiser) announce(ctx context.Context) error {
	payload, err := json.Marshal(announcement{
		Descriptor: a.descriptor.String(),
		Endpoint:   a.endpoint,
	})
	if err != nil {
		return err
	}
	return a.pubsub.Publish(ctx, AnnouncementChannel, payload)
}
