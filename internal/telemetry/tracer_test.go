// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledSetupIsNoop(t *testing.T) {
	provider, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, provider.Shutdown(context.Background()))

	// The noop provider still hands out usable tracers.
	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{
		Enabled:      true,
		Role:         "webgrid-manager",
		ExporterType: "carrier-pigeon",
	})
	assert.Error(t, err)
}
