// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
)

// Grid settings resolvable at use time. Operators retune a live grid by
// writing config:{name} keys; absent keys fall back to env, then defaults.
const (
	SettingQueueTimeout       = "queueTimeout"
	SettingSchedulingTimeout  = "schedulingTimeout"
	SettingNodeStartupTimeout = "nodeStartupTimeout"
	SettingSlotReclaim        = "slotReclaimInterval"
	SettingRetention          = "retentionSeconds"
	SettingRecordingCrf       = "recordingCrf"
	SettingMaxBitrate         = "maxBitrate"
	SettingFramerate          = "recordingFramerate"
	SettingSegmentDuration    = "segmentDurationSeconds"
	SettingGCInterval         = "gcIntervalSeconds"
)

// envFallbacks maps setting names to the env vars consulted when the broker
// holds no value.
var envFallbacks = map[string]string{
	SettingQueueTimeout:       "WEBGRID_QUEUE_TIMEOUT",
	SettingSchedulingTimeout:  "WEBGRID_SCHEDULING_TIMEOUT",
	SettingNodeStartupTimeout: "WEBGRID_NODE_STARTUP_TIMEOUT",
	SettingSlotReclaim:        "WEBGRID_SLOT_RECLAIM_INTERVAL",
	SettingRetention:          "WEBGRID_RETENTION",
	SettingRecordingCrf:       "WEBGRID_RECORDING_CRF",
	SettingMaxBitrate:         "WEBGRID_MAX_BITRATE",
	SettingFramerate:          "WEBGRID_RECORDING_FRAMERATE",
	SettingSegmentDuration:    "WEBGRID_SEGMENT_DURATION",
	SettingGCInterval:         "WEBGRID_GC_INTERVAL",
}

// KV is the subset of the broker the settings provider needs. A missing key
// must surface as ("", nil) so fallback logic stays in one place.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
}

// Provider resolves operator settings from the broker with env and default
// fallbacks. Values are read at use time, not cached, so a live grid can be
// retuned without restarts.
type Provider struct {
	kv     KV
	logger zerolog.Logger
}

// NewProvider creates a settings provider on top of a broker KV.
func NewProvider(kv KV) *Provider {
	return &Provider{kv: kv, logger: log.WithComponent("settings")}
}

func (p *Provider) lookup(ctx context.Context, name string) (string, bool) {
	if p.kv == nil {
		return "", false
	}
	value, err := p.kv.Get(ctx, keys.Setting(name))
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("setting", name).
			Msg("settings lookup failed, falling back")
		return "", false
	}
	return value, value != ""
}

// Duration resolves a duration setting. Broker values may be bare integers
// (seconds) or Go duration strings.
func (p *Provider) Duration(ctx context.Context, name string, def time.Duration) time.Duration {
	if raw, ok := p.lookup(ctx, name); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(raw); err == nil {
			return time.Duration(secs) * time.Second
		}
		p.logger.Warn().
			Str("setting", name).
			Str("value", raw).
			Msg("invalid duration setting in broker, falling back")
	}
	if env, ok := envFallbacks[name]; ok {
		return ParseDuration(env, def)
	}
	return def
}

// Int resolves an integer setting.
func (p *Provider) Int(ctx context.Context, name string, def int) int {
	if raw, ok := p.lookup(ctx, name); ok {
		if i, err := strconv.Atoi(raw); err == nil {
			return i
		}
		p.logger.Warn().
			Str("setting", name).
			Str("value", raw).
			Msg("invalid integer setting in broker, falling back")
	}
	if env, ok := envFallbacks[name]; ok {
		return ParseInt(env, def)
	}
	return def
}

// String resolves a string setting.
func (p *Provider) String(ctx context.Context, name, def string) string {
	if raw, ok := p.lookup(ctx, name); ok {
		return raw
	}
	if env, ok := envFallbacks[name]; ok {
		return ParseString(env, def)
	}
	return def
}
