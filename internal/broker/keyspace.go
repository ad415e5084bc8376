// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"fmt"
	"strings"
)

// requiredKeyspaceFlags are the notify-keyspace-events classes the routing
// watcher depends on: E (keyevent channels, which the watcher subscribes),
// K (keyspace channels), g (generic), x (expired), $ (string).
const requiredKeyspaceFlags = "EKgx$"

// EnsureKeyspaceEvents verifies that the broker emits the key-change
// notifications the routing table is built on, enabling them when the
// broker permits CONFIG SET. Brokers that support neither fail fast here,
// because a silent routing table is worse than no proxy at all.
func (b *Broker) EnsureKeyspaceEvents(ctx context.Context) error {
	res, err := b.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return fmt.Errorf("keyspace notifications unavailable: %w", err)
	}
	current := res["notify-keyspace-events"]
	if hasKeyspaceFlags(current) {
		return nil
	}
	merged := mergeKeyspaceFlags(current)
	if err := b.client.ConfigSet(ctx, "notify-keyspace-events", merged).Err(); err != nil {
		return fmt.Errorf("enable keyspace notifications (have %q, need %q): %w", current, requiredKeyspaceFlags, err)
	}
	b.logger.Info().
		Str("flags", merged).
		Msg("enabled keyspace notifications")
	return nil
}

func hasKeyspaceFlags(current string) bool {
	// A covers every class except the K/E channel selectors.
	for _, f := range requiredKeyspaceFlags {
		if f != 'K' && f != 'E' && strings.ContainsRune(current, 'A') {
			continue
		}
		if !strings.ContainsRune(current, f) {
			return false
		}
	}
	return true
}

func mergeKeyspaceFlags(current string) string {
	merged := current
	for _, f := range requiredKeyspaceFlags {
		if !strings.ContainsRune(merged, f) {
			merged += string(f)
		}
	}
	return merged
}

// KeyeventChannel returns the pub/sub channel on which the broker reports
// the given event class (e.g. "expire", "expired") for database db.
func KeyeventChannel(db int, event string) string {
	return fmt.Sprintf("__keyevent@%d__:%s", db, event)
}
