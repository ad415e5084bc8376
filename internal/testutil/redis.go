// SPDX-License-Identifier: MIT

// Package testutil holds test harness helpers shared by broker-backed
// package tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/webgrid/webgrid/internal/broker"
)

// Redis starts a miniredis server and returns it together with a broker
// connected to it. Both are torn down with the test.
func Redis(t *testing.T) (*miniredis.Miniredis, *broker.Broker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewWithClient(client)
	t.Cleanup(func() { _ = b.Close() })
	return mr, b
}
