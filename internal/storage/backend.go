// SPDX-License-Identifier: MIT

// Package storage is the grid's artifact store: recordings, caption tracks
// and logs, written once by nodes and read by whoever replays the session.
// Artifacts are keyed (session, name); backends decide where the bytes
// live.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports a missing artifact.
var ErrNotFound = errors.New("storage: artifact not found")

// ErrPresignUnsupported reports a backend without direct-access URLs;
// callers fall back to streaming through the storage service.
var ErrPresignUnsupported = errors.New("storage: presigned URLs not supported")

// Backend stores session artifacts.
type Backend interface {
	// Put writes one artifact, replacing any previous version atomically.
	Put(ctx context.Context, session, name string, data io.Reader) (int64, error)
	// Get opens one artifact for reading and reports its size.
	Get(ctx context.Context, session, name string) (io.ReadCloser, int64, error)
	// Presign returns a URL granting direct read access, or
	// ErrPresignUnsupported.
	Presign(ctx context.Context, session, name string) (string, error)
}
