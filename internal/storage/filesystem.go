// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Filesystem stores artifacts under root/{session}/{name}. Writes land in a
// temp file and are renamed into place, so readers never observe a partial
// artifact.
type Filesystem struct {
	root string
}

// NewFilesystem creates the backend, making the root directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage root %s: %w", root, err)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(session, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	if cleaned == "/" {
		return "", fmt.Errorf("storage: empty artifact name")
	}
	if strings.Contains(session, "/") || strings.Contains(session, "..") || session == "" {
		return "", fmt.Errorf("storage: invalid session id %q", session)
	}
	return filepath.Join(f.root, session, cleaned), nil
}

// Put writes one artifact atomically.
func (f *Filesystem) Put(_ context.Context, session, name string, data io.Reader) (int64, error) {
	path, err := f.path(session, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("storage mkdir: %w", err)
	}

	pending, err := renameio.TempFile("", path)
	if err != nil {
		return 0, fmt.Errorf("storage temp file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, data)
	if err != nil {
		return 0, fmt.Errorf("storage write %s/%s: %w", session, name, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("storage finalize %s/%s: %w", session, name, err)
	}
	return n, nil
}

// Get opens one artifact.
func (f *Filesystem) Get(_ context.Context, session, name string) (io.ReadCloser, int64, error) {
	path, err := f.path(session, name)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path) // #nosec G304 -- path is sanitized above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Presign is unsupported on local disk; callers stream through the service.
func (f *Filesystem) Presign(context.Context, string, string) (string, error) {
	return "", ErrPresignUnsupported
}
