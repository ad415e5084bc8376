// SPDX-License-Identifier: MIT

package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
)

// Uploader ships one named blob into the session's storage prefix.
type Uploader interface {
	Put(ctx context.Context, name string, data io.Reader) (int64, error)
}

// Counter is the broker subset the sink accounts recording bytes on.
type Counter interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// Sink watches the recorder directory and ships segments to storage as the
// playlist references them. A segment listed in the playlist is complete;
// watching the playlist instead of segment writes avoids shipping
// half-written files.
type Sink struct {
	sessionID string
	dir       string
	uploader  Uploader
	counter   Counter
	uploaded  map[string]bool
	logger    zerolog.Logger
}

// NewSink creates a sink over the recorder directory.
func NewSink(sessionID, dir string, uploader Uploader, counter Counter) *Sink {
	return &Sink{
		sessionID: sessionID,
		dir:       dir,
		uploader:  uploader,
		counter:   counter,
		uploaded:  map[string]bool{},
		logger:    log.WithComponent("sink").With().Str(log.FieldSessionID, sessionID).Logger(),
	}
}

// Run ships until ctx ends, then performs a final sync so the finalized
// playlist and trailing segments reach storage.
func (s *Sink) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sink watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".m3u8" || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("segment sync failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("sink watch error")
		}
	}
}

// Sync ships every playlist-referenced segment not yet uploaded, then the
// playlist itself. Call once more after the recorder stops to flush the
// finalized stream.
func (s *Sink) Sync(ctx context.Context) error {
	playlist, err := os.ReadFile(filepath.Join(s.dir, playlistName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, segment := range playlistSegments(playlist) {
		if s.uploaded[segment] {
			continue
		}
		if err := s.ship(ctx, segment); err != nil {
			return err
		}
		s.uploaded[segment] = true
	}

	// The playlist is re-shipped on every sync; it grows with the stream.
	if _, err := s.uploader.Put(ctx, playlistName, bytes.NewReader(playlist)); err != nil {
		return fmt.Errorf("ship playlist: %w", err)
	}
	return nil
}

func (s *Sink) ship(ctx context.Context, name string) error {
	f, err := os.Open(filepath.Join(s.dir, name)) // #nosec G304 -- names come from the local playlist
	if err != nil {
		return fmt.Errorf("open segment %s: %w", name, err)
	}
	defer f.Close()

	n, err := s.uploader.Put(ctx, name, f)
	if err != nil {
		return fmt.Errorf("ship segment %s: %w", name, err)
	}
	if _, err := s.counter.IncrBy(ctx, keys.SessionRecordingBytes(s.sessionID), n); err != nil {
		s.logger.Warn().Err(err).Msg("recording byte count failed")
	}
	metrics.RecordingBytes.Add(float64(n))
	s.logger.Debug().Str("segment", name).Int64("bytes", n).Msg("segment shipped")
	return nil
}

// playlistSegments extracts the media file names from an HLS playlist.
func playlistSegments(playlist []byte) []string {
	var out []string
	for _, line := range strings.Split(string(playlist), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, filepath.Base(line))
	}
	return out
}
