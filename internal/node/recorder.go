// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/procgroup"
)

const (
	playlistName    = "recording.m3u8"
	recorderLogName = "recorder.log"
)

// RecorderOptions tunes the screen capture.
type RecorderOptions struct {
	// Display is the X display to grab, e.g. ":0".
	Display string
	// Resolution is the capture size, e.g. "1920x1080".
	Resolution string
	// Framerate in frames per second.
	Framerate int
	// CRF is the x264 constant rate factor. Higher is smaller and worse.
	CRF int
	// MaxBitrate caps the encoder output in bits per second.
	MaxBitrate int
	// SegmentSeconds is the HLS segment length.
	SegmentSeconds int
	// Dir receives the playlist, segments and the recorder log.
	Dir string
}

// Recorder runs ffmpeg capturing the session display into an HLS stream on
// local disk. The sink ships finished segments to storage as the playlist
// grows.
type Recorder struct {
	cmd    *exec.Cmd
	waitCh chan error
	dir    string
	logger zerolog.Logger
}

// StartRecorder launches ffmpeg. The process joins its own group so a
// teardown kill reaps encoder helpers too.
func StartRecorder(ctx context.Context, opts RecorderOptions) (*Recorder, error) {
	logFile, err := os.Create(filepath.Join(opts.Dir, recorderLogName))
	if err != nil {
		return nil, fmt.Errorf("create recorder log: %w", err)
	}

	args := []string{
		"-y",
		"-f", "x11grab",
		"-framerate", strconv.Itoa(opts.Framerate),
		"-video_size", opts.Resolution,
		"-i", opts.Display,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", strconv.Itoa(opts.CRF),
		"-maxrate", strconv.Itoa(opts.MaxBitrate),
		"-bufsize", strconv.Itoa(2 * opts.MaxBitrate),
		"-pix_fmt", "yuv420p",
		"-f", "hls",
		"-hls_time", strconv.Itoa(opts.SegmentSeconds),
		"-hls_list_size", "0",
		filepath.Join(opts.Dir, playlistName),
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	r := &Recorder{
		cmd:    cmd,
		waitCh: make(chan error, 1),
		dir:    opts.Dir,
		logger: log.WithComponent("recorder"),
	}
	go func() {
		r.waitCh <- cmd.Wait()
		_ = logFile.Close()
	}()
	r.logger.Info().Str("dir", opts.Dir).Int("framerate", opts.Framerate).Msg("recording started")
	return r, nil
}

// Stop terminates ffmpeg gracefully so it finalizes the playlist, falling
// back to a group kill after grace.
func (r *Recorder) Stop(grace time.Duration) {
	if err := procgroup.Terminate(r.cmd, r.waitCh, grace); err != nil {
		// ffmpeg exits non-zero on SIGTERM; only log, the stream on disk
		// is still usable.
		r.logger.Debug().Err(err).Msg("recorder exited")
	}
}

// LogPath is the recorder's log file, uploaded after finalize.
func (r *Recorder) LogPath() string {
	return filepath.Join(r.dir, recorderLogName)
}
