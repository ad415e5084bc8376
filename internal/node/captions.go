// SPDX-License-Identifier: MIT

package node

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// cueDuration is how long one caption stays on screen.
const cueDuration = 3 * time.Second

type cue struct {
	at   time.Duration
	text string
}

// Captions collects timestamped annotation cues during a session and
// renders them as a WebVTT track next to the recording. Cues arrive through
// the webgrid:message cookie channel.
type Captions struct {
	mu    sync.Mutex
	start time.Time
	cues  []cue
}

// NewCaptions starts a caption track at the recording epoch.
func NewCaptions(start time.Time) *Captions {
	return &Captions{start: start}
}

// Cue appends one caption at the current offset.
func (c *Captions) Cue(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cues = append(c.cues, cue{at: time.Since(c.start), text: text})
}

// Len reports the cue count.
func (c *Captions) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cues)
}

// WebVTT renders the collected track.
func (c *Captions) WebVTT() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString("WEBVTT\n")
	for _, cu := range c.cues {
		buf.WriteString("\n")
		fmt.Fprintf(&buf, "%s --> %s\n", vttTimestamp(cu.at), vttTimestamp(cu.at+cueDuration))
		buf.WriteString(cu.text)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

func vttTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
