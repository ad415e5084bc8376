// SPDX-License-Identifier: MIT

package webdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	statusPollInterval = 250 * time.Millisecond
	statusPollTimeout  = time.Second
)

// Client talks to a WebDriver implementation (chromedriver, geckodriver, or
// a remote node) over HTTP/1.1.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a driver client for a base URL like http://127.0.0.1:4444.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Status checks GET /status. Any response code other than 200 is an error;
// drivers report not-ready states with 5xx during boot.
func (c *Client) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, statusPollTimeout)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status", nil)
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("driver status %d", res.StatusCode)
	}
	return nil
}

// AwaitReady polls Status every 250ms until it succeeds or ctx expires. The
// last poll error is wrapped into the returned error so boot failures stay
// diagnosable.
func (c *Client) AwaitReady(ctx context.Context) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		if err := c.Status(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("driver not ready: %w (last: %v)", ctx.Err(), lastErr)
			}
			return fmt.Errorf("driver not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// NewSession creates a driver session and returns the driver's internal
// session id plus the actual capabilities it granted.
func (c *Client) NewSession(ctx context.Context, capabilities json.RawMessage) (SessionValue, error) {
	body, err := json.Marshal(NewSessionRequest{Capabilities: capabilities})
	if err != nil {
		return SessionValue{}, fmt.Errorf("encode session request: %w", err)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/session", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	res, err := c.http.Do(req)
	if err != nil {
		return SessionValue{}, fmt.Errorf("create driver session: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return SessionValue{}, fmt.Errorf("read driver response: %w", err)
	}
	return ParseSessionResponse(raw)
}

// ResizeWindow sets the window rect of a driver session.
func (c *Client) ResizeWindow(ctx context.Context, sessionID string, width, height int) error {
	payload := map[string]int{"x": 0, "y": 0, "width": width, "height": height}
	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/session/%s/window/rect", c.base, sessionID)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("resize window: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("resize window: driver status %d", res.StatusCode)
	}
	return nil
}

// DeleteSession ends a driver session. A 404 is treated as already gone.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%s/session/%s", c.base, sessionID)
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete driver session: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete driver session: driver status %d", res.StatusCode)
	}
	return nil
}
