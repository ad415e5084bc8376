// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client uploads artifacts for one session through the storage service. It
// satisfies the node's uploader contract.
type Client struct {
	base    string
	session string
	http    *http.Client
}

// NewClient creates an uploader talking to endpoint (host:port form).
func NewClient(endpoint, sessionID string) *Client {
	return &Client{
		base:    "http://" + endpoint,
		session: sessionID,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put streams one artifact to the storage service and returns the byte
// count shipped.
func (c *Client) Put(ctx context.Context, name string, data io.Reader) (int64, error) {
	counter := &countingReader{r: data}
	target := c.base + "/storage/" + c.session + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, counter)
	if err != nil {
		return 0, fmt.Errorf("storage put %s: %w", name, err)
	}
	req.Header.Set("Content-Type", contentTypeFor(name))

	res, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("storage put %s: %w", name, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, fmt.Errorf("storage put %s: unexpected status %d", name, res.StatusCode)
	}
	return counter.n, nil
}
