// Package httpx wraps net/http with the defaults every outbound call in
// the gateway shares: a per-client timeout, default headers, and an
// optional TLS verification toggle for self-hosted endpoints.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// Options configures a Client.
type Options struct {
	Timeout        time.Duration
	DefaultHeaders map[string]string
	InsecureTLS    bool
}

// Client is a thin wrapper over http.Client.
type Client struct {
	http    *http.Client
	headers map[string]string
}

// New creates a Client. A zero timeout defaults to 30 seconds.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport
	if opts.InsecureTLS {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	headers := make(map[string]string, len(opts.DefaultHeaders))
	for k, v := range opts.DefaultHeaders {
		headers[k] = v
	}
	return &Client{
		http:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		headers: headers,
	}
}

// Do executes the request with default headers applied, mapping transport
// failures into the error taxonomy.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, clawerr.Wrap(clawerr.KindTimeout, "http request timed out", err)
		}
		return nil, clawerr.Wrap(clawerr.KindConnectionFailed, "http request failed", err)
	}
	return resp, nil
}

// GetJSON issues a GET and decodes the 2xx response body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return clawerr.Wrap(clawerr.KindInternal, "create request", err)
	}
	return c.doJSON(req, out)
}

// PostJSON issues a POST with a JSON body and decodes the 2xx response
// body into out (out may be nil to discard).
func (c *Client) PostJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "encode request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return clawerr.Wrap(clawerr.KindInternal, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return clawerr.Wrap(clawerr.KindConnectionFailed, "read response body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return clawerr.Newf(clawerr.KindConnectionFailed, "HTTP %d: %s", resp.StatusCode, truncate(string(data), 300))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "decode response body", err)
	}
	return nil
}

// Download fetches a URL into memory, refusing bodies larger than maxBytes.
func (c *Client) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindInternal, "create request", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, clawerr.Newf(clawerr.KindConnectionFailed, "HTTP %d fetching %s", resp.StatusCode, url)
	}
	if resp.ContentLength > maxBytes {
		return nil, clawerr.Newf(clawerr.KindIO, "download exceeds %d byte cap", maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindConnectionFailed, "read download body", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, clawerr.Newf(clawerr.KindIO, "download exceeds %d byte cap", maxBytes)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s… (%d bytes)", s[:n], len(s))
}
