package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
)

const defaultProviderTimeout = 120 * time.Second

// postJSON sends body to url and decodes the response into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body map[string]any, out any) error {
	resp, err := postRaw(ctx, client, url, headers, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "decode provider response", err)
	}
	return nil
}

// postRaw sends body and returns the open response for streaming.
// Non-2xx statuses are mapped to provider_error with the vendor's
// message when parseable; transport failures map to connection_failed
// or timeout.
func postRaw(ctx context.Context, client *http.Client, url string, headers map[string]string, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "marshal provider request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindInternal, "build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, clawerr.Wrap(clawerr.KindTimeout, "provider request timed out", err)
		}
		return nil, clawerr.Wrap(clawerr.KindConnectionFailed, "provider request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		return nil, clawerr.Newf(clawerr.KindProvider, "HTTP %d: %s", resp.StatusCode, vendorMessage(raw))
	}
	return resp, nil
}

// vendorMessage digs the error message out of a vendor error body,
// falling back to the raw body.
func vendorMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil {
		if flat.Error != "" {
			return flat.Error
		}
		if flat.Message != "" {
			return flat.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// scanSSE reads a Server-Sent Events body, invoking handle for each
// `data:` payload until the stream ends or `[DONE]` arrives.
func scanSSE(body io.Reader, handle func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		rest, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "[DONE]" {
			return nil
		}
		if rest == "" {
			continue
		}
		if err := handle([]byte(rest)); err != nil {
			return err
		}
	}
	return clawerr.Wrap(clawerr.KindConnectionFailed, "read provider stream", scanner.Err())
}

// scanNDJSON reads newline-delimited JSON objects. handle returns
// io.EOF to stop early (the vendor's done marker).
func scanNDJSON(body io.Reader, handle func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handle([]byte(line)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return clawerr.Wrap(clawerr.KindConnectionFailed, "read provider stream", scanner.Err())
}

func providerEmptyResponse() error {
	return clawerr.New(clawerr.KindProvider, "provider response carried no choices")
}

func fmtBase(base, def string) string {
	if base == "" {
		base = def
	}
	return strings.TrimSuffix(base, "/")
}
