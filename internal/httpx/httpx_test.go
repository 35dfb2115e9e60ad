package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
)

func TestPostJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Error("default header not applied")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("missing content type")
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Options{DefaultHeaders: map[string]string{"X-Test": "yes"}})
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.PostJSON(context.Background(), srv.URL, map[string]any{"a": 1}, &out); err != nil {
		t.Fatal(err)
	}
	if !out.OK {
		t.Fatal("response not decoded")
	}
}

func TestNon2xxMapsToConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{})
	err := c.GetJSON(context.Background(), srv.URL, nil)
	if !clawerr.Is(err, clawerr.KindConnectionFailed) {
		t.Fatalf("expected connection_failed, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("status missing from error: %v", err)
	}
}

func TestTimeoutSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Options{Timeout: 20 * time.Millisecond})
	if err := c.GetJSON(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestDownloadCapEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	c := New(Options{})
	if _, err := c.Download(context.Background(), srv.URL, 1024); !clawerr.Is(err, clawerr.KindIO) {
		t.Fatalf("expected io_error on oversized download, got %v", err)
	}
	data, err := c.Download(context.Background(), srv.URL, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2048 {
		t.Fatalf("len = %d", len(data))
	}
}
