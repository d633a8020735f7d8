package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchKey(t *testing.T) {
	var gotBody keyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/insights/key" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"insights_key":"ik-123","rtp_enabled":true}}`)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "", discardLogger())
	key, err := svc.FetchKey(context.Background(), "1001", "secret", false)
	if err != nil {
		t.Fatalf("FetchKey: %v", err)
	}
	if key.InsightsKey != "ik-123" || !key.RTPEnabled {
		t.Errorf("key = %+v", key)
	}
	if gotBody.Username != "1001" || gotBody.Password != "secret" || gotBody.AccessToken != "" {
		t.Errorf("request = %+v, want username/password variant", gotBody)
	}
}

func TestFetchKeyTokenVariant(t *testing.T) {
	var gotBody keyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"data":{"insights_key":"ik-456"}}`)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "", discardLogger())
	if _, err := svc.FetchKey(context.Background(), "", "jwt-token", true); err != nil {
		t.Fatalf("FetchKey: %v", err)
	}
	if gotBody.AccessToken != "jwt-token" || gotBody.Username != "" {
		t.Errorf("request = %+v, want access-token variant", gotBody)
	}
}

func TestFetchKeyBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":"unknown identity"}`)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "", discardLogger())
	_, err := svc.FetchKey(context.Background(), "1001", "secret", false)
	if err == nil {
		t.Fatal("expected error from backend rejection")
	}
	if !strings.Contains(err.Error(), "unknown identity") {
		t.Errorf("error = %v, want the backend's error message", err)
	}
}

func TestFetchKeyUnconfigured(t *testing.T) {
	svc := NewService("", "", discardLogger())
	if _, err := svc.FetchKey(context.Background(), "1001", "secret", false); err == nil {
		t.Fatal("expected error when backend not configured")
	}
}

func TestReportNetworkChange(t *testing.T) {
	var mu sync.Mutex
	var reports []networkChangeReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/insights/network-change" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var rep networkChangeReport
		json.NewDecoder(r.Body).Decode(&rep)
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
		io.WriteString(w, `{"data":{}}`)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "", discardLogger())
	svc.ReportNetworkChange(context.Background(), "wifi", "203.0.113.20")

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].NetworkType != "wifi" || reports[0].Address != "203.0.113.20" {
		t.Errorf("report = %+v", reports[0])
	}
	if reports[0].ReportedAt == 0 {
		t.Error("report timestamp not set")
	}
}

func TestReportNetworkChangeRateLimited(t *testing.T) {
	var mu sync.Mutex
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		io.WriteString(w, `{"data":{}}`)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "", discardLogger())
	// The limiter allows a burst of 3; the rest are dropped silently.
	for i := 0; i < 10; i++ {
		svc.ReportNetworkChange(context.Background(), "wifi", "203.0.113.20")
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 3 {
		t.Errorf("backend received %d reports, want 3", received)
	}
}

func TestResolvePublicAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "203.0.113.20\n")
	}))
	defer srv.Close()

	svc := NewService("", srv.URL, discardLogger())
	addr, err := svc.ResolvePublicAddress(context.Background())
	if err != nil {
		t.Fatalf("ResolvePublicAddress: %v", err)
	}
	if addr != "203.0.113.20" {
		t.Errorf("addr = %q, want 203.0.113.20", addr)
	}
}

func TestResolvePublicAddressRejectsNonIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>blocked</html>")
	}))
	defer srv.Close()

	svc := NewService("", srv.URL, discardLogger())
	if _, err := svc.ResolvePublicAddress(context.Background()); err == nil {
		t.Fatal("expected error for a non-IP response")
	}
}

func TestResolvePublicAddressUnconfigured(t *testing.T) {
	svc := NewService("", "", discardLogger())
	if _, err := svc.ResolvePublicAddress(context.Background()); err == nil {
		t.Fatal("expected error when resolver not configured")
	}
}

func TestStatsChannelFlushesEvents(t *testing.T) {
	var mu sync.Mutex
	var events []statsEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/insights/call-stats" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var ev statsEvent
		json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		io.WriteString(w, `{"data":{}}`)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "", discardLogger())
	ch := svc.OpenChannel("call-1")
	ch.Submit("media_setup_start", map[string]any{"ts_ms": 12345})
	ch.Submit("media_connected", nil)
	ch.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events received = %d, want 2", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0].CallID != "call-1" || events[0].Event != "media_setup_start" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[0].AtMS == 0 {
		t.Error("event timestamp not set")
	}
}

func TestStatsChannelUnconfiguredBackend(t *testing.T) {
	svc := NewService("", "", discardLogger())
	ch := svc.OpenChannel("call-1")
	// Must accept and drop events without panicking or blocking.
	for i := 0; i < 100; i++ {
		ch.Submit("noise", nil)
	}
	ch.Close()
	ch.Close() // idempotent
}
