package speechos

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func waitForCalls(t *testing.T, calls *atomic.Int64, want int64, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if calls.Load() >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("credential calls %d, want at least %d", calls.Load(), want)
}

func TestAutoRefreshKeepsCredentialFresh(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url":   "wss://gateway.example.com/session",
			"token": "session-token",
		})
	}))
	defer server.Close()

	// TTL short enough that the pre-expiry timer fires at its floor.
	client := NewClient(WithBaseURL(server.URL), WithAPIKey("test-key"), WithTokenTTL(2*time.Second))
	client.StartAutoRefresh()
	defer client.StopAutoRefresh()

	waitForCalls(t, &calls, 2, 5*time.Second)
	if client.Tokens().Cached() == nil {
		t.Fatal("refresher left no cached credential")
	}

	client.StopAutoRefresh()
	// Let any refresh already past the enabled check finish.
	time.Sleep(200 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(1500 * time.Millisecond)
	if calls.Load() != settled {
		t.Fatalf("refresher kept fetching after stop: %d -> %d", settled, calls.Load())
	}
}

func TestAutoRefreshRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error":{"code":"unavailable","message":"try later"}}`, http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url":   "wss://gateway.example.com/session",
			"token": "session-token",
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithAPIKey("test-key"))
	refresher := newAutoRefresher(client.Tokens(), slog.Default())
	refresher.retryDelay = 50 * time.Millisecond
	refresher.Start()
	defer refresher.Stop()

	waitForCalls(t, &calls, 3, 5*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for client.Tokens().Cached() == nil {
		if time.Now().After(deadline) {
			t.Fatal("refresher never recovered from transient failures")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAutoRefreshStartIsIdempotent(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url":   "wss://gateway.example.com/session",
			"token": "session-token",
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithAPIKey("test-key"))
	client.StartAutoRefresh()
	client.StartAutoRefresh()
	defer client.StopAutoRefresh()

	waitForCalls(t, &calls, 1, 3*time.Second)
	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("duplicate start triggered %d fetches, want 1", calls.Load())
	}

	client.StopAutoRefresh()
	client.StopAutoRefresh()
}