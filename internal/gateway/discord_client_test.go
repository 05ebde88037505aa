package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPDiscordClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPDiscordClient(DiscordClientOptions{
		BaseURL:   server.URL,
		BotToken:  "test-token",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestCreateMessageDecodesResponse(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels/C1/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot test-token" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["content"] != "hello" {
			t.Errorf("unexpected content: %q", payload["content"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":         "M1",
			"channel_id": "C1",
			"timestamp":  "2026-01-02T03:04:05Z",
		})
	}))

	result, err := client.CreateMessage(context.Background(), "C1", "hello")
	if err != nil {
		t.Fatalf("create message failed: %v", err)
	}
	if result.MessageID != "M1" || result.ChannelID != "C1" || result.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "M1", "channel_id": "C1"})
	}))

	if _, err := client.CreateMessage(context.Background(), "C1", "hello"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestHonorsRetryAfterOnRateLimit(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.CreateReaction(context.Background(), "C1", "M1", "✅"); err != nil {
		t.Fatalf("expected retry after rate limit: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 50001, "message": "Missing Access"})
	}))

	err := client.EditMessage(context.Background(), "C1", "M1", "hello")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "50001" || httpErr.Message != "Missing Access" {
		t.Fatalf("unexpected error detail: %+v", httpErr)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestMessageReactionsMapsCounts(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "M1",
			"channel_id": "C1",
			"reactions": []map[string]any{
				{"count": 5, "emoji": map[string]string{"name": "✅"}},
				{"count": 2, "emoji": map[string]string{"name": "🔥"}},
			},
		})
	}))

	counts, err := client.MessageReactions(context.Background(), "C1", "M1")
	if err != nil {
		t.Fatalf("message reactions failed: %v", err)
	}
	if counts["✅"] != 5 || counts["🔥"] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestMissingTokenFailsFast(t *testing.T) {
	client := NewHTTPDiscordClient(DiscordClientOptions{BaseURL: "http://127.0.0.1:0"})
	if err := client.CreateReaction(context.Background(), "C1", "M1", "✅"); err == nil {
		t.Fatalf("expected error without bot token")
	}
}
