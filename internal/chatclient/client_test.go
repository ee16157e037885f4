package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func newRelayServer(t *testing.T) (*relaychat.Relay, *httptest.Server) {
	t.Helper()
	relay := relaychat.NewRelay()
	server := httptest.NewServer(httpapi.NewServer(relay))
	t.Cleanup(func() {
		server.Close()
		relay.Close()
	})
	return relay, server
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/api/chat/team_retry/unread" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":1,"user":"alice","message":"hi","timestamp":"2025-01-01T00:00:00Z","channel":null}]}`))
	}))
	defer server.Close()

	client := New(server.URL, server.Client())
	messages, err := client.Unread(context.Background(), "team_retry", "bob", UnreadOptions{})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(messages) != 1 || messages[0].Sender != "alice" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientSendDoesNotRetryAfterDroppedResponse(t *testing.T) {
	relay := relaychat.NewRelay()
	defer relay.Close()
	api := httpapi.NewServer(relay)

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// The message is appended, then the connection dies before the reply.
			api.ServeHTTP(httptest.NewRecorder(), r)
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			_ = conn.Close()
			return
		}
		api.ServeHTTP(w, r)
	}))
	defer server.Close()

	client := New(server.URL, server.Client())
	if _, err := client.Send(context.Background(), "team_drop", OutgoingMessage{User: "alice", Message: "once"}); err == nil {
		t.Fatalf("expected send to report the dropped connection")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single send attempt, got %d", got)
	}
	if got := len(relay.Snapshot("team_drop")); got != 1 {
		t.Fatalf("expected exactly one stored message, got %d", got)
	}
}

func TestClientSendDoesNotRetryServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal_error","message":"boom"}`))
	}))
	defer server.Close()

	client := New(server.URL, server.Client())
	_, err := client.Send(context.Background(), "team_a", OutgoingMessage{User: "alice", Message: "hi"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no retry for send, got %d calls", got)
	}
}

func TestClientSendRetriesRateLimit(t *testing.T) {
	relay := relaychat.NewRelay()
	defer relay.Close()
	api := httpapi.NewServer(relay)

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		api.ServeHTTP(w, r)
	}))
	defer server.Close()

	client := New(server.URL, server.Client())
	result, err := client.Send(context.Background(), "team_rl", OutgoingMessage{User: "alice", Message: "hi"})
	if err != nil {
		t.Fatalf("expected send to recover from 429, got %v", err)
	}
	if result.Message.ID != 1 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("unexpected result %+v after %d calls", result, atomic.LoadInt32(&calls))
	}
	if got := len(relay.Snapshot("team_rl")); got != 1 {
		t.Fatalf("expected one stored message, got %d", got)
	}
}

func TestClientForwardsUnreadOptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("user") != "bob" || q.Get("limit") != "5" || q.Get("mention_only") != "true" || q.Get("content_regex") != "^deploy" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if channels := q["channel"]; len(channels) != 2 || channels[0] != "ops" || channels[1] != "general" {
			t.Errorf("unexpected channels: %v", channels)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	client := New(server.URL, server.Client())
	_, err := client.Unread(context.Background(), "team_a", "bob", UnreadOptions{
		Limit:        5,
		MentionOnly:  true,
		ContentRegex: "^deploy",
		Channels:     []string{"ops", "general"},
	})
	if err != nil {
		t.Fatalf("unread failed: %v", err)
	}
}

func TestClientReturnsHTTPError(t *testing.T) {
	_, server := newRelayServer(t)
	client := New(server.URL, server.Client())

	_, err := client.Unread(context.Background(), "team_a", "bob", UnreadOptions{ContentRegex: "("})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest || httpErr.Code != "bad_request" {
		t.Fatalf("unexpected error: %+v", httpErr)
	}
}

func TestClientSendUnreadQueryAndTeams(t *testing.T) {
	_, server := newRelayServer(t)
	client := New(server.URL, server.Client())
	ctx := context.Background()

	general := "general"
	if _, err := client.Send(ctx, "team_a", OutgoingMessage{User: "alice", Message: "untagged"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	result, err := client.Send(ctx, "team_a", OutgoingMessage{User: "alice", Message: "tagged @bob", Channel: &general})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Message.ID != 2 {
		t.Fatalf("expected id 2, got %d", result.Message.ID)
	}

	queried, err := client.Query(ctx, "team_a", relaychat.QueryRequest{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(queried) != 1 || queried[0].ID != 2 {
		t.Fatalf("expected only the tagged message, got %+v", queried)
	}

	unread, err := client.Unread(ctx, "team_a", "bob", UnreadOptions{})
	if err != nil {
		t.Fatalf("unread failed: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("expected both messages unread, got %+v", unread)
	}

	teams, err := client.Teams(ctx)
	if err != nil {
		t.Fatalf("teams failed: %v", err)
	}
	if len(teams) != 1 || teams[0].TeamID != "team_a" || teams[0].MessageCount != 2 {
		t.Fatalf("unexpected teams: %+v", teams)
	}
}

func TestClientWaitTimesOut(t *testing.T) {
	_, server := newRelayServer(t)
	client := New(server.URL, server.Client())

	messages, err := client.Wait(context.Background(), "team_a", "bob", 50*time.Millisecond, UnreadOptions{})
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty result, got %+v", messages)
	}
}

func TestClientListenReceivesSentFrames(t *testing.T) {
	relay, server := newRelayServer(t)
	client := New(server.URL, server.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan json.RawMessage, 1)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- client.Listen(ctx, "team_a", func(frame json.RawMessage) error {
			received <- frame
			return errors.New("done")
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		stats := relay.Stats()
		if len(stats) == 1 && stats[0].Connections == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener never joined: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	msg := OutgoingMessage{User: "alice", Message: "hello", Extra: map[string]any{"kind": "note"}}
	if err := client.SendFrame(ctx, "team_a", msg); err != nil {
		t.Fatalf("send frame failed: %v", err)
	}

	select {
	case frame := <-received:
		var decoded map[string]any
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if decoded["user"] != "alice" || decoded["message"] != "hello" || decoded["kind"] != "note" {
			t.Fatalf("unexpected frame: %s", frame)
		}
	case <-ctx.Done():
		t.Fatalf("listener did not receive frame")
	}
	if err := <-listenErr; err == nil || err.Error() != "done" {
		t.Fatalf("expected handler error to end listen, got %v", err)
	}
}

func TestRelayURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8787": "ws://localhost:8787/ws/team%20a",
		"https://chat.example/": "wss://chat.example/ws/team%20a",
	}
	for base, want := range cases {
		if got := New(base, nil).relayURL("team a"); got != want {
			t.Fatalf("relayURL(%q) = %q, want %q", base, got, want)
		}
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := New("", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected Retry-After to be capped at 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff of 400ms, got %s", got)
	}
}
