package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func postFrame(t *testing.T, relay *Relay, teamID, raw string) Message {
	t.Helper()
	frame, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	msg, err := relay.Post(teamID, frame)
	if err != nil {
		t.Fatalf("post frame: %v", err)
	}
	return msg
}

func TestRelayUnreadOnEmptyTeam(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	messages, err := relay.PollUnread("team_x", UnreadRequest{Participant: "bob"})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(messages))
	}
	if cursor := relay.Cursor("team_x", "bob"); cursor != 0 {
		t.Fatalf("expected cursor to stay 0, got %d", cursor)
	}
}

func TestRelayUntaggedMessageIsUnreadButNotInDefaultQuery(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	postFrame(t, relay, "team_a", `{"user":"alice","message":"hi @bob"}`)

	queried, err := relay.Query("team_a", QueryRequest{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(queried) != 0 {
		t.Fatalf("expected default query to skip untagged message, got %d", len(queried))
	}

	unread, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob"})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != 1 || unread[0].Sender != "alice" {
		t.Fatalf("expected message 1 from alice, got %+v", unread)
	}

	again, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob"})
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected repeat poll to be empty, got %+v", again)
	}
}

func TestRelayUnreadChannelFilterTreatsUntaggedAsGeneral(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	postFrame(t, relay, "team_a", `{"user":"alice","message":"untagged"}`)
	postFrame(t, relay, "team_a", `{"user":"alice","message":"ops","channel":"ops"}`)

	unread, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob", Channels: []string{"general"}})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if ids := messageIDs(unread); !equalIDs(ids, 1) {
		t.Fatalf("expected [1], got %v", ids)
	}
}

func TestRelayUnreadLimitAdvancesCursorToLastReturned(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	for i := 0; i < 5; i++ {
		postFrame(t, relay, "team_a", `{"user":"alice","message":"m"}`)
	}
	first, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob", Limit: 2})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if ids := messageIDs(first); !equalIDs(ids, 1, 2) {
		t.Fatalf("expected [1 2], got %v", ids)
	}
	rest, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob"})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if ids := messageIDs(rest); !equalIDs(ids, 3, 4, 5) {
		t.Fatalf("expected [3 4 5], got %v", ids)
	}
}

func TestRelayQueryWithParticipantAdvancesCursor(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	for i := 0; i < 4; i++ {
		postFrame(t, relay, "team_a", `{"user":"alice","message":"m","channel":"general"}`)
	}
	since := int64(1)
	result, err := relay.Query("team_a", QueryRequest{SinceID: &since, Sort: SortDesc, Limit: 2, User: "bob"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if ids := messageIDs(result); !equalIDs(ids, 4, 3) {
		t.Fatalf("expected [4 3], got %v", ids)
	}
	if cursor := relay.Cursor("team_a", "bob"); cursor != 4 {
		t.Fatalf("expected cursor 4, got %d", cursor)
	}
	unread, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob"})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected nothing unread after query, got %v", messageIDs(unread))
	}
}

func TestRelayQueryWithoutParticipantLeavesCursorsAlone(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	postFrame(t, relay, "team_a", `{"user":"alice","message":"m","channel":"general"}`)
	if _, err := relay.Query("team_a", QueryRequest{}); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	unread, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob"})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected message to remain unread, got %d", len(unread))
	}
}

func TestRelayInvalidPatternDoesNotAdvanceCursor(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	postFrame(t, relay, "team_a", `{"user":"alice","message":"m"}`)
	if _, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob", ContentRegex: "["}); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	if cursor := relay.Cursor("team_a", "bob"); cursor != 0 {
		t.Fatalf("expected cursor 0, got %d", cursor)
	}
}

func TestRelayRejectsEmptyTeam(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	if _, err := relay.Post(" ", Frame{User: "a", Message: "b"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := relay.PollUnread("", UnreadRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRelayConcurrentPollsNeverDuplicate(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	for i := 0; i < 100; i++ {
		postFrame(t, relay, "team_a", `{"user":"alice","message":"m"}`)
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob", Limit: 7})
				if err != nil {
					t.Errorf("poll failed: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, msg := range batch {
					seen[msg.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 100 {
		t.Fatalf("expected 100 distinct messages, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("message %d delivered %d times", id, count)
		}
	}
}

func TestRelayReleasesPollLocksAfterPolls(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()
	postFrame(t, relay, "team_a", `{"user":"alice","message":"m"}`)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			participant := fmt.Sprintf("reader-%d", i%10)
			if _, err := relay.PollUnread("team_a", UnreadRequest{Participant: participant}); err != nil {
				t.Errorf("poll failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	relay.pollMu.Lock()
	left := len(relay.pollLocks)
	relay.pollMu.Unlock()
	if left != 0 {
		t.Fatalf("expected poll locks to be released, %d left", left)
	}
	if got := relay.Cursor("team_a", "reader-3"); got != 1 {
		t.Fatalf("expected cursor 1 for reader-3, got %d", got)
	}
}

func TestRelayPostBroadcastsRawFrame(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	listener := newFakeConn()
	if _, err := relay.Join("team_a", listener); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	raw := `{"user":"alice","message":"hi","extra":true}`
	postFrame(t, relay, "team_a", raw)

	frames := listener.waitFrames(t, 1)
	if string(frames[0]) != raw {
		t.Fatalf("expected raw frame %s, got %s", raw, frames[0])
	}
}

func TestRelayBroadcastOrderMatchesIDOrder(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	listener := newFakeConn()
	if _, err := relay.Join("team_a", listener); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				frame := Frame{User: "agent", Message: fmt.Sprintf("%d-%d", i, j)}
				if _, err := relay.Post("team_a", frame); err != nil {
					t.Errorf("post failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	frames := listener.waitFrames(t, 40)
	snapshot := relay.Snapshot("team_a")
	if len(frames) != len(snapshot) {
		t.Fatalf("expected %d frames, got %d", len(snapshot), len(frames))
	}
	for i := range frames {
		var decoded struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(frames[i], &decoded); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if decoded.Message != snapshot[i].Body {
			t.Fatalf("frame %d carries %q, log has %q", i, decoded.Message, snapshot[i].Body)
		}
	}
}

func TestRelayWaitUnreadWakesOnAppend(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []Message, 1)
	go func() {
		messages, err := relay.WaitUnread(ctx, "team_a", UnreadRequest{Participant: "bob"})
		if err != nil {
			t.Errorf("wait failed: %v", err)
		}
		done <- messages
	}()

	time.Sleep(20 * time.Millisecond)
	postFrame(t, relay, "team_a", `{"user":"alice","message":"wake up"}`)

	select {
	case messages := <-done:
		if len(messages) != 1 || messages[0].Body != "wake up" {
			t.Fatalf("expected the new message, got %+v", messages)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("wait did not return after append")
	}
}

func TestRelayWaitUnreadTimesOutEmpty(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	messages, err := relay.WaitUnread(ctx, "team_a", UnreadRequest{Participant: "bob"})
	if err != nil {
		t.Fatalf("expected nil error on deadline, got %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty result, got %+v", messages)
	}
}

func TestRelayStats(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	postFrame(t, relay, "team_a", `{"user":"alice","message":"m"}`)
	postFrame(t, relay, "team_a", `{"user":"alice","message":"m"}`)
	if _, err := relay.Join("team_b", newFakeConn()); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := relay.PollUnread("team_a", UnreadRequest{Participant: "bob"}); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	stats := relay.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 teams, got %+v", stats)
	}
	if stats[0].TeamID != "team_a" || stats[0].MessageCount != 2 || stats[0].LastMessageID != 2 || stats[0].Readers != 1 {
		t.Fatalf("unexpected team_a stats: %+v", stats[0])
	}
	if stats[1].TeamID != "team_b" || stats[1].Connections != 1 {
		t.Fatalf("unexpected team_b stats: %+v", stats[1])
	}
}
