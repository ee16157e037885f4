package relaychat

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMessageLogAssignsSequentialIDsPerTeam(t *testing.T) {
	log := NewMessageLog(nil)
	first := log.Append("team_a", "alice", "one", nil)
	second := log.Append("team_a", "bob", "two", stringPtr("random"))
	other := log.Append("team_b", "carol", "three", nil)

	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if other.ID != 1 {
		t.Fatalf("expected team_b to start at id 1, got %d", other.ID)
	}
	if first.Channel != nil {
		t.Fatalf("expected nil channel, got %q", *first.Channel)
	}
	if second.Channel == nil || *second.Channel != "random" {
		t.Fatalf("expected channel random, got %v", second.Channel)
	}
	if first.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be stamped")
	}
}

func TestMessageLogConcurrentAppendsAreGapFree(t *testing.T) {
	log := NewMessageLog(nil)
	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				log.Append("team_c", fmt.Sprintf("agent_%d", w), fmt.Sprintf("msg %d", i), nil)
			}
		}(w)
	}
	wg.Wait()

	snapshot := log.Snapshot("team_c")
	if len(snapshot) != writers*perWriter {
		t.Fatalf("expected %d messages, got %d", writers*perWriter, len(snapshot))
	}
	for i, msg := range snapshot {
		if msg.ID != int64(i+1) {
			t.Fatalf("expected id %d at position %d, got %d", i+1, i, msg.ID)
		}
	}
}

func TestMessageLogSnapshotIsACopy(t *testing.T) {
	log := NewMessageLog(nil)
	log.Append("team_d", "alice", "original", nil)

	snapshot := log.Snapshot("team_d")
	snapshot[0].Body = "mutated"
	log.Append("team_d", "alice", "second", nil)

	again := log.Snapshot("team_d")
	if again[0].Body != "original" {
		t.Fatalf("expected stored body to be unchanged, got %q", again[0].Body)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected earlier snapshot to stay at 1 message, got %d", len(snapshot))
	}
}

func TestMessageLogUnknownTeamIsEmpty(t *testing.T) {
	log := NewMessageLog(nil)
	snapshot := log.Snapshot("never_seen")
	if snapshot == nil || len(snapshot) != 0 {
		t.Fatalf("expected empty non-nil snapshot, got %#v", snapshot)
	}
}

func TestMessageLogChangedClosesOnAppend(t *testing.T) {
	log := NewMessageLog(nil)
	changed := log.Changed("team_e")
	select {
	case <-changed:
		t.Fatalf("expected changed channel to be open before append")
	default:
	}
	log.Append("team_e", "alice", "hi", nil)
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("expected changed channel to close after append")
	}
}

func TestMessageLogUsesInjectedClock(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	log := NewMessageLog(func() time.Time { return fixed })
	msg := log.Append("team_f", "alice", "hi", nil)
	if !msg.Timestamp.Equal(fixed) {
		t.Fatalf("expected timestamp %s, got %s", fixed, msg.Timestamp)
	}
}

func TestMessageLogStats(t *testing.T) {
	log := NewMessageLog(nil)
	log.Append("team_b", "x", "1", nil)
	log.Append("team_a", "x", "1", nil)
	log.Append("team_a", "x", "2", nil)

	stats := log.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 teams, got %d", len(stats))
	}
	if stats[0].TeamID != "team_a" || stats[0].MessageCount != 2 || stats[0].LastMessageID != 2 {
		t.Fatalf("unexpected team_a stats: %+v", stats[0])
	}
	if stats[1].TeamID != "team_b" || stats[1].MessageCount != 1 {
		t.Fatalf("unexpected team_b stats: %+v", stats[1])
	}
}

func TestCursorTrackerIsMonotonic(t *testing.T) {
	cursors := NewCursorTracker()
	if got := cursors.Cursor("team_a", "bob"); got != 0 {
		t.Fatalf("expected default cursor 0, got %d", got)
	}
	if !cursors.Advance("team_a", "bob", 5) {
		t.Fatalf("expected advance to 5 to move the cursor")
	}
	if cursors.Advance("team_a", "bob", 3) {
		t.Fatalf("expected advance to 3 to be a no-op")
	}
	if got := cursors.Cursor("team_a", "bob"); got != 5 {
		t.Fatalf("expected cursor 5, got %d", got)
	}
	if got := cursors.Cursor("team_b", "bob"); got != 0 {
		t.Fatalf("expected cursors to be scoped per team, got %d", got)
	}
	readers := cursors.Readers()
	if readers["team_a"] != 1 {
		t.Fatalf("expected one reader in team_a, got %d", readers["team_a"])
	}
}
