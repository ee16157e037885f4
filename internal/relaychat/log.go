package relaychat

import (
	"sort"
	"sync"
	"time"
)

// MessageLog is the append-only, per-team ordered record of messages.
// Unknown teams behave as empty logs.
type MessageLog struct {
	mu    sync.RWMutex
	teams map[string]*teamLog
	now   func() time.Time
}

type teamLog struct {
	mu       sync.RWMutex
	messages []Message
	changed  chan struct{}
}

// LogStats summarizes one team's log.
type LogStats struct {
	TeamID        string
	MessageCount  int
	LastMessageID int64
}

func NewMessageLog(now func() time.Time) *MessageLog {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MessageLog{
		teams: map[string]*teamLog{},
		now:   now,
	}
}

// Append stores a new message at the end of the team's sequence. The
// returned message carries the assigned id and timestamp.
func (l *MessageLog) Append(teamID, sender, body string, channel *string) Message {
	return l.AppendThen(teamID, sender, body, channel, nil)
}

// AppendThen appends like Append and then runs publish while the team's
// append lock is still held, so publish observes messages in id order.
// publish must not block.
func (l *MessageLog) AppendThen(teamID, sender, body string, channel *string, publish func(Message)) Message {
	tl := l.ensureTeam(teamID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var nextID int64 = 1
	if n := len(tl.messages); n > 0 {
		nextID = tl.messages[n-1].ID + 1
	}
	var storedChannel *string
	if channel != nil {
		storedChannel = stringPtr(*channel)
	}
	msg := Message{
		ID:        nextID,
		Sender:    sender,
		Body:      body,
		Timestamp: l.now(),
		Channel:   storedChannel,
	}
	tl.messages = append(tl.messages, msg)
	close(tl.changed)
	tl.changed = make(chan struct{})
	if publish != nil {
		publish(msg)
	}
	return msg
}

// Snapshot returns a point-in-time copy of the team's log in id order.
func (l *MessageLog) Snapshot(teamID string) []Message {
	tl := l.lookupTeam(teamID)
	if tl == nil {
		return []Message{}
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return copyMessages(tl.messages)
}

// Changed returns a channel that is closed on the next append to the team.
func (l *MessageLog) Changed(teamID string) <-chan struct{} {
	tl := l.ensureTeam(teamID)
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return tl.changed
}

func (l *MessageLog) Stats() []LogStats {
	l.mu.RLock()
	teamIDs := make([]string, 0, len(l.teams))
	logs := make(map[string]*teamLog, len(l.teams))
	for teamID, tl := range l.teams {
		teamIDs = append(teamIDs, teamID)
		logs[teamID] = tl
	}
	l.mu.RUnlock()
	sort.Strings(teamIDs)

	stats := make([]LogStats, 0, len(teamIDs))
	for _, teamID := range teamIDs {
		tl := logs[teamID]
		tl.mu.RLock()
		entry := LogStats{TeamID: teamID, MessageCount: len(tl.messages)}
		if n := len(tl.messages); n > 0 {
			entry.LastMessageID = tl.messages[n-1].ID
		}
		tl.mu.RUnlock()
		stats = append(stats, entry)
	}
	return stats
}

func (l *MessageLog) lookupTeam(teamID string) *teamLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.teams[teamID]
}

func (l *MessageLog) ensureTeam(teamID string) *teamLog {
	if tl := l.lookupTeam(teamID); tl != nil {
		return tl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok := l.teams[teamID]; ok {
		return tl
	}
	tl := &teamLog{changed: make(chan struct{})}
	l.teams[teamID] = tl
	return tl
}
