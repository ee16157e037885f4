package relaychat

import "sync"

type cursorKey struct {
	teamID      string
	participant string
}

// CursorTracker records the highest message id each participant of a team
// has been shown by a poll. Cursors never move backwards.
type CursorTracker struct {
	mu      sync.RWMutex
	cursors map[cursorKey]int64
}

func NewCursorTracker() *CursorTracker {
	return &CursorTracker{cursors: map[cursorKey]int64{}}
}

func (c *CursorTracker) Cursor(teamID, participant string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursors[cursorKey{teamID: teamID, participant: participant}]
}

// Advance moves the cursor to id when id is ahead of the stored value and
// reports whether it moved.
func (c *CursorTracker) Advance(teamID, participant string, id int64) bool {
	key := cursorKey{teamID: teamID, participant: participant}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.cursors[key] {
		return false
	}
	c.cursors[key] = id
	return true
}

// Readers returns the number of participants with a tracked cursor per team.
func (c *CursorTracker) Readers() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]int{}
	for key := range c.cursors {
		out[key.teamID]++
	}
	return out
}
