package relaychat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaychat/internal/metrics"
)

type RelayOptions struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	Logger        *zerolog.Logger
	Now           func() time.Time
}

// Relay owns the message log, read cursors and connection registry for
// every team. One Relay is built at process start and shared by all
// handlers.
type Relay struct {
	log      *MessageLog
	cursors  *CursorTracker
	registry *Registry
	logger   zerolog.Logger

	pollMu    sync.Mutex
	pollLocks map[cursorKey]*pollLock
}

// UnreadRequest is the input of an unread poll. Participant may be empty,
// in which case no cursor is read or advanced.
type UnreadRequest struct {
	Participant  string
	Limit        int
	MentionOnly  bool
	DMOnly       bool
	ContentRegex string
	// Channels optionally restricts the poll. A message without a channel
	// matches as if it were tagged "general".
	Channels []string
}

type TeamStats struct {
	TeamID        string `json:"teamId"`
	MessageCount  int    `json:"messageCount"`
	LastMessageID int64  `json:"lastMessageId"`
	Connections   int    `json:"connections"`
	Readers       int    `json:"readers"`
}

func NewRelay() *Relay {
	return NewRelayWithOptions(RelayOptions{})
}

func NewRelayWithOptions(opts RelayOptions) *Relay {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Relay{
		log:     NewMessageLog(opts.Now),
		cursors: NewCursorTracker(),
		registry: NewRegistry(RegistryOptions{
			SendQueueSize: opts.SendQueueSize,
			WriteTimeout:  opts.WriteTimeout,
			Logger:        &logger,
		}),
		logger:    logger,
		pollLocks: map[cursorKey]*pollLock{},
	}
}

// Post appends frame to the team's log and fans the raw frame bytes out to
// every live connection of the team. Fan-out happens under the team's
// append lock so every listener sees frames in id order.
func (r *Relay) Post(teamID string, frame Frame) (Message, error) {
	if err := validateTeamID(teamID); err != nil {
		return Message{}, err
	}
	payload, err := frame.Payload()
	if err != nil {
		return Message{}, err
	}
	msg := r.log.AppendThen(teamID, frame.User, frame.Message, frame.Channel, func(Message) {
		r.registry.Broadcast(teamID, payload)
	})
	metrics.MessagesAppended.Inc()
	r.logger.Debug().Str("team", teamID).Int64("id", msg.ID).Str("user", msg.Sender).Msg("message appended")
	return msg, nil
}

func (r *Relay) Join(teamID string, conn Conn) (*Member, error) {
	if err := validateTeamID(teamID); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidInput)
	}
	return r.registry.Join(teamID, conn), nil
}

func (r *Relay) Leave(member *Member) {
	r.registry.Leave(member)
}

// Snapshot returns a copy of the team's log in id order.
func (r *Relay) Snapshot(teamID string) []Message {
	return r.log.Snapshot(teamID)
}

// Cursor returns the participant's read position in teamID.
func (r *Relay) Cursor(teamID, participant string) int64 {
	return r.cursors.Cursor(teamID, participant)
}

// PollUnread returns messages the participant has not been shown yet,
// oldest first, and advances the participant's cursor past them.
func (r *Relay) PollUnread(teamID string, req UnreadRequest) ([]Message, error) {
	if err := validateTeamID(teamID); err != nil {
		return nil, err
	}
	q := Query{
		Channels:     req.Channels,
		MentionOnly:  req.MentionOnly,
		DMOnly:       req.DMOnly,
		ContentRegex: req.ContentRegex,
		Sort:         SortAsc,
		Limit:        req.Limit,
	}
	if len(q.Channels) > 0 {
		q.NullChannelAs = DefaultChannel
	}
	return r.consume(teamID, strings.TrimSpace(req.Participant), q)
}

// Query runs a filtered query. Unset channels default to {"general"} and
// are matched literally, so messages without a channel do not match. When
// the request names a participant, the participant's cursor bounds the
// query and is advanced like an unread poll.
func (r *Relay) Query(teamID string, req QueryRequest) ([]Message, error) {
	if err := validateTeamID(teamID); err != nil {
		return nil, err
	}
	return r.consume(teamID, req.ParticipantID(), req.toQuery())
}

// WaitUnread polls like PollUnread and, when nothing is unread, waits for
// the next append to the team until ctx is done. A deadline yields an
// empty result rather than an error.
func (r *Relay) WaitUnread(ctx context.Context, teamID string, req UnreadRequest) ([]Message, error) {
	if err := validateTeamID(teamID); err != nil {
		return nil, err
	}
	for {
		changed := r.log.Changed(teamID)
		messages, err := r.PollUnread(teamID, req)
		if err != nil || len(messages) > 0 {
			return messages, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return []Message{}, nil
			}
			return nil, ctx.Err()
		}
	}
}

func (r *Relay) Stats() []TeamStats {
	byTeam := map[string]*TeamStats{}
	entry := func(teamID string) *TeamStats {
		if existing, ok := byTeam[teamID]; ok {
			return existing
		}
		created := &TeamStats{TeamID: teamID}
		byTeam[teamID] = created
		return created
	}
	for _, logStats := range r.log.Stats() {
		e := entry(logStats.TeamID)
		e.MessageCount = logStats.MessageCount
		e.LastMessageID = logStats.LastMessageID
	}
	for _, connStats := range r.registry.Stats() {
		entry(connStats.TeamID).Connections = connStats.Connections
	}
	for teamID, readers := range r.cursors.Readers() {
		entry(teamID).Readers = readers
	}
	stats := make([]TeamStats, 0, len(byTeam))
	for _, e := range byTeam {
		stats = append(stats, *e)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TeamID < stats[j].TeamID })
	return stats
}

// Close disconnects every live connection.
func (r *Relay) Close() {
	r.registry.Close()
}

func (r *Relay) consume(teamID, participant string, q Query) ([]Message, error) {
	if participant == "" {
		return Filter(r.log.Snapshot(teamID), q)
	}
	unlock := r.lockParticipant(teamID, participant)
	defer unlock()

	if cursor := r.cursors.Cursor(teamID, participant); cursor > q.SinceID {
		q.SinceID = cursor
	}
	messages, err := Filter(r.log.Snapshot(teamID), q)
	if err != nil {
		return nil, err
	}
	var last int64
	for _, msg := range messages {
		if msg.ID > last {
			last = msg.ID
		}
	}
	if last > 0 {
		r.cursors.Advance(teamID, participant, last)
	}
	return messages, nil
}

// pollLock serializes polls of one participant. refs counts holders and
// waiters so the entry can be dropped once nobody needs it.
type pollLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Relay) lockParticipant(teamID, participant string) func() {
	key := cursorKey{teamID: teamID, participant: participant}
	r.pollMu.Lock()
	lock, ok := r.pollLocks[key]
	if !ok {
		lock = &pollLock{}
		r.pollLocks[key] = lock
	}
	lock.refs++
	r.pollMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.pollMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.pollLocks, key)
		}
		r.pollMu.Unlock()
	}
}

func validateTeamID(teamID string) error {
	if strings.TrimSpace(teamID) == "" {
		return fmt.Errorf("%w: team id is required", ErrInvalidInput)
	}
	return nil
}
