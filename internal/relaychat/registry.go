package relaychat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaychat/internal/metrics"
)

// Conn is the transport half of a relay connection.
type Conn interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Member is one registered connection. Frames for it are queued and
// written in order by a dedicated writer goroutine.
type Member struct {
	id       string
	teamID   string
	conn     Conn
	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once

	// writeMu is held for the duration of each write; writeCtx is
	// cancelled on stop so an in-flight write ends promptly.
	writeMu     sync.Mutex
	writeCtx    context.Context
	cancelWrite context.CancelFunc
}

func (m *Member) ID() string {
	return m.id
}

func (m *Member) TeamID() string {
	return m.teamID
}

// Done is closed once the member has left the registry.
func (m *Member) Done() <-chan struct{} {
	return m.done
}

// stop marks the member as gone and waits for any in-flight write to
// return. It must not be called by the member's writer while it holds
// writeMu.
func (m *Member) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.cancelWrite()
	})
	m.writeMu.Lock()
	m.writeMu.Unlock()
}

type RegistryOptions struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	Logger        *zerolog.Logger
}

// Registry holds the live connections of every team and fans payloads out
// to them. Join and Leave take the registry lock exclusively; Broadcast
// only holds it shared plus the team's own lock.
type Registry struct {
	mu           sync.RWMutex
	teams        map[string]*teamMembers
	queueSize    int
	writeTimeout time.Duration
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

type teamMembers struct {
	mu      sync.Mutex
	members map[Conn]*Member
}

// ConnectionStats counts live connections for one team.
type ConnectionStats struct {
	TeamID      string
	Connections int
}

func NewRegistry(opts RegistryOptions) *Registry {
	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Registry{
		teams:        map[string]*teamMembers{},
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Join registers conn under teamID. Joining the same conn twice returns
// the existing member.
func (r *Registry) Join(teamID string, conn Conn) *Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	team, ok := r.teams[teamID]
	if !ok {
		team = &teamMembers{members: map[Conn]*Member{}}
		r.teams[teamID] = team
	}
	team.mu.Lock()
	defer team.mu.Unlock()
	if existing, ok := team.members[conn]; ok {
		return existing
	}
	writeCtx, cancelWrite := context.WithCancel(context.Background())
	member := &Member{
		id:          uuid.NewString(),
		teamID:      teamID,
		conn:        conn,
		queue:       make(chan []byte, r.queueSize),
		done:        make(chan struct{}),
		writeCtx:    writeCtx,
		cancelWrite: cancelWrite,
	}
	team.members[conn] = member
	metrics.ConnectionsOpen.Inc()
	r.wg.Add(1)
	go r.runWriter(member)
	r.logger.Debug().Str("team", teamID).Str("conn", member.id).Msg("connection joined")
	return member
}

// Leave removes member from its team. A team with no members left is
// dropped from the registry. Once Leave returns no further write reaches
// the member's conn. It reports whether member was registered.
func (r *Registry) Leave(member *Member) bool {
	if member == nil {
		return false
	}
	r.mu.Lock()
	removed := false
	if team, ok := r.teams[member.teamID]; ok {
		team.mu.Lock()
		if current, ok := team.members[member.conn]; ok && current == member {
			delete(team.members, member.conn)
			removed = true
		}
		empty := len(team.members) == 0
		team.mu.Unlock()
		if empty {
			delete(r.teams, member.teamID)
		}
	}
	r.mu.Unlock()
	member.stop()
	if removed {
		metrics.ConnectionsOpen.Dec()
		r.logger.Debug().Str("team", member.teamID).Str("conn", member.id).Msg("connection left")
	}
	return removed
}

// Broadcast queues payload for every member of teamID and returns how many
// members accepted it. Members whose queue is full are pruned and closed.
// Broadcast never blocks on a slow connection.
func (r *Registry) Broadcast(teamID string, payload []byte) int {
	r.mu.RLock()
	team, ok := r.teams[teamID]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	var slow []*Member
	queued := 0
	team.mu.Lock()
	for _, member := range team.members {
		select {
		case member.queue <- payload:
			queued++
		default:
			slow = append(slow, member)
		}
	}
	team.mu.Unlock()
	r.mu.RUnlock()

	for _, member := range slow {
		r.drop(member, ErrSlowConsumer)
	}
	return queued
}

func (r *Registry) Stats() []ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ConnectionStats, 0, len(r.teams))
	for teamID, team := range r.teams {
		team.mu.Lock()
		stats = append(stats, ConnectionStats{TeamID: teamID, Connections: len(team.members)})
		team.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TeamID < stats[j].TeamID })
	return stats
}

// Count returns the number of live connections for teamID.
func (r *Registry) Count(teamID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	team, ok := r.teams[teamID]
	if !ok {
		return 0
	}
	team.mu.Lock()
	defer team.mu.Unlock()
	return len(team.members)
}

// Close removes and closes every connection and waits for writers to exit.
func (r *Registry) Close() {
	r.mu.RLock()
	var all []*Member
	for _, team := range r.teams {
		team.mu.Lock()
		for _, member := range team.members {
			all = append(all, member)
		}
		team.mu.Unlock()
	}
	r.mu.RUnlock()
	for _, member := range all {
		if r.Leave(member) {
			_ = member.conn.Close()
		}
	}
	r.wg.Wait()
}

func (r *Registry) runWriter(member *Member) {
	defer r.wg.Done()
	for {
		select {
		case <-member.done:
			return
		case payload := <-member.queue:
			stopped, err := r.write(member, payload)
			if stopped {
				return
			}
			if err != nil {
				r.drop(member, err)
				return
			}
			metrics.FramesBroadcast.Inc()
		}
	}
}

// write sends one payload while holding the member's write lock. It reports
// stopped when the member left before the write could start.
func (r *Registry) write(member *Member, payload []byte) (stopped bool, err error) {
	member.writeMu.Lock()
	defer member.writeMu.Unlock()
	select {
	case <-member.done:
		return true, nil
	default:
	}
	ctx, cancel := context.WithTimeout(member.writeCtx, r.writeTimeout)
	defer cancel()
	return false, member.conn.Write(ctx, payload)
}

func (r *Registry) drop(member *Member, cause error) {
	if !r.Leave(member) {
		return
	}
	reason := "write_error"
	if errors.Is(cause, ErrSlowConsumer) {
		reason = "slow_consumer"
	}
	metrics.SendFailures.WithLabelValues(reason).Inc()
	r.logger.Warn().Err(cause).Str("team", member.teamID).Str("conn", member.id).Msg("pruning connection after failed send")
	_ = member.conn.Close()
}
