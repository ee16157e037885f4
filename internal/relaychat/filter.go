package relaychat

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Query selects a subset of a team's messages. The zero value matches
// everything and returns the DefaultQueryLimit oldest messages.
type Query struct {
	SinceID int64
	Sender  string
	// Channels restricts matches to the listed channel tags. An empty list
	// means no channel restriction.
	Channels []string
	// NullChannelAs, when set, is the tag a message without a channel is
	// compared as when Channels is non-empty. When empty, a message without a
	// channel never matches an explicit channel list.
	NullChannelAs string
	MentionOnly   bool
	DMOnly        bool
	ContentRegex  string
	Before        *time.Time
	After         *time.Time
	Sort          string
	Limit         int
}

type compiledQuery struct {
	Query
	channels map[string]struct{}
	pattern  *regexp.Regexp
}

// Filter returns the messages matching q, ordered by id (ascending unless
// q.Sort is desc) and truncated to q.Limit after ordering.
func Filter(messages []Message, q Query) ([]Message, error) {
	cq, err := compileQuery(q)
	if err != nil {
		return nil, err
	}
	matched := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if cq.matches(msg) {
			matched = append(matched, msg)
		}
	}
	if cq.Sort == SortDesc {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	} else {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	}
	if len(matched) > cq.Limit {
		matched = matched[:cq.Limit]
	}
	return matched, nil
}

func compileQuery(q Query) (compiledQuery, error) {
	cq := compiledQuery{Query: q}
	switch strings.ToLower(strings.TrimSpace(q.Sort)) {
	case "", SortAsc:
		cq.Sort = SortAsc
	case SortDesc:
		cq.Sort = SortDesc
	default:
		return compiledQuery{}, fmt.Errorf("%w: sort must be asc or desc", ErrInvalidInput)
	}
	if cq.Limit <= 0 {
		cq.Limit = DefaultQueryLimit
	}
	if cq.SinceID < 0 {
		return compiledQuery{}, fmt.Errorf("%w: since_id must not be negative", ErrInvalidInput)
	}
	if len(q.Channels) > 0 {
		cq.channels = make(map[string]struct{}, len(q.Channels))
		for _, channel := range q.Channels {
			cq.channels[channel] = struct{}{}
		}
	}
	if q.ContentRegex != "" {
		pattern, err := regexp.Compile(q.ContentRegex)
		if err != nil {
			return compiledQuery{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		cq.pattern = pattern
	}
	return cq, nil
}

func (cq compiledQuery) matches(msg Message) bool {
	if msg.ID <= cq.SinceID {
		return false
	}
	if cq.Sender != "" && msg.Sender != cq.Sender {
		return false
	}
	if cq.channels != nil && !cq.matchesChannel(msg) {
		return false
	}
	if cq.MentionOnly && !strings.Contains(msg.Body, "@") {
		return false
	}
	if cq.DMOnly && msg.Channel != nil {
		return false
	}
	if cq.pattern != nil && !cq.pattern.MatchString(msg.Body) {
		return false
	}
	if cq.Before != nil && !msg.Timestamp.Before(*cq.Before) {
		return false
	}
	if cq.After != nil && !msg.Timestamp.After(*cq.After) {
		return false
	}
	return true
}

func (cq compiledQuery) matchesChannel(msg Message) bool {
	channel, ok := msg.channelValue()
	if !ok {
		if cq.NullChannelAs == "" {
			return false
		}
		channel = cq.NullChannelAs
	}
	_, allowed := cq.channels[channel]
	return allowed
}
