package relaychat

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidPattern   = errors.New("invalid content pattern")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("slow consumer")
)

const (
	DefaultChannel    = "general"
	DefaultQueryLimit = 20
	MaxQueryLimit     = 1000

	SortAsc  = "asc"
	SortDesc = "desc"
)

// Message is a stored chat message. It is immutable once appended.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"user"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Channel   *string   `json:"channel"`
}

func (m Message) channelValue() (string, bool) {
	if m.Channel == nil {
		return "", false
	}
	return *m.Channel, true
}

func stringPtr(value string) *string {
	return &value
}

func copyMessages(in []Message) []Message {
	if len(in) == 0 {
		return []Message{}
	}
	return append([]Message(nil), in...)
}
