package relaychat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Frame is one inbound relay payload. User, Message and Channel are the
// fields the relay inspects; every other field is kept in Extra, and Raw
// holds the exact bytes received so fan-out can forward them untouched.
type Frame struct {
	User    string
	Message string
	Channel *string
	Extra   map[string]json.RawMessage
	Raw     []byte
}

// ParseFrame validates and decodes a client frame of the form
// {"user": "...", "message": "...", "channel": "..."?, ...}.
func ParseFrame(data []byte) (Frame, error) {
	if !json.Valid(data) {
		return Frame{}, fmt.Errorf("%w: not valid json", ErrMalformedFrame)
	}
	if err := validateFrameJSON(data); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frame := Frame{Raw: append([]byte(nil), data...)}
	if err := json.Unmarshal(fields["user"], &frame.User); err != nil {
		return Frame{}, fmt.Errorf("%w: user: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(fields["message"], &frame.Message); err != nil {
		return Frame{}, fmt.Errorf("%w: message: %v", ErrMalformedFrame, err)
	}
	if raw, ok := fields["channel"]; ok {
		if err := json.Unmarshal(raw, &frame.Channel); err != nil {
			return Frame{}, fmt.Errorf("%w: channel: %v", ErrMalformedFrame, err)
		}
	}
	delete(fields, "user")
	delete(fields, "message")
	delete(fields, "channel")
	if len(fields) > 0 {
		frame.Extra = fields
	}
	return frame, nil
}

// Payload returns the bytes to fan out for the frame: the received bytes
// when present, otherwise the frame re-encoded.
func (f Frame) Payload() ([]byte, error) {
	if len(f.Raw) > 0 {
		return f.Raw, nil
	}
	fields := make(map[string]any, len(f.Extra)+3)
	for key, value := range f.Extra {
		fields[key] = value
	}
	fields["user"] = f.User
	fields["message"] = f.Message
	if f.Channel != nil {
		fields["channel"] = *f.Channel
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return data, nil
}

// QueryRequest is the wire form of a filtered query.
type QueryRequest struct {
	SinceID      *int64     `json:"since_id,omitempty"`
	Sender       string     `json:"sender,omitempty"`
	FromUser     string     `json:"from_user,omitempty"`
	Channels     []string   `json:"channels,omitempty"`
	MentionOnly  bool       `json:"mention_only,omitempty"`
	DMOnly       bool       `json:"dm_only,omitempty"`
	ContentRegex string     `json:"content_regex,omitempty"`
	Before       *time.Time `json:"before,omitempty"`
	After        *time.Time `json:"after,omitempty"`
	Sort         string     `json:"sort,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	User         string     `json:"user,omitempty"`
	Participant  string     `json:"participant,omitempty"`
}

// DecodeQueryRequest validates a filtered-query body. An empty body is the
// empty query.
func DecodeQueryRequest(data []byte) (QueryRequest, error) {
	var req QueryRequest
	if len(strings.TrimSpace(string(data))) == 0 {
		return req, nil
	}
	if !json.Valid(data) {
		return QueryRequest{}, fmt.Errorf("%w: invalid json body", ErrInvalidInput)
	}
	if err := validateQueryJSON(data); err != nil {
		return QueryRequest{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return QueryRequest{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return req, nil
}

// ParticipantID returns the participant whose cursor the query uses, if any.
func (r QueryRequest) ParticipantID() string {
	if user := strings.TrimSpace(r.User); user != "" {
		return user
	}
	return strings.TrimSpace(r.Participant)
}

// toQuery applies the filtered-query defaults: channels fall back to
// {"general"} and are matched literally.
func (r QueryRequest) toQuery() Query {
	q := Query{
		Sender:       r.Sender,
		Channels:     append([]string(nil), r.Channels...),
		MentionOnly:  r.MentionOnly,
		DMOnly:       r.DMOnly,
		ContentRegex: r.ContentRegex,
		Before:       r.Before,
		After:        r.After,
		Sort:         r.Sort,
		Limit:        r.Limit,
	}
	if q.Sender == "" {
		q.Sender = r.FromUser
	}
	if r.SinceID != nil {
		q.SinceID = *r.SinceID
	}
	if len(q.Channels) == 0 {
		q.Channels = []string{DefaultChannel}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	return q
}
