package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// OutgoingMessage is the frame a client sends. Extra fields are forwarded
// to listeners untouched.
type OutgoingMessage struct {
	User    string         `json:"user"`
	Message string         `json:"message"`
	Channel *string        `json:"channel,omitempty"`
	Extra   map[string]any `json:"-"`
}

func (m OutgoingMessage) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(m.Extra)+3)
	for key, value := range m.Extra {
		fields[key] = value
	}
	fields["user"] = m.User
	fields["message"] = m.Message
	if m.Channel != nil {
		fields["channel"] = *m.Channel
	}
	return json.Marshal(fields)
}

type UnreadOptions struct {
	Limit        int
	MentionOnly  bool
	DMOnly       bool
	ContentRegex string
	Channels     []string
}

type SendResult struct {
	Status  string            `json:"status"`
	Message relaychat.Message `json:"message"`
}

type messageList struct {
	Messages []relaychat.Message `json:"messages"`
}

// Client talks to a relaychat server over HTTP and websocket.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
}

// New returns a client for baseURL. httpClient may be nil; per-request
// deadlines come from the context and the client's request timeout, so a
// supplied client should not set its own Timeout shorter than a long-poll.
func New(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		requestTimeout: 15 * time.Second,
		maxRetries:     3,
		baseDelay:      100 * time.Millisecond,
		maxDelay:       2 * time.Second,
	}
}

func (c *Client) Send(ctx context.Context, teamID string, msg OutgoingMessage) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var out SendResult
	err := c.doJSON(ctx, http.MethodPost, teamPath(teamID, "messages"), msg, &out, false)
	return out, err
}

func (c *Client) Unread(ctx context.Context, teamID, user string, opts UnreadOptions) ([]relaychat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var out messageList
	path := teamPath(teamID, "unread") + "?" + unreadQuery(user, opts).Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Wait long-polls for unread messages, returning an empty slice when
// nothing arrives within timeout.
func (c *Client) Wait(ctx context.Context, teamID, user string, timeout time.Duration, opts UnreadOptions) ([]relaychat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+c.requestTimeout)
	defer cancel()
	q := unreadQuery(user, opts)
	q.Set("timeout", strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
	var out messageList
	if err := c.doJSON(ctx, http.MethodGet, teamPath(teamID, "wait")+"?"+q.Encode(), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) Query(ctx context.Context, teamID string, req relaychat.QueryRequest) ([]relaychat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var out messageList
	if err := c.doJSON(ctx, http.MethodPost, teamPath(teamID, "query"), req, &out, true); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) Teams(ctx context.Context) ([]relaychat.TeamStats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var out struct {
		Teams []relaychat.TeamStats `json:"teams"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/teams", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Teams, nil
}

func teamPath(teamID, endpoint string) string {
	return "/api/chat/" + url.PathEscape(teamID) + "/" + endpoint
}

func unreadQuery(user string, opts UnreadOptions) url.Values {
	q := url.Values{}
	q.Set("user", user)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.MentionOnly {
		q.Set("mention_only", "true")
	}
	if opts.DMOnly {
		q.Set("dm_only", "true")
	}
	if opts.ContentRegex != "" {
		q.Set("content_regex", opts.ContentRegex)
	}
	for _, channel := range opts.Channels {
		q.Add("channel", channel)
	}
	return q
}

// doJSON performs one API call. Transport errors and 5xx responses are
// retried only when idempotent is set; a 429 is always retried because the
// server rejects it before doing any work.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any, idempotent bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		cid := correlationID()
		req.Header.Set("X-Correlation-Id", cid)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryableStatus(resp.StatusCode, idempotent) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: cid,
		}
	}
}

func retryableStatus(status int, idempotent bool) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return idempotent && status >= 500 && status <= 599
}

func correlationID() string {
	return "cli_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
