package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Session is an open relay connection for one team.
type Session struct {
	conn *websocket.Conn
}

// Connect opens the relay endpoint for teamID.
func (c *Client) Connect(ctx context.Context, teamID string) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, c.relayURL(teamID), nil)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// Send writes one frame to the team.
func (s *Session) Send(ctx context.Context, msg OutgoingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Next blocks for the next frame relayed to the team. Frames are returned
// exactly as their sender wrote them.
func (s *Session) Next(ctx context.Context) (json.RawMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Listen streams every frame relayed to teamID into handle until ctx is
// done, the server closes the connection or handle returns an error.
func (c *Client) Listen(ctx context.Context, teamID string, handle func(json.RawMessage) error) error {
	session, err := c.Connect(ctx, teamID)
	if err != nil {
		return err
	}
	defer session.conn.CloseNow()
	for {
		frame, err := session.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if err := handle(frame); err != nil {
			return err
		}
	}
}

// SendFrame opens a short-lived relay connection, writes msg and closes.
func (c *Client) SendFrame(ctx context.Context, teamID string, msg OutgoingMessage) error {
	session, err := c.Connect(ctx, teamID)
	if err != nil {
		return err
	}
	sendErr := session.Send(ctx, msg)
	closeErr := session.Close()
	if sendErr != nil {
		return sendErr
	}
	var closeError websocket.CloseError
	if closeErr != nil && !errors.As(closeErr, &closeError) {
		return closeErr
	}
	return nil
}

func (c *Client) relayURL(teamID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(teamID)
}
