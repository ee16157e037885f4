package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// wsConn adapts a websocket connection to relaychat.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Close() error {
	return c.conn.CloseNow()
}

// handleRelay runs the relay loop for one connection: every valid inbound
// frame is appended to the team log and fanned out verbatim. Malformed
// frames are skipped and the connection stays open.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	if strings.TrimSpace(teamID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "team id is required", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("team", teamID).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	member, err := s.relay.Join(teamID, &wsConn{conn: conn})
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer func() {
		s.relay.Leave(member)
		_ = conn.CloseNow()
	}()
	logger := s.logger.With().Str("team", teamID).Str("conn", member.ID()).Logger()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				logger.Debug().Msg("relay connection closed")
			} else {
				logger.Debug().Err(err).Msg("relay connection ended")
			}
			return
		}
		frame, err := relaychat.ParseFrame(data)
		if err != nil {
			metrics.MalformedFrames.Inc()
			logger.Warn().Err(err).Msg("skipping malformed frame")
			continue
		}
		if _, err := s.relay.Post(teamID, frame); err != nil {
			logger.Error().Err(err).Msg("failed to relay frame")
		}
	}
}

// originPatterns converts CORS origins to the host patterns websocket.Accept
// matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		origin = strings.TrimPrefix(origin, "https://")
		origin = strings.TrimPrefix(origin, "http://")
		origin = strings.TrimSuffix(origin, "/")
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}
