package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const defaultWaitSeconds = 30

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxFrameBytes   int64
	MaxWait         time.Duration
	AllowedOrigins  []string
	Logger          *zerolog.Logger
}

type Server struct {
	relay       *relaychat.Relay
	cfg         ServerConfig
	logger      zerolog.Logger
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	entries   map[string]rateEntry
	nextSweep time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(relay *relaychat.Relay) *Server {
	return NewServerWithConfig(relay, ServerConfig{})
}

func NewServerWithConfig(relay *relaychat.Relay, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Minute
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		relay:       relay,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/dashboard", s.handleDashboard)

	r.Get("/ws/{teamID}", s.handleRelay)

	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/teams", s.handleTeams)
		r.Get("/{teamID}/unread", s.handleUnread)
		r.Get("/{teamID}/wait", s.handleWait)
		r.Post("/{teamID}/query", s.handleQuery)
		r.Post("/{teamID}/messages", s.handleSend)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	correlationID := getCorrelationID(r)
	req, ok := parseUnreadRequest(w, r, correlationID)
	if !ok {
		return
	}
	if !s.allow(w, teamID, req.Participant, "unread", correlationID) {
		return
	}
	messages, err := s.relay.PollUnread(teamID, req)
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	metrics.PollsTotal.WithLabelValues("unread").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	correlationID := getCorrelationID(r)
	req, ok := parseUnreadRequest(w, r, correlationID)
	if !ok {
		return
	}
	seconds, err := parseOptionalBoundedFloat(r.URL.Query().Get("timeout"), defaultWaitSeconds, 0, math.MaxInt32)
	if err != nil || math.IsNaN(seconds) {
		writeError(w, http.StatusBadRequest, "bad_request", "timeout must be a non-negative number of seconds", correlationID)
		return
	}
	wait := time.Duration(seconds * float64(time.Second))
	if wait > s.cfg.MaxWait {
		wait = s.cfg.MaxWait
	}
	if !s.allow(w, teamID, req.Participant, "wait", correlationID) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	messages, err := s.relay.WaitUnread(ctx, teamID, req)
	if errors.Is(err, context.Canceled) {
		// client went away
		return
	}
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	metrics.PollsTotal.WithLabelValues("wait").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	req, err := relaychat.DecodeQueryRequest(body)
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	if !s.allow(w, teamID, req.ParticipantID(), "query", correlationID) {
		return
	}
	messages, err := s.relay.Query(teamID, req)
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	metrics.PollsTotal.WithLabelValues("query").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	frame, err := relaychat.ParseFrame(body)
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	if !s.allow(w, teamID, frame.User, "send", correlationID) {
		return
	}
	msg, err := s.relay.Post(teamID, frame)
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "ok",
		"message": msg,
	})
}

func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"teams": s.relay.Stats()})
}

func parseUnreadRequest(w http.ResponseWriter, r *http.Request, correlationID string) (relaychat.UnreadRequest, bool) {
	query := r.URL.Query()
	user := strings.TrimSpace(query.Get("user"))
	if user == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user is required", correlationID)
		return relaychat.UnreadRequest{}, false
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), relaychat.DefaultQueryLimit, 1, relaychat.MaxQueryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("limit must be an integer between 1 and %d", relaychat.MaxQueryLimit), correlationID)
		return relaychat.UnreadRequest{}, false
	}
	mentionOnly, err := parseOptionalBool(query.Get("mention_only"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "mention_only must be a boolean", correlationID)
		return relaychat.UnreadRequest{}, false
	}
	dmOnly, err := parseOptionalBool(query.Get("dm_only"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "dm_only must be a boolean", correlationID)
		return relaychat.UnreadRequest{}, false
	}
	var channels []string
	for _, channel := range query["channel"] {
		if channel = strings.TrimSpace(channel); channel != "" {
			channels = append(channels, channel)
		}
	}
	return relaychat.UnreadRequest{
		Participant:  user,
		Limit:        limit,
		MentionOnly:  mentionOnly,
		DMOnly:       dmOnly,
		ContentRegex: query.Get("content_regex"),
		Channels:     channels,
	}, true
}

func (s *Server) allow(w http.ResponseWriter, teamID, user, endpoint, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	key := teamID + "|" + user
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relaychat.ErrInvalidPattern),
		errors.Is(err, relaychat.ErrInvalidInput),
		errors.Is(err, relaychat.ErrMalformedFrame):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return chimw.GetReqID(r.Context())
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.sweepLocked(now)
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// sweepLocked drops expired windows, at most once per window length.
func (r *rateLimiter) sweepLocked(now time.Time) {
	if now.Before(r.nextSweep) {
		return
	}
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
	r.nextSweep = now.Add(r.window)
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBoundedFloat(raw string, fallback, min, max float64) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
