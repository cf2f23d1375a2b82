package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lineboard/lineboard/pkg/logger"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
)

// Authorizer resolves and checks client identity. A nil result or error from
// Authenticate rejects the connection before the websocket handshake.
type Authorizer interface {
	Authenticate(ctx context.Context, token string) (string, error)
	HasLineAccess(ctx context.Context, userID, line string) (bool, error)
	IsOperator(ctx context.Context, userID string) (bool, error)
}

// StateProvider computes the dashboard payloads served on subscribe and on
// explicit client requests.
type StateProvider interface {
	CardState(ctx context.Context, line, date string) (any, error)
	WeeklyData(ctx context.Context, line, endDate string) (any, error)
	PartAnalysis(ctx context.Context, line, date string) (any, error)
	PerformanceMetrics(ctx context.Context, line, date string) (any, error)
	JobStatus(ctx context.Context) (any, error)
}

// Metrics is the subset of collectors the push layer reports into. All
// methods are optional via a nil Metrics.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	Broadcast(frameType string)
	Coalesced()
	Rejected(reason string)
}

// Server is the websocket endpoint plus the hub behind it.
type Server struct {
	hub          *Hub
	auth         Authorizer
	provider     StateProvider
	metrics      Metrics
	logger       *slog.Logger
	maxPayload   int
	writeTimeout time.Duration
}

// ServerOption adjusts connection limits.
type ServerOption func(*Server)

// WithFrameLimit caps the inbound frame payload size in bytes.
func WithFrameLimit(bytes int) ServerOption {
	return func(s *Server) {
		if bytes > 0 {
			s.maxPayload = bytes
		}
	}
}

// WithWriteTimeout bounds each outbound frame write. Zero disables the
// deadline.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.writeTimeout = d }
}

// NewServer wires the endpoint. auth must not be nil: connections without a
// verifiable identity are always refused.
func NewServer(hub *Hub, auth Authorizer, provider StateProvider, metrics Metrics, opts ...ServerOption) *Server {
	s := &Server{
		hub:        hub,
		auth:       auth,
		provider:   provider,
		metrics:    metrics,
		logger:     logger.WithComponent("push"),
		maxPayload: maxFramePayloadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub exposes the room hub for broadcast producers.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the /ws HTTP handler. Identity is established before the
// websocket handshake; anonymous requests never reach the hub.
func (s *Server) Handler() http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		s.handleConn(conn)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.auth == nil {
			s.reject("unconfigured")
			http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
			return
		}

		token := tokenFromRequest(r)
		if token == "" {
			s.reject("anonymous")
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		userID, err := s.auth.Authenticate(r.Context(), token)
		if err != nil || strings.TrimSpace(userID) == "" {
			if err != nil {
				s.logger.Warn("websocket auth failed", "remote", r.RemoteAddr, "error", err)
			}
			s.reject("unauthenticated")
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey{}, strings.TrimSpace(userID))
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userIDContextKey struct{}

func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// session is one connection's state. rooms maps room name to the joined
// room so resubscription and disconnect can leave cleanly.
type session struct {
	userID string
	peer   *peer
	rooms  map[string]*room
}

func (s *Server) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	userID := ""
	if req := conn.Request(); req != nil {
		if resolved, ok := req.Context().Value(userIDContextKey{}).(string); ok {
			userID = resolved
		}
	}
	if userID == "" {
		// Handler-level auth should make this unreachable.
		s.reject("anonymous")
		return
	}

	if s.metrics != nil {
		s.metrics.ConnectionOpened()
		defer s.metrics.ConnectionClosed()
	}

	decoder := json.NewDecoder(conn)
	sess := &session{
		userID: userID,
		peer:   newPeer(json.NewEncoder(conn), s.coalesced),
		rooms:  make(map[string]*room),
	}
	if s.writeTimeout > 0 {
		sess.peer.beforeWrite = func() {
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
	}
	defer func() {
		sess.peer.close()
		for _, r := range sess.rooms {
			if r.leave(sess.peer) {
				s.hub.drop(r)
			}
		}
	}()

	ctx := conn.Request().Context()
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			s.writeError(sess, "", "invalid_frame", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > s.maxPayload {
			s.writeError(sess, frame.RequestID, "payload_too_large", "payload too large")
			continue
		}
		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			s.writeError(sess, frame.RequestID, "rate_limited", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case TypeSubscribe:
			s.handleSubscribe(ctx, sess, frame)
		case TypeSubscribeStatus:
			s.handleSubscribeStatus(ctx, sess, frame)
		case TypeRequestUpdate:
			s.handleRequest(ctx, sess, frame, TypeDashboardUpdate, s.provider.CardState)
		case TypeRequestWeekly:
			s.handleRequest(ctx, sess, frame, TypeWeeklyUpdate, s.provider.WeeklyData)
		case TypeRequestPartAnal:
			s.handleRequest(ctx, sess, frame, TypePartAnalUpdate, s.provider.PartAnalysis)
		case TypeRequestPerfMetrics:
			s.handleRequest(ctx, sess, frame, TypePerfMetricsUpdate, s.provider.PerformanceMetrics)
		case TypeRequestStatus:
			s.handleRequestStatus(ctx, sess, frame)
		default:
			// Unknown types are ignored so old servers tolerate new clients.
			s.logger.Debug("ignoring unknown frame type", "type", frame.Type, "user", sess.userID)
		}
	}
}

func (s *Server) handleSubscribe(ctx context.Context, sess *session, frame Frame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.writeError(sess, frame.RequestID, "invalid_payload", "invalid subscribe payload")
		return
	}
	line := strings.TrimSpace(payload.Line)
	date := strings.TrimSpace(payload.Date)
	if line == "" || date == "" {
		s.writeError(sess, frame.RequestID, "invalid_payload", "line and date are required")
		return
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		s.writeError(sess, frame.RequestID, "invalid_payload", "date must be YYYY-MM-DD")
		return
	}

	allowed, err := s.auth.HasLineAccess(ctx, sess.userID, line)
	if err != nil {
		s.logger.Warn("line access check failed", "user", sess.userID, "line", line, "error", err)
		s.writeError(sess, frame.RequestID, "unavailable", "access verification unavailable")
		return
	}
	if !allowed {
		s.reject("forbidden_line")
		s.writeError(sess, frame.RequestID, "forbidden", "no access to line "+line)
		return
	}

	name := RoomName(line, date)
	s.join(sess, name)
	_ = sess.peer.writeFrame(Frame{
		Type:      TypeSubscribed,
		RequestID: frame.RequestID,
		Payload:   mustJSON(map[string]string{"room": name}),
	})

	// Initial state so the client renders without waiting for the next
	// aggregation cycle.
	if state, err := s.provider.CardState(ctx, line, date); err == nil {
		_ = sess.peer.writeFrame(Frame{Type: TypeDashboardUpdate, Payload: mustJSON(state)})
	} else {
		s.logger.Warn("initial state fetch failed", "line", line, "date", date, "error", err)
	}
}

func (s *Server) handleSubscribeStatus(ctx context.Context, sess *session, frame Frame) {
	operator, err := s.auth.IsOperator(ctx, sess.userID)
	if err != nil {
		s.logger.Warn("operator check failed", "user", sess.userID, "error", err)
		s.writeError(sess, frame.RequestID, "unavailable", "access verification unavailable")
		return
	}
	if !operator {
		s.reject("forbidden_status")
		s.writeError(sess, frame.RequestID, "forbidden", "operator access required")
		return
	}

	s.join(sess, StatusRoom)
	_ = sess.peer.writeFrame(Frame{
		Type:      TypeSubscribed,
		RequestID: frame.RequestID,
		Payload:   mustJSON(map[string]string{"room": StatusRoom}),
	})
	if status, err := s.provider.JobStatus(ctx); err == nil {
		_ = sess.peer.writeFrame(Frame{Type: TypeAggregationStatus, Payload: mustJSON(status)})
	}
}

func (s *Server) handleRequest(ctx context.Context, sess *session, frame Frame, replyType string, fetch func(context.Context, string, string) (any, error)) {
	var payload requestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.writeError(sess, frame.RequestID, "invalid_payload", "invalid request payload")
		return
	}
	line := strings.TrimSpace(payload.Line)
	date := strings.TrimSpace(payload.Date)
	if line == "" || date == "" {
		s.writeError(sess, frame.RequestID, "invalid_payload", "line and date are required")
		return
	}

	allowed, err := s.auth.HasLineAccess(ctx, sess.userID, line)
	if err != nil || !allowed {
		if err != nil {
			s.logger.Warn("line access check failed", "user", sess.userID, "line", line, "error", err)
		}
		s.writeError(sess, frame.RequestID, "forbidden", "no access to line "+line)
		return
	}

	data, err := fetch(ctx, line, date)
	if err != nil {
		s.logger.Warn("request fetch failed", "type", frame.Type, "line", line, "date", date, "error", err)
		s.writeError(sess, frame.RequestID, "unavailable", "data temporarily unavailable")
		return
	}
	_ = sess.peer.writeFrame(Frame{
		Type:      replyType,
		RequestID: frame.RequestID,
		Payload:   mustJSON(data),
	})
}

func (s *Server) handleRequestStatus(ctx context.Context, sess *session, frame Frame) {
	operator, err := s.auth.IsOperator(ctx, sess.userID)
	if err != nil || !operator {
		s.writeError(sess, frame.RequestID, "forbidden", "operator access required")
		return
	}
	status, err := s.provider.JobStatus(ctx)
	if err != nil {
		s.writeError(sess, frame.RequestID, "unavailable", "status temporarily unavailable")
		return
	}
	_ = sess.peer.writeFrame(Frame{
		Type:      TypeAggregationStatus,
		RequestID: frame.RequestID,
		Payload:   mustJSON(status),
	})
}

func (s *Server) join(sess *session, name string) {
	if _, ok := sess.rooms[name]; ok {
		return
	}
	r := s.hub.room(name)
	r.join(sess.peer)
	sess.rooms[name] = r
}

func (s *Server) writeError(sess *session, requestID, code, message string) {
	_ = sess.peer.writeFrame(Frame{
		Type:      TypeError,
		RequestID: requestID,
		Payload:   mustJSON(errorPayload{Code: code, Message: message}),
	})
}

func (s *Server) reject(reason string) {
	if s.metrics != nil {
		s.metrics.Rejected(reason)
	}
}

func (s *Server) coalesced() {
	if s.metrics != nil {
		s.metrics.Coalesced()
	}
}
