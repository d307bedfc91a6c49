package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"treemirror/internal/logging"
	"treemirror/internal/metrics"
	"treemirror/internal/protocol"
	"treemirror/internal/session"
	"treemirror/internal/watcher"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	DefaultMessageRate  = 50
	DefaultMessageBurst = 100
)

// RootSet is the trust boundary served to viewers.
type RootSet interface {
	Roots() []string
	Contains(path string) bool
}

type Options struct {
	Roots          RootSet
	Source         watcher.Source
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	Ignore         *session.Ignore
	ReportDenied   bool
	// MessageRate limits inbound requests per connection. Zero disables
	// limiting.
	MessageRate    rate.Limit
	MessageBurst   int
	WriteTimeout   time.Duration
	OutboundBuffer int
}

type activeSession struct {
	session *session.Session
	conn    *connection
}

// Server accepts viewer websockets and owns one Session per connection.
type Server struct {
	options Options
	logger  *logging.Logger

	mutex    sync.Mutex
	sessions map[string]*activeSession
	closed   bool
	handlers sync.WaitGroup
}

var ErrServerClosed = errors.New("subscription server is closed")

func NewServer(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		options:  options,
		logger:   logger.With(map[string]string{"treemirror.category": "api", "treemirror.source": "backend"}),
		sessions: make(map[string]*activeSession),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, s.options.AuthToken, s.logger) {
		return
	}
	if !s.enter() {
		writeWSError(w, r, nil, s.logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "server shutting down",
		})
		return
	}
	defer s.handlers.Done()

	rootCount := 0
	if s.options.Roots != nil {
		rootCount = len(s.options.Roots.Roots())
	}
	ctx, span := startViewerSpan(r, rootCount)
	var stats viewerStats

	ws, err := upgradeWebSocket(w, r, s.options.AllowedOrigins)
	if err != nil {
		endViewerSpan(span, stats, fmt.Errorf("upgrade failed: %w", err))
		logWSError(s.logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	ws.SetReadLimit(wsMaxMessageBytes)

	conn := newConnection(ws, s.options.OutboundBuffer, s.options.WriteTimeout, s.logger)
	go conn.writeLoop()

	sess := session.New(session.Options{
		Guard:        s.options.Roots,
		Source:       s.options.Source,
		Sink:         conn,
		Ignore:       s.options.Ignore,
		Logger:       s.logger,
		Metrics:      s.options.Metrics,
		ReportDenied: s.options.ReportDenied,
	})
	span.SetAttributes(attribute.String("treemirror.session_id", sess.ID()))
	logger := s.logger.With(map[string]string{"session_id": sess.ID()})

	if !s.track(sess, conn) {
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
		endViewerSpan(span, stats, ErrServerClosed)
		return
	}
	s.options.Metrics.SessionOpened()
	logger.Info("viewer connected", map[string]string{"remote_addr": r.RemoteAddr})
	defer func() {
		s.untrack(sess)
		sess.CloseAll()
		conn.Stop()
		_ = ws.Close()
		s.options.Metrics.SessionClosed()
		logger.Info("viewer disconnected", map[string]string{"requests": strconv.Itoa(stats.requests)})
		endViewerSpan(span, stats, nil)
	}()

	if err := conn.SendBatch(s.rootNotices()); err != nil {
		return
	}
	s.readLoop(ctx, ws, sess, conn, logger, &stats)
}

func (s *Server) rootNotices() []protocol.Notice {
	if s.options.Roots == nil {
		return []protocol.Notice{}
	}
	paths := s.options.Roots.Roots()
	notices := make([]protocol.Notice, 0, len(paths))
	for _, path := range paths {
		notices = append(notices, protocol.Root(path))
	}
	return notices
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, sess *session.Session, conn *connection, logger *logging.Logger, stats *viewerStats) {
	limit := s.options.MessageRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := s.options.MessageBurst
	if burst <= 0 {
		burst = DefaultMessageBurst
	}
	limiter := rate.NewLimiter(limit, burst)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-conn.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("websocket read failed", map[string]string{"error": err.Error()})
			}
			return
		}
		stats.requests++
		// Over-rate requests are delayed, never dropped; the viewer is
		// throttled by TCP while this loop waits.
		if !limiter.Allow() {
			stats.rateLimited++
			s.options.Metrics.MessageRateLimited()
			if err := limiter.Wait(waitCtx); err != nil {
				logger.Debug("rate limit wait aborted", map[string]string{"error": err.Error()})
				return
			}
		}
		if messageType != websocket.TextMessage {
			stats.rejected++
			s.options.Metrics.MessageRejected()
			logger.Warn("request rejected", map[string]string{"error": "binary frame"})
			continue
		}
		request, err := protocol.DecodeRequest(data)
		if err != nil {
			stats.rejected++
			s.options.Metrics.MessageRejected()
			logger.Warn("request rejected", map[string]string{
				"error": err.Error(),
				"bytes": strconv.Itoa(len(data)),
			})
			continue
		}
		if err := s.dispatch(ctx, sess, conn, request); errors.Is(err, errConnectionClosed) {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, conn *connection, request protocol.Request) error {
	switch request.Type {
	case protocol.RequestPing:
		return conn.SendNotice(protocol.Pong())
	case protocol.RequestOpen:
		_, err := sess.Open(ctx, request.Pathname)
		if errors.Is(err, session.ErrSessionClosed) {
			return errConnectionClosed
		}
		return nil
	case protocol.RequestClose:
		sess.Close(request.Pathname)
		return nil
	}
	return nil
}

func (s *Server) enter() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false
	}
	s.handlers.Add(1)
	return true
}

func (s *Server) track(sess *session.Session, conn *connection) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.ID()] = &activeSession{session: sess, conn: conn}
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.mutex.Lock()
	delete(s.sessions, sess.ID())
	s.mutex.Unlock()
}

// ActiveSessions returns the number of connected viewers.
func (s *Server) ActiveSessions() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.sessions)
}

// ActiveWatches returns the number of paths watched across all sessions.
func (s *Server) ActiveWatches() int {
	s.mutex.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, active := range s.sessions {
		sessions = append(sessions, active.session)
	}
	s.mutex.Unlock()

	total := 0
	for _, sess := range sessions {
		total += len(sess.Watched())
	}
	return total
}

// Shutdown refuses new connections, closes every viewer socket, and waits
// for their sessions to release their watches.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	active := make([]*activeSession, 0, len(s.sessions))
	for _, entry := range s.sessions {
		active = append(active, entry)
	}
	s.mutex.Unlock()

	for _, entry := range active {
		entry.conn.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
