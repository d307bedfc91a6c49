package viewer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"treemirror/internal/logging"
	"treemirror/internal/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle of one viewer connection.
type State int

const (
	// StateIdle means no connection has been attempted yet.
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errors.New("viewer is not connected")
	ErrAlreadyConnected = errors.New("viewer is already connected")
)

const defaultWriteTimeout = 10 * time.Second

// RetryPolicy bounds automatic reconnect attempts. Delays grow
// exponentially from BaseDelay up to MaxDelay with jitter. MaxRetries of
// zero retries until the context ends.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (policy RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	if policy.BaseDelay > 0 {
		exponential.InitialInterval = policy.BaseDelay
	}
	if policy.MaxDelay > 0 {
		exponential.MaxInterval = policy.MaxDelay
	}
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	var strategy backoff.BackOff = exponential
	if policy.MaxRetries > 0 {
		strategy = backoff.WithMaxRetries(strategy, uint64(policy.MaxRetries))
	}
	return backoff.WithContext(strategy, ctx)
}

type SupervisorOptions struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *logging.Logger
	// OnMessage receives every inbound frame on the reader goroutine.
	OnMessage func(data []byte)
	// OnState observes each transition. On StateClosed it runs before Done
	// is closed.
	OnState      func(state State, err error)
	WriteTimeout time.Duration
}

// Supervisor owns the websocket. Connecting moves it to StateConnecting,
// a completed handshake to StateOpen, and any transport failure or close
// to StateClosed. It never reconnects on its own.
type Supervisor struct {
	options SupervisorOptions
	dialer  *websocket.Dialer
	logger  *logging.Logger
	tracer  trace.Tracer

	mutex   sync.Mutex
	state   State
	conn    *websocket.Conn
	done    chan struct{}
	cause   error
	closing bool

	writeMutex sync.Mutex
}

func NewSupervisor(options SupervisorOptions) *Supervisor {
	dialer := options.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaultWriteTimeout
	}
	done := make(chan struct{})
	close(done)
	return &Supervisor{
		options: options,
		dialer:  dialer,
		logger:  logger.With(map[string]string{"treemirror.category": "viewer", "treemirror.source": "client"}),
		tracer:  otelapi.Tracer("treemirror/viewer"),
		done:    done,
	}
}

func (s *Supervisor) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Done is closed when the current connection attempt has ended and its
// StateClosed transition has been observed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.done
}

// Cause returns why the last connection ended.
func (s *Supervisor) Cause() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cause
}

// Connect dials once. It first waits for the previous connection to finish
// closing, so no StateClosed transition from it is observed afterwards.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mutex.Lock()
	for {
		if s.state == StateConnecting || s.state == StateOpen {
			s.mutex.Unlock()
			return ErrAlreadyConnected
		}
		previous := s.done
		select {
		case <-previous:
		default:
			s.mutex.Unlock()
			select {
			case <-previous:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mutex.Lock()
			continue
		}
		break
	}
	done := make(chan struct{})
	s.state = StateConnecting
	s.cause = nil
	s.closing = false
	s.done = done
	s.mutex.Unlock()
	s.notify(StateConnecting, nil)

	ctx, span := s.tracer.Start(ctx, "websocket.dial", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("treemirror.url", redactURL(s.options.URL))))
	defer span.End()

	conn, resp, err := s.dialer.DialContext(ctx, s.options.URL, s.options.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (status %d)", redactURL(s.options.URL), err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", redactURL(s.options.URL), err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		s.mutex.Lock()
		s.state = StateClosed
		s.cause = err
		s.mutex.Unlock()
		s.notify(StateClosed, err)
		close(done)
		return err
	}

	s.mutex.Lock()
	s.state = StateOpen
	s.conn = conn
	s.mutex.Unlock()
	s.logger.Info("viewer connected", map[string]string{"url": redactURL(s.options.URL)})
	s.notify(StateOpen, nil)

	go s.readLoop(conn, done)
	return nil
}

// ConnectWithRetry dials until it succeeds, the policy gives up, or ctx
// ends.
func (s *Supervisor) ConnectWithRetry(ctx context.Context, policy RetryPolicy) error {
	operation := func() error {
		err := s.Connect(ctx)
		if errors.Is(err, ErrAlreadyConnected) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(operation, policy.backOff(ctx), func(err error, delay time.Duration) {
		s.logger.Warn("viewer connect failed, retrying", map[string]string{
			"error": err.Error(),
			"delay": delay.String(),
		})
	})
}

func (s *Supervisor) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.finish(conn, done, err)
			return
		}
		if s.options.OnMessage != nil {
			s.options.OnMessage(data)
		}
	}
}

func (s *Supervisor) finish(conn *websocket.Conn, done chan struct{}, err error) {
	_ = conn.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = nil
	}
	s.mutex.Lock()
	if s.conn == conn {
		s.conn = nil
		s.state = StateClosed
		if s.cause == nil && !s.closing {
			s.cause = err
		}
	}
	cause := s.cause
	s.mutex.Unlock()

	fields := map[string]string{}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	s.logger.Info("viewer disconnected", fields)
	s.notify(StateClosed, cause)
	close(done)
}

// Send writes one request. It fails unless the connection is open.
func (s *Supervisor) Send(request protocol.Request) error {
	s.mutex.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mutex.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.EncodeRequest(request)
	if err != nil {
		return err
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close ends the connection with cause, or normally when cause is nil. It
// does not wait for Done.
func (s *Supervisor) Close(cause error) error {
	s.mutex.Lock()
	conn := s.conn
	if conn != nil {
		s.closing = true
		if s.cause == nil {
			s.cause = cause
		}
	}
	s.mutex.Unlock()
	if conn == nil {
		return nil
	}

	code, reason := websocket.CloseNormalClosure, ""
	if cause != nil {
		code, reason = websocket.CloseProtocolError, cause.Error()
	}
	if len(reason) > 123 {
		reason = reason[:123]
	}
	deadline := time.Now().Add(s.options.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return conn.Close()
}

func (s *Supervisor) notify(state State, err error) {
	if s.options.OnState != nil {
		s.options.OnState(state, err)
	}
}
