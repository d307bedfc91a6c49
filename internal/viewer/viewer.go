package viewer

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"treemirror/internal/logging"
	"treemirror/internal/protocol"

	"github.com/gorilla/websocket"
)

type Options struct {
	// URL is the service websocket endpoint, e.g. ws://host:8080/ws.
	URL    string
	Token  string
	Dialer *websocket.Dialer
	Logger *logging.Logger
	// Retry, when set, makes Connect and Reconnect retry failed dials.
	Retry *RetryPolicy
	// KeepAlive sends a ping request at this interval while open.
	KeepAlive time.Duration
	// OnNotices observes each applied frame after the model is updated.
	// It runs on the reader goroutine without the viewer lock held.
	OnNotices func(notices []protocol.Notice, batch bool)
}

// Viewer combines the connection, the tree and the interest counts into
// one model that is reset whenever the connection ends.
type Viewer struct {
	options    Options
	logger     *logging.Logger
	supervisor *Supervisor

	mutex    sync.Mutex
	tree     *Tree
	interest *Interest
	failure  error
}

func New(options Options) *Viewer {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	viewer := &Viewer{
		options: options,
		logger:  logger.With(map[string]string{"treemirror.category": "viewer", "treemirror.source": "client"}),
		tree:    NewTree(),
	}
	header := http.Header{}
	if options.Token != "" {
		header.Set("Authorization", "Bearer "+options.Token)
	}
	viewer.supervisor = NewSupervisor(SupervisorOptions{
		URL:       options.URL,
		Header:    header,
		Dialer:    options.Dialer,
		Logger:    logger,
		OnMessage: viewer.handleMessage,
		OnState:   viewer.handleState,
	})
	viewer.interest = NewInterest(viewer.supervisor.Send)
	return viewer
}

// Connect opens the connection, retrying per Options.Retry.
func (v *Viewer) Connect(ctx context.Context) error {
	var err error
	if v.options.Retry != nil {
		err = v.supervisor.ConnectWithRetry(ctx, *v.options.Retry)
	} else {
		err = v.supervisor.Connect(ctx)
	}
	if err != nil {
		return err
	}
	if v.options.KeepAlive > 0 {
		go v.keepAlive(v.supervisor.Done(), v.options.KeepAlive)
	}
	return nil
}

// Reconnect starts a fresh connection after the previous one closed. A
// connection still shutting down is waited for first. The new model starts
// empty; earlier interest is not restored.
func (v *Viewer) Reconnect(ctx context.Context) error {
	if state := v.supervisor.State(); state == StateConnecting || state == StateOpen {
		return ErrAlreadyConnected
	}
	return v.Connect(ctx)
}

// Disconnect closes the connection normally.
func (v *Viewer) Disconnect() error {
	return v.supervisor.Close(nil)
}

func (v *Viewer) State() State {
	return v.supervisor.State()
}

// Done is closed when the current connection ends.
func (v *Viewer) Done() <-chan struct{} {
	return v.supervisor.Done()
}

// Err reports why the last connection ended: an *InvariantError when the
// model broke, a transport error, or nil after a normal close.
func (v *Viewer) Err() error {
	v.mutex.Lock()
	failure := v.failure
	v.mutex.Unlock()
	if failure != nil {
		return failure
	}
	return v.supervisor.Cause()
}

// Open registers interest in the directory at path.
func (v *Viewer) Open(path []string) error {
	if v.State() != StateOpen {
		return ErrNotConnected
	}
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.interest.Open(path)
}

// Close drops one registration of interest in path.
func (v *Viewer) Close(path []string) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	err := v.interest.Close(path)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Children returns the entries of an opened directory. It returns nil when
// path is not open, has not been listed yet, or is not a folder.
func (v *Viewer) Children(path []string) []Child {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if !v.interest.Has(path) {
		return nil
	}
	children, ok := v.tree.Children(path)
	if !ok {
		return nil
	}
	return children
}

// Roots returns each announced root once, in first-announcement order.
func (v *Viewer) Roots() []string {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.tree.Roots()
}

// Ping sends a keep-alive request.
func (v *Viewer) Ping() error {
	return v.supervisor.Send(protocol.Ping())
}

func (v *Viewer) handleMessage(data []byte) {
	notices, err := protocol.DecodeNotices(data)
	if err != nil {
		v.logger.Warn("notice rejected", map[string]string{"error": err.Error()})
		return
	}

	v.mutex.Lock()
	for _, notice := range notices {
		if err := v.applyLocked(notice); err != nil {
			v.failure = err
			v.mutex.Unlock()
			v.logger.Error("tree invariant violated", map[string]string{"error": err.Error()})
			_ = v.supervisor.Close(err)
			return
		}
	}
	v.mutex.Unlock()

	if v.options.OnNotices != nil {
		v.options.OnNotices(notices, isBatch(data))
	}
}

func (v *Viewer) applyLocked(notice protocol.Notice) error {
	if notice.Kind == protocol.KindUnlink {
		if err := v.interest.Release(EntryPath(notice)); err != nil && !errors.Is(err, ErrNotConnected) {
			v.logger.Debug("interest release failed", map[string]string{"error": err.Error()})
		}
	}
	return v.tree.Apply(notice)
}

func (v *Viewer) handleState(state State, err error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	switch state {
	case StateConnecting:
		v.failure = nil
	case StateClosed:
		v.tree.Reset()
		v.interest.Reset()
	}
}

func (v *Viewer) keepAlive(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := v.Ping(); err != nil {
				v.logger.Debug("keep-alive ping failed", map[string]string{"error": err.Error()})
			}
		}
	}
}

func isBatch(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := parsed.Query()
	if query.Has("token") {
		query.Set("token", "redacted")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}
