package viewer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"treemirror/internal/api"
	"treemirror/internal/protocol"
	"treemirror/internal/roots"
	"treemirror/internal/watcher"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

type serviceEnv struct {
	root   string
	server *api.Server
	http   *httptest.Server
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	guard, err := roots.Load([]string{t.TempDir()})
	if err != nil {
		t.Fatalf("load roots: %v", err)
	}
	source, err := watcher.NewWithOptions(watcher.Options{})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = source.Close() })

	server := api.NewServer(api.Options{Roots: guard, Source: source})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, server, api.RouteOptions{})
	httpServer := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
	})
	return &serviceEnv{root: guard.Roots()[0], server: server, http: httpServer}
}

func (env *serviceEnv) url() string {
	return "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
}

func connectViewer(t *testing.T, options Options) *Viewer {
	t.Helper()
	viewer := New(options)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := viewer.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = viewer.Disconnect() })
	return viewer
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestViewerListsOpenedDirectory(t *testing.T) {
	env := newServiceEnv(t)
	docs := filepath.Join(env.root, "docs")
	mkdir(t, docs)
	writeFile(t, filepath.Join(docs, "b.txt"))
	writeFile(t, filepath.Join(docs, "A.txt"))

	var batches atomic.Int32
	viewer := connectViewer(t, Options{
		URL: env.url(),
		OnNotices: func(_ []protocol.Notice, batch bool) {
			if batch {
				batches.Add(1)
			}
		},
	})
	waitFor(t, "roots", func() bool { return len(viewer.Roots()) == 1 })
	if diff := cmp.Diff([]string{env.root}, viewer.Roots()); diff != "" {
		t.Fatalf("unexpected roots (-want +got):\n%s", diff)
	}

	path := Segments(docs)
	if got := viewer.Children(path); got != nil {
		t.Fatalf("expected nil before open, got %v", got)
	}
	if err := viewer.Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "listing", func() bool { return len(viewer.Children(path)) == 2 })

	want := []Child{{Name: "A.txt"}, {Name: "b.txt"}}
	if diff := cmp.Diff(want, viewer.Children(path)); diff != "" {
		t.Fatalf("unexpected children (-want +got):\n%s", diff)
	}
	if batches.Load() < 2 {
		t.Fatalf("expected roots and listing batches, got %d", batches.Load())
	}
}

func TestViewerFollowsLiveChanges(t *testing.T) {
	env := newServiceEnv(t)
	docs := filepath.Join(env.root, "docs")
	mkdir(t, docs)

	viewer := connectViewer(t, Options{URL: env.url()})
	path := Segments(docs)
	if err := viewer.Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "empty listing", func() bool { return viewer.Children(path) != nil })

	mkdir(t, filepath.Join(docs, "new"))
	waitFor(t, "new folder", func() bool { return len(viewer.Children(path)) == 1 })
	newPath := append(append([]string{}, path...), "new")
	if err := viewer.Open(newPath); err != nil {
		t.Fatalf("open new: %v", err)
	}
	waitFor(t, "new listing", func() bool { return viewer.Children(newPath) != nil })

	writeFile(t, filepath.Join(docs, "new", "x.txt"))
	waitFor(t, "x.txt", func() bool { return len(viewer.Children(newPath)) == 1 })
	if diff := cmp.Diff([]Child{{Name: "x.txt"}}, viewer.Children(newPath)); diff != "" {
		t.Fatalf("unexpected children (-want +got):\n%s", diff)
	}

	if err := os.RemoveAll(filepath.Join(docs, "new")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "unlink", func() bool { return viewer.Children(newPath) == nil })
	waitFor(t, "parent update", func() bool { return len(viewer.Children(path)) == 0 })
}

func TestViewerEmptyDirectoryListsEmpty(t *testing.T) {
	env := newServiceEnv(t)
	viewer := connectViewer(t, Options{URL: env.url()})
	path := Segments(env.root)
	if err := viewer.Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "empty listing", func() bool { return viewer.Children(path) != nil })
	if got := viewer.Children(path); len(got) != 0 {
		t.Fatalf("expected empty listing, got %v", got)
	}
}

func TestViewerDiscardsModelWhenConnectionEnds(t *testing.T) {
	env := newServiceEnv(t)
	var mutex sync.Mutex
	var states []State
	viewer := New(Options{URL: env.url()})
	viewer.supervisor.options.OnState = func(state State, err error) {
		mutex.Lock()
		states = append(states, state)
		mutex.Unlock()
		viewer.handleState(state, err)
	}
	if err := viewer.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	path := Segments(env.root)
	if err := viewer.Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "listing", func() bool { return viewer.Children(path) != nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-viewer.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("viewer did not observe close")
	}

	if viewer.State() != StateClosed {
		t.Fatalf("expected closed, got %v", viewer.State())
	}
	if got := viewer.Roots(); len(got) != 0 {
		t.Fatalf("expected roots discarded, got %v", got)
	}
	if got := viewer.Children(path); got != nil {
		t.Fatalf("expected model discarded, got %v", got)
	}
	if err := viewer.Open(path); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	mutex.Lock()
	defer mutex.Unlock()
	if diff := cmp.Diff([]State{StateConnecting, StateOpen, StateClosed}, states); diff != "" {
		t.Fatalf("unexpected transitions (-want +got):\n%s", diff)
	}
}

func TestViewerInvariantViolationClosesConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"eventType":"file","filename":"a","pathname":"/x"},{"eventType":"file","filename":"b","pathname":"/x/a"}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	viewer := connectViewer(t, Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	select {
	case <-viewer.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("expected connection to close")
	}
	var invariant *InvariantError
	if !errors.As(viewer.Err(), &invariant) {
		t.Fatalf("expected InvariantError, got %v", viewer.Err())
	}
	if viewer.State() != StateClosed {
		t.Fatalf("expected closed, got %v", viewer.State())
	}
}

func TestViewerRetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	viewer := connectViewer(t, Options{
		URL:   url,
		Retry: &RetryPolicy{MaxRetries: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	if viewer.State() != StateOpen {
		t.Fatalf("expected open, got %v", viewer.State())
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestViewerRetryGivesUp(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	viewer := New(Options{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Retry: &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err := viewer.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect to fail")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", got)
	}
	if viewer.State() != StateClosed {
		t.Fatalf("expected closed, got %v", viewer.State())
	}
}

func TestViewerReconnectStartsFresh(t *testing.T) {
	env := newServiceEnv(t)
	viewer := connectViewer(t, Options{URL: env.url()})
	path := Segments(env.root)
	if err := viewer.Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "listing", func() bool { return viewer.Children(path) != nil })

	if err := viewer.Reconnect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := viewer.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	<-viewer.Done()
	if err := viewer.Err(); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}

	if err := viewer.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "roots", func() bool { return len(viewer.Roots()) == 1 })
	if got := viewer.Children(path); got != nil {
		t.Fatalf("expected interest to start empty, got %v", got)
	}
}

// scriptedServer accepts one viewer, records its requests, and sends
// whatever notices the test pushes.
type scriptedServer struct {
	http     *httptest.Server
	requests chan protocol.Request
	conns    chan *websocket.Conn
}

func newScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()
	server := &scriptedServer{
		requests: make(chan protocol.Request, 16),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	server.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		server.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			request, err := protocol.DecodeRequest(data)
			if err != nil {
				continue
			}
			server.requests <- request
		}
	}))
	t.Cleanup(server.http.Close)
	return server
}

func (server *scriptedServer) url() string {
	return "ws" + strings.TrimPrefix(server.http.URL, "http")
}

func (server *scriptedServer) nextRequest(t *testing.T) protocol.Request {
	t.Helper()
	select {
	case request := <-server.requests:
		return request
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a request")
		return protocol.Request{}
	}
}

func TestViewerUnlinkAfterCloseSendsNothing(t *testing.T) {
	server := newScriptedServer(t)
	applied := make(chan []protocol.Notice, 4)
	viewer := connectViewer(t, Options{
		URL: server.url(),
		OnNotices: func(notices []protocol.Notice, _ bool) {
			applied <- notices
		},
	})
	conn := <-server.conns

	path := []string{"r", "a"}
	if err := viewer.Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	if diff := cmp.Diff(protocol.Open("/r/a"), server.nextRequest(t)); diff != "" {
		t.Fatalf("unexpected request (-want +got):\n%s", diff)
	}
	if err := viewer.Close(path); err != nil {
		t.Fatalf("close: %v", err)
	}
	if diff := cmp.Diff(protocol.Close("/r/a"), server.nextRequest(t)); diff != "" {
		t.Fatalf("unexpected request (-want +got):\n%s", diff)
	}

	data, err := protocol.EncodeNotice(protocol.Notice{Kind: protocol.KindUnlink, Filename: "b", Pathname: "/r"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for unlink to be applied")
	}

	viewer.mutex.Lock()
	has := viewer.interest.Has(path)
	viewer.mutex.Unlock()
	if has {
		t.Fatalf("expected no interest in %v", path)
	}

	// Anything the unlink sent would arrive ahead of this ping.
	if err := viewer.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if diff := cmp.Diff(protocol.Ping(), server.nextRequest(t)); diff != "" {
		t.Fatalf("unexpected request after unlink (-want +got):\n%s", diff)
	}
}

func TestViewerReconnectDuringCloseKeepsNewModel(t *testing.T) {
	env := newServiceEnv(t)
	viewer := New(Options{URL: env.url()})
	t.Cleanup(func() { _ = viewer.Disconnect() })

	var once sync.Once
	reconnected := make(chan error, 1)
	viewer.supervisor.options.OnState = func(state State, err error) {
		if state == StateClosed {
			once.Do(func() {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					reconnected <- viewer.Reconnect(ctx)
				}()
				// Leave the reconnect time to overtake this transition.
				time.Sleep(50 * time.Millisecond)
			})
		}
		viewer.handleState(state, err)
	}
	if err := viewer.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "roots", func() bool { return len(viewer.Roots()) == 1 })

	if err := viewer.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-reconnected:
		if err != nil {
			t.Fatalf("reconnect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}

	waitFor(t, "roots after reconnect", func() bool { return len(viewer.Roots()) == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := viewer.Roots(); len(got) != 1 {
		t.Fatalf("expected new model to survive the old close, got roots %v", got)
	}
	if viewer.State() != StateOpen {
		t.Fatalf("expected open, got %v", viewer.State())
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("ws://host/ws?token=secret"); strings.Contains(got, "secret") {
		t.Fatalf("expected token redacted, got %q", got)
	}
}
