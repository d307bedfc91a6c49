package session

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"treemirror/internal/logging"
	"treemirror/internal/metrics"
	"treemirror/internal/protocol"
	"treemirror/internal/watcher"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Guard decides which paths may be watched.
type Guard interface {
	Contains(path string) bool
}

// Sink delivers outbound messages to the viewer connection. Batches are sent
// as JSON arrays, single notices as bare objects.
type Sink interface {
	SendNotice(notice protocol.Notice) error
	SendBatch(notices []protocol.Notice) error
}

// OpenResult describes what Open did. Callers never relay it to the viewer
// except through an optional denied notice.
type OpenResult int

const (
	OpenStarted OpenResult = iota
	OpenAlreadyWatched
	OpenDenied
	OpenFailed
)

func (result OpenResult) String() string {
	switch result {
	case OpenStarted:
		return "started"
	case OpenAlreadyWatched:
		return "already_watched"
	case OpenDenied:
		return "denied"
	case OpenFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var ErrSessionClosed = errors.New("session is closed")

type Options struct {
	Guard               Guard
	Source              watcher.Source
	Sink                Sink
	ReadDir             ReadDirFunc
	Ignore              *Ignore
	Logger              *logging.Logger
	Metrics             *metrics.Registry
	ReportDenied        bool
	ClassifyConcurrency int
}

// registration is one watched path. Identity matters: a path closed and
// reopened gets a new registration, and work started for the old one is
// discarded.
type registration struct {
	path    string
	handle  watcher.Handle
	listing bool
	held    []protocol.Notice
	// stale is set when a resync arrives while a listing is running.
	stale bool
	// entries is what the viewer has been told the directory holds.
	entries map[string]protocol.Kind
}

// track updates entries with a notice that reached the viewer.
func (reg *registration) track(notice protocol.Notice) {
	if notice.Pathname != reg.path {
		return
	}
	switch notice.Kind {
	case protocol.KindUnlink:
		delete(reg.entries, notice.Filename)
	case protocol.KindFile, protocol.KindFolder:
		reg.entries[notice.Filename] = notice.Kind
	}
}

// known reports whether sending notice would tell the viewer nothing new.
func (reg *registration) known(notice protocol.Notice) bool {
	kind, ok := reg.entries[notice.Filename]
	switch notice.Kind {
	case protocol.KindUnlink:
		return notice.Pathname == reg.path && !ok
	case protocol.KindFile, protocol.KindFolder:
		return ok && kind == notice.Kind
	default:
		return false
	}
}

// diff returns the notices that turn entries into listing: removals first in
// name order, then additions and kind changes in listing order.
func (reg *registration) diff(listing []protocol.Notice) []protocol.Notice {
	present := make(map[string]bool, len(listing))
	for _, notice := range listing {
		present[notice.Filename] = true
	}
	var removed []string
	for name := range reg.entries {
		if !present[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	out := make([]protocol.Notice, 0, len(removed))
	for _, name := range removed {
		out = append(out, protocol.Notice{Kind: protocol.KindUnlink, Filename: name, Pathname: reg.path})
	}
	for _, notice := range listing {
		if !reg.known(notice) {
			out = append(out, notice)
		}
	}
	return out
}

type Session struct {
	id                  string
	guard               Guard
	source              watcher.Source
	sink                Sink
	readDir             ReadDirFunc
	ignore              *Ignore
	logger              *logging.Logger
	metrics             *metrics.Registry
	tracer              trace.Tracer
	reportDenied        bool
	classifyConcurrency int

	mutex   sync.Mutex
	watches map[string]*registration
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func New(options Options) *Session {
	id := uuid.NewString()
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	readDir := options.ReadDir
	if readDir == nil {
		readDir = readDirNames
	}
	concurrency := options.ClassifyConcurrency
	if concurrency <= 0 {
		concurrency = defaultClassifyConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:                  id,
		guard:               options.Guard,
		source:              options.Source,
		sink:                options.Sink,
		readDir:             readDir,
		ignore:              options.Ignore,
		logger:              logger.With(map[string]string{"treemirror.category": "session", "session_id": id}),
		metrics:             options.Metrics,
		tracer:              otelapi.Tracer("treemirror/session"),
		reportDenied:        options.ReportDenied,
		classifyConcurrency: concurrency,
		watches:             make(map[string]*registration),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

func (session *Session) ID() string {
	return session.id
}

// Open starts watching pathname. Paths outside the roots, paths that are
// not folders, and paths that cannot be watched are ignored; the result
// says which case applied.
func (session *Session) Open(ctx context.Context, pathname string) (OpenResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := session.tracer.Start(ctx, "session.open", trace.WithAttributes(
		attribute.String("treemirror.session_id", session.id),
		attribute.String("treemirror.path", pathname),
	))
	defer span.End()

	result, err := session.open(pathname)
	span.SetAttributes(attribute.String("treemirror.open_result", result.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (session *Session) open(pathname string) (OpenResult, error) {
	if pathname == "" {
		return session.deny(pathname, "empty path"), nil
	}
	path := filepath.Clean(pathname)
	if session.guard == nil || !session.guard.Contains(path) {
		return session.deny(path, "outside roots"), nil
	}
	if session.source.Classify(path) != watcher.KindFolder {
		return session.deny(path, "not a folder"), nil
	}

	session.mutex.Lock()
	if session.closed {
		session.mutex.Unlock()
		return OpenFailed, ErrSessionClosed
	}
	if _, ok := session.watches[path]; ok {
		session.mutex.Unlock()
		return OpenAlreadyWatched, nil
	}
	reg := &registration{path: path, listing: true, entries: make(map[string]protocol.Kind)}
	session.watches[path] = reg
	session.mutex.Unlock()

	handle, err := session.source.Watch(path, func(event watcher.Event) {
		session.forward(reg, event)
	})
	if err != nil {
		session.mutex.Lock()
		if session.watches[path] == reg {
			delete(session.watches, path)
		}
		session.mutex.Unlock()
		session.logger.Warn("watch failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		return OpenFailed, err
	}

	session.mutex.Lock()
	if session.watches[path] != reg {
		// Closed while the watch was being registered.
		session.mutex.Unlock()
		_ = handle.Close()
		return OpenStarted, nil
	}
	reg.handle = handle
	session.inflight.Add(1)
	session.mutex.Unlock()

	session.metrics.WatchOpened()
	session.logger.Debug("watch opened", map[string]string{"path": path})

	go func() {
		defer session.inflight.Done()
		session.sendListing(reg)
	}()
	return OpenStarted, nil
}

func (session *Session) deny(path, reason string) OpenResult {
	session.metrics.OpenDenied()
	session.logger.Debug("open ignored", map[string]string{
		"path":   path,
		"reason": reason,
	})
	if session.reportDenied {
		if err := session.sink.SendNotice(protocol.Denied(path)); err != nil {
			session.logSendError(err)
		}
	}
	return OpenDenied
}

// sendListing lists the directory and, if the registration is still the
// current one, sends the batch followed by any changes held back meanwhile.
func (session *Session) sendListing(reg *registration) {
	notices, err := session.listDirectory(session.ctx, reg.path)

	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.closed || session.watches[reg.path] != reg {
		session.logger.Debug("listing discarded", map[string]string{"path": reg.path})
		return
	}
	reg.listing = false

	if err != nil {
		session.logger.Warn("listing failed", map[string]string{
			"path":  reg.path,
			"error": err.Error(),
		})
	} else {
		if err := session.sink.SendBatch(notices); err != nil {
			session.logSendError(err)
			return
		}
		session.recordSent(reg, notices...)
		if len(notices) == 0 {
			if err := session.sink.SendNotice(protocol.Empty(reg.path)); err != nil {
				session.logSendError(err)
				return
			}
			session.recordSent(reg, protocol.Empty(reg.path))
		}
	}
	if session.flushHeldLocked(reg, false) {
		session.restartListingLocked(reg)
	}
}

// resync lists reg's directory again after the watcher lost track of it, and
// sends only the differences from what the viewer already has.
func (session *Session) resync(reg *registration) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.closed || session.watches[reg.path] != reg {
		return
	}
	if reg.listing {
		reg.stale = true
		return
	}
	reg.listing = true
	session.startResyncLocked(reg)
}

func (session *Session) startResyncLocked(reg *registration) {
	session.inflight.Add(1)
	go func() {
		defer session.inflight.Done()
		session.sendResync(reg)
	}()
}

func (session *Session) sendResync(reg *registration) {
	notices, err := session.listDirectory(session.ctx, reg.path)

	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.closed || session.watches[reg.path] != reg {
		session.logger.Debug("resync discarded", map[string]string{"path": reg.path})
		return
	}
	reg.listing = false

	if err != nil {
		session.logger.Warn("resync listing failed", map[string]string{
			"path":  reg.path,
			"error": err.Error(),
		})
	} else if changes := reg.diff(notices); len(changes) > 0 {
		if err := session.sink.SendBatch(changes); err != nil {
			session.logSendError(err)
			return
		}
		session.recordSent(reg, changes...)
		session.logger.Debug("resync sent", map[string]string{
			"path":    reg.path,
			"changes": strconv.Itoa(len(changes)),
		})
	}
	if session.flushHeldLocked(reg, true) {
		session.restartListingLocked(reg)
	}
}

// flushHeldLocked sends the changes held back during a listing. With
// skipKnown, changes the listing already conveyed are dropped. It reports
// whether the registration is still healthy.
func (session *Session) flushHeldLocked(reg *registration, skipKnown bool) bool {
	held := reg.held
	reg.held = nil
	for _, notice := range held {
		if skipKnown && reg.known(notice) {
			continue
		}
		if err := session.sink.SendNotice(notice); err != nil {
			session.logSendError(err)
			return false
		}
		session.recordSent(reg, notice)
	}
	return true
}

// restartListingLocked starts the resync requested while a listing ran.
func (session *Session) restartListingLocked(reg *registration) {
	if !reg.stale {
		return
	}
	reg.stale = false
	reg.listing = true
	session.startResyncLocked(reg)
}

// forward relays a live change for reg if it is still the registration for
// its path.
func (session *Session) forward(reg *registration, event watcher.Event) {
	if event.Resync {
		session.resync(reg)
		return
	}
	notice, ok := session.noticeFor(reg.path, event)
	if !ok {
		return
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.closed || session.watches[reg.path] != reg {
		return
	}
	if reg.listing {
		reg.held = append(reg.held, notice)
		return
	}
	if err := session.sink.SendNotice(notice); err != nil {
		session.logSendError(err)
		return
	}
	session.recordSent(reg, notice)
}

func (session *Session) noticeFor(watched string, event watcher.Event) (protocol.Notice, bool) {
	if event.Path == watched {
		if !event.Removed() {
			return protocol.Notice{}, false
		}
		return protocol.Notice{
			Kind:     protocol.KindUnlink,
			Filename: filepath.Base(watched),
			Pathname: filepath.Dir(watched),
		}, true
	}

	if filepath.Dir(event.Path) != watched {
		return protocol.Notice{}, false
	}
	name := filepath.Base(event.Path)
	if session.ignore.Matches(name) {
		return protocol.Notice{}, false
	}
	notice := protocol.Notice{Filename: name, Pathname: watched}
	switch {
	case event.Removed():
		notice.Kind = protocol.KindUnlink
	case event.Created() && event.Kind == watcher.KindFile:
		notice.Kind = protocol.KindFile
	case event.Created() && event.Kind == watcher.KindFolder:
		notice.Kind = protocol.KindFolder
	default:
		return protocol.Notice{}, false
	}
	return notice, true
}

// Close stops watching pathname. It reports whether a watch was released.
func (session *Session) Close(pathname string) bool {
	path := filepath.Clean(pathname)
	session.mutex.Lock()
	reg, ok := session.watches[path]
	if ok {
		delete(session.watches, path)
	}
	session.mutex.Unlock()
	if !ok {
		return false
	}
	session.release(reg)
	return true
}

// CloseAll releases every watch. The session accepts no further opens.
func (session *Session) CloseAll() {
	session.mutex.Lock()
	if session.closed {
		session.mutex.Unlock()
		return
	}
	session.closed = true
	watches := session.watches
	session.watches = make(map[string]*registration)
	session.mutex.Unlock()

	session.cancel()
	for _, reg := range watches {
		session.release(reg)
	}
	session.logger.Debug("session closed", map[string]string{
		"released": strconv.Itoa(len(watches)),
	})
}

// Wait blocks until in-flight listings have finished or been discarded.
func (session *Session) Wait() {
	session.inflight.Wait()
}

// Watched returns the currently watched paths.
func (session *Session) Watched() []string {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	paths := make([]string, 0, len(session.watches))
	for path := range session.watches {
		paths = append(paths, path)
	}
	return paths
}

func (session *Session) release(reg *registration) {
	if reg.handle == nil {
		return
	}
	if err := reg.handle.Close(); err != nil {
		session.logger.Warn("watch release failed", map[string]string{
			"path":  reg.path,
			"error": err.Error(),
		})
	}
	session.metrics.WatchClosed()
	session.logger.Debug("watch closed", map[string]string{"path": reg.path})
}

func (session *Session) logSendError(err error) {
	session.logger.Debug("send failed", map[string]string{"error": err.Error()})
}

func (session *Session) recordSent(reg *registration, notices ...protocol.Notice) {
	for _, notice := range notices {
		reg.track(notice)
		session.metrics.NoticesSent(string(notice.Kind), 1)
	}
}
