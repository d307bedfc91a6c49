package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"treemirror/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const defaultMaxWatches = 1024

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrClosed             = errors.New("watcher is closed")
)

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Watcher with custom options.
func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	instance := &Watcher{
		watcher:        source,
		callbacks:      make(map[string][]callbackEntry),
		events:         make(chan fsnotify.Event, 64),
		errors:         make(chan error, 4),
		done:           make(chan struct{}),
		logger:         logger,
		maxWatches:     maxWatches,
		errorHandler:   options.ErrorHandler,
		restartBackOff: newRestartBackOff(),
	}

	instance.startForwarder(source)
	go instance.run()
	return instance, nil
}

// Close shuts down the watcher and stops event processing.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	source := watcher.watcher
	watcher.mutex.Unlock()

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()

	close(watcher.done)
	if source == nil {
		return nil
	}
	return source.Close()
}

// Classify inspects path once, following symlinks.
func (watcher *Watcher) Classify(path string) Kind {
	return Classify(path)
}

// Classify reports whether path is a folder, a file, or gone.
func Classify(path string) Kind {
	info, err := os.Stat(path)
	if err != nil {
		return KindMissing
	}
	if info.IsDir() {
		return KindFolder
	}
	return KindFile
}

func (watcher *Watcher) run() {
	for {
		select {
		case event := <-watcher.events:
			watcher.handleEvent(event)
		case err := <-watcher.errors:
			watcher.handleError(err)
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	if source == nil {
		return
	}

	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

// handleEvent fans an fsnotify event out to registrations on the entry's
// parent directory and on the entry itself. Writes and chmods do not change
// the tree shape and are dropped.
func (watcher *Watcher) handleEvent(raw fsnotify.Event) {
	if !raw.Has(fsnotify.Create) && !raw.Has(fsnotify.Remove) && !raw.Has(fsnotify.Rename) {
		atomic.AddUint64(&watcher.eventsIgnored, 1)
		return
	}

	path := filepath.Clean(raw.Name)
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	callbacks := watcher.callbacksForEventLocked(path)
	watcher.mutex.Unlock()
	if len(callbacks) == 0 {
		atomic.AddUint64(&watcher.eventsIgnored, 1)
		return
	}

	event := Event{
		Path:      path,
		Op:        raw.Op,
		Kind:      KindMissing,
		Timestamp: time.Now().UTC(),
	}
	if event.Created() {
		event.Kind = Classify(path)
	}

	for _, callback := range callbacks {
		callback(event)
		atomic.AddUint64(&watcher.eventsDelivered, 1)
	}
}

func (watcher *Watcher) callbacksForEventLocked(path string) []func(Event) {
	var out []func(Event)
	for _, entry := range watcher.callbacks[filepath.Dir(path)] {
		out = append(out, entry.callback)
	}
	for _, entry := range watcher.callbacks[path] {
		out = append(out, entry.callback)
	}
	return out
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Warn(message, withWatcherFields(fields))
}

// SetErrorHandler configures a callback for unrecoverable watcher failures.
func (watcher *Watcher) SetErrorHandler(handler func(error)) {
	if watcher == nil {
		return
	}
	watcher.restartMutex.Lock()
	watcher.errorHandler = handler
	watcher.restartMutex.Unlock()
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Debug(message, withWatcherFields(map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	}))
}

func withWatcherFields(fields map[string]string) map[string]string {
	merged := make(map[string]string, len(fields)+2)
	merged["treemirror.category"] = "watcher"
	merged["treemirror.source"] = "backend"
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	active := watcher.activeWatches
	registrations := 0
	for _, entries := range watcher.callbacks {
		registrations += len(entries)
	}
	watcher.mutex.Unlock()
	watcher.restartMutex.Lock()
	restartAttempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Metrics{
		ActiveWatches:   active,
		Registrations:   registrations,
		EventsDelivered: atomic.LoadUint64(&watcher.eventsDelivered),
		EventsIgnored:   atomic.LoadUint64(&watcher.eventsIgnored),
		Errors:          atomic.LoadUint64(&watcher.errorCount),
		RestartAttempts: restartAttempts,
	}
}
