package watcher

import (
	"sync"
	"time"

	"treemirror/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

// Kind is the classification of a path at the moment it was inspected.
type Kind string

const (
	KindFile    Kind = "file"
	KindFolder  Kind = "folder"
	KindMissing Kind = "missing"
)

// Event represents a single change observed inside or on a watched directory.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Kind      Kind
	Timestamp time.Time
	// Resync is set on an event for the watched directory itself after the
	// kernel watch was re-established. Changes made in between were not
	// observed, so the directory should be listed again.
	Resync bool
}

// Removed reports whether the event means Path no longer exists under its
// previous name.
func (event Event) Removed() bool {
	return event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)
}

// Created reports whether the event introduced a new entry.
func (event Event) Created() bool {
	return event.Op.Has(fsnotify.Create)
}

// Handle releases watcher resources for a registration.
type Handle interface {
	Close() error
}

// Source is what sessions need from a watcher: per-path registrations and
// one-shot classification.
type Source interface {
	Watch(path string, callback func(Event)) (Handle, error)
	Classify(path string) Kind
}

// Options controls watcher behavior.
type Options struct {
	Logger       *logging.Logger
	MaxWatches   int
	ErrorHandler func(error)
}

// Metrics is a point-in-time snapshot of watcher counters.
type Metrics struct {
	ActiveWatches   int
	Registrations   int
	EventsDelivered uint64
	EventsIgnored   uint64
	Errors          uint64
	RestartAttempts int
}

// Watcher is the concrete fsnotify-backed implementation.
type Watcher struct {
	watcher         *fsnotify.Watcher
	mutex           sync.Mutex
	callbacks       map[string][]callbackEntry
	events          chan fsnotify.Event
	errors          chan error
	done            chan struct{}
	closed          bool
	logger          *logging.Logger
	nextID          uint64
	activeWatches   int
	maxWatches      int
	errorHandler    func(error)
	eventsDelivered uint64
	eventsIgnored   uint64
	errorCount      uint64

	// registryMutex is held across callback bookkeeping and the matching
	// kernel Add or Remove, and across a restart, so the set of kernel
	// watches always matches the set of registered paths.
	registryMutex  sync.Mutex
	beforeKernelOp func(op, path string) error

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartBackOff  backoff.BackOff
	restartAttempts int
}
