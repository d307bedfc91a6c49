package watcher

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

const (
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

// newRestartBackOff doubles the delay from restartBaseDelay and stops after
// maxRestartAttempts consecutive failures.
func newRestartBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = restartBaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = restartBaseDelay << maxRestartAttempts
	policy.MaxElapsedTime = 0
	policy.Reset()
	return backoff.WithMaxRetries(policy, maxRestartAttempts)
}

// handleError treats any fsnotify error (queue overflow included) as a sign
// that events were lost, and rebuilds the kernel watches.
func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	atomic.AddUint64(&watcher.errorCount, 1)
	watcher.logWarn("watcher error", map[string]string{
		"error": err.Error(),
	})
	watcher.scheduleRestart(err)
}

func (watcher *Watcher) isClosed() bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.closed
}

func (watcher *Watcher) scheduleRestart(cause error) {
	if watcher == nil || watcher.isClosed() {
		return
	}
	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartMutex.Unlock()
		return
	}
	delay := watcher.restartBackOff.NextBackOff()
	if delay == backoff.Stop {
		handler := watcher.errorHandler
		watcher.restartMutex.Unlock()
		watcher.logWarn("watcher giving up", map[string]string{
			"attempts": strconv.Itoa(maxRestartAttempts),
			"error":    cause.Error(),
		})
		if handler != nil {
			handler(cause)
		}
		return
	}
	watcher.restartAttempts++
	watcher.restartTimer = time.AfterFunc(delay, watcher.performRestart)
	watcher.restartMutex.Unlock()
}

func (watcher *Watcher) performRestart() {
	if watcher == nil {
		return
	}
	result, err := watcher.restart()

	watcher.restartMutex.Lock()
	watcher.restartTimer = nil
	if err == nil {
		watcher.restartBackOff.Reset()
		watcher.restartAttempts = 0
	}
	watcher.restartMutex.Unlock()

	if err != nil {
		watcher.logWarn("watcher restart failed", map[string]string{
			"error": err.Error(),
		})
		watcher.scheduleRestart(err)
		return
	}
	watcher.announce(result)
}

// restartResult splits the registered directories by whether their kernel
// watch could be re-established.
type restartResult struct {
	recovered []string
	lost      []string
}

// restart swaps in a fresh fsnotify instance and re-adds every registered
// directory. Registrations and handles survive the swap.
func (watcher *Watcher) restart() (restartResult, error) {
	watcher.registryMutex.Lock()
	defer watcher.registryMutex.Unlock()

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return restartResult{}, nil
	}
	paths := make([]string, 0, len(watcher.callbacks))
	for path := range watcher.callbacks {
		paths = append(paths, path)
	}
	watcher.mutex.Unlock()

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return restartResult{}, err
	}

	var result restartResult
	for _, path := range paths {
		if err := replacement.Add(path); err != nil {
			watcher.logWarn("watcher re-add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			result.lost = append(result.lost, path)
			continue
		}
		result.recovered = append(result.recovered, path)
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return restartResult{}, nil
	}
	previous := watcher.watcher
	watcher.watcher = replacement
	watcher.mutex.Unlock()

	watcher.startForwarder(replacement)
	if previous != nil {
		_ = previous.Close()
	}
	watcher.logDebug("watcher restarted", "", len(result.recovered))
	return result, nil
}

// announce tells each registration what the restart did to its directory:
// a recovered directory gets a resync event, a directory that could not be
// watched again is reported as removed.
func (watcher *Watcher) announce(result restartResult) {
	now := time.Now().UTC()
	for _, path := range result.recovered {
		watcher.deliver(path, Event{Path: path, Kind: KindFolder, Timestamp: now, Resync: true})
	}
	for _, path := range result.lost {
		watcher.deliver(path, Event{Path: path, Op: fsnotify.Remove, Kind: KindMissing, Timestamp: now})
	}
}

// deliver invokes the registrations on path itself, outside every lock.
func (watcher *Watcher) deliver(path string, event Event) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	entries := watcher.callbacks[path]
	callbacks := make([]func(Event), 0, len(entries))
	for _, entry := range entries {
		callbacks = append(callbacks, entry.callback)
	}
	watcher.mutex.Unlock()

	for _, callback := range callbacks {
		callback(event)
		atomic.AddUint64(&watcher.eventsDelivered, 1)
	}
}
