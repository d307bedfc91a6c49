package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects service counters and renders them in the Prometheus
// text exposition format.
type Registry struct {
	sessionsOpened   atomic.Int64
	sessionsActive   atomic.Int64
	watchesOpened    atomic.Int64
	watchesClosed    atomic.Int64
	opensDenied      atomic.Int64
	messagesRejected atomic.Int64
	messagesLimited  atomic.Int64
	notices          sync.Map
	gauges           sync.Map
}

func (r *Registry) SessionOpened() {
	if r == nil {
		return
	}
	r.sessionsOpened.Add(1)
	r.sessionsActive.Add(1)
}

func (r *Registry) SessionClosed() {
	if r == nil {
		return
	}
	r.sessionsActive.Add(-1)
}

func (r *Registry) ActiveSessions() int64 {
	if r == nil {
		return 0
	}
	return r.sessionsActive.Load()
}

func (r *Registry) WatchOpened() {
	if r == nil {
		return
	}
	r.watchesOpened.Add(1)
}

func (r *Registry) WatchClosed() {
	if r == nil {
		return
	}
	r.watchesClosed.Add(1)
}

func (r *Registry) OpenDenied() {
	if r == nil {
		return
	}
	r.opensDenied.Add(1)
}

func (r *Registry) MessageRejected() {
	if r == nil {
		return
	}
	r.messagesRejected.Add(1)
}

func (r *Registry) MessageRateLimited() {
	if r == nil {
		return
	}
	r.messagesLimited.Add(1)
}

// NoticesSent counts outbound notices by kind.
func (r *Registry) NoticesSent(kind string, count int) {
	if r == nil || count <= 0 {
		return
	}
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	value, _ := r.notices.LoadOrStore(kind, &atomic.Int64{})
	value.(*atomic.Int64).Add(int64(count))
}

// NoticeCount returns the number of notices sent for kind.
func (r *Registry) NoticeCount(kind string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.notices.Load(kind)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

// RegisterGauge exposes a value sampled at scrape time, such as the number
// of kernel watches held by the watcher.
func (r *Registry) RegisterGauge(name, help string, sample func() int64) {
	if r == nil || sample == nil {
		return
	}
	r.gauges.Store(name, gaugeFunc{help: help, sample: sample})
}

type gaugeFunc struct {
	help   string
	sample func() int64
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "treemirror_sessions_opened_total", "Total websocket sessions opened", r.sessionsOpened.Load())
	writeGauge(writer, "treemirror_sessions_active", "Currently connected sessions", r.sessionsActive.Load())
	writeCounter(writer, "treemirror_watches_opened_total", "Directory subscriptions opened", r.watchesOpened.Load())
	writeCounter(writer, "treemirror_watches_closed_total", "Directory subscriptions released", r.watchesClosed.Load())
	writeCounter(writer, "treemirror_opens_denied_total", "Open requests rejected by root or type checks", r.opensDenied.Load())
	writeCounter(writer, "treemirror_messages_rejected_total", "Inbound messages that failed to decode", r.messagesRejected.Load())
	writeCounter(writer, "treemirror_messages_rate_limited_total", "Inbound messages delayed by the rate limiter", r.messagesLimited.Load())

	kinds := r.sortedKeys(&r.notices)
	writeHelp(writer, "treemirror_notices_sent_total", "Notices sent to viewers by kind")
	fmt.Fprintln(writer, "# TYPE treemirror_notices_sent_total counter")
	for _, kind := range kinds {
		fmt.Fprintf(writer, "treemirror_notices_sent_total{kind=%s} %d\n", formatLabel(kind), r.NoticeCount(kind))
	}

	for _, name := range r.sortedKeys(&r.gauges) {
		value, ok := r.gauges.Load(name)
		if !ok {
			continue
		}
		gauge := value.(gaugeFunc)
		writeGauge(writer, name, gauge.help, gauge.sample())
	}
	return nil
}

func (r *Registry) sortedKeys(values *sync.Map) []string {
	var names []string
	values.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
