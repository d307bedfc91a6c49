package logging

import (
	"sync"

	"treemirror/internal/buffer"
)

// LogBuffer retains the most recent entries for the debug endpoint.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	return b.Tail(0)
}

// Tail returns up to limit of the newest entries, oldest first.
func (b *LogBuffer) Tail(limit int) []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Tail(limit)
}

// Filter returns retained entries at or above minLevel, newest last.
func (b *LogBuffer) Filter(minLevel Level, limit int) []LogEntry {
	all := b.Tail(0)
	out := make([]LogEntry, 0, len(all))
	for _, entry := range all {
		if LevelAtLeast(entry.Level, minLevel) {
			out = append(out, entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
