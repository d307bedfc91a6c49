package session

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Ignore matches entry names that must never be announced to viewers.
type Ignore struct {
	patterns []string
}

// NewIgnore validates every glob pattern up front.
func NewIgnore(patterns []string) (*Ignore, error) {
	valid := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if _, err := doublestar.Match(pattern, "a"); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
		valid = append(valid, pattern)
	}
	return &Ignore{patterns: valid}, nil
}

// Matches reports whether an entry base name is ignored.
func (ignore *Ignore) Matches(name string) bool {
	if ignore == nil {
		return false
	}
	for _, pattern := range ignore.patterns {
		if match, _ := doublestar.Match(pattern, name); match {
			return true
		}
	}
	return false
}

func (ignore *Ignore) Patterns() []string {
	if ignore == nil {
		return nil
	}
	out := make([]string, len(ignore.patterns))
	copy(out, ignore.patterns)
	return out
}
