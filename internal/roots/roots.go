// Package roots holds the set of directories a server is allowed to expose.
package roots

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNoRoots       = errors.New("at least one root directory is required")
	ErrNotDirectory  = errors.New("root is not a directory")
	ErrDuplicateRoot = errors.New("root listed more than once")
)

// Guard is an immutable list of canonical root directories.
type Guard struct {
	roots []string
}

// Load resolves every path to an absolute, symlink-free form and verifies it
// is a directory. Any failure rejects the whole configuration.
func Load(paths []string) (*Guard, error) {
	if len(paths) == 0 {
		return nil, ErrNoRoots
	}
	seen := make(map[string]bool, len(paths))
	roots := make([]string, 0, len(paths))
	for _, raw := range paths {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("root %q: empty path", raw)
		}
		canonical, err := Canonicalize(raw)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", raw, err)
		}
		info, err := os.Stat(canonical)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", raw, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root %q: %w", raw, ErrNotDirectory)
		}
		if seen[canonical] {
			return nil, fmt.Errorf("root %q: %w", raw, ErrDuplicateRoot)
		}
		seen[canonical] = true
		roots = append(roots, canonical)
	}
	return &Guard{roots: roots}, nil
}

// Roots returns the canonical roots in configuration order.
func (guard *Guard) Roots() []string {
	if guard == nil {
		return nil
	}
	out := make([]string, len(guard.roots))
	copy(out, guard.roots)
	return out
}

// Contains reports whether path resolves to a root or to something beneath
// one. The comparison is by path segment, so /a/b does not admit /a/bc.
func (guard *Guard) Contains(path string) bool {
	if guard == nil || path == "" {
		return false
	}
	canonical, err := Canonicalize(path)
	if err != nil {
		return false
	}
	for _, root := range guard.roots {
		if isWithin(root, canonical) {
			return true
		}
	}
	return false
}

// Canonicalize returns the absolute, cleaned form of path with symlinks
// resolved. Missing trailing segments are appended to the resolved form of
// the deepest existing ancestor.
func Canonicalize(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	existing := absolute
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, missing...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return absolute, nil
		}
		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
	}
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
