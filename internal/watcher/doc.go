// Package watcher provides the per-directory change source used by sessions.
//
// The Watcher API is safe for concurrent use. Each registration receives the
// creation, removal, and rename of entries directly inside the watched
// directory, plus the removal of the directory itself. Events for one
// directory are delivered in the order the kernel reported them; there is no
// ordering guarantee across directories.
package watcher
