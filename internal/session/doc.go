// Package session tracks the directories one viewer connection watches.
//
// A Session maps each watched pathname to a single watcher registration.
// Opening a directory registers the watch first and then lists the
// directory in the background. Live changes that arrive while the listing
// is in flight are held back and sent after it, so a viewer always sees the
// snapshot before the changes that follow it. A listing whose path was
// closed (or closed and reopened) in the meantime is discarded.
package session
