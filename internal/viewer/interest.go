package viewer

import (
	"strings"

	"treemirror/internal/protocol"
)

// Interest counts local consumers of each directory. Only the first open
// and the last close reach the wire. It is not safe for concurrent use.
type Interest struct {
	counts map[string]int
	send   func(protocol.Request) error
}

func NewInterest(send func(protocol.Request) error) *Interest {
	return &Interest{counts: make(map[string]int), send: send}
}

// Pathname joins path segments into the absolute form used on the wire.
func Pathname(path []string) string {
	return "/" + strings.Join(path, "/")
}

func (i *Interest) Open(path []string) error {
	pathname := Pathname(path)
	count := i.counts[pathname]
	i.counts[pathname] = count + 1
	if count > 0 {
		return nil
	}
	if err := i.send(protocol.Open(pathname)); err != nil {
		delete(i.counts, pathname)
		return err
	}
	return nil
}

func (i *Interest) Close(path []string) error {
	pathname := Pathname(path)
	count, ok := i.counts[pathname]
	if !ok {
		return nil
	}
	count--
	i.counts[pathname] = count
	if count > 0 {
		return nil
	}
	delete(i.counts, pathname)
	return i.send(protocol.Close(pathname))
}

// Release drops every consumer of path at once, as when the directory
// itself disappears.
func (i *Interest) Release(path []string) error {
	pathname := Pathname(path)
	if _, ok := i.counts[pathname]; !ok {
		return nil
	}
	delete(i.counts, pathname)
	return i.send(protocol.Close(pathname))
}

func (i *Interest) Has(path []string) bool {
	_, ok := i.counts[Pathname(path)]
	return ok
}

func (i *Interest) Count(path []string) int {
	return i.counts[Pathname(path)]
}

func (i *Interest) Len() int {
	return len(i.counts)
}

// Reset forgets all interest without sending anything.
func (i *Interest) Reset() {
	i.counts = make(map[string]int)
}
