package viewer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"treemirror/internal/protocol"
)

var ErrNestedFile = errors.New("file nested inside file")

// InvariantError reports a notice that cannot be applied without breaking
// the tree shape. The model is unusable afterwards.
type InvariantError struct {
	Notice protocol.Notice
	Path   []string
	Err    error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("apply %s: %s: %v", e.Notice, "/"+strings.Join(e.Path, "/"), e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// node is a folder when children is non-nil and a file otherwise.
type node struct {
	children map[string]*node
}

func newFolder() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) isFile() bool {
	return n.children == nil
}

// Child is one entry returned by Tree.Children.
type Child struct {
	Name     string `json:"name"`
	IsFolder bool   `json:"isFolder"`
}

// Tree is the local mirror. It is not safe for concurrent use.
type Tree struct {
	root  *node
	roots []string
}

func NewTree() *Tree {
	return &Tree{root: newFolder()}
}

// Segments splits a slash separated pathname into its non-empty parts.
func Segments(pathname string) []string {
	parts := strings.Split(pathname, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EntryPath is the full path a notice describes.
func EntryPath(notice protocol.Notice) []string {
	segments := Segments(notice.Pathname)
	if notice.Filename != "" {
		segments = append(segments, notice.Filename)
	}
	return segments
}

// Apply folds one notice into the tree. Ancestors are created as folders on
// demand.
func (t *Tree) Apply(notice protocol.Notice) error {
	switch notice.Kind {
	case protocol.KindPing, protocol.KindPong, protocol.KindDenied:
		return nil
	}

	path := EntryPath(notice)
	if notice.Kind == protocol.KindRoot || notice.Kind == protocol.KindEmpty {
		// Both name a directory; make sure it exists.
		if _, err := t.walk(notice, path, len(path)); err != nil {
			return err
		}
		if notice.Kind == protocol.KindRoot {
			t.addRoot(notice.Pathname)
		}
		return nil
	}
	if len(path) == 0 {
		return nil
	}

	parent, err := t.walk(notice, path, len(path)-1)
	if err != nil {
		return err
	}
	name := path[len(path)-1]
	switch notice.Kind {
	case protocol.KindFile:
		parent.children[name] = &node{}
	case protocol.KindFolder:
		if _, ok := parent.children[name]; !ok {
			parent.children[name] = newFolder()
		}
	case protocol.KindUnlink:
		delete(parent.children, name)
	}
	return nil
}

// walk descends the first depth segments of path, creating folders as it
// goes.
func (t *Tree) walk(notice protocol.Notice, path []string, depth int) (*node, error) {
	current := t.root
	for index := 0; index < depth; index++ {
		next, ok := current.children[path[index]]
		if !ok {
			next = newFolder()
			current.children[path[index]] = next
		}
		if next.isFile() {
			return nil, &InvariantError{Notice: notice, Path: path[:index+1], Err: ErrNestedFile}
		}
		current = next
	}
	return current, nil
}

// addRoot records an announced root once, keeping announcement order.
func (t *Tree) addRoot(pathname string) {
	for _, existing := range t.roots {
		if existing == pathname {
			return
		}
	}
	t.roots = append(t.roots, pathname)
}

// Roots returns each announced root pathname once, in the order it was
// first announced. Repeated announcements of the same root are ignored.
func (t *Tree) Roots() []string {
	out := make([]string, len(t.roots))
	copy(out, t.roots)
	return out
}

// Children lists the entries of the folder at path sorted by name without
// regard to case. It reports false when path is missing or is a file.
func (t *Tree) Children(path []string) ([]Child, bool) {
	current := t.root
	for _, segment := range path {
		next, ok := current.children[segment]
		if !ok || next.isFile() {
			return nil, false
		}
		current = next
	}
	children := make([]Child, 0, len(current.children))
	for name, child := range current.children {
		children = append(children, Child{Name: name, IsFolder: !child.isFile()})
	}
	sort.Slice(children, func(i, j int) bool {
		left, right := strings.ToLower(children[i].Name), strings.ToLower(children[j].Name)
		if left != right {
			return left < right
		}
		return children[i].Name < children[j].Name
	})
	return children, true
}

// Reset discards every node and announced root.
func (t *Tree) Reset() {
	t.root = newFolder()
	t.roots = nil
}
