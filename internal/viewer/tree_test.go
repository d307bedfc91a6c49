package viewer

import (
	"errors"
	"testing"

	"treemirror/internal/protocol"

	"github.com/google/go-cmp/cmp"
)

func file(name, pathname string) protocol.Notice {
	return protocol.Notice{Kind: protocol.KindFile, Filename: name, Pathname: pathname}
}

func folder(name, pathname string) protocol.Notice {
	return protocol.Notice{Kind: protocol.KindFolder, Filename: name, Pathname: pathname}
}

func unlink(name, pathname string) protocol.Notice {
	return protocol.Notice{Kind: protocol.KindUnlink, Filename: name, Pathname: pathname}
}

func applyAll(t *testing.T, tree *Tree, notices ...protocol.Notice) {
	t.Helper()
	for _, notice := range notices {
		if err := tree.Apply(notice); err != nil {
			t.Fatalf("apply %v: %v", notice, err)
		}
	}
}

func TestApplyAutoCreatesAncestors(t *testing.T) {
	tree := NewTree()
	applyAll(t, tree,
		folder("new", "/data/docs"),
		file("x.txt", "/data/docs/new"),
	)

	children, ok := tree.Children([]string{"data", "docs", "new"})
	if !ok {
		t.Fatalf("expected folder at /data/docs/new")
	}
	if diff := cmp.Diff([]Child{{Name: "x.txt", IsFolder: false}}, children); diff != "" {
		t.Fatalf("unexpected children (-want +got):\n%s", diff)
	}

	tree = NewTree()
	applyAll(t, tree, file("x.txt", "/data/docs/new"))
	children, _ = tree.Children([]string{"data", "docs"})
	if diff := cmp.Diff([]Child{{Name: "new", IsFolder: true}}, children); diff != "" {
		t.Fatalf("expected auto-created folder (-want +got):\n%s", diff)
	}
}

func TestFolderIsIdempotent(t *testing.T) {
	tree := NewTree()
	applyAll(t, tree,
		folder("docs", "/data"),
		file("a.txt", "/data/docs"),
		folder("docs", "/data"),
	)
	children, ok := tree.Children([]string{"data", "docs"})
	if !ok || len(children) != 1 {
		t.Fatalf("expected existing children to be kept, got %v %v", children, ok)
	}
}

func TestFileOverwritesFolder(t *testing.T) {
	tree := NewTree()
	applyAll(t, tree,
		file("a.txt", "/data/thing"),
		file("thing", "/data"),
	)
	children, _ := tree.Children([]string{"data"})
	if diff := cmp.Diff([]Child{{Name: "thing", IsFolder: false}}, children); diff != "" {
		t.Fatalf("unexpected children (-want +got):\n%s", diff)
	}
	if _, ok := tree.Children([]string{"data", "thing"}); ok {
		t.Fatalf("expected file to have no children")
	}
}

func TestFileNestedInFileIsInvariantError(t *testing.T) {
	tree := NewTree()
	applyAll(t, tree, file("a.txt", "/data"))

	err := tree.Apply(file("b.txt", "/data/a.txt"))
	var invariant *InvariantError
	if !errors.As(err, &invariant) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
	if !errors.Is(err, ErrNestedFile) {
		t.Fatalf("expected ErrNestedFile, got %v", err)
	}
	if diff := cmp.Diff([]string{"data", "a.txt"}, invariant.Path); diff != "" {
		t.Fatalf("unexpected path (-want +got):\n%s", diff)
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	tree := NewTree()
	applyAll(t, tree,
		file("a.txt", "/data"),
		file("b.txt", "/data"),
		unlink("a.txt", "/data"),
		unlink("missing", "/data"),
	)
	children, _ := tree.Children([]string{"data"})
	if diff := cmp.Diff([]Child{{Name: "b.txt"}}, children); diff != "" {
		t.Fatalf("unexpected children (-want +got):\n%s", diff)
	}
}

func TestChildrenSortsCaseInsensitively(t *testing.T) {
	tree := NewTree()
	applyAll(t, tree,
		file("b.txt", "/data/docs"),
		file("A.txt", "/data/docs"),
		folder("c", "/data/docs"),
	)
	children, _ := tree.Children([]string{"data", "docs"})
	want := []Child{
		{Name: "A.txt", IsFolder: false},
		{Name: "b.txt", IsFolder: false},
		{Name: "c", IsFolder: true},
	}
	if diff := cmp.Diff(want, children); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestEmptyNoticeCreatesDirectory(t *testing.T) {
	tree := NewTree()
	if _, ok := tree.Children([]string{"data", "empty"}); ok {
		t.Fatalf("expected unlisted directory to be missing")
	}
	applyAll(t, tree, protocol.Empty("/data/empty"))
	children, ok := tree.Children([]string{"data", "empty"})
	if !ok || children == nil || len(children) != 0 {
		t.Fatalf("expected empty non-nil listing, got %v %v", children, ok)
	}
}

func TestRootsAreDeduplicatedInOrder(t *testing.T) {
	tree := NewTree()
	applyAll(t, tree,
		protocol.Root("/b"),
		protocol.Root("/a"),
		protocol.Root("/b"),
		protocol.Pong(),
	)
	if diff := cmp.Diff([]string{"/b", "/a"}, tree.Roots()); diff != "" {
		t.Fatalf("unexpected roots (-want +got):\n%s", diff)
	}
	tree.Reset()
	if len(tree.Roots()) != 0 {
		t.Fatalf("expected reset to clear roots")
	}
}

func TestSegments(t *testing.T) {
	if diff := cmp.Diff([]string{"data", "docs"}, Segments("//data/docs/")); diff != "" {
		t.Fatalf("unexpected segments (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"data", "x"}, EntryPath(file("x", "/data"))); diff != "" {
		t.Fatalf("unexpected entry path (-want +got):\n%s", diff)
	}
}
