package session

import (
	"context"
	"os"
	"path/filepath"

	"treemirror/internal/protocol"
	"treemirror/internal/watcher"

	"golang.org/x/sync/errgroup"
)

const defaultClassifyConcurrency = 16

// ReadDirFunc returns the names of the immediate entries of a directory in
// the order the filesystem reports them.
type ReadDirFunc func(path string) ([]string, error)

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	return names, nil
}

// listDirectory enumerates pathname and classifies each entry concurrently,
// keeping enumeration order. Entries that vanish before classification are
// dropped; the removal notice covers them.
func (session *Session) listDirectory(ctx context.Context, pathname string) ([]protocol.Notice, error) {
	names, err := session.readDir(pathname)
	if err != nil {
		return nil, err
	}

	kinds := make([]watcher.Kind, len(names))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(session.classifyConcurrency)
	for index, name := range names {
		if session.ignore.Matches(name) {
			continue
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			kinds[index] = session.source.Classify(filepath.Join(pathname, name))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	notices := make([]protocol.Notice, 0, len(names))
	for index, name := range names {
		var kind protocol.Kind
		switch kinds[index] {
		case watcher.KindFile:
			kind = protocol.KindFile
		case watcher.KindFolder:
			kind = protocol.KindFolder
		default:
			continue
		}
		notices = append(notices, protocol.Notice{Kind: kind, Filename: name, Pathname: pathname})
	}
	return notices, nil
}
