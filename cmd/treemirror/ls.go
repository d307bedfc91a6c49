package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"treemirror/internal/protocol"
	"treemirror/internal/viewer"
)

type listOptions struct {
	URL     string
	Path    string
	Token   string
	Follow  bool
	Timeout time.Duration
}

var errNoListing = errors.New("no listing received (path outside roots, missing, or not a directory)")

func runList(ctx context.Context, options listOptions, out io.Writer) error {
	endpoint, err := websocketURL(options.URL)
	if err != nil {
		return err
	}
	path := viewer.Segments(options.Path)
	pathname := viewer.Pathname(path)
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	changed := make(chan struct{}, 1)
	client := viewer.New(viewer.Options{
		URL:   endpoint,
		Token: options.Token,
		OnNotices: func(notices []protocol.Notice, batch bool) {
			if touches(notices, pathname) {
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return err
	}
	defer client.Disconnect()

	if err := client.Open(path); err != nil {
		return err
	}

	select {
	case <-changed:
	case <-client.Done():
		return connectionEnded(client)
	case <-connectCtx.Done():
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s: %w", pathname, errNoListing)
	}
	if err := printChildren(out, pathname, client.Children(path)); err != nil {
		return err
	}
	if !options.Follow {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return connectionEnded(client)
		case <-changed:
			children := client.Children(path)
			if children == nil {
				fmt.Fprintf(out, "%s: removed\n", pathname)
				return nil
			}
			fmt.Fprintln(out)
			if err := printChildren(out, pathname, children); err != nil {
				return err
			}
		}
	}
}

// touches reports whether a frame changes the listing of pathname.
func touches(notices []protocol.Notice, pathname string) bool {
	for _, notice := range notices {
		if notice.Kind == protocol.KindRoot {
			continue
		}
		if notice.Pathname == pathname {
			return true
		}
		if notice.Kind == protocol.KindUnlink && viewer.Pathname(viewer.EntryPath(notice)) == pathname {
			return true
		}
	}
	return false
}

func printChildren(out io.Writer, pathname string, children []viewer.Child) error {
	if children == nil {
		return fmt.Errorf("%s: %w", pathname, errNoListing)
	}
	for _, child := range children {
		name := child.Name
		if child.IsFolder {
			name += "/"
		}
		if _, err := fmt.Fprintln(out, name); err != nil {
			return err
		}
	}
	return nil
}

func connectionEnded(client *viewer.Viewer) error {
	if err := client.Err(); err != nil {
		return fmt.Errorf("connection closed: %w", err)
	}
	return errors.New("connection closed by server")
}

// websocketURL accepts http(s) or ws(s) URLs and defaults the path to /ws.
func websocketURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid url %q: unsupported scheme %q", raw, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/ws"
	}
	return parsed.String(), nil
}
