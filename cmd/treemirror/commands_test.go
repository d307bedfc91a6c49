package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// lockedBuffer is written by the logger and read by the test.
type lockedBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

type testServe struct {
	addr    string
	signals chan os.Signal
	exit    chan int
	stdout  *lockedBuffer
	stderr  *lockedBuffer
}

func startServe(t *testing.T, args ...string) *testServe {
	t.Helper()
	ready := make(chan string, 1)
	serve := &testServe{
		signals: make(chan os.Signal, 1),
		exit:    make(chan int, 1),
		stdout:  &lockedBuffer{},
		stderr:  &lockedBuffer{},
	}
	deps := commandDeps{
		Stdout: serve.stdout,
		Stderr: serve.stderr,
		Signals: func() (<-chan os.Signal, func()) {
			return serve.signals, func() {}
		},
		Ready: func(addr string) { ready <- addr },
	}
	go func() {
		serve.exit <- run(append([]string{"serve", "--addr", "127.0.0.1:0"}, args...), deps)
	}()
	select {
	case serve.addr = <-ready:
	case code := <-serve.exit:
		t.Fatalf("serve exited early with %d: %s", code, serve.stderr.String())
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not become ready")
	}
	t.Cleanup(func() { serve.stop(t) })
	return serve
}

func (serve *testServe) stop(t *testing.T) {
	t.Helper()
	if serve.signals == nil {
		return
	}
	serve.signals <- os.Interrupt
	serve.signals = nil
	select {
	case code := <-serve.exit:
		if code != 0 {
			t.Fatalf("serve exited with %d: %s", code, serve.stderr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestVersionCommand(t *testing.T) {
	stdout := &lockedBuffer{}
	code := run([]string{"version"}, commandDeps{Stdout: stdout, Stderr: &lockedBuffer{}})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "treemirror ") {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}

func TestServeRejectsInvalidRoot(t *testing.T) {
	stderr := &lockedBuffer{}
	missing := filepath.Join(t.TempDir(), "missing")
	code := run([]string{"serve", missing}, commandDeps{Stdout: &lockedBuffer{}, Stderr: stderr})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "validate roots") {
		t.Fatalf("expected root validation error, got %q", stderr.String())
	}
}

func TestServeRequiresRoot(t *testing.T) {
	stderr := &lockedBuffer{}
	code := run([]string{"serve"}, commandDeps{Stdout: &lockedBuffer{}, Stderr: stderr})
	if code != 1 || !strings.Contains(stderr.String(), "root") {
		t.Fatalf("expected missing root error, got %d %q", code, stderr.String())
	}
}

func TestServeAndList(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "readme.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.swp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	serve := startServe(t, "--token", "secret", "--ignore", "*.swp", root)
	if !strings.Contains(serve.stdout.String(), "treemirror listening") {
		t.Fatalf("expected listening log, got %q", serve.stdout.String())
	}

	var out bytes.Buffer
	err := runList(context.Background(), listOptions{
		URL:     "http://" + serve.addr,
		Path:    root,
		Token:   "secret",
		Timeout: 5 * time.Second,
	}, &out)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got, want := out.String(), "docs/\nreadme.md\n"; got != want {
		t.Fatalf("expected listing %q, got %q", want, got)
	}

	err = runList(context.Background(), listOptions{
		URL:     serve.addr,
		Path:    root,
		Timeout: 5 * time.Second,
	}, &out)
	if err == nil {
		t.Fatalf("expected missing token to fail")
	}
}

func TestListOutsideRootsTimesOut(t *testing.T) {
	root := t.TempDir()
	serve := startServe(t, root)

	var out bytes.Buffer
	err := runList(context.Background(), listOptions{
		URL:     serve.addr,
		Path:    t.TempDir(),
		Timeout: 300 * time.Millisecond,
	}, &out)
	if err == nil || !strings.Contains(err.Error(), "no listing received") {
		t.Fatalf("expected no listing error, got %v", err)
	}
}

func TestListFollowReportsChanges(t *testing.T) {
	root := t.TempDir()
	serve := startServe(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runList(ctx, listOptions{
			URL:     serve.addr,
			Path:    root,
			Follow:  true,
			Timeout: 5 * time.Second,
		}, out)
	}()

	// The initial listing of an empty root prints nothing; wait for the
	// subscription before creating the file.
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(out.String(), "new.txt") {
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "new.txt") {
		t.Fatalf("expected followed listing to show new.txt, got %q", out.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follow returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("follow did not stop")
	}
}
