package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// handleRecorder collects the paths a listWatcher hands over.
type handleRecorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int // path → failures left before it succeeds
}

func (r *handleRecorder) handle(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, filepath.Base(path))
	if r.fail[path] > 0 {
		r.fail[path]--
		return errors.New("queue busy")
	}
	return nil
}

func (r *handleRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startWatcher(t *testing.T, dir string, rec *handleRecorder) {
	t.Helper()
	w := &listWatcher{
		dir:    dir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		handle: rec.handle,
		settle: 20 * time.Millisecond,
		poll:   20 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	})
}

func TestListWatcher_HandlesExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, filepath.Join(dir, "first.txt"), "{}\n")
	writeDoc(t, filepath.Join(dir, "ignore.txt"), "BV1xx411c7mD\n")
	writeDoc(t, filepath.Join(dir, ".hidden.txt"), "{}\n")

	rec := &handleRecorder{}
	startWatcher(t, dir, rec)
	waitFor(t, "initial scan", func() bool { return rec.count("first.txt") == 1 })

	writeDoc(t, filepath.Join(dir, "second.txt"), "{}\n")
	waitFor(t, "new file", func() bool { return rec.count("second.txt") == 1 })

	// Later scans leave unchanged files alone.
	writeDoc(t, filepath.Join(dir, "third.txt"), "{}\n")
	waitFor(t, "third file", func() bool { return rec.count("third.txt") == 1 })
	if n := rec.count("first.txt"); n != 1 {
		t.Errorf("first.txt handled %d times, want 1", n)
	}
	if n := rec.count("ignore.txt") + rec.count(".hidden.txt"); n != 0 {
		t.Errorf("ignore list or hidden file handled %d times", n)
	}
}

func TestListWatcher_RehandlesModifiedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	writeDoc(t, path, "{}\n")

	rec := &handleRecorder{}
	startWatcher(t, dir, rec)
	waitFor(t, "initial scan", func() bool { return rec.count("list.txt") == 1 })

	later := time.Now().Add(time.Hour)
	writeDoc(t, path, "{}\n{}\n")
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "modified file", func() bool { return rec.count("list.txt") >= 2 })
}

func TestListWatcher_RetriesFailedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	writeDoc(t, path, "{}\n")

	rec := &handleRecorder{fail: map[string]int{path: 2}}
	startWatcher(t, dir, rec)

	// Nudge the directory so the notify loop rescans as well as the poll loop.
	for i := 0; rec.count("list.txt") < 3; i++ {
		if i > 250 {
			t.Fatalf("list.txt handled %d times, want 3", rec.count("list.txt"))
		}
		writeDoc(t, filepath.Join(dir, ".nudge"), "")
		writeDoc(t, filepath.Join(dir, "ignore.txt"), "")
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if n := rec.count("list.txt"); n != 3 {
		t.Errorf("list.txt handled %d times after success, want 3", n)
	}
}
