package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClampDebounce(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultDebounce},
		{-time.Second, DefaultDebounce},
		{time.Second, minDebounce},
		{2 * time.Second, 2 * time.Second},
		{4 * time.Second, 4 * time.Second},
		{time.Minute, maxDebounce},
	}
	for _, c := range cases {
		if got := clampDebounce(c.in); got != c.want {
			t.Errorf("clampDebounce(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLooksBinary(t *testing.T) {
	if looksBinary([]byte("plain text content\nwith lines\n")) {
		t.Error("text content flagged as binary")
	}
	if !looksBinary([]byte{0x89, 'P', 'N', 'G', 0x00, 0x0d}) {
		t.Error("NUL-bearing content not flagged as binary")
	}
	if looksBinary(nil) {
		t.Error("empty content flagged as binary")
	}
}

func TestRelPath(t *testing.T) {
	root := t.TempDir()
	tr, err := New(root, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.fsWatcher.Close()

	rel, ok := tr.relPath(filepath.Join(root, "sub", "file.go"))
	if !ok || rel != "sub/file.go" {
		t.Errorf("expected sub/file.go, got %q (ok=%v)", rel, ok)
	}

	if _, ok := tr.relPath(filepath.Join(root, "..", "outside.go")); ok {
		t.Error("path outside root should not resolve")
	}
	if _, ok := tr.relPath(root); ok {
		t.Error("root itself is not a trackable path")
	}
}

func TestIgnored(t *testing.T) {
	root := t.TempDir()
	tr, err := New(root, 0, 0, []string{"build"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.fsWatcher.Close()

	cases := []struct {
		rel  string
		want bool
	}{
		{"main.go", false},
		{".git/config", true},
		{"src/deep/node_modules/pkg/index.js", true},
		{"build/out.bin", true},
		{"src/build.go", false},
		{".ctm/events.db", true},
	}
	for _, c := range cases {
		if got := tr.ignored(c.rel); got != c.want {
			t.Errorf("ignored(%q) = %v, want %v", c.rel, got, c.want)
		}
	}
}

func TestNewRejectsNonDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := New(file, 0, 0, nil, nil); err == nil {
		t.Error("expected error for file root")
	}
	if _, err := New(filepath.Join(root, "missing"), 0, 0, nil, nil); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestTrackerStartStop(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "existing.txt"), []byte("old"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	tr, err := New(root, 2*time.Second, 0, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Existing files are not replayed into history.
	if n := tr.TrackedFiles(); n != 0 {
		t.Errorf("expected 0 pending files after start, got %d", n)
	}

	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestTrackerEmitsStableWrite(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	tr, err := New(root, 2*time.Second, 0, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	// One tracked write, one ignored write, one binary write. Only the
	// first may surface.
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "config"), []byte("[core]\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case change := <-tr.Events():
		if change.Kind != ChangeWrite {
			t.Errorf("expected write change, got %v", change.Kind)
		}
		if change.Path != "main.go" {
			t.Errorf("expected path main.go, got %q", change.Path)
		}
		if change.Content != "package main\n" {
			t.Errorf("unexpected content %q", change.Content)
		}
		if change.Size != int64(len("package main\n")) {
			t.Errorf("unexpected size %d", change.Size)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("timeout waiting for change event")
	}

	// Neither the ignored path nor the binary file may follow.
	select {
	case change := <-tr.Events():
		t.Errorf("unexpected extra event for %q", change.Path)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestTrackerFileSizeCap(t *testing.T) {
	if tr, err := New(t.TempDir(), 0, 0, nil, nil); err != nil {
		t.Fatalf("New failed: %v", err)
	} else if got := tr.MaxFileBytes(); got != DefaultMaxFileBytes {
		t.Errorf("zero cap should mean default, got %d", got)
	}

	root := t.TempDir()
	tr, err := New(root, 2*time.Second, 16, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := tr.MaxFileBytes(); got != 16 {
		t.Errorf("configured cap = %d, want 16", got)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	big := make([]byte, 64)
	for i := range big {
		big[i] = 'a'
	}
	if err := os.WriteFile(filepath.Join(root, "big.txt"), big, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "small.txt"), []byte("tiny\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Only the file under the cap surfaces.
	select {
	case change := <-tr.Events():
		if change.Path != "small.txt" {
			t.Errorf("expected small.txt, got %q", change.Path)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("timeout waiting for change event")
	}
	select {
	case change := <-tr.Events():
		t.Errorf("unexpected event for %q despite size cap", change.Path)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestTrackerCollapsesWriteBursts(t *testing.T) {
	root := t.TempDir()

	tr, err := New(root, 2*time.Second, 0, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	target := filepath.Join(root, "burst.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(target, []byte("version "+string(rune('0'+i))), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	eventCount := 0
	timeout := time.After(8 * time.Second)
	for {
		select {
		case change := <-tr.Events():
			eventCount++
			if eventCount > 1 {
				t.Fatal("burst produced more than one event")
			}
			if change.Content != "version 4" {
				t.Errorf("expected final content, got %q", change.Content)
			}
		case <-timeout:
			if eventCount != 1 {
				t.Errorf("expected 1 event, got %d", eventCount)
			}
			return
		}
	}
}

func TestTrackerRemoveBypassesDebounce(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "doomed.txt")
	if err := os.WriteFile(target, []byte("short lived"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	tr, err := New(root, 5*time.Second, 0, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	if err := os.Remove(target); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	// Far faster than the 5s debounce window.
	select {
	case change := <-tr.Events():
		if change.Kind != ChangeRemove {
			t.Errorf("expected remove change, got %v", change.Kind)
		}
		if change.Path != "doomed.txt" {
			t.Errorf("expected path doomed.txt, got %q", change.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for remove event")
	}
}

func TestTrackerWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()

	tr, err := New(root, 2*time.Second, 0, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	sub := filepath.Join(root, "pkg", "util")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "helper.go"), []byte("package util\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case change := <-tr.Events():
		if change.Path != "pkg/util/helper.go" {
			t.Errorf("expected pkg/util/helper.go, got %q", change.Path)
		}
		if change.Content != "package util\n" {
			t.Errorf("unexpected content %q", change.Content)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("timeout waiting for subdirectory event")
	}
}
