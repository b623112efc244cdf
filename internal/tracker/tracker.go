// Package tracker watches a workspace tree and turns stable file writes
// into tagged change events for the engine. Rapid write bursts collapse
// into one event per file once the file has been quiet for the debounce
// window; removals bypass the window entirely.
package tracker

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mehsaandev/code-time-machine/internal/logging"
)

const (
	// DefaultDebounce is the quiet window a file must hold before its
	// content is read and emitted.
	DefaultDebounce = 3 * time.Second
	minDebounce     = 2 * time.Second
	maxDebounce     = 5 * time.Second

	// DefaultMaxFileBytes caps the file size the tracker will read when no
	// cap is configured; anything larger is dropped from tracking rather
	// than copied into history.
	DefaultMaxFileBytes = 4 << 20

	binarySniffLen = 8000
)

// defaultIgnores are directory and file names never worth tracking.
var defaultIgnores = []string{".git", ".ctm", "node_modules", "vendor", ".DS_Store"}

// ChangeKind tags a change event.
type ChangeKind uint8

const (
	// ChangeWrite carries the full post-write content of the file.
	ChangeWrite ChangeKind = iota + 1
	// ChangeRemove reports the file is gone.
	ChangeRemove
)

// String returns the string representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeWrite:
		return "write"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one stable file change. Path is relative to the tracked root,
// slash-separated; Content is set for writes only.
type Change struct {
	Path      string
	Kind      ChangeKind
	Content   string
	Size      int64
	Timestamp time.Time
}

// Tracker monitors a directory tree for file changes.
type Tracker struct {
	fsWatcher *fsnotify.Watcher
	root      string
	debounce  time.Duration
	maxBytes  int64
	ignore    map[string]struct{}
	log       *logging.Logger

	// Pending set: path -> last write time. Entries leave the set when
	// their change event is emitted.
	state   map[string]time.Time
	stateMu sync.RWMutex

	events chan Change
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tracker for the tree rooted at root. The debounce window
// is clamped to [2s, 5s]; zero means the default. maxFileBytes caps the
// file size read into a change event, zero or negative meaning
// DefaultMaxFileBytes. Extra ignore names are merged with the built-in
// set.
func New(root string, debounce time.Duration, maxFileBytes int64, ignore []string, log *logging.Logger) (*Tracker, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("tracker root must be a directory")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logging.Default().WithComponent("tracker")
	}

	ignoreSet := make(map[string]struct{}, len(defaultIgnores)+len(ignore))
	for _, name := range defaultIgnores {
		ignoreSet[name] = struct{}{}
	}
	for _, name := range ignore {
		if name != "" {
			ignoreSet[name] = struct{}{}
		}
	}

	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}

	return &Tracker{
		fsWatcher: fsWatcher,
		root:      absRoot,
		debounce:  clampDebounce(debounce),
		maxBytes:  maxFileBytes,
		ignore:    ignoreSet,
		log:       log,
		state:     make(map[string]time.Time),
		events:    make(chan Change, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

func clampDebounce(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultDebounce
	}
	if d < minDebounce {
		return minDebounce
	}
	if d > maxDebounce {
		return maxDebounce
	}
	return d
}

// Events returns the channel of change events.
func (t *Tracker) Events() <-chan Change {
	return t.events
}

// Errors returns the channel of watch errors.
func (t *Tracker) Errors() <-chan error {
	return t.errors
}

// Root returns the absolute tracked root.
func (t *Tracker) Root() string {
	return t.root
}

// Debounce returns the effective quiet window.
func (t *Tracker) Debounce() time.Duration {
	return t.debounce
}

// MaxFileBytes returns the effective file size cap.
func (t *Tracker) MaxFileBytes() int64 {
	return t.maxBytes
}

// Start watches the whole tree and begins emitting events. Existing files
// are not replayed; only changes after Start are tracked.
func (t *Tracker) Start() error {
	if err := t.addTree(t.root); err != nil {
		return err
	}

	t.wg.Add(2)
	go t.eventLoop()
	go t.debounceLoop()
	return nil
}

// Stop gracefully shuts down the tracker.
func (t *Tracker) Stop() error {
	close(t.done)
	t.wg.Wait()
	close(t.events)
	close(t.errors)
	return t.fsWatcher.Close()
}

// TrackedFiles returns the number of files waiting out their debounce
// window.
func (t *Tracker) TrackedFiles() int {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return len(t.state)
}

// addTree watches dir and every non-ignored directory below it.
func (t *Tracker) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != t.root {
			if _, skip := t.ignore[d.Name()]; skip {
				return filepath.SkipDir
			}
		}
		return t.fsWatcher.Add(path)
	})
}

// eventLoop handles fsnotify events.
func (t *Tracker) eventLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return

		case event, ok := <-t.fsWatcher.Events:
			if !ok {
				return
			}
			t.handleFsEvent(event)

		case err, ok := <-t.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case t.errors <- err:
			default:
			}
		}
	}
}

func (t *Tracker) handleFsEvent(event fsnotify.Event) {
	rel, ok := t.relPath(event.Name)
	if !ok || t.ignored(rel) {
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		t.stateMu.Lock()
		delete(t.state, event.Name)
		t.stateMu.Unlock()

		// Removal is final; it skips the debounce window.
		select {
		case t.events <- Change{Path: rel, Kind: ChangeRemove, Timestamp: time.Now()}:
		default:
		}
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New directories join the watch; their files arrive as their
		// own create events on most platforms, but scan once to be sure.
		if event.Op&fsnotify.Create != 0 {
			if err := t.addTree(event.Name); err != nil {
				select {
				case t.errors <- err:
				default:
				}
			}
			t.markExistingFiles(event.Name)
		}
		return
	}

	t.stateMu.Lock()
	t.state[event.Name] = time.Now()
	t.stateMu.Unlock()
}

// markExistingFiles marks every file under a freshly created directory as
// dirty, covering files that landed before the watch did.
func (t *Tracker) markExistingFiles(dir string) {
	now := time.Now()
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := t.ignore[d.Name()]; skip && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if _, skip := t.ignore[d.Name()]; !skip {
			t.state[path] = now
		}
		return nil
	})
}

// debounceLoop checks for stable files once a second.
func (t *Tracker) debounceLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return

		case now := <-ticker.C:
			t.emitStable(now)
		}
	}
}

type pendingFile struct {
	path    string
	lastMod time.Time
}

// emitStable finds files quiet for the debounce window, reads them, and
// emits their content. File I/O runs without the lock so the event loop
// never blocks behind a slow disk.
func (t *Tracker) emitStable(now time.Time) {
	threshold := now.Add(-t.debounce)

	var pending []pendingFile
	t.stateMu.RLock()
	for path, lastMod := range t.state {
		if lastMod.Before(threshold) {
			pending = append(pending, pendingFile{path: path, lastMod: lastMod})
		}
	}
	t.stateMu.RUnlock()

	if len(pending) == 0 {
		return
	}

	type readResult struct {
		path    string
		lastMod time.Time
		content []byte
		skip    bool
		err     error
	}
	results := make([]readResult, 0, len(pending))

	for _, pf := range pending {
		r := readResult{path: pf.path, lastMod: pf.lastMod}
		info, err := os.Stat(pf.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Vanished while pending; the remove event already fired or
			// the file was temporary. Either way there is nothing to emit.
			r.skip = true
		case err != nil:
			r.err = err
		case info.Size() > t.maxBytes:
			t.log.Debug("file exceeds tracked size cap, dropping", "path", pf.path, "size", info.Size())
			r.skip = true
		default:
			data, err := os.ReadFile(pf.path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				r.skip = true
			case err != nil:
				r.err = err
			case looksBinary(data):
				t.log.Debug("binary content, dropping", "path", pf.path)
				r.skip = true
			default:
				r.content = data
			}
		}
		results = append(results, r)
	}

	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	for _, r := range results {
		if r.err != nil {
			select {
			case t.errors <- r.err:
			default:
			}
			continue
		}
		if r.skip {
			delete(t.state, r.path)
			continue
		}

		// A write during the read restarts the quiet window.
		currentMod, exists := t.state[r.path]
		if !exists || currentMod != r.lastMod {
			continue
		}

		rel, ok := t.relPath(r.path)
		if !ok {
			delete(t.state, r.path)
			continue
		}

		change := Change{
			Path:      rel,
			Kind:      ChangeWrite,
			Content:   string(r.content),
			Size:      int64(len(r.content)),
			Timestamp: now,
		}
		select {
		case t.events <- change:
			delete(t.state, r.path)
		default:
			// Channel full; the entry stays pending for the next tick.
		}
	}
}

// relPath converts an absolute path to a slash-separated path relative to
// the root. Paths outside the root report false.
func (t *Tracker) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(t.root, abs)
	if err != nil {
		return "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// ignored reports whether any segment of the relative path is in the
// ignore set.
func (t *Tracker) ignored(rel string) bool {
	for _, segment := range strings.Split(rel, "/") {
		if _, skip := t.ignore[segment]; skip {
			return true
		}
	}
	return false
}

// looksBinary sniffs for a NUL byte in the leading section of the content,
// the same heuristic git uses for binary detection.
func looksBinary(data []byte) bool {
	sniff := data
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	return bytes.IndexByte(sniff, 0) >= 0
}
