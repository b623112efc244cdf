package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

// CrashReport captures the state of the process at an unrecovered panic.
// Reports are written as JSON files so a later run (or a bug report) can
// carry the full context of the failure.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	Stack        string    `json:"stack"`
	Component    string    `json:"component,omitempty"`
}

// CrashHandler writes crash reports for panics escaping daemon goroutines.
type CrashHandler struct {
	dir     string
	version string
	log     *Logger
}

// NewCrashHandler creates a handler writing reports under dir.
func NewCrashHandler(dir, version string, log *Logger) *CrashHandler {
	if log == nil {
		log = Default()
	}
	return &CrashHandler{dir: dir, version: version, log: log}
}

// Recover is deferred at the top of a goroutine; it converts a panic into
// a crash report plus an error log entry.
func (h *CrashHandler) Recover(component string) {
	if r := recover(); r != nil {
		h.handle(r, component)
	}
}

// Wrap runs fn, converting any panic into a crash report.
func (h *CrashHandler) Wrap(component string, fn func()) {
	defer h.Recover(component)
	fn()
}

func (h *CrashHandler) handle(panicValue any, component string) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		Stack:        string(debug.Stack()),
		Component:    component,
	}

	h.log.Error("panic recovered",
		"component", component,
		"panic", report.PanicValue)

	if path, err := h.write(report); err != nil {
		h.log.Error("write crash report", "error", err)
	} else {
		h.log.Error("crash report written", "path", path)
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0o700); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}

	name := fmt.Sprintf("crash-%s.json", report.Timestamp.Format("20060102-150405"))
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	entries, err := os.ReadDir(h.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read crash directory: %w", err)
	}

	var reports []CrashReport
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "crash-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.dir, entry.Name()))
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// Cleanup deletes crash reports older than maxAge.
func (h *CrashHandler) Cleanup(maxAge time.Duration) error {
	reports, err := h.Reports()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, report := range reports {
		if report.Timestamp.After(cutoff) {
			continue
		}
		name := fmt.Sprintf("crash-%s.json", report.Timestamp.UTC().Format("20060102-150405"))
		os.Remove(filepath.Join(h.dir, name))
	}
	return nil
}
