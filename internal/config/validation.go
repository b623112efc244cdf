package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Clamp bounds for tunables. Out-of-range values are corrected during
// validation rather than rejected.
const (
	minDebounceSec = 2
	maxDebounceSec = 5

	minFlushSec = 1
	maxFlushSec = 60

	// snapshotFloor is the smallest usable snapshot cap; retention never
	// evicts below it, so a smaller configured cap is meaningless.
	snapshotFloor = 5

	minIdleTimeoutMin = 1
	maxIdleTimeoutMin = 24 * 60

	defaultMaxFileBytes = 4 * 1024 * 1024
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig validates the configuration. Out-of-range tunables
// (debounce, flush interval, snapshot cap, idle timeout) are clamped in
// place; genuinely invalid values return ValidationErrors.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateFlush(&c.Flush)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateIPC(&c.IPC)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.data_dir",
			Message: "data directory is required",
		})
	}
	if s.ArchivePath == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.archive_path",
			Message: "archive path is required",
		})
	}
	if s.EventLogPath == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.event_log_path",
			Message: "event log path is required",
		})
	}

	if s.MaxSnapshots < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_snapshots",
			Message: "snapshot cap cannot be negative",
		})
	} else if s.MaxSnapshots > 0 && s.MaxSnapshots < snapshotFloor {
		// Retention never evicts below the floor; a lower cap is inert.
		s.MaxSnapshots = snapshotFloor
	}

	if s.MaxStoreBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_store_bytes",
			Message: "store size cap cannot be negative",
		})
	}

	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	if c.DebounceSec < minDebounceSec {
		c.DebounceSec = minDebounceSec
	} else if c.DebounceSec > maxDebounceSec {
		c.DebounceSec = maxDebounceSec
	}

	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = defaultMaxFileBytes
	}

	for i, name := range c.IgnoreNames {
		if strings.ContainsAny(name, "/\\") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("capture.ignore_names[%d]", i),
				Message: fmt.Sprintf("ignore entries are bare names, not paths: %s", name),
			})
		}
	}

	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	if s.IdleTimeoutMin < minIdleTimeoutMin {
		s.IdleTimeoutMin = 30
	} else if s.IdleTimeoutMin > maxIdleTimeoutMin {
		s.IdleTimeoutMin = maxIdleTimeoutMin
	}
	return nil
}

func validateFlush(f *FlushConfig) ValidationErrors {
	if f.IntervalSec < minFlushSec {
		f.IntervalSec = minFlushSec
	} else if f.IntervalSec > maxFlushSec {
		f.IntervalSec = maxFlushSec
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is %q", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if !m.Enabled {
		return errs
	}

	if m.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen_addr",
			Message: "listen address is required when metrics are enabled",
		})
	} else if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if i.SocketPath == "" && i.TCPAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "either a socket path or a TCP fallback address is required",
		})
	}
	if i.TCPAddr != "" {
		if _, _, err := net.SplitHostPort(i.TCPAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "ipc.tcp_addr",
				Message: fmt.Sprintf("invalid TCP address: %v", err),
			})
		}
	}
	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}
