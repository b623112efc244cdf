// Package config handles configuration loading, validation, and management
// for the ctm daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Root is the workspace directory to track. Empty means the daemon's
	// working directory at startup.
	Root string `toml:"root" json:"root" yaml:"root"`

	// Storage configuration for persisted history.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Capture configuration for the file tracker.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Session configuration for edit session grouping.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Flush configuration for buffered persistence.
	Flush FlushConfig `toml:"flush" json:"flush" yaml:"flush"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the optional exposition endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// IPC configuration for the daemon control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds history persistence configuration.
type StorageConfig struct {
	// DataDir is the base directory for all persisted state.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// ArchivePath is the path to the blob archive file.
	ArchivePath string `toml:"archive_path" json:"archive_path" yaml:"archive_path"`

	// EventLogPath is the path to the SQLite event log.
	EventLogPath string `toml:"event_log_path" json:"event_log_path" yaml:"event_log_path"`

	// MaxSnapshots caps retained snapshots; oldest are evicted past it.
	// 0 disables the count cap.
	MaxSnapshots int `toml:"max_snapshots" json:"max_snapshots" yaml:"max_snapshots"`

	// MaxStoreBytes caps the serialized blob archive size. 0 disables
	// the size cap.
	MaxStoreBytes int64 `toml:"max_store_bytes" json:"max_store_bytes" yaml:"max_store_bytes"`
}

// CaptureConfig holds file tracker configuration.
type CaptureConfig struct {
	// DebounceSec is the quiet window in seconds before a changed file's
	// content is recorded. Clamped to [2, 5].
	DebounceSec int `toml:"debounce_sec" json:"debounce_sec" yaml:"debounce_sec"`

	// IgnoreNames are directory and file names excluded from tracking,
	// merged with the built-in set (.git, node_modules, ...).
	IgnoreNames []string `toml:"ignore_names" json:"ignore_names" yaml:"ignore_names"`

	// MaxFileBytes is the largest file the tracker will record.
	MaxFileBytes int64 `toml:"max_file_bytes" json:"max_file_bytes" yaml:"max_file_bytes"`

	// SnapshotOnStart captures a baseline snapshot of tracked paths when
	// the daemon starts.
	SnapshotOnStart bool `toml:"snapshot_on_start" json:"snapshot_on_start" yaml:"snapshot_on_start"`
}

// SessionConfig holds edit session configuration.
type SessionConfig struct {
	// IdleTimeoutMin is the inactivity gap in minutes that ends a
	// session and starts the next one.
	IdleTimeoutMin int `toml:"idle_timeout_min" json:"idle_timeout_min" yaml:"idle_timeout_min"`
}

// FlushConfig holds buffered persistence configuration.
type FlushConfig struct {
	// IntervalSec is how often buffered event log writes are committed.
	// Clamped to [1, 60].
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds metrics exposition configuration.
type MetricsConfig struct {
	// Enabled turns the HTTP exposition endpoint on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the address the endpoint binds to.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// IPCConfig holds daemon control socket configuration.
type IPCConfig struct {
	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// TCPAddr is the loopback TCP fallback used where Unix sockets are
	// unavailable. Empty disables the fallback.
	TCPAddr string `toml:"tcp_addr" json:"tcp_addr" yaml:"tcp_addr"`

	// TimeoutSec is the per-request connection timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Root:    "",
		Storage: StorageConfig{
			DataDir:       dir,
			ArchivePath:   filepath.Join(dir, "blobs.ctmb"),
			EventLogPath:  filepath.Join(dir, "events.db"),
			MaxSnapshots:  100,
			MaxStoreBytes: 256 * 1024 * 1024,
		},
		Capture: CaptureConfig{
			DebounceSec:     3,
			IgnoreNames:     []string{},
			MaxFileBytes:    4 * 1024 * 1024,
			SnapshotOnStart: true,
		},
		Session: SessionConfig{
			IdleTimeoutMin: 30,
		},
		Flush: FlushConfig{
			IntervalSec: 2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "ctmd.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9177",
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath(),
			TCPAddr:    "127.0.0.1:7077",
			TimeoutSec: 30,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base ctm data directory, honoring the CTM_DATA_DIR
// override.
func DataDir() string {
	if envDir := os.Getenv("CTM_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path; an empty path means the default
// location, a missing file means defaults. The format follows the file
// extension: .toml, .json, .yaml/.yml, anything else is tried as TOML.
// Environment overrides are applied after decoding.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config (unknown format): %w", err)
		}
	}

	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// LoadOrCreate loads the config at path, writing the defaults there first
// when no file exists. The second return reports whether a file was
// created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := Save(cfg, path); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Validate checks the configuration, clamping out-of-range tunables.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies CTM_-prefixed environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("CTM_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("CTM_ARCHIVE_PATH"); v != "" {
		c.Storage.ArchivePath = v
	}
	if v := os.Getenv("CTM_EVENT_LOG_PATH"); v != "" {
		c.Storage.EventLogPath = v
	}
	if v := os.Getenv("CTM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CTM_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("CTM_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("CTM_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
}

// EnsureDirectories creates every directory the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.ArchivePath),
		filepath.Dir(c.Storage.EventLogPath),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.IPC.SocketPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := Config{
		Version: c.Version,
		Root:    c.Root,
		Storage: c.Storage,
		Capture: c.Capture,
		Session: c.Session,
		Flush:   c.Flush,
		Logging: c.Logging,
		Metrics: c.Metrics,
		IPC:     c.IPC,
	}
	clone.Capture.IgnoreNames = append([]string{}, c.Capture.IgnoreNames...)
	return &clone
}
