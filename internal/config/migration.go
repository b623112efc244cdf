package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
}

// MigrateConfig upgrades a configuration from an older schema version to
// the current one, backing up the file first.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("backup config: %w", err)
		}
		result.Backup = backup
	}

	for cfg.Version < Version {
		changes, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
	}

	return result, nil
}

func applyMigration(cfg *Config) ([]string, error) {
	switch cfg.Version {
	case 0:
		changes := migrateV0ToV1(cfg)
		cfg.Version = 1
		return changes, nil
	default:
		return nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
}

// migrateV0ToV1 upgrades pre-versioned config files, which predate the
// storage paths and carried only capture and logging settings.
func migrateV0ToV1(cfg *Config) []string {
	var changes []string
	dir := DataDir()

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dir
		changes = append(changes, "set default storage.data_dir")
	}
	if cfg.Storage.ArchivePath == "" {
		cfg.Storage.ArchivePath = filepath.Join(cfg.Storage.DataDir, "blobs.ctmb")
		changes = append(changes, "set default storage.archive_path")
	}
	if cfg.Storage.EventLogPath == "" {
		cfg.Storage.EventLogPath = filepath.Join(cfg.Storage.DataDir, "events.db")
		changes = append(changes, "set default storage.event_log_path")
	}
	if cfg.IPC.SocketPath == "" && cfg.IPC.TCPAddr == "" {
		cfg.IPC.SocketPath = defaultSocketPath()
		cfg.IPC.TCPAddr = "127.0.0.1:7077"
		cfg.IPC.TimeoutSec = 30
		changes = append(changes, "added IPC configuration")
	}

	return changes
}

// backupConfig copies the config file aside with a timestamp suffix.
func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// Save writes the configuration to path. The format follows the file
// extension, defaulting to TOML.
func Save(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data = []byte(generateTOML(cfg))
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// generateTOML renders the config as a commented TOML file. The encoder
// would work too, but hand-formatting keeps the section order stable and
// lets us annotate fields for people editing the file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# ctmd configuration
# Schema version %d

version = %d

# Workspace directory to track. Empty means the daemon's working
# directory at startup.
root = "%s"

[storage]
data_dir = "%s"
archive_path = "%s"
event_log_path = "%s"
# Oldest snapshots are evicted past this count. 0 disables the cap.
max_snapshots = %d
# Archive size budget in bytes. 0 disables the cap.
max_store_bytes = %d

[capture]
# Quiet window in seconds before a changed file is recorded (2-5).
debounce_sec = %d
# Names excluded from tracking, merged with the built-in set.
ignore_names = %s
max_file_bytes = %d
snapshot_on_start = %t

[session]
# Inactivity gap in minutes that closes an edit session.
idle_timeout_min = %d

[flush]
# Buffered event log commit interval in seconds (1-60).
interval_sec = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d

[metrics]
enabled = %t
listen_addr = "%s"

[ipc]
socket_path = "%s"
# Loopback fallback used where Unix sockets are unavailable.
tcp_addr = "%s"
timeout_sec = %d
`,
		Version,
		cfg.Version,
		cfg.Root,
		cfg.Storage.DataDir,
		cfg.Storage.ArchivePath,
		cfg.Storage.EventLogPath,
		cfg.Storage.MaxSnapshots,
		cfg.Storage.MaxStoreBytes,
		cfg.Capture.DebounceSec,
		toTOMLArray(cfg.Capture.IgnoreNames),
		cfg.Capture.MaxFileBytes,
		cfg.Capture.SnapshotOnStart,
		cfg.Session.IdleTimeoutMin,
		cfg.Flush.IntervalSec,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Metrics.Enabled,
		cfg.Metrics.ListenAddr,
		cfg.IPC.SocketPath,
		cfg.IPC.TCPAddr,
		cfg.IPC.TimeoutSec,
	)
}

func toTOMLArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf("%q", item)
	}
	return result + "]"
}
