package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ctm/
//   - Linux:   ~/.local/share/ctm/
//   - Windows: %APPDATA%\ctm\
//
// Falls back to ~/.ctm if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ctm/
//   - Linux:   ~/.config/ctm/
//   - Windows: %APPDATA%\ctm\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/ctm/
//   - Linux:   ~/.local/share/ctm/logs/
//   - Windows: %LOCALAPPDATA%\ctm\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSLogDir()
	case "linux":
		return filepath.Join(linuxDataDir(), "logs")
	case "windows":
		return windowsLogDir()
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory for
// the control socket.
//
// Platform paths:
//   - macOS:   /tmp/ctm-$UID/
//   - Linux:   $XDG_RUNTIME_DIR/ctm/ or /tmp/ctm-$UID/
//   - Windows: (TCP fallback, no socket directory)
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join("/tmp", "ctm-"+userID())
	case "linux":
		return linuxRuntimeDir()
	case "windows":
		return ""
	default:
		return filepath.Join("/tmp", "ctm-"+userID())
	}
}

func defaultSocketPath() string {
	runtimeDir := PlatformRuntimeDir()
	if runtimeDir == "" {
		// No socket support; the TCP fallback carries the traffic.
		return ""
	}
	return filepath.Join(runtimeDir, "ctmd.sock")
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "ctm")
}

func macOSLogDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Logs", "ctm")
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "ctm")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "ctm")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ctm")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ctm")
}

func linuxRuntimeDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "ctm")
	}
	return filepath.Join("/tmp", "ctm-"+userID())
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "ctm")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "ctm")
}

func windowsLogDir() string {
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, "ctm", "logs")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Local", "ctm", "logs")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ctm")
}

func userID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// DefaultPaths aggregates every default path for the current platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	ConfigFile   string
	ArchiveFile  string
	EventLogFile string
	LogFile      string
	SocketPath   string
	PIDFile      string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := DataDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  PlatformConfigDir(),
		LogDir:     PlatformLogDir(),
		RuntimeDir: PlatformRuntimeDir(),

		ConfigFile:   filepath.Join(dataDir, "config.toml"),
		ArchiveFile:  filepath.Join(dataDir, "blobs.ctmb"),
		EventLogFile: filepath.Join(dataDir, "events.db"),
		LogFile:      filepath.Join(dataDir, "ctmd.log"),
		SocketPath:   defaultSocketPath(),
		PIDFile:      filepath.Join(dataDir, "ctmd.pid"),
	}
}
