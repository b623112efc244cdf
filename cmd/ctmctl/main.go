// ctmctl is the control CLI for ctmd. Commands talk to the daemon over
// IPC; read-only commands fall back to opening the history stores directly
// when no daemon is running.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mehsaandev/code-time-machine/internal/config"
	"github.com/mehsaandev/code-time-machine/internal/engine"
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/logging"
	"github.com/mehsaandev/code-time-machine/internal/metrics"
	"github.com/mehsaandev/code-time-machine/internal/session"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "status":
		cmdStatus(args)
	case "ping":
		cmdPing()
	case "capture":
		cmdCapture(args)
	case "snapshots":
		cmdSnapshots(args)
	case "files":
		cmdFiles(args)
	case "show":
		cmdShow(args)
	case "rebuild":
		cmdRebuild(args)
	case "timestamps":
		cmdTimestamps(args)
	case "log":
		cmdLog(args)
	case "diff":
		cmdDiff(args)
	case "sessions":
		cmdSessions(args)
	case "end-session":
		cmdEndSession()
	case "export":
		cmdExport(args)
	case "verify":
		cmdVerify(args)
	case "clear":
		cmdClear(args)
	case "shutdown":
		cmdShutdown()
	case "version":
		fmt.Printf("ctmctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ctmctl - control utility for ctmd

Usage: ctmctl [options] <command> [args]

Commands:
  status                         Show daemon status and history statistics
  ping                           Check whether the daemon is responding
  capture [-m msg] [path...]     Capture a snapshot of tracked files
  snapshots [-n limit]           List snapshots, oldest first
  files <snapshot-id>            List the files in a snapshot
  show <path> [-at time]         Print a file's content as of a point in time
  rebuild <path> -at time -o out Write reconstructed content to a file
  timestamps <path>              List every rebuildable point for a path
  log <path> [-n count]          Show recent revisions of a path as diffs
  diff <path> -from t1 [-to t2]  Unified diff between two points in time
  sessions [-active]             List recorded edit sessions
  end-session                    End the active edit session now
  export <snapshot-id> <dir>     Export a snapshot's files and manifest
  verify <path> [-at time]       Check the on-disk file against history
  clear -yes                     Erase all recorded history
  shutdown                       Ask the daemon to stop
  version                        Print the ctmctl version
  help                           Show this help message

Options:
  -config <path>  Path to config file (default: platform data dir)

Times accept RFC 3339, "2006-01-02 15:04:05", Unix seconds, or a relative
offset like -15m or -2h. The default is now.`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		printError(fmt.Sprintf("load config: %v", err))
		os.Exit(1)
	}
	return cfg
}

// parseWhen turns a user-supplied time expression into Unix nanoseconds.
func parseWhen(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "now" {
		return time.Now().UnixNano(), nil
	}
	if strings.HasPrefix(s, "-") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return 0, fmt.Errorf("relative time %q: %w", s, err)
		}
		return time.Now().Add(-d).UnixNano(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Unix seconds unless it is already nanosecond-scale.
		if n > 1e15 {
			return n, nil
		}
		return n * int64(time.Second), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixNano(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", s)
}

func formatNs(ns int64) string {
	return time.Unix(0, ns).Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// resolveInRoot maps a history-relative path onto disk.
func resolveInRoot(cfg *config.Config, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.Root, filepath.FromSlash(path))
}

// openLocalEngine opens the history stores directly for offline reads.
// The returned cleanup must run before the process exits.
func openLocalEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	log, err := logging.New(&logging.Config{
		Level:     logging.LevelError,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "ctmctl",
	})
	if err != nil {
		return nil, nil, err
	}

	elog, err := eventlog.Open(cfg.Storage.EventLogPath,
		time.Duration(cfg.Flush.IntervalSec)*time.Second, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}

	sessions := session.NewManager(elog, cfg.Root,
		time.Duration(cfg.Session.IdleTimeoutMin)*time.Minute, log)

	eng, err := engine.New(engine.Options{
		Root:          cfg.Root,
		ArchivePath:   cfg.Storage.ArchivePath,
		MaxSnapshots:  cfg.Storage.MaxSnapshots,
		MaxStoreBytes: cfg.Storage.MaxStoreBytes,
	}, elog, sessions, metrics.GetMetrics(), log)
	if err != nil {
		elog.Close()
		return nil, nil, fmt.Errorf("open history: %w", err)
	}

	cleanup := func() {
		eng.Close()
		elog.Close()
	}
	return eng, cleanup, nil
}
