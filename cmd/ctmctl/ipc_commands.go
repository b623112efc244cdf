package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mehsaandev/code-time-machine/internal/config"
	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/ipc"
)

// tryConnect dials the daemon. A nil client means it is not running.
func tryConnect(cfg *config.Config) *ipc.IPCClient {
	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath: cfg.IPC.SocketPath,
		TCPAddr:    cfg.IPC.TCPAddr,
		Timeout:    time.Duration(cfg.IPC.TimeoutSec) * time.Second,
		Name:       "ctmctl",
		Version:    Version,
	})
	if err := client.Connect(); err != nil {
		return nil
	}
	return client
}

// mustConnect dials the daemon and exits with a hint when it is down.
func mustConnect(cfg *config.Config) *ipc.IPCClient {
	client := tryConnect(cfg)
	if client == nil {
		printError("cannot connect to daemon")
		fmt.Fprintf(os.Stderr, "  %sTip%s: start it with: ctmd serve\n", c.Dim, c.Reset)
		os.Exit(1)
	}
	return client
}

func cmdPing() {
	cfg := loadConfig()
	client := tryConnect(cfg)
	if client == nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
		os.Exit(1)
	}
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RESPONDING%s (%v)\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset, err)
		os.Exit(1)
	}
	fmt.Printf("  %sDaemon%s  %s%sRUNNING%s (latency: %s)\n",
		c.Dim, c.Reset, c.Bold, c.Green, c.Reset, time.Since(start).Round(time.Microsecond))
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	withSessions := fs.Bool("sessions", false, "include active sessions")
	fs.Parse(args)

	cfg := loadConfig()
	client := tryConnect(cfg)
	if client == nil {
		fmt.Printf("  %sDaemon%s     %s%sNOT RUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
		statusOffline(cfg)
		return
	}
	defer client.Close()

	status, err := client.Status(*withSessions)
	if err != nil {
		printError(fmt.Sprintf("status: %v", err))
		os.Exit(1)
	}

	printSection("DAEMON")
	fmt.Printf("  %sVersion%s    %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.Version, c.Reset)
	fmt.Printf("  %sStarted%s    %s\n", c.Dim, c.Reset, status.StartedAt.Format(time.RFC3339))
	fmt.Printf("  %sUptime%s     %s\n", c.Dim, c.Reset, status.Uptime.Round(time.Second))
	fmt.Printf("  %sRoot%s       %s\n", c.Dim, c.Reset, status.Root)
	if status.Enabled {
		fmt.Printf("  %sRecording%s  %s%sON%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sRecording%s  %s%sPAUSED%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
	}

	printSection("HISTORY")
	fmt.Printf("  %sSnapshots%s      %d\n", c.Dim, c.Reset, status.SnapshotCount)
	fmt.Printf("  %sPatch records%s  %d\n", c.Dim, c.Reset, status.PatchCount)
	fmt.Printf("  %sTracked files%s  %d\n", c.Dim, c.Reset, status.TrackedFiles)
	fmt.Printf("  %sBlobs%s          %d (%d delta-compressed)\n", c.Dim, c.Reset, status.BlobCount, status.DeltaBlobs)
	fmt.Printf("  %sStore size%s     %s\n", c.Dim, c.Reset, formatBytes(status.StoreBytes))

	if len(status.ActiveSessions) > 0 {
		printSection("ACTIVE SESSIONS")
		for _, s := range status.ActiveSessions {
			printSessionInfo(s)
		}
	}
	fmt.Println()
}

func statusOffline(cfg *config.Config) {
	eng, cleanup, err := openLocalEngine(cfg)
	if err != nil {
		fmt.Printf("  %sHistory%s    unavailable (%v)\n", c.Dim, c.Reset, err)
		return
	}
	defer cleanup()

	stats, err := eng.Stats()
	if err != nil {
		printError(fmt.Sprintf("read history stats: %v", err))
		return
	}
	printSection("HISTORY (offline)")
	fmt.Printf("  %sSnapshots%s      %d\n", c.Dim, c.Reset, stats.Snapshots)
	fmt.Printf("  %sPatch records%s  %d\n", c.Dim, c.Reset, stats.PatchRecords)
	fmt.Printf("  %sTracked files%s  %d\n", c.Dim, c.Reset, stats.TrackedFiles)
	fmt.Printf("  %sBlobs%s          %d (%d delta-compressed)\n", c.Dim, c.Reset, stats.Blobs, stats.DeltaBlobs)
	fmt.Printf("  %sStore size%s     %s\n", c.Dim, c.Reset, formatBytes(stats.StoreBytes))
	fmt.Println()
}

func cmdCapture(args []string) {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	msg := fs.String("m", "", "snapshot description")
	fs.Parse(args)

	cfg := loadConfig()
	client := mustConnect(cfg)
	defer client.Close()

	resp, err := client.Capture(*msg, fs.Args())
	if err != nil {
		printError(fmt.Sprintf("capture: %v", err))
		os.Exit(1)
	}
	if !resp.Created {
		fmt.Printf("  %sNo snapshot created: workspace unchanged.%s\n", c.Dim, c.Reset)
		return
	}
	fmt.Printf("\n%s%s SNAPSHOT CAPTURED %s\n\n", c.Bold, c.Green, c.Reset)
	fmt.Printf("  %sID%s  %s%s%s\n", c.Dim, c.Reset, c.Cyan, resp.SnapshotID, c.Reset)
	if resp.Warning != "" {
		fmt.Printf("  %sWarning%s  %s%s%s\n", c.Dim, c.Reset, c.Yellow, resp.Warning, c.Reset)
	}
	fmt.Println()
}

func cmdSnapshots(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	limit := fs.Int("n", 0, "show at most n snapshots, newest last")
	fs.Parse(args)

	cfg := loadConfig()
	var snaps []ipc.SnapshotInfo
	if client := tryConnect(cfg); client != nil {
		defer client.Close()
		var err error
		snaps, err = client.ListSnapshots(*limit)
		if err != nil {
			printError(fmt.Sprintf("list snapshots: %v", err))
			os.Exit(1)
		}
	} else {
		eng, cleanup, err := openLocalEngine(cfg)
		if err != nil {
			printError(err.Error())
			os.Exit(1)
		}
		defer cleanup()
		all, err := eng.ListSnapshots()
		if err != nil {
			printError(fmt.Sprintf("list snapshots: %v", err))
			os.Exit(1)
		}
		if *limit > 0 && len(all) > *limit {
			all = all[len(all)-*limit:]
		}
		for _, s := range all {
			snaps = append(snaps, ipc.SnapshotInfo{
				ID:          s.ID,
				TimestampNs: s.Timestamp,
				Description: s.Description,
				FileCount:   len(s.Files),
			})
		}
	}

	if len(snaps) == 0 {
		fmt.Printf("  %sNo snapshots recorded.%s\n", c.Dim, c.Reset)
		return
	}
	printSection("SNAPSHOTS")
	for _, s := range snaps {
		fmt.Printf("  %s%s%s  %s  %d files", c.Cyan, s.ID, c.Reset, formatNs(s.TimestampNs), s.FileCount)
		if s.Description != "" {
			fmt.Printf("  %s%s%s", c.Dim, s.Description, c.Reset)
		}
		fmt.Println()
	}
	fmt.Println()
}

func cmdFiles(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl files <snapshot-id>")
		os.Exit(1)
	}
	id := args[0]

	cfg := loadConfig()
	var files []string
	if client := tryConnect(cfg); client != nil {
		defer client.Close()
		var err error
		files, err = client.SnapshotFiles(id)
		if err != nil {
			printError(fmt.Sprintf("snapshot files: %v", err))
			os.Exit(1)
		}
	} else {
		eng, cleanup, err := openLocalEngine(cfg)
		if err != nil {
			printError(err.Error())
			os.Exit(1)
		}
		defer cleanup()
		files, err = eng.GetSnapshotFiles(id)
		if err != nil {
			printError(fmt.Sprintf("snapshot files: %v", err))
			os.Exit(1)
		}
	}

	for _, f := range files {
		fmt.Println(f)
	}
}

// rebuildAt reconstructs path at ts, via the daemon when it is running.
func rebuildAt(cfg *config.Config, path string, ts int64) (string, error) {
	if client := tryConnect(cfg); client != nil {
		defer client.Close()
		resp, err := client.Rebuild(path, ts)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	eng, cleanup, err := openLocalEngine(cfg)
	if err != nil {
		return "", err
	}
	defer cleanup()
	res, err := eng.Rebuild(path, ts)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

func cmdShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	at := fs.String("at", "", "point in time (default: now)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl show <path> [-at time]")
		os.Exit(1)
	}

	ts, err := parseWhen(*at)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	content, err := rebuildAt(loadConfig(), fs.Arg(0), ts)
	if err != nil {
		printError(fmt.Sprintf("rebuild: %v", err))
		os.Exit(1)
	}
	fmt.Print(content)
}

func cmdRebuild(args []string) {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	at := fs.String("at", "", "point in time (default: now)")
	out := fs.String("o", "", "output file (default: stdout)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl rebuild <path> -at <time> [-o <file>]")
		os.Exit(1)
	}

	ts, err := parseWhen(*at)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	content, err := rebuildAt(loadConfig(), fs.Arg(0), ts)
	if err != nil {
		printError(fmt.Sprintf("rebuild: %v", err))
		os.Exit(1)
	}
	if *out == "" {
		fmt.Print(content)
		return
	}
	if err := os.WriteFile(*out, []byte(content), 0o644); err != nil {
		printError(fmt.Sprintf("write %s: %v", *out, err))
		os.Exit(1)
	}
	fmt.Printf("  %sWrote%s %d bytes to %s\n", c.Dim, c.Reset, len(content), *out)
}

func cmdTimestamps(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl timestamps <path>")
		os.Exit(1)
	}
	path := args[0]

	cfg := loadConfig()
	var ts []int64
	if client := tryConnect(cfg); client != nil {
		defer client.Close()
		var err error
		ts, err = client.Timestamps(path)
		if err != nil {
			printError(fmt.Sprintf("timestamps: %v", err))
			os.Exit(1)
		}
	} else {
		eng, cleanup, err := openLocalEngine(cfg)
		if err != nil {
			printError(err.Error())
			os.Exit(1)
		}
		defer cleanup()
		ts, err = eng.GetAvailableTimestamps(path)
		if err != nil {
			printError(fmt.Sprintf("timestamps: %v", err))
			os.Exit(1)
		}
	}

	if len(ts) == 0 {
		fmt.Printf("  %sNo history for %s.%s\n", c.Dim, path, c.Reset)
		return
	}
	for _, t := range ts {
		fmt.Printf("%d  %s\n", t, formatNs(t))
	}
}

// cmdLog walks a path's recent revisions newest-first, rendering each step
// as a unified diff against its predecessor.
func cmdLog(args []string) {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	count := fs.Int("n", 10, "number of revisions to show")
	ctxLines := fs.Int("context", 3, "context lines per hunk")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl log <path> [-n count]")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg := loadConfig()
	var ts []int64
	if client := tryConnect(cfg); client != nil {
		defer client.Close()
		var err error
		ts, err = client.Timestamps(path)
		if err != nil {
			printError(fmt.Sprintf("timestamps: %v", err))
			os.Exit(1)
		}
	} else {
		eng, cleanup, err := openLocalEngine(cfg)
		if err != nil {
			printError(err.Error())
			os.Exit(1)
		}
		defer cleanup()
		ts, err = eng.GetAvailableTimestamps(path)
		if err != nil {
			printError(fmt.Sprintf("timestamps: %v", err))
			os.Exit(1)
		}
	}
	if len(ts) == 0 {
		fmt.Printf("  %sNo history for %s.%s\n", c.Dim, path, c.Reset)
		return
	}

	if *count > 0 && len(ts) > *count+1 {
		// Keep one extra so the oldest shown revision still has a base.
		ts = ts[len(ts)-*count-1:]
	}

	contents := make([]string, len(ts))
	for i, t := range ts {
		content, err := rebuildAt(cfg, path, t)
		if err != nil {
			printError(fmt.Sprintf("rebuild at %s: %v", formatNs(t), err))
			os.Exit(1)
		}
		contents[i] = content
	}

	for i := len(ts) - 1; i > 0; i-- {
		fmt.Printf("%s%s %s%s\n", c.Bold, c.Cyan, formatNs(ts[i]), c.Reset)
		body, _ := diffcodec.RenderUnified(
			fmt.Sprintf("%s@%s", path, formatNs(ts[i-1])),
			fmt.Sprintf("%s@%s", path, formatNs(ts[i])),
			[]byte(contents[i-1]), []byte(contents[i]),
			diffcodec.RenderOptions{Context: *ctxLines})
		if body == "" {
			fmt.Printf("  %s(no content change)%s\n", c.Dim, c.Reset)
		} else {
			fmt.Print(body)
		}
		fmt.Println()
	}
	fmt.Printf("%s%s %s%s  %s(oldest shown)%s\n", c.Bold, c.Cyan, formatNs(ts[0]), c.Reset, c.Dim, c.Reset)
}

func cmdDiff(args []string) {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	from := fs.String("from", "", "older point in time")
	to := fs.String("to", "", "newer point in time (default: now)")
	ctxLines := fs.Int("context", 3, "context lines per hunk")
	fs.Parse(args)
	if fs.NArg() < 1 || *from == "" {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl diff <path> -from <time> [-to <time>]")
		os.Exit(1)
	}
	path := fs.Arg(0)

	fromTs, err := parseWhen(*from)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	toTs, err := parseWhen(*to)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	cfg := loadConfig()
	oldContent, err := rebuildAt(cfg, path, fromTs)
	if err != nil {
		printError(fmt.Sprintf("rebuild at %s: %v", formatNs(fromTs), err))
		os.Exit(1)
	}
	newContent, err := rebuildAt(cfg, path, toTs)
	if err != nil {
		printError(fmt.Sprintf("rebuild at %s: %v", formatNs(toTs), err))
		os.Exit(1)
	}

	body, _ := diffcodec.RenderUnified(
		fmt.Sprintf("%s@%s", path, formatNs(fromTs)),
		fmt.Sprintf("%s@%s", path, formatNs(toTs)),
		[]byte(oldContent), []byte(newContent),
		diffcodec.RenderOptions{Context: *ctxLines})
	if body == "" {
		fmt.Printf("  %sNo changes.%s\n", c.Dim, c.Reset)
		return
	}
	fmt.Print(body)
}

func cmdSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	activeOnly := fs.Bool("active", false, "show only the active session")
	fs.Parse(args)

	cfg := loadConfig()
	var sessions []ipc.SessionInfo
	if client := tryConnect(cfg); client != nil {
		defer client.Close()
		var err error
		sessions, err = client.ListSessions(*activeOnly)
		if err != nil {
			printError(fmt.Sprintf("list sessions: %v", err))
			os.Exit(1)
		}
	} else {
		eng, cleanup, err := openLocalEngine(cfg)
		if err != nil {
			printError(err.Error())
			os.Exit(1)
		}
		defer cleanup()
		all, err := eng.Sessions(*activeOnly)
		if err != nil {
			printError(fmt.Sprintf("list sessions: %v", err))
			os.Exit(1)
		}
		for _, s := range all {
			sessions = append(sessions, ipc.SessionInfo{
				ID:             s.ID,
				StartedAtNs:    s.StartedAt,
				LastActivityNs: s.LastActivity,
				Active:         s.Active,
				Repo:           s.Repo,
				Branch:         s.Branch,
			})
		}
	}

	if len(sessions) == 0 {
		fmt.Printf("  %sNo sessions recorded.%s\n", c.Dim, c.Reset)
		return
	}
	printSection("SESSIONS")
	for _, s := range sessions {
		printSessionInfo(s)
	}
	fmt.Println()
}

func printSessionInfo(s ipc.SessionInfo) {
	state := fmt.Sprintf("%sended%s", c.Dim, c.Reset)
	if s.Active {
		state = fmt.Sprintf("%s%sactive%s", c.Bold, c.Green, c.Reset)
	}
	fmt.Printf("  %s%s%s  %s\n", c.Cyan, s.ID, c.Reset, state)
	fmt.Printf("    %sStarted%s   %s\n", c.Dim, c.Reset, formatNs(s.StartedAtNs))
	fmt.Printf("    %sActivity%s  %s\n", c.Dim, c.Reset, formatNs(s.LastActivityNs))
	if s.Branch != "" {
		fmt.Printf("    %sBranch%s    %s\n", c.Dim, c.Reset, s.Branch)
	}
}

func cmdEndSession() {
	cfg := loadConfig()
	client := mustConnect(cfg)
	defer client.Close()

	if err := client.EndSession(time.Now().UnixNano()); err != nil {
		printError(fmt.Sprintf("end session: %v", err))
		os.Exit(1)
	}
	fmt.Printf("  %sSession ended.%s\n", c.Dim, c.Reset)
}

func cmdExport(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl export <snapshot-id> <dest-dir>")
		os.Exit(1)
	}
	id, dest := args[0], args[1]

	cfg := loadConfig()
	if client := tryConnect(cfg); client != nil {
		defer client.Close()
		resp, err := client.Export(id, dest)
		if err != nil {
			printError(fmt.Sprintf("export: %v", err))
			os.Exit(1)
		}
		fmt.Printf("\n%s%s EXPORTED %s\n\n", c.Bold, c.Green, c.Reset)
		fmt.Printf("  %sFiles%s     %d\n", c.Dim, c.Reset, resp.FileCount)
		fmt.Printf("  %sManifest%s  %s\n", c.Dim, c.Reset, resp.ManifestPath)
		fmt.Println()
		return
	}

	eng, cleanup, err := openLocalEngine(cfg)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	defer cleanup()
	manifest, err := eng.ExportSnapshot(id, dest)
	if err != nil {
		printError(fmt.Sprintf("export: %v", err))
		os.Exit(1)
	}
	fmt.Printf("\n%s%s EXPORTED %s\n\n", c.Bold, c.Green, c.Reset)
	fmt.Printf("  %sFiles%s  %d\n", c.Dim, c.Reset, manifest.FileCount)
	fmt.Println()
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	at := fs.String("at", "", "point in time (default: now)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ctmctl verify <path> [-at time]")
		os.Exit(1)
	}
	path := fs.Arg(0)

	ts, err := parseWhen(*at)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	cfg := loadConfig()
	content, err := rebuildAt(cfg, path, ts)
	if err != nil {
		printError(fmt.Sprintf("rebuild: %v", err))
		os.Exit(1)
	}

	onDisk, err := os.ReadFile(resolveInRoot(cfg, path))
	if err != nil {
		printError(fmt.Sprintf("read %s: %v", path, err))
		os.Exit(1)
	}

	if string(onDisk) == content {
		fmt.Printf("  %sVerify%s  %s%sMATCH%s (%s at %s)\n",
			c.Dim, c.Reset, c.Bold, c.Green, c.Reset, path, formatNs(ts))
		return
	}
	fmt.Printf("  %sVerify%s  %s%sMISMATCH%s (%s at %s)\n",
		c.Dim, c.Reset, c.Bold, c.Red, c.Reset, path, formatNs(ts))
	os.Exit(1)
}

func cmdClear(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	yes := fs.Bool("yes", false, "confirm erasing all history")
	fs.Parse(args)

	if !*yes {
		printError("refusing to erase history without -yes")
		os.Exit(1)
	}

	cfg := loadConfig()
	client := mustConnect(cfg)
	defer client.Close()

	if err := client.Clear(); err != nil {
		printError(fmt.Sprintf("clear: %v", err))
		os.Exit(1)
	}
	fmt.Printf("\n%s%s HISTORY CLEARED %s\n\n", c.Bold, c.Yellow, c.Reset)
}

func cmdShutdown() {
	cfg := loadConfig()
	client := tryConnect(cfg)
	if client == nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
		return
	}
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		printError(fmt.Sprintf("shutdown: %v", err))
		os.Exit(1)
	}
	fmt.Printf("  %sShutdown requested.%s\n", c.Dim, c.Reset)
}
