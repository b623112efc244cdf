package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mehsaandev/code-time-machine/internal/config"
	"github.com/mehsaandev/code-time-machine/internal/engine"
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/health"
	"github.com/mehsaandev/code-time-machine/internal/ipc"
	"github.com/mehsaandev/code-time-machine/internal/logging"
	"github.com/mehsaandev/code-time-machine/internal/metrics"
	"github.com/mehsaandev/code-time-machine/internal/session"
	"github.com/mehsaandev/code-time-machine/internal/tracker"
)

// Daemon wires the tracker, engine, event log and IPC server together for
// one tracked root and owns their lifecycle.
type Daemon struct {
	cfg      *config.Config
	log      *logging.Logger
	crash    *logging.CrashHandler
	elog     *eventlog.Log
	eng      *engine.Engine
	sessions *session.Manager
	track    *tracker.Tracker
	ipcSrv   *ipc.Server
	checker  *health.Checker
	httpSrv  *http.Server

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewDaemon builds a Daemon from configuration. Nothing is started; Run
// does that.
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	log, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	crash := logging.NewCrashHandler(
		filepath.Join(cfg.Storage.DataDir, "crashes"), Version, log)

	registry := metrics.NewRegistry("ctm", "")
	em := metrics.InitMetrics(registry)

	elog, err := eventlog.Open(cfg.Storage.EventLogPath,
		time.Duration(cfg.Flush.IntervalSec)*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	sessions := session.NewManager(elog, cfg.Root,
		time.Duration(cfg.Session.IdleTimeoutMin)*time.Minute, log)

	eng, err := engine.New(engine.Options{
		Root:          cfg.Root,
		ArchivePath:   cfg.Storage.ArchivePath,
		MaxSnapshots:  cfg.Storage.MaxSnapshots,
		MaxStoreBytes: cfg.Storage.MaxStoreBytes,
	}, elog, sessions, em, log)
	if err != nil {
		elog.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	track, err := tracker.New(cfg.Root,
		time.Duration(cfg.Capture.DebounceSec)*time.Second,
		cfg.Capture.MaxFileBytes,
		cfg.Capture.IgnoreNames, log)
	if err != nil {
		eng.Close()
		elog.Close()
		return nil, fmt.Errorf("init tracker: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		log:        log.WithComponent("daemon"),
		crash:      crash,
		elog:       elog,
		eng:        eng,
		sessions:   sessions,
		track:      track,
		shutdownCh: make(chan struct{}),
	}

	handler := ipc.NewEngineHandler(eng, Version, cfg.Root, log)
	d.ipcSrv = ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.IPC.SocketPath,
		TCPAddr:    cfg.IPC.TCPAddr,
		Version:    Version,
		Root:       cfg.Root,
		Timeout:    time.Duration(cfg.IPC.TimeoutSec) * time.Second,
		OnShutdown: d.requestShutdown,
		Log:        log,
	}, handler)

	d.checker = health.NewChecker()
	d.checker.Register("eventlog", true, health.DatabaseCheck(elog.Ping))
	d.checker.Register("archive", false, health.FileCheck(cfg.Storage.ArchivePath))
	d.checker.Register("ipc", false, health.CustomCheck(func() error {
		if d.ipcSrv == nil {
			return fmt.Errorf("ipc server not started")
		}
		return nil
	}))

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.HTTPHandler())
		mux.Handle("/healthz", d.checker.LivenessHandler())
		mux.Handle("/readyz", d.checker.ReadinessHandler())
		mux.Handle("/health", d.checker.Handler())
		d.httpSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return d, nil
}

// Run starts all subsystems and blocks until a shutdown signal or an IPC
// shutdown request arrives.
func (d *Daemon) Run() error {
	defer d.crash.Recover("daemon")

	pidPath := filepath.Join(d.cfg.Storage.DataDir, "ctmd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	if err := d.track.Start(); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	if err := d.ipcSrv.Start(); err != nil {
		d.track.Stop()
		return fmt.Errorf("start ipc: %w", err)
	}

	if d.httpSrv != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.crash.Recover("http")
			d.log.Info("metrics endpoint listening", "addr", d.httpSrv.Addr)
			if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	d.checker.SetReady(true)

	d.log.Info("daemon started",
		"version", Version,
		"root", d.cfg.Root,
		"debounce", d.track.Debounce())

	if d.cfg.Capture.SnapshotOnStart {
		if created, err := d.eng.CaptureSnapshot("startup baseline", nil); err != nil {
			d.log.Warn("startup snapshot failed", "error", err)
		} else if created {
			d.log.Info("startup snapshot captured")
		}
	}

	d.wg.Add(2)
	go d.changeLoop()
	go d.idleLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		d.log.Info("signal received", "signal", sig.String())
	case <-d.shutdownCh:
		d.log.Info("shutdown requested over ipc")
	}
	signal.Stop(sigCh)

	return d.stop()
}

// changeLoop drains tracker changes into the engine until shutdown.
func (d *Daemon) changeLoop() {
	defer d.wg.Done()
	defer d.crash.Recover("changes")

	for {
		select {
		case <-d.shutdownCh:
			return
		case err, ok := <-d.track.Errors():
			if !ok {
				return
			}
			d.log.Warn("tracker error", "error", err)
		case ch, ok := <-d.track.Events():
			if !ok {
				return
			}
			d.applyChange(ch)
		}
	}
}

func (d *Daemon) applyChange(ch tracker.Change) {
	ts := ch.Timestamp.UnixNano()
	var err error
	switch ch.Kind {
	case tracker.ChangeWrite:
		err = d.eng.RecordEdit(engine.EditEvent{
			Kind:      engine.EditFullReplace,
			Path:      ch.Path,
			Timestamp: ts,
			Content:   ch.Content,
		})
	case tracker.ChangeRemove:
		err = d.eng.RecordDelete(ch.Path, ts)
	}
	if err != nil {
		d.log.Warn("record change failed",
			"path", ch.Path,
			"kind", ch.Kind.String(),
			"error", err)
	}
}

// idleLoop ends the active session once it has been quiet past the
// configured idle timeout.
func (d *Daemon) idleLoop() {
	defer d.wg.Done()
	defer d.crash.Recover("idle")

	idle := time.Duration(d.cfg.Session.IdleTimeoutMin) * time.Minute
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case now := <-ticker.C:
			cur := d.sessions.Current()
			if cur == nil {
				continue
			}
			last := time.Unix(0, cur.LastActivity)
			if now.Sub(last) < idle {
				continue
			}
			if err := d.eng.EndSession(cur.LastActivity); err != nil {
				d.log.Warn("idle session end failed", "session", cur.ID, "error", err)
			} else {
				d.log.Info("session ended after idle timeout", "session", cur.ID)
			}
		}
	}
}

func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

func (d *Daemon) stop() error {
	d.requestShutdown()
	d.checker.SetReady(false)

	if err := d.track.Stop(); err != nil {
		d.log.Warn("tracker stop failed", "error", err)
	}
	d.wg.Wait()

	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.httpSrv.Shutdown(ctx)
		cancel()
	}
	if err := d.ipcSrv.Stop(); err != nil {
		d.log.Warn("ipc stop failed", "error", err)
	}

	var firstErr error
	if err := d.eng.Close(); err != nil {
		firstErr = fmt.Errorf("close engine: %w", err)
	}
	if err := d.elog.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close event log: %w", err)
	}

	d.log.Info("daemon stopped")
	return firstErr
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := loggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return logging.New(lc)
}

// loggerConfig maps the daemon's logging section onto a logging.Config,
// leaving defaults in place for unset fields.
func loggerConfig(cfg *config.Config) (*logging.Config, error) {
	lc := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		lvl, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = lvl
	}
	if cfg.Logging.Format != "" {
		f, err := logging.ParseFormat(cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		lc.Format = f
	}
	if cfg.Logging.Output != "" {
		lc.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		lc.FilePath = cfg.Logging.FilePath
	}
	if cfg.Logging.MaxSizeMB > 0 {
		lc.MaxSize = cfg.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups > 0 {
		lc.MaxBackups = cfg.Logging.MaxBackups
	}
	lc.Component = "ctmd"
	return lc, nil
}

func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another daemon is running (pid %d)", pid)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
