// ctmd is the local history daemon. It watches a workspace, records every
// stable file change as replayable history, and serves reconstruction
// queries over a local socket:
//
//	ctmd init        Write the default configuration
//	ctmd serve       Run the daemon in the foreground
//	ctmd version     Print the version
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mehsaandev/code-time-machine/internal/config"
)

// Version is stamped by the release build; "dev" otherwise.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "serve":
		cmdServe()
	case "version":
		fmt.Println("ctmd " + Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`ctmd - local history daemon

USAGE:
    ctmd <command> [options]

COMMANDS:
    init        Write the default configuration and data directories
    serve       Run the daemon in the foreground
    version     Print the version
    help        Show this help message

WORKFLOW:
    1. ctmd init                # One-time setup
    2. ctmd serve               # Run in your workspace (or a service unit)
    3. ctmctl status            # Inspect from another terminal
    4. ctmctl rebuild <path> <time>

The daemon records history under its data directory; nothing is sent
anywhere. Use ctmctl to capture snapshots, rebuild past file content,
and export snapshots.`)
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if created {
		fmt.Printf("Configuration written to %s\n", path)
	} else {
		fmt.Printf("Configuration already present at %s\n", path)
	}
	fmt.Printf("Data directory: %s\n", cfg.Storage.DataDir)
	fmt.Println()
	fmt.Println("Next: run 'ctmd serve' from the workspace you want tracked,")
	fmt.Println("or set root in the config file.")
}

func cmdServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	root := fs.String("root", "", "workspace to track (overrides config)")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *root != "" {
		cfg.Root = *root
	}
	if cfg.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving working directory: %v\n", err)
			os.Exit(1)
		}
		cfg.Root = wd
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	daemon, err := NewDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}
	if err := daemon.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
		os.Exit(1)
	}
}
