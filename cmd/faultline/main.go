// Package main is the entry point for the faultline debug tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/faultline/internal/config"
	"github.com/dshills/faultline/internal/logging"
	"github.com/dshills/faultline/internal/script"
	"github.com/dshills/faultline/internal/session"
	"github.com/dshills/faultline/internal/watch"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// options holds the parsed command line.
type options struct {
	ELFPath    string
	Name       string
	Machine    string
	CPU        string
	Memory     string
	ConfigPath string
	ScriptPath string
	LogLevel   string
	Watch      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: configuration: %v\n", err)
		return 1
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	log := logging.New(logCfg)
	logging.SetDefault(log)

	registry := session.NewRegistry(&cfg, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.StopAll(ctx)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := registry.Create(ctx, opts.Name, session.Config{
		ELFPath: opts.ELFPath,
		Machine: opts.Machine,
		CPU:     opts.CPU,
		Memory:  opts.Memory,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting session: %v\n", err)
		return 1
	}
	log.Info("session %s ready: %s on %s (gdb :%d, qmp :%d)",
		sess.Name, sess.Config().ELFPath, sess.Target().Name(),
		sess.Config().GDBPort, sess.Config().QMPPort)

	if opts.Watch {
		watcher, err := watch.New(watch.WithLogger(log))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: watcher: %v\n", err)
			return 1
		}
		defer watcher.Close()

		if err := watcher.Watch(sess.Config().ELFPath, sess.MarkSymbolsStale); err != nil {
			fmt.Fprintf(os.Stderr, "Error: watching binary: %v\n", err)
			return 1
		}
		log.Info("watching %s for rebuilds", sess.Config().ELFPath)
	}

	if opts.ScriptPath != "" {
		engine := script.New(sess, script.WithLogger(log))
		defer engine.Close()

		if err := engine.RunFile(ctx, opts.ScriptPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: script: %v\n", err)
			return 1
		}
		return 0
	}

	// No script: hold the session open until interrupted or the
	// simulator goes away.
	log.Info("attach with: gdb-multiarch %s -ex 'target remote :%d'",
		sess.Config().ELFPath, sess.Config().GDBPort)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return 0
		case <-time.After(500 * time.Millisecond):
			if sess.State() == session.StateTerminated {
				log.Warn("session terminated")
				return 1
			}
		}
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.ELFPath, "elf", "", "Path to the firmware ELF binary")
	flag.StringVar(&opts.Name, "name", "", "Session name (defaults to the binary name)")
	flag.StringVar(&opts.Machine, "machine", "", "Simulator machine model")
	flag.StringVar(&opts.CPU, "cpu", "", "CPU model")
	flag.StringVar(&opts.Memory, "memory", "", "Simulated RAM size (e.g. 64K)")
	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.ScriptPath, "script", "", "Lua script to run against the session")
	flag.StringVar(&opts.ScriptPath, "s", "", "Lua script to run (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.Watch, "watch", false, "Reload symbols when the binary is rebuilt")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Faultline - embedded firmware crash debugging over QEMU\n\n")
		fmt.Fprintf(os.Stderr, "Usage: faultline -elf firmware.elf [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  faultline -elf fw.elf                      Start a session and wait\n")
		fmt.Fprintf(os.Stderr, "  faultline -elf fw.elf -s crash.lua         Run a debug script\n")
		fmt.Fprintf(os.Stderr, "  faultline -elf fw.elf -cpu rv32 -machine sifive_e\n")
		fmt.Fprintf(os.Stderr, "  faultline -elf fw.elf -watch               Track rebuilds\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("Faultline %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if opts.ELFPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -elf is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if opts.LogLevel != "" {
		switch opts.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", opts.LogLevel)
			os.Exit(1)
		}
	}

	return opts
}
