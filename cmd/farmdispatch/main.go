package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/farmdispatch/internal/api"
	"github.com/mattjoyce/farmdispatch/internal/config"
	"github.com/mattjoyce/farmdispatch/internal/dispatch"
	"github.com/mattjoyce/farmdispatch/internal/events"
	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/lock"
	"github.com/mattjoyce/farmdispatch/internal/log"
	"github.com/mattjoyce/farmdispatch/internal/metrics"
	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/storage"
	"github.com/mattjoyce/farmdispatch/internal/tui/watch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "invocation":
		os.Exit(runInvocationNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "doctor":
		os.Exit(runConfigCheck(args))
	case "version":
		fmt.Printf("farmdispatch version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`farmdispatch - Batches compile work items and ships them to a distributed build farm

Usage:
  farmdispatch <noun> <action> [flags]

Core Resources (Nouns):
  system      Dispatcher lifecycle
  config      Configuration and integrity
  invocation  Build tool invocations and their batches

System Commands:
  system start          Run the dispatcher in the foreground
  system watch          Live terminal monitor for a running dispatcher

Config Commands:
  config check          Validate settings, host and integrity
  config lock           Write the .checksums manifest
  config show           Print the effective configuration

Invocation Commands:
  invocation list       Show recent invocations from the journal
  invocation inspect    Show one invocation's batches and artifacts

General:
  version               Show version information
  help                  Show this help message

Use 'farmdispatch <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		return runStart(actionArgs)
	case "watch":
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n\n", action)
		printSystemNounHelp(os.Stderr)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: farmdispatch system <start|watch> [flags]")
}

// resolveConfigPath falls back to the standard locations when no -config
// flag was given.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	discovered, err := config.DiscoverConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to discover config: %w", err)
	}
	return discovered, nil
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithFormat(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("farmdispatch starting", "version", version, "config", cfg.SourcePath)

	pidLockPath := lock.PathFor(cfg.Farm.WorkingDir)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			logger.Error("another dispatcher owns this working root", "path", pidLockPath)
		} else {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		}
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	jrnl := journal.NewStore(db)
	if n, err := jrnl.MarkAbandoned(ctx, time.Now()); err != nil {
		logger.Error("failed to close out stale invocations", "error", err)
		return 1
	} else if n > 0 {
		logger.Warn("previous run left invocations open", "abandoned", n)
	}

	hub := events.NewHub(256)
	prom := metrics.NewPrometheus("farmdispatch")
	q := queue.New()

	disp, err := dispatch.New(ctx, cfg.Farm, q,
		dispatch.WithJournal(jrnl),
		dispatch.WithHub(hub),
		dispatch.WithMetrics(prom),
		dispatch.WithPollInterval(cfg.Service.TickInterval),
		dispatch.WithLogger(log.WithComponent("dispatch")),
	)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnavailable) {
			logger.Error("build farm unavailable; items must be compiled locally", "error", err)
		} else {
			logger.Error("failed to create dispatcher", "error", err)
		}
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := disp.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	// Close must not overlap a tick, so wait for Run to return first.
	defer func() {
		cancel()
		_ = g.Wait()
		if err := disp.Close(); err != nil {
			logger.Warn("dispatcher teardown incomplete", "error", err)
		}
		logger.Info("farmdispatch stopped")
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.APIKey,
			CORSOrigins: cfg.API.CORSOrigins,
		}, api.Deps{
			Queue:   q,
			Status:  disp,
			Events:  hub,
			Journal: jrnl,
			Metrics: prom.Handler(),
		}, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Service.WatchConfig {
		w, err := config.NewWatcher(cfg.SourcePath, func() {
			reload(cfg.SourcePath, disp, logger)
		}, log.WithComponent("config"))
		if err != nil {
			logger.Error("failed to watch config", "path", cfg.SourcePath, "error", err)
			return 1
		}
		g.Go(func() error { return w.Run(gctx) })
		logger.Info("watching config for changes", "path", cfg.SourcePath)
	}

	logger.Info("farmdispatch running (press Ctrl+C to stop)")

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(cfg.SourcePath, disp, logger)
				continue
			}
			logger.Info("received shutdown signal", "signal", sig)
			return 0
		case <-gctx.Done():
			logger.Error("component failed", "error", g.Wait())
			return 1
		}
	}
}

type reconfigurer interface {
	Reconfigure(cfg config.FarmConfig) error
}

// reload re-reads the config file and hands the farm section to the
// dispatcher. Other sections need a restart.
func reload(path string, d reconfigurer, logger *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Warn("reload failed; keeping current settings", "error", err)
		return
	}
	if err := d.Reconfigure(cfg.Farm); err != nil {
		logger.Warn("reload rejected; keeping current settings", "error", err)
		return
	}
	logger.Info("farm settings reloaded", "config", path)
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Base URL of a running dispatcher's API")
	apiKey := fs.String("api-key", os.Getenv("FARMDISPATCH_API_KEY"), "API key (defaults to $FARMDISPATCH_API_KEY)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
