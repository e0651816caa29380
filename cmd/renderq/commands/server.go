package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ChenxingM/RenderQ/config"
	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/logger"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/plugins/aftereffects"
	"github.com/ChenxingM/RenderQ/plugins/ffmpeg"
	"github.com/ChenxingM/RenderQ/queue"
	"github.com/ChenxingM/RenderQ/scheduler"
	"github.com/ChenxingM/RenderQ/server"
)

// ServerCmd starts the RenderQ coordinator.
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the RenderQ coordinator (HTTP API, WebSocket events, scheduler)",
	Long: `Start the RenderQ coordinator in foreground mode.

The coordinator accepts job submissions, partitions jobs into tasks,
dispatches tasks to polling workers, and streams queue events to
WebSocket subscribers. Runs until interrupted (Ctrl+C) with graceful
shutdown.`,
	RunE: runServer,
}

var (
	serverAddr   string
	serverDBPath string
	serverLogDir string
)

func init() {
	ServerCmd.Flags().StringVar(&serverAddr, "addr", "", "Listen address (overrides config, e.g. :8000)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().StringVar(&serverLogDir, "log-dir", "", "Task log directory (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	// Default to Info verbosity for the server so startup is visible
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	// Re-initialize logging from config: output mode, theme, level
	logger.SetTheme(cfg.Log.Theme)
	if err := logger.InitializeWithLevel(cfg.Log.JSON, logger.VerbosityToLevel(verbosity)); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Cleanup()

	// Flag overrides
	dbPath := serverDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	addr := serverAddr
	if addr == "" {
		addr = cfg.Server.Addr()
	}
	logDir := serverLogDir
	if logDir == "" {
		logDir = cfg.Server.LogDir
	}

	if logger.ShouldOutput(verbosity, logger.OutputConfig) {
		pterm.Info.Printf("Effective config: addr=%s db=%s log_dir=%s tick=%s worker_timeout=%s stats=%s\n",
			addr, dbPath, logDir,
			cfg.Scheduler.TickInterval(), cfg.Scheduler.WorkerTimeout(), cfg.Server.StatsInterval())
	}

	// Open and migrate database
	database, err := openDatabase(dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	store := queue.NewStore(database)

	// Register built-in renderer plugins
	registry := plugin.NewRegistry()
	if err := registry.Register(aftereffects.New()); err != nil {
		return errors.Wrap(err, "failed to register aftereffects plugin")
	}
	if err := registry.Register(ffmpeg.New()); err != nil {
		return errors.Wrap(err, "failed to register ffmpeg plugin")
	}

	bus := event.NewBus(logger.ComponentLogger("events"))

	sched := scheduler.New(store, registry, bus, scheduler.Config{
		Interval:      cfg.Scheduler.TickInterval(),
		WorkerTimeout: cfg.Scheduler.WorkerTimeout(),
	}, logger.ComponentLogger("scheduler"))

	srv := server.New(store, registry, sched, bus, server.Config{
		Addr:          addr,
		LogDir:        logDir,
		StatsInterval: cfg.Server.StatsInterval(),
	}, logger.ComponentLogger("server"))

	printStartupBanner(verbosity, dbPath, addr)

	sched.Start()

	// Start server in background
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		// Server failed to start or stopped unexpectedly
		sched.Stop()
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		// First Ctrl+C - graceful shutdown
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			err := srv.Stop()
			sched.Stop()
			shutdownDone <- err
		}()

		// Wait for either shutdown completion or second Ctrl+C
		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Coordinator stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
