package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChenxingM/RenderQ/logger"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/plugins/aftereffects"
	"github.com/ChenxingM/RenderQ/plugins/ffmpeg"
	"github.com/ChenxingM/RenderQ/worker"
)

var (
	flagConfig       string
	flagServer       string
	flagName         string
	flagID           string
	flagPools        []string
	flagCapabilities []string
	flagLogDir       string
	flagHeartbeat    time.Duration
	flagPoll         time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "renderq-worker",
	Short: "RenderQ render node agent",
	Long: `RenderQ worker agent for render nodes.

The agent registers with the coordinator, polls for tasks matching its
pools and capabilities, runs the renderer, and streams progress and logs
back. Runs until interrupted; a task in flight is killed and requeued by
the coordinator once the heartbeat times out.

Examples:
  renderq-worker                                  # Defaults: localhost coordinator
  renderq-worker -s http://farm01:8000            # Point at the farm coordinator
  renderq-worker -c /etc/renderq/worker.yaml      # Full config from file
  renderq-worker --pools gpu,comp --capabilities aftereffects`,
	RunE:          runWorker,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (-v info, -vv debug, -vvv trace)")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML config file for this node")
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Coordinator URL (default http://localhost:8000)")
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "", "Worker display name (default hostname)")
	rootCmd.Flags().StringVar(&flagID, "id", "", "Worker id (default derived from the machine fingerprint)")
	rootCmd.Flags().StringSliceVar(&flagPools, "pools", nil, "Pools to pull tasks from")
	rootCmd.Flags().StringSliceVar(&flagCapabilities, "capabilities", nil, "Plugins this node can run")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "Local directory for render logs")
	rootCmd.Flags().DurationVar(&flagHeartbeat, "heartbeat-interval", 0, "Heartbeat cadence (default 10s)")
	rootCmd.Flags().DurationVar(&flagPoll, "poll-interval", 0, "Task poll cadence (default 2s)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Agents log at info by default so operators see registration and
	// task activity without flags
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}
	if err := logger.InitializeWithLevel(false, logger.VerbosityToLevel(verbosity)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Cleanup()

	cfg := worker.DefaultConfig()
	if flagConfig != "" {
		loaded, err := worker.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags override file values
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagName != "" {
		cfg.Name = flagName
	}
	if flagID != "" {
		cfg.WorkerID = flagID
	}
	if len(flagPools) > 0 {
		cfg.Pools = flagPools
	}
	if len(flagCapabilities) > 0 {
		cfg.Capabilities = flagCapabilities
	}
	if flagLogDir != "" {
		cfg.LogDir = flagLogDir
	}
	if flagHeartbeat > 0 {
		cfg.HeartbeatInterval = worker.Duration(flagHeartbeat)
	}
	if flagPoll > 0 {
		cfg.PollInterval = worker.Duration(flagPoll)
	}

	registry := plugin.NewRegistry()
	if err := registry.Register(aftereffects.New()); err != nil {
		return err
	}
	if err := registry.Register(ffmpeg.New()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := worker.New(cfg, registry, logger.ComponentLogger("worker"))
	return agent.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
