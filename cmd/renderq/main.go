package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChenxingM/RenderQ/cmd/renderq/commands"
	"github.com/ChenxingM/RenderQ/logger"
)

var rootCmd = &cobra.Command{
	Use:   "renderq",
	Short: "RenderQ - Distributed render farm coordinator",
	Long: `RenderQ - Distributed render farm control plane.

RenderQ queues render jobs, partitions them into tasks, and dispatches
those tasks to worker nodes running the renderq-worker agent.

Available commands:
  server  - Start the coordinator (HTTP API + WebSocket event stream)
  submit  - Submit a render job
  jobs    - List jobs on the queue
  job     - Show one job with its tasks
  workers - List and manage worker nodes
  plugins - List renderer plugins and their parameters
  stats   - Show queue statistics
  config  - Manage coordinator configuration
  db      - Database maintenance and statistics

Examples:
  renderq server                                # Start the coordinator
  renderq submit --plugin aftereffects \
    --name "Shot 010" -d project_path=/mnt/projects/shot_010.aep \
    -d comp_name=Shot_010 -d output_path=/mnt/renders/shot_010
  renderq jobs --status active                  # List active jobs
  renderq cancel 4f7b...                        # Cancel a job
  renderq workers                               # List worker nodes`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize global logger before any command runs. The server
		// command re-initializes from config (JSON mode, theme).
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().StringVarP(&commands.ServerURL, "server", "s", "",
		"Coordinator URL for client commands (default $RENDERQ_SERVER or http://localhost:8000)")

	// Add commands
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.SuspendCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.DeleteCmd)
	rootCmd.AddCommand(commands.PriorityCmd)
	rootCmd.AddCommand(commands.TaskCmd)
	rootCmd.AddCommand(commands.WorkersCmd)
	rootCmd.AddCommand(commands.PluginsCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
