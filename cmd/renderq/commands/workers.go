package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// WorkersCmd lists and manages worker nodes. With no subcommand it
// prints the worker table.
var WorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List and manage worker nodes",
	Long: `List and manage the render nodes registered with the coordinator.

Examples:
  renderq workers                       # Worker table
  renderq workers disable <worker-id>   # Take a node out of dispatch
  renderq workers enable <worker-id>    # Put it back
  renderq workers log <worker-id>       # Tail what a busy node renders
  renderq workers remove <worker-id>    # Delete an offline/disabled node`,
	RunE: runWorkers,
}

var workersEnableCmd = &cobra.Command{
	Use:   "enable <worker-id>",
	Short: "Re-enable a disabled worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().workerAction(args[0], "enable"); err != nil {
			return err
		}
		pterm.Success.Printf("Worker enabled: %s\n", args[0])
		return nil
	},
}

var workersDisableCmd = &cobra.Command{
	Use:   "disable <worker-id>",
	Short: "Take a worker out of dispatch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().workerAction(args[0], "disable"); err != nil {
			return err
		}
		pterm.Success.Printf("Worker disabled: %s\n", args[0])
		return nil
	},
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id>",
	Short: "Delete an offline or disabled worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().deleteWorker(args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Worker removed: %s\n", args[0])
		return nil
	},
}

var workersLogCmd = &cobra.Command{
	Use:   "log <worker-id>",
	Short: "Print the log of the worker's current task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, currentTask, err := newAPI().workerLog(args[0])
		if err != nil {
			return err
		}
		if currentTask == "" {
			fmt.Println("Worker has no current task")
			return nil
		}
		fmt.Printf("Current task: %s\n\n", currentTask)
		fmt.Print(log)
		if !strings.HasSuffix(log, "\n") {
			fmt.Println()
		}
		return nil
	},
}

func init() {
	WorkersCmd.AddCommand(workersEnableCmd)
	WorkersCmd.AddCommand(workersDisableCmd)
	WorkersCmd.AddCommand(workersRemoveCmd)
	WorkersCmd.AddCommand(workersLogCmd)
}

func runWorkers(cmd *cobra.Command, args []string) error {
	workers, err := newAPI().listWorkers()
	if err != nil {
		return err
	}

	if len(workers) == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	fmt.Printf("%-36s %-16s %-9s %-18s %-6s %-6s %s\n", "WORKER ID", "NAME", "STATUS", "POOLS", "CPU", "MEM", "LAST HEARTBEAT")
	fmt.Printf("%-36s %-16s %-9s %-18s %-6s %-6s %s\n", "---------", "----", "------", "-----", "---", "---", "--------------")

	for _, worker := range workers {
		heartbeat := "-"
		if worker.LastHeartbeat != nil {
			heartbeat = formatAge(time.Since(*worker.LastHeartbeat))
		}
		mem := "-"
		if worker.MemoryTotal > 0 {
			mem = fmt.Sprintf("%.0f%%", float64(worker.MemoryUsed)/float64(worker.MemoryTotal)*100)
		}
		fmt.Printf("%-36s %-16s %-9s %-18s %-6s %-6s %s\n",
			worker.ID,
			truncate(worker.Name, 16),
			worker.Status,
			truncate(strings.Join(worker.Pools, ","), 18),
			fmt.Sprintf("%.0f%%", worker.CPUUsage),
			mem,
			heartbeat)
	}

	fmt.Printf("\nTotal: %d worker(s)\n", len(workers))
	return nil
}

// formatAge renders a duration as a compact "3s ago" style age.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
