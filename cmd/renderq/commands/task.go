package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// TaskCmd groups task inspection and control.
var TaskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control individual tasks",
	Long: `Inspect and control individual render tasks.

Examples:
  renderq task show <task-id>     # Task detail and command line
  renderq task log <task-id>      # Uploaded render log
  renderq task retry <task-id>    # Requeue a failed task
  renderq task cancel <task-id>   # Cancel a task`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskLogCmd = &cobra.Command{
	Use:   "log <task-id>",
	Short: "Print the task's render log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newAPI().taskLog(args[0])
		if err != nil {
			return err
		}
		fmt.Print(log)
		if !strings.HasSuffix(log, "\n") {
			fmt.Println()
		}
		return nil
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Requeue a failed or cancelled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().taskAction(args[0], "retry"); err != nil {
			return err
		}
		pterm.Success.Printf("Task requeued: %s\n", args[0])
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().taskAction(args[0], "cancel"); err != nil {
			return err
		}
		pterm.Success.Printf("Task cancelled: %s\n", args[0])
		return nil
	},
}

var taskSuspendCmd = &cobra.Command{
	Use:   "suspend <task-id>",
	Short: "Suspend a pending task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().taskAction(args[0], "suspend"); err != nil {
			return err
		}
		pterm.Success.Printf("Task suspended: %s\n", args[0])
		return nil
	},
}

func init() {
	TaskCmd.AddCommand(taskShowCmd)
	TaskCmd.AddCommand(taskLogCmd)
	TaskCmd.AddCommand(taskRetryCmd)
	TaskCmd.AddCommand(taskCancelCmd)
	TaskCmd.AddCommand(taskSuspendCmd)
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	task, err := newAPI().getTask(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task: %s\n", task.ID)
	fmt.Printf("  Job:      %s\n", task.JobID)
	fmt.Printf("  Index:    %d\n", task.Index)
	fmt.Printf("  Status:   %s\n", task.Status)
	fmt.Printf("  Progress: %.1f%%\n", task.Progress)
	if task.FrameStart != nil && task.FrameEnd != nil {
		fmt.Printf("  Frames:   %d-%d\n", *task.FrameStart, *task.FrameEnd)
	}
	if task.AssignedWorker != "" {
		fmt.Printf("  Worker:   %s\n", task.AssignedWorker)
	}
	if task.StartedAt != nil {
		fmt.Printf("  Started:  %s\n", task.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if task.FinishedAt != nil {
		fmt.Printf("  Finished: %s\n", task.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if task.ExitCode != nil {
		fmt.Printf("  Exit:     %d\n", *task.ExitCode)
	}
	if task.ErrorMessage != "" {
		fmt.Printf("  Error:    %s\n", task.ErrorMessage)
	}
	if len(task.Command) > 0 {
		fmt.Printf("\nCommand:\n  %s\n", strings.Join(task.Command, " "))
	}
	return nil
}
