package commands

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ChenxingM/RenderQ/errors"
)

// Job control verbs as top-level commands, so day-to-day farm wrangling
// stays short: renderq cancel <id> instead of renderq job cancel <id>.

// CancelCmd cancels a job.
var CancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job and its unfinished tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().jobAction(args[0], "cancel"); err != nil {
			return err
		}
		pterm.Success.Printf("Job cancelled: %s\n", args[0])
		return nil
	},
}

// SuspendCmd suspends a job.
var SuspendCmd = &cobra.Command{
	Use:   "suspend <job-id>",
	Short: "Suspend a job (pending tasks stop dispatching)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().jobAction(args[0], "suspend"); err != nil {
			return err
		}
		pterm.Success.Printf("Job suspended: %s\n", args[0])
		return nil
	},
}

// ResumeCmd resumes a suspended job.
var ResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a suspended job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().jobAction(args[0], "resume"); err != nil {
			return err
		}
		pterm.Success.Printf("Job resumed: %s\n", args[0])
		return nil
	},
}

// RetryCmd requeues a job's failed tasks.
var RetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a job's failed tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().jobAction(args[0], "retry"); err != nil {
			return err
		}
		pterm.Success.Printf("Job requeued for retry: %s\n", args[0])
		return nil
	},
}

// DeleteCmd removes a finished job from the queue.
var DeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a finished job and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().deleteJob(args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Job deleted: %s\n", args[0])
		return nil
	},
}

// PriorityCmd changes a job's priority.
var PriorityCmd = &cobra.Command{
	Use:   "priority <job-id> <0-100>",
	Short: "Change a job's priority (higher dispatches first)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Newf("priority must be an integer, got %q", args[1])
		}
		if err := newAPI().setJobPriority(args[0], priority); err != nil {
			return err
		}
		pterm.Success.Printf("Priority set to %d for job %s\n", priority, args[0])
		return nil
	},
}
