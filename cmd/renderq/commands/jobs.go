package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// JobsCmd lists jobs on the queue.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs on the queue",
	Long: `List jobs on the queue, newest first.

Examples:
  renderq jobs                    # List recent jobs
  renderq jobs --status active    # Only active jobs
  renderq jobs --status failed    # Only failed jobs
  renderq jobs --limit 10         # Last 10 jobs`,
	RunE: runJobs,
}

var (
	jobsStatus string
	jobsLimit  int
)

func init() {
	JobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (pending, queued, active, suspended, completed, failed, cancelled)")
	JobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs to list")
}

func runJobs(cmd *cobra.Command, args []string) error {
	jobs, err := newAPI().listJobs(jobsStatus, jobsLimit)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	// Print table header
	fmt.Printf("%-36s %-20s %-13s %-10s %-9s %-10s %s\n", "JOB ID", "NAME", "PLUGIN", "STATUS", "PRIORITY", "PROGRESS", "SUBMITTED")
	fmt.Printf("%-36s %-20s %-13s %-10s %-9s %-10s %s\n", "------", "----", "------", "------", "--------", "--------", "---------")

	for _, job := range jobs {
		progress := fmt.Sprintf("%d/%d (%.0f%%)", job.TaskCompleted, job.TaskTotal, job.Progress)
		fmt.Printf("%-36s %-20s %-13s %-10s %-9d %-10s %s\n",
			job.ID,
			truncate(job.Name, 20),
			truncate(job.Plugin, 13),
			job.Status,
			job.Priority,
			progress,
			job.SubmittedAt.Local().Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

// truncate shortens s to maxLen runes with a trailing ellipsis.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
