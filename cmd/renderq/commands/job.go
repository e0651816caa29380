package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// JobCmd shows one job with its tasks.
var JobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show a job and its tasks",
	Long: `Show a job's details and per-task breakdown.

Examples:
  renderq job 4f7b2c1a-...        # Full job detail with task table`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func runJob(cmd *cobra.Command, args []string) error {
	client := newAPI()

	job, err := client.getJob(args[0])
	if err != nil {
		return err
	}
	tasks, err := client.jobTasks(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Name:      %s\n", job.Name)
	fmt.Printf("  Plugin:    %s\n", job.Plugin)
	fmt.Printf("  Status:    %s\n", job.Status)
	fmt.Printf("  Priority:  %d\n", job.Priority)
	fmt.Printf("  Pool:      %s\n", job.Pool)
	fmt.Printf("  Submitted: %s", job.SubmittedAt.Local().Format("2006-01-02 15:04:05"))
	if job.SubmittedBy != "" {
		fmt.Printf(" by %s", job.SubmittedBy)
	}
	fmt.Println()
	if len(job.DependentOn) > 0 {
		fmt.Printf("  Depends:   %v\n", job.DependentOn)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("  Error:     %s\n", job.ErrorMessage)
	}
	fmt.Println()

	fmt.Printf("Progress: %d/%d task(s) completed, %d failed (%.1f%%)\n",
		job.TaskCompleted, job.TaskTotal, job.TaskFailed, job.Progress)
	fmt.Println()

	// the parameter blob is opaque in transit; decode it here for display
	var params map[string]interface{}
	if len(job.PluginData) > 0 && json.Unmarshal(job.PluginData, &params) == nil && len(params) > 0 {
		fmt.Println("Parameters:")
		keys := make([]string, 0, len(params))
		for key := range params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("  %s: %v\n", key, params[key])
		}
		fmt.Println()
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks yet")
		return nil
	}

	fmt.Printf("%-36s %-6s %-10s %-9s %-12s %s\n", "TASK ID", "INDEX", "STATUS", "PROGRESS", "FRAMES", "WORKER")
	fmt.Printf("%-36s %-6s %-10s %-9s %-12s %s\n", "-------", "-----", "------", "--------", "------", "------")
	for _, task := range tasks {
		frames := "-"
		if task.FrameStart != nil && task.FrameEnd != nil {
			frames = fmt.Sprintf("%d-%d", *task.FrameStart, *task.FrameEnd)
		}
		fmt.Printf("%-36s %-6d %-10s %-9s %-12s %s\n",
			task.ID,
			task.Index,
			task.Status,
			fmt.Sprintf("%.0f%%", task.Progress),
			frames,
			task.AssignedWorker)
	}

	return nil
}
