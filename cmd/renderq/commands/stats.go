package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// StatsCmd shows queue statistics.
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	Long: `Show job, task, and worker counts by status, plus scheduler health.

Example:
  renderq stats`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := newAPI().stats()
	if err != nil {
		return err
	}

	fmt.Println("Queue Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	printCounts("Jobs", stats.Jobs)
	printCounts("Tasks", stats.Tasks)
	printCounts("Workers", stats.Workers)

	if len(stats.Scheduler) > 0 {
		fmt.Println("Scheduler:")
		keys := make([]string, 0, len(stats.Scheduler))
		for key := range stats.Scheduler {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("  %-20s %v\n", key+":", stats.Scheduler[key])
		}
	}
	return nil
}

// printCounts prints one status-count section sorted by status name.
func printCounts(title string, counts map[string]int) {
	fmt.Printf("%s:\n", title)
	if len(counts) == 0 {
		fmt.Println("  none")
		fmt.Println()
		return
	}
	statuses := make([]string, 0, len(counts))
	total := 0
	for status, n := range counts {
		statuses = append(statuses, status)
		total += n
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("  %-12s %d\n", status+":", counts[status])
	}
	fmt.Printf("  %-12s %d\n", "total:", total)
	fmt.Println()
}
