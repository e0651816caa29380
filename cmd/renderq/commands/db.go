package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChenxingM/RenderQ/config"
	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/queue"
)

// DbCmd manages the queue database directly, without a running
// coordinator.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the queue database",
	Long: `Manage queue database operations.

Examples:
  renderq db stats                # Show database statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display job, task, and worker counts straight from the database file",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	stats, err := queue.NewStore(database).Stats()
	if err != nil {
		return errors.Wrap(err, "failed to query stats")
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Printf("Database Path: %s\n", cfg.GetDatabasePath())
	if info, err := os.Stat(cfg.GetDatabasePath()); err == nil {
		fmt.Printf("Database Size: %.1f MB\n", float64(info.Size())/(1024*1024))
	}
	fmt.Println()

	printCounts("Jobs", stats.Jobs)
	printCounts("Tasks", stats.Tasks)
	printCounts("Workers", stats.Workers)
	return nil
}
