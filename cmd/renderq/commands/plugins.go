package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// PluginsCmd lists renderer plugins. With no subcommand it prints the
// plugin table.
var PluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List renderer plugins",
	Long: `List the renderer plugins registered with the coordinator.

Examples:
  renderq plugins                   # Plugin table
  renderq plugins show ffmpeg       # Parameters the ffmpeg plugin accepts`,
	RunE: runPlugins,
}

var pluginsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a plugin's parameters",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsShow,
}

func init() {
	PluginsCmd.AddCommand(pluginsShowCmd)
}

func runPlugins(cmd *cobra.Command, args []string) error {
	infos, err := newAPI().listPlugins()
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Println("No plugins registered")
		return nil
	}

	fmt.Printf("%-15s %-28s %-9s %s\n", "NAME", "DISPLAY NAME", "VERSION", "DESCRIPTION")
	fmt.Printf("%-15s %-28s %-9s %s\n", "----", "------------", "-------", "-----------")
	for _, info := range infos {
		fmt.Printf("%-15s %-28s %-9s %s\n",
			info.Name,
			truncate(info.DisplayName, 28),
			info.Version,
			truncate(info.Description, 50))
	}
	return nil
}

func runPluginsShow(cmd *cobra.Command, args []string) error {
	info, err := newAPI().getPlugin(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Plugin: %s\n", info.Name)
	fmt.Printf("  Display name: %s\n", info.DisplayName)
	fmt.Printf("  Version:      %s\n", info.Version)
	fmt.Printf("  Description:  %s\n", info.Description)
	fmt.Println()

	if len(info.Parameters) == 0 {
		fmt.Println("No parameters")
		return nil
	}

	names := make([]string, 0, len(info.Parameters))
	for name := range info.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-22s %-9s %-9s %-14s %s\n", "PARAMETER", "TYPE", "REQUIRED", "DEFAULT", "DESCRIPTION")
	fmt.Printf("%-22s %-9s %-9s %-14s %s\n", "---------", "----", "--------", "-------", "-----------")
	for _, name := range names {
		param := info.Parameters[name]
		required := ""
		if param.Required {
			required = "yes"
		}
		def := ""
		if param.Default != nil {
			def = fmt.Sprintf("%v", param.Default)
		}
		fmt.Printf("%-22s %-9s %-9s %-14s %s\n",
			name,
			string(param.Type),
			required,
			truncate(def, 14),
			param.Description)
		if len(param.Choices) > 0 {
			fmt.Printf("%-22s   choices: %v\n", "", param.Choices)
		}
	}
	return nil
}
