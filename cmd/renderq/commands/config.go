package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChenxingM/RenderQ/config"
	"github.com/ChenxingM/RenderQ/errors"
)

// ConfigCmd manages coordinator configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage coordinator configuration",
	Long: `Display and manage RenderQ coordinator configuration.

Configuration sources (in order of precedence):
1. Environment variables (RENDERQ_* prefix)
2. Project config (./renderq.toml or ./config.toml, searches up directories)
3. User config (~/.renderq/config.toml)
4. System config (/etc/renderq/config.toml)
5. Default values

Examples:
  renderq config show                         # Show current configuration
  renderq config show --format json           # Show configuration as JSON
  renderq config get scheduler.worker_timeout_seconds
  renderq config set server.port 9000         # Persist to user config
  renderq config init                         # Write a default user config
  renderq config validate                     # Validate current configuration
  renderq config where                        # Show the config cascade`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the merged RenderQ configuration from all sources",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, server.port)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value to the user config",
	Long: `Persist a configuration value to ~/.renderq/config.toml using dot
notation. Values are coerced to int, float, or bool when they parse as
one. A backup of the previous file is rotated first.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default user config file",
	Long:  "Write a config file populated with the defaults to ~/.renderq/config.toml for editing",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the merged RenderQ configuration is valid",
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which files were checked.

Lists all configuration sources in order of precedence, showing
which files exist and which are missing.`,
	RunE: runConfigWhere,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configSetCmd)
	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# RenderQ configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# RenderQ configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := config.GetViper()
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}

	// Get the value as interface{} to preserve type
	value := config.Get(key)
	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], coerceValue(args[1])

	if err := config.Set(key, value); err != nil {
		return errors.Wrapf(err, "failed to set %s", key)
	}

	pterm.Success.Printf("Set %s = %v in %s\n", key, value, config.UserConfigPath())
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.UserConfigPath()
	if path == "" {
		return errors.New("could not determine home directory")
	}

	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file already exists at %s", path)
	}

	if err := config.WriteDefault(path); err != nil {
		return errors.Wrap(err, "failed to write default config")
	}

	pterm.Success.Printf("Wrote default config to %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/renderq/config.toml")
	fmt.Println("  3. [USER]     ~/.renderq/config.toml")
	fmt.Println("  4. [PROJECT]  ./renderq.toml or ./config.toml (searches up directories)")
	fmt.Println("  5. [ENV]      RENDERQ_* environment variables")
	fmt.Println()

	type sourceFile struct {
		label string
		path  string
	}
	sources := []sourceFile{
		{"SYSTEM", "/etc/renderq/config.toml"},
		{"USER", config.UserConfigPath()},
		{"PROJECT", config.FindProjectConfig()},
	}

	fmt.Println("Checked files:")
	for _, src := range sources {
		if src.path == "" {
			fmt.Printf("  [%-7s] (none found)\n", src.label)
			continue
		}
		if _, err := os.Stat(src.path); err == nil {
			fmt.Printf("  [%-7s] %s (loaded)\n", src.label, src.path)
		} else {
			fmt.Printf("  [%-7s] %s (missing)\n", src.label, src.path)
		}
	}

	env := activeEnvOverrides()
	if len(env) > 0 {
		fmt.Println()
		fmt.Println("Environment overrides:")
		for _, kv := range env {
			fmt.Printf("  %s\n", kv)
		}
	}

	return nil
}

// activeEnvOverrides lists the RENDERQ_* variables currently set.
func activeEnvOverrides() []string {
	var out []string
	for _, name := range []string{"RENDERQ_DATABASE_PATH", "RENDERQ_SERVER_PORT", "RENDERQ_SERVER_LOG_DIR", "RENDERQ_SERVER"} {
		if value, ok := os.LookupEnv(name); ok {
			out = append(out, fmt.Sprintf("%s=%s", name, value))
		}
	}
	return out
}
