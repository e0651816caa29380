package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "data/renderq.db")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.log_dir", "data/logs")
	v.SetDefault("server.stats_interval_seconds", 2)

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_seconds", 1)
	v.SetDefault("scheduler.worker_timeout_seconds", 60)

	// Logging defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.theme", "everforest")
}

// BindEnvOverrides explicitly binds the settings operators most often
// override per host. Everything else is still reachable through
// AutomaticEnv with the RENDERQ prefix.
func BindEnvOverrides(v *viper.Viper) {
	v.BindEnv("database.path", "RENDERQ_DATABASE_PATH")
	v.BindEnv("server.port", "RENDERQ_SERVER_PORT")
	v.BindEnv("server.log_dir", "RENDERQ_SERVER_LOG_DIR")
}
