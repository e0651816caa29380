package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config is the coordinator configuration, merged from config files and
// RENDERQ_* environment variables.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite queue database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the coordinator's HTTP and WebSocket surface.
type ServerConfig struct {
	Host                 string `mapstructure:"host" toml:"host"`
	Port                 int    `mapstructure:"port" toml:"port"`
	LogDir               string `mapstructure:"log_dir" toml:"log_dir"`                               // task log artifacts
	StatsIntervalSeconds int    `mapstructure:"stats_interval_seconds" toml:"stats_interval_seconds"` // WebSocket stats push cadence
}

// SchedulerConfig configures the queue maintenance loop.
type SchedulerConfig struct {
	TickIntervalSeconds  int `mapstructure:"tick_interval_seconds" toml:"tick_interval_seconds"`
	WorkerTimeoutSeconds int `mapstructure:"worker_timeout_seconds" toml:"worker_timeout_seconds"`
}

// LogConfig configures coordinator logging.
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`   // JSON lines instead of the console encoder
	Theme string `mapstructure:"theme" toml:"theme"` // console color theme: gruvbox, everforest
}

// DefaultServerPort is used when server.port is omitted.
const DefaultServerPort = 8000

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// Addr returns the HTTP listen address in host:port form.
func (c *ServerConfig) Addr() string {
	port := c.Port
	if port <= 0 {
		port = DefaultServerPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// StatsInterval returns the WebSocket stats push interval, falling back
// to 2s for zero or negative values.
func (c *ServerConfig) StatsInterval() time.Duration {
	if c.StatsIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

// TickInterval returns the maintenance tick interval, falling back to 1s
// for zero or negative values.
func (c *SchedulerConfig) TickInterval() time.Duration {
	if c.TickIntervalSeconds <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// WorkerTimeout returns how long a worker may miss heartbeats before its
// task is requeued, falling back to 60s for zero or negative values.
func (c *SchedulerConfig) WorkerTimeout() time.Duration {
	if c.WorkerTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WorkerTimeoutSeconds) * time.Second
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "data/renderq.db" // Fallback default
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: %s, Scheduler: {Tick: %s, WorkerTimeout: %s}}",
		c.GetDatabasePath(), c.Server.Addr(), c.Scheduler.TickInterval(), c.Scheduler.WorkerTimeout())
}
