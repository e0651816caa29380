package config

import "github.com/ChenxingM/RenderQ/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 = use default, negative or above the port range is invalid
	if c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}
	if c.Server.Port > 65535 {
		return errors.Newf("server.port must be at most 65535, got %d", c.Server.Port)
	}

	// Intervals: 0 = use default per the accessor fallbacks, negative = invalid
	if c.Server.StatsIntervalSeconds < 0 {
		return errors.Newf("server.stats_interval_seconds must be >= 0, got %d", c.Server.StatsIntervalSeconds)
	}
	if c.Scheduler.TickIntervalSeconds < 0 {
		return errors.Newf("scheduler.tick_interval_seconds must be >= 0, got %d", c.Scheduler.TickIntervalSeconds)
	}
	if c.Scheduler.WorkerTimeoutSeconds < 0 {
		return errors.Newf("scheduler.worker_timeout_seconds must be >= 0, got %d", c.Scheduler.WorkerTimeoutSeconds)
	}

	// Workers heartbeat every 10s; a timeout under 15s would mark live
	// workers offline between beats
	if c.Scheduler.WorkerTimeoutSeconds > 0 && c.Scheduler.WorkerTimeoutSeconds < 15 {
		return errors.Newf("scheduler.worker_timeout_seconds must be at least 15, got %d", c.Scheduler.WorkerTimeoutSeconds)
	}

	return nil
}
