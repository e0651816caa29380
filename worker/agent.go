// Package worker implements the render node agent. It registers with the
// coordinator under a stable machine fingerprint, heartbeats with load
// telemetry, pulls tasks, rebuilds their commands against local renderer
// installs, executes them, and streams progress and logs back.
package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
	"github.com/ChenxingM/RenderQ/version"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("10s") or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds float64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}

	var text string
	if err := value.Decode(&text); err != nil {
		return errors.Newf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

// Config contains the agent's tunables. Zero fields fall back to the
// defaults when the agent is created.
type Config struct {
	ServerURL    string   `yaml:"server_url"`
	WorkerID     string   `yaml:"worker_id"`
	Name         string   `yaml:"name"`
	Pools        []string `yaml:"pools"`
	Capabilities []string `yaml:"capabilities"`
	LogDir       string   `yaml:"log_dir"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PollInterval      Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the agent defaults: coordinator on localhost, the
// default pool, After Effects capability, 10s heartbeats, 2s polls.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "http://localhost:8000",
		Pools:             []string{"default"},
		Capabilities:      []string{"aftereffects"},
		LogDir:            "logs",
		HeartbeatInterval: Duration(10 * time.Second),
		PollInterval:      Duration(2 * time.Second),
	}
}

// LoadConfig reads a YAML agent config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// Agent is one render node's connection to the coordinator.
type Agent struct {
	cfg      Config
	client   *Client
	registry *plugin.Registry
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	currentTask string
}

// New creates an agent. An empty worker id is derived from the machine
// fingerprint and an empty name from the hostname.
func New(cfg Config, registry *plugin.Registry, log *zap.SugaredLogger) *Agent {
	defaults := DefaultConfig()
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaults.ServerURL
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = StableID()
	}
	if cfg.Name == "" {
		hostname, _ := os.Hostname()
		cfg.Name = hostname
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = defaults.Pools
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = defaults.Capabilities
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaults.LogDir
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	return &Agent{
		cfg:      cfg,
		client:   NewClient(cfg.ServerURL),
		registry: registry,
		logger:   log,
	}
}

// WorkerID returns the id the agent registers under.
func (a *Agent) WorkerID() string {
	return a.cfg.WorkerID
}

// CurrentTask returns the id of the task being executed, or "".
func (a *Agent) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTask
}

func (a *Agent) setCurrentTask(id string) {
	a.mu.Lock()
	a.currentTask = id
	a.mu.Unlock()
}

// Run registers with the coordinator and serves the heartbeat and poll
// loops until the context is cancelled. A failed initial registration is
// fatal; once running, connection errors are logged and retried on the
// next cycle.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.LogDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create log directory")
	}
	if err := a.register(ctx); err != nil {
		return errors.Wrap(err, "failed to register with coordinator")
	}
	a.logger.Infow("Worker started",
		"worker_id", a.cfg.WorkerID,
		"name", a.cfg.Name,
		"server", a.cfg.ServerURL,
		"pools", a.cfg.Pools,
		"capabilities", a.cfg.Capabilities)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.pollLoop(ctx)
	wg.Wait()
	a.logger.Infow("Worker stopped")
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	cores, memoryTotal := machineSpecs()
	hostname, _ := os.Hostname()
	return a.client.Register(ctx, Registration{
		ID:           a.cfg.WorkerID,
		Name:         a.cfg.Name,
		Hostname:     hostname,
		IPAddress:    localIP(),
		Pools:        a.cfg.Pools,
		Capabilities: a.cfg.Capabilities,
		CPUCores:     cores,
		MemoryTotal:  memoryTotal,
		Version:      version.Get().Version,
	})
}

// heartbeatLoop reports status and load every interval. A not-found
// response means the coordinator lost this worker's row, so the agent
// registers again instead of heartbeating into the void.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.HeartbeatInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.heartbeat(ctx)
			if err == nil {
				continue
			}
			if IsNotRegistered(err) {
				a.logger.Warnw("Coordinator does not know this worker, re-registering",
					"worker_id", a.cfg.WorkerID)
				if err := a.register(ctx); err != nil {
					a.logger.Errorw("Re-registration failed", "error", err)
				}
				continue
			}
			if ctx.Err() == nil {
				a.logger.Warnw("Heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	status := queue.WorkerStatusIdle
	current := a.CurrentTask()
	if current != "" {
		status = queue.WorkerStatusBusy
	}

	cpuPercent, memoryUsed := usageSnapshot()
	return a.client.Heartbeat(ctx, a.cfg.WorkerID, &queue.WorkerHeartbeat{
		Status:      status,
		CurrentTask: current,
		CPUUsage:    cpuPercent,
		MemoryUsed:  memoryUsed,
	})
}

// pollLoop asks for work every interval and executes assignments inline,
// one task at a time.
func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.PollInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dispatch, err := a.client.RequestTask(ctx, a.cfg.WorkerID)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warnw("Task request failed", "error", err)
				}
				continue
			}
			if dispatch == nil {
				continue
			}
			a.executeTask(ctx, dispatch)
		}
	}
}
