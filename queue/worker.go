package queue

import "time"

// Worker status values.
const (
	WorkerStatusIdle     = "idle"     // registered, ready for dispatch
	WorkerStatusBusy     = "busy"     // executing a task
	WorkerStatusOffline  = "offline"  // heartbeat timed out or never registered
	WorkerStatusDisabled = "disabled" // removed from dispatch by an admin
)

// IsValidWorkerStatus returns true if the given status is a known worker status.
func IsValidWorkerStatus(status string) bool {
	switch status {
	case WorkerStatusIdle, WorkerStatusBusy, WorkerStatusOffline, WorkerStatusDisabled:
		return true
	}
	return false
}

// Worker is a registered render agent. Worker ids are derived from a host
// fingerprint on the agent side, so the same machine keeps the same id
// across restarts and re-registration is an upsert.
type Worker struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`

	// Pools the worker pulls tasks from, in registration order.
	Pools []string `json:"pools,omitempty"`
	// Capabilities names the plugins the worker can execute. Empty means
	// the worker accepts any plugin.
	Capabilities []string `json:"capabilities,omitempty"`

	CPUCores    int     `json:"cpu_cores,omitempty"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryTotal int64   `json:"memory_total,omitempty"`
	MemoryUsed  int64   `json:"memory_used"`

	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Version       string     `json:"version,omitempty"`
}

// ServesPool returns true if the worker pulls from the given pool.
func (w *Worker) ServesPool(pool string) bool {
	for _, p := range w.Pools {
		if p == pool {
			return true
		}
	}
	return false
}

// HasCapability returns true if the worker can execute the given plugin.
// A worker with no declared capabilities accepts everything.
func (w *Worker) HasCapability(plugin string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == plugin {
			return true
		}
	}
	return false
}

// CanDelete returns true if the worker may be removed from the store.
// Workers still idle or busy must be disabled or time out first.
func (w *Worker) CanDelete() bool {
	return w.Status == WorkerStatusOffline || w.Status == WorkerStatusDisabled
}
