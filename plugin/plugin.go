// Package plugin defines the render plugin contract: how a renderer
// describes and validates job parameters, partitions a job into tasks,
// builds each task's command line on the worker, and turns renderer
// output into progress.
package plugin

import (
	"encoding/json"

	"github.com/ChenxingM/RenderQ/queue"
)

// ParamType enumerates the value types a plugin parameter can declare.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamPath   ParamType = "path"
	ParamChoice ParamType = "choice"
)

// Param describes one plugin parameter for submission clients and
// validation. Choices applies to choice parameters. Filter and Save apply
// to path parameters: Filter is a file dialog pattern, Save marks the path
// as an output location rather than an existing input.
type Param struct {
	Type        ParamType   `json:"type"`
	Label       string      `json:"label"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Choices     []string    `json:"choices,omitempty"`
	Description string      `json:"description,omitempty"`
	Filter      string      `json:"filter,omitempty"`
	Save        bool        `json:"save,omitempty"`
}

// JobSpec describes a follow-up job a plugin wants enqueued after its own
// job completes, such as an encode pass over rendered frames. Zero
// Priority and empty Pool inherit from the parent job.
type JobSpec struct {
	Name        string          `json:"name"`
	Plugin      string          `json:"plugin"`
	Priority    int             `json:"priority,omitempty"`
	Pool        string          `json:"pool,omitempty"`
	DependentOn []string        `json:"dependent_on,omitempty"`
	PluginData  json.RawMessage `json:"plugin_data,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Plugin is the contract every renderer integration implements. The set of
// methods is closed: all of them are required, and plugins embed Hooks to
// pick up no-op lifecycle callbacks and empty follow-ups.
type Plugin interface {
	// Name returns the registry key, for example "aftereffects".
	Name() string

	// DisplayName returns the human readable name shown by clients.
	DisplayName() string

	// Version returns the plugin's semantic version.
	Version() string

	// Description returns a one line summary of what the plugin renders.
	Description() string

	// Parameters returns the parameter schema keyed by parameter name.
	Parameters() map[string]Param

	// Validate checks a submission's plugin_data blob before any state is
	// created. The coordinator never looks inside the blob; the plugin
	// decodes it with Params. Validate is a pure predicate: no filesystem
	// or network access.
	Validate(data json.RawMessage) error

	// CreateTasks partitions the job into executable tasks. It must be
	// deterministic for a given job so a re-submission partitions
	// identically.
	CreateTasks(job *queue.Job) ([]*queue.Task, error)

	// BuildCommand produces the argv for one task. It runs on the worker,
	// so paths resolve against the worker's filesystem.
	BuildCommand(task *queue.Task, job *queue.Job) ([]string, error)

	// ParseProgress extracts a 0-100 progress value from one line of
	// renderer output. ok is false when the line carries no progress.
	ParseProgress(line string, task *queue.Task) (progress float64, ok bool)

	// FollowUpJobs returns jobs to enqueue once this job completes.
	FollowUpJobs(job *queue.Job) ([]JobSpec, error)

	// Lifecycle hooks, invoked by the coordinator as tasks and jobs move
	// through their terminal transitions.
	OnTaskStart(task *queue.Task, job *queue.Job)
	OnTaskComplete(task *queue.Task, job *queue.Job)
	OnTaskFail(task *queue.Task, job *queue.Job, reason string)
	OnJobComplete(job *queue.Job)
}

// Hooks provides no-op lifecycle callbacks and empty follow-ups so that
// plugins only spell out the calls they care about.
type Hooks struct{}

func (Hooks) FollowUpJobs(*queue.Job) ([]JobSpec, error) { return nil, nil }
func (Hooks) OnTaskStart(*queue.Task, *queue.Job)        {}
func (Hooks) OnTaskComplete(*queue.Task, *queue.Job)     {}
func (Hooks) OnTaskFail(*queue.Task, *queue.Job, string) {}
func (Hooks) OnJobComplete(*queue.Job)                   {}

// Info is the wire form of a plugin's identity and schema, served by the
// plugin listing endpoints.
type Info struct {
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Version     string           `json:"version"`
	Description string           `json:"description"`
	Parameters  map[string]Param `json:"parameters"`
}

// Describe collects a plugin's Info.
func Describe(p Plugin) Info {
	return Info{
		Name:        p.Name(),
		DisplayName: p.DisplayName(),
		Version:     p.Version(),
		Description: p.Description(),
		Parameters:  p.Parameters(),
	}
}
