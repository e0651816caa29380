package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// JobScanArgs holds all the variables needed for scanning a job from a
// database row. Nullable and JSON-valued columns are scanned into
// intermediates here, then decoded onto the Job by ProcessJobScanArgs.
type JobScanArgs struct {
	PluginData   sql.NullString
	DependentOn  sql.NullString
	Metadata     sql.NullString
	SubmittedBy  sql.NullString
	SubmittedAt  sql.NullTime
	StartedAt    sql.NullTime
	FinishedAt   sql.NullTime
	ErrorMessage sql.NullString
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns a slice of interface{} pointers for the job and
// scan args, in the order expected by the standard job SELECT query
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Name,
		&job.Plugin,
		&job.Priority,
		&job.Pool,
		&args.PluginData,
		&job.Status,
		&job.Progress,
		&job.TaskTotal,
		&job.TaskCompleted,
		&job.TaskFailed,
		&args.DependentOn,
		&args.Metadata,
		&args.SubmittedBy,
		&args.SubmittedAt,
		&args.StartedAt,
		&args.FinishedAt,
		&args.ErrorMessage,
	}
}

// ProcessJobScanArgs processes the scanned arguments and populates the job
// struct. Returns an error if JSON unmarshaling fails.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	// plugin_data and metadata stay opaque: the stored text is carried as
	// a raw JSON blob without a decode round-trip.
	if args.PluginData.Valid && args.PluginData.String != "" {
		job.PluginData = json.RawMessage(args.PluginData.String)
	}
	if args.DependentOn.Valid && args.DependentOn.String != "" {
		if err := json.Unmarshal([]byte(args.DependentOn.String), &job.DependentOn); err != nil {
			return fmt.Errorf("failed to unmarshal dependent_on for job %s: %w", job.ID, err)
		}
	}
	if args.Metadata.Valid && args.Metadata.String != "" {
		job.Metadata = json.RawMessage(args.Metadata.String)
	}

	if args.SubmittedBy.Valid {
		job.SubmittedBy = args.SubmittedBy.String
	}
	if args.SubmittedAt.Valid {
		job.SubmittedAt = args.SubmittedAt.Time
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.FinishedAt.Valid {
		job.FinishedAt = &args.FinishedAt.Time
	}
	if args.ErrorMessage.Valid {
		job.ErrorMessage = args.ErrorMessage.String
	}

	return nil
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(job, args)
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(job, args)
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, name, plugin, priority, pool,
		plugin_data, status, progress,
		task_total, task_completed, task_failed,
		dependent_on, metadata, submitted_by,
		submitted_at, started_at, finished_at, error_message`
}

// TaskScanArgs holds all the variables needed for scanning a task from a
// database row.
type TaskScanArgs struct {
	Command        sql.NullString
	WorkingDir     sql.NullString
	Environment    sql.NullString
	FrameStart     sql.NullInt64
	FrameEnd       sql.NullInt64
	Metadata       sql.NullString
	AssignedWorker sql.NullString
	StartedAt      sql.NullTime
	FinishedAt     sql.NullTime
	ExitCode       sql.NullInt64
	ErrorMessage   sql.NullString
	LogPath        sql.NullString
}

// GetTaskScanArgs returns a TaskScanArgs struct with all variables ready for scanning
func GetTaskScanArgs() *TaskScanArgs {
	return &TaskScanArgs{}
}

// GetTaskScanTargets returns a slice of interface{} pointers for the task and
// scan args, in the order expected by the standard task SELECT query
func GetTaskScanTargets(task *Task, args *TaskScanArgs) []interface{} {
	return []interface{}{
		&task.ID,
		&task.JobID,
		&task.Index,
		&task.Status,
		&task.Progress,
		&args.Command,
		&args.WorkingDir,
		&args.Environment,
		&args.FrameStart,
		&args.FrameEnd,
		&args.Metadata,
		&args.AssignedWorker,
		&args.StartedAt,
		&args.FinishedAt,
		&args.ExitCode,
		&args.ErrorMessage,
		&args.LogPath,
	}
}

// ProcessTaskScanArgs processes the scanned arguments and populates the task
// struct. Returns an error if JSON unmarshaling fails.
func ProcessTaskScanArgs(task *Task, args *TaskScanArgs) error {
	if args.Command.Valid && args.Command.String != "" {
		if err := json.Unmarshal([]byte(args.Command.String), &task.Command); err != nil {
			return fmt.Errorf("failed to unmarshal command for task %s: %w", task.ID, err)
		}
	}
	if args.Environment.Valid && args.Environment.String != "" {
		if err := json.Unmarshal([]byte(args.Environment.String), &task.Environment); err != nil {
			return fmt.Errorf("failed to unmarshal environment for task %s: %w", task.ID, err)
		}
	}
	if args.Metadata.Valid && args.Metadata.String != "" {
		task.Metadata = json.RawMessage(args.Metadata.String)
	}

	if args.WorkingDir.Valid {
		task.WorkingDir = args.WorkingDir.String
	}
	if args.FrameStart.Valid {
		v := int(args.FrameStart.Int64)
		task.FrameStart = &v
	}
	if args.FrameEnd.Valid {
		v := int(args.FrameEnd.Int64)
		task.FrameEnd = &v
	}
	if args.AssignedWorker.Valid {
		task.AssignedWorker = args.AssignedWorker.String
	}
	if args.StartedAt.Valid {
		task.StartedAt = &args.StartedAt.Time
	}
	if args.FinishedAt.Valid {
		task.FinishedAt = &args.FinishedAt.Time
	}
	if args.ExitCode.Valid {
		v := int(args.ExitCode.Int64)
		task.ExitCode = &v
	}
	if args.ErrorMessage.Valid {
		task.ErrorMessage = args.ErrorMessage.String
	}
	if args.LogPath.Valid {
		task.LogPath = args.LogPath.String
	}

	return nil
}

// ScanTaskFromRow scans a single task from a sql.Row
func ScanTaskFromRow(row *sql.Row, task *Task) error {
	args := GetTaskScanArgs()
	targets := GetTaskScanTargets(task, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	return ProcessTaskScanArgs(task, args)
}

// ScanTaskFromRows scans a single task from sql.Rows (for use in loops)
func ScanTaskFromRows(rows *sql.Rows, task *Task) error {
	args := GetTaskScanArgs()
	targets := GetTaskScanTargets(task, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessTaskScanArgs(task, args)
}

// StandardTaskSelectColumns returns the standard column list for task SELECT queries
func StandardTaskSelectColumns() string {
	return `id, job_id, idx, status, progress,
		command, working_dir, environment,
		frame_start, frame_end, metadata,
		assigned_worker, started_at, finished_at,
		exit_code, error_message, log_path`
}

// WorkerScanArgs holds all the variables needed for scanning a worker from a
// database row.
type WorkerScanArgs struct {
	Hostname      sql.NullString
	IPAddress     sql.NullString
	CurrentTask   sql.NullString
	Pools         sql.NullString
	Capabilities  sql.NullString
	LastHeartbeat sql.NullTime
	Version       sql.NullString
}

// GetWorkerScanArgs returns a WorkerScanArgs struct with all variables ready for scanning
func GetWorkerScanArgs() *WorkerScanArgs {
	return &WorkerScanArgs{}
}

// GetWorkerScanTargets returns a slice of interface{} pointers for the worker
// and scan args, in the order expected by the standard worker SELECT query
func GetWorkerScanTargets(worker *Worker, args *WorkerScanArgs) []interface{} {
	return []interface{}{
		&worker.ID,
		&worker.Name,
		&args.Hostname,
		&args.IPAddress,
		&worker.Status,
		&args.CurrentTask,
		&args.Pools,
		&args.Capabilities,
		&worker.CPUCores,
		&worker.CPUUsage,
		&worker.MemoryTotal,
		&worker.MemoryUsed,
		&args.LastHeartbeat,
		&args.Version,
	}
}

// ProcessWorkerScanArgs processes the scanned arguments and populates the
// worker struct. Returns an error if JSON unmarshaling fails.
func ProcessWorkerScanArgs(worker *Worker, args *WorkerScanArgs) error {
	if args.Pools.Valid && args.Pools.String != "" {
		if err := json.Unmarshal([]byte(args.Pools.String), &worker.Pools); err != nil {
			return fmt.Errorf("failed to unmarshal pools for worker %s: %w", worker.ID, err)
		}
	}
	if args.Capabilities.Valid && args.Capabilities.String != "" {
		if err := json.Unmarshal([]byte(args.Capabilities.String), &worker.Capabilities); err != nil {
			return fmt.Errorf("failed to unmarshal capabilities for worker %s: %w", worker.ID, err)
		}
	}

	if args.Hostname.Valid {
		worker.Hostname = args.Hostname.String
	}
	if args.IPAddress.Valid {
		worker.IPAddress = args.IPAddress.String
	}
	if args.CurrentTask.Valid {
		worker.CurrentTask = args.CurrentTask.String
	}
	if args.LastHeartbeat.Valid {
		worker.LastHeartbeat = &args.LastHeartbeat.Time
	}
	if args.Version.Valid {
		worker.Version = args.Version.String
	}

	return nil
}

// ScanWorkerFromRow scans a single worker from a sql.Row
func ScanWorkerFromRow(row *sql.Row, worker *Worker) error {
	args := GetWorkerScanArgs()
	targets := GetWorkerScanTargets(worker, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	return ProcessWorkerScanArgs(worker, args)
}

// ScanWorkerFromRows scans a single worker from sql.Rows (for use in loops)
func ScanWorkerFromRows(rows *sql.Rows, worker *Worker) error {
	args := GetWorkerScanArgs()
	targets := GetWorkerScanTargets(worker, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessWorkerScanArgs(worker, args)
}

// StandardWorkerSelectColumns returns the standard column list for worker SELECT queries
func StandardWorkerSelectColumns() string {
	return `id, name, hostname, ip_address, status,
		current_task, pools, capabilities,
		cpu_cores, cpu_usage, memory_total, memory_used,
		last_heartbeat, version`
}

// marshalStringSlice encodes a string slice for a JSON column, mapping an
// empty slice to NULL.
func marshalStringSlice(s []string) (interface{}, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// marshalStringMap encodes a string map for a JSON column, mapping an empty
// map to NULL.
func marshalStringMap(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// marshalRawJSON passes an opaque blob through to a JSON column, mapping an
// empty or null blob to NULL. The blob is stored verbatim; nothing on the
// coordinator decodes it.
func marshalRawJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
