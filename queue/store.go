package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
)

// Store handles persistence of jobs, tasks and workers. It is the sole
// in-process authority for queue mutations; every mutating method is atomic
// and durable before it returns.
type Store struct {
	db *sql.DB
}

// NewStore creates a queue store on top of an open database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for stats queries and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(job *Job) error {
	pluginData := marshalRawJSON(job.PluginData)
	metadata := marshalRawJSON(job.Metadata)
	dependentOn, err := marshalStringSlice(job.DependentOn)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dependent_on")
	}

	query := `
		INSERT INTO jobs (
			id, name, plugin, priority, pool,
			plugin_data, status, progress,
			task_total, task_completed, task_failed,
			dependent_on, metadata, submitted_by,
			submitted_at, started_at, finished_at, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	submittedBy := sql.NullString{String: job.SubmittedBy, Valid: job.SubmittedBy != ""}
	errorMessage := sql.NullString{String: job.ErrorMessage, Valid: job.ErrorMessage != ""}

	_, err = s.db.Exec(query,
		job.ID,
		job.Name,
		job.Plugin,
		job.Priority,
		job.Pool,
		pluginData,
		job.Status,
		job.Progress,
		job.TaskTotal,
		job.TaskCompleted,
		job.TaskFailed,
		dependentOn,
		metadata,
		submittedBy,
		job.SubmittedAt,
		job.StartedAt,
		job.FinishedAt,
		errorMessage,
	)

	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job Job
	args := GetJobScanArgs()
	targets := GetJobScanTargets(&job, args)

	err := s.db.QueryRow(query, id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	if err := ProcessJobScanArgs(&job, args); err != nil {
		return nil, err
	}

	return &job, nil
}

// UpdateJob updates every mutable column of an existing job
func (s *Store) UpdateJob(job *Job) error {
	pluginData := marshalRawJSON(job.PluginData)
	metadata := marshalRawJSON(job.Metadata)
	dependentOn, err := marshalStringSlice(job.DependentOn)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dependent_on")
	}

	query := `
		UPDATE jobs
		SET name = ?,
		    plugin = ?,
		    priority = ?,
		    pool = ?,
		    plugin_data = ?,
		    status = ?,
		    progress = ?,
		    task_total = ?,
		    task_completed = ?,
		    task_failed = ?,
		    dependent_on = ?,
		    metadata = ?,
		    started_at = ?,
		    finished_at = ?,
		    error_message = ?
		WHERE id = ?
	`

	errorMessage := sql.NullString{String: job.ErrorMessage, Valid: job.ErrorMessage != ""}

	result, err := s.db.Exec(query,
		job.Name,
		job.Plugin,
		job.Priority,
		job.Pool,
		pluginData,
		job.Status,
		job.Progress,
		job.TaskTotal,
		job.TaskCompleted,
		job.TaskFailed,
		dependentOn,
		metadata,
		job.StartedAt,
		job.FinishedAt,
		errorMessage,
		job.ID,
	)

	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", job.ID)
	}

	return nil
}

// UpdateJobStatus transitions a job and applies the transition's timestamp
// side effects: entering active stamps started_at, entering a terminal
// status stamps finished_at and records the error message.
func (s *Store) UpdateJobStatus(id, status, errorMessage string) error {
	if !IsValidJobStatus(status) {
		return errors.NewInvalidRequestError("unknown job status %q", status)
	}

	now := time.Now().UTC()

	var result sql.Result
	var err error
	switch status {
	case JobStatusActive:
		result, err = s.db.Exec(
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
			status, now, id,
		)
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		msg := sql.NullString{String: errorMessage, Valid: errorMessage != ""}
		result, err = s.db.Exec(
			`UPDATE jobs SET status = ?, finished_at = ?, error_message = ? WHERE id = ?`,
			status, now, msg, id,
		)
	default:
		result, err = s.db.Exec(
			`UPDATE jobs SET status = ? WHERE id = ?`,
			status, id,
		)
	}

	if err != nil {
		return errors.Wrap(err, "failed to update job status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", id)
	}

	return nil
}

// FinalizeJob applies an aggregation outcome's terminal transition exactly
// once. The update only fires while the job is still queued or active, so
// concurrent aggregation passes (the scheduler tick and an inline report
// handler) cannot both apply completion side effects. Reports whether this
// call performed the transition.
func (s *Store) FinalizeJob(id, status, errorMessage string) (bool, error) {
	if status != JobStatusCompleted && status != JobStatusFailed {
		return false, errors.NewInvalidRequestError("finalize requires a terminal status, got %q", status)
	}

	msg := sql.NullString{String: errorMessage, Valid: errorMessage != ""}
	result, err := s.db.Exec(
		`UPDATE jobs SET status = ?, finished_at = ?, error_message = ?
		 WHERE id = ? AND status IN ('queued', 'active')`,
		status, time.Now().UTC(), msg, id,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to finalize job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// UpdateJobAggregates persists the scheduler's recomputed progress and task
// counters for a job.
func (s *Store) UpdateJobAggregates(id string, progress float64, completed, failed int) error {
	query := `
		UPDATE jobs
		SET progress = ?, task_completed = ?, task_failed = ?
		WHERE id = ?
	`

	_, err := s.db.Exec(query, progress, completed, failed, id)
	if err != nil {
		return errors.Wrap(err, "failed to update job aggregates")
	}

	return nil
}

// SetJobPriority changes a job's dispatch priority. Priorities run 0-100;
// higher dispatches first.
func (s *Store) SetJobPriority(id string, priority int) error {
	if priority < 0 || priority > 100 {
		return errors.NewInvalidRequestError("priority %d out of range 0-100", priority)
	}

	result, err := s.db.Exec(`UPDATE jobs SET priority = ? WHERE id = ?`, priority, id)
	if err != nil {
		return errors.Wrap(err, "failed to set job priority")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", id)
	}

	return nil
}

// ListJobs returns jobs ordered newest first, optionally filtered by status.
// Pass an empty status for all jobs. Limit <= 0 defaults to 100.
func (s *Store) ListJobs(status string, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if status != "" {
		if !IsValidJobStatus(status) {
			return nil, errors.NewInvalidRequestError("unknown job status %q", status)
		}
		query = baseQuery + ` WHERE status = ? ORDER BY submitted_at DESC LIMIT ? OFFSET ?`
		args = []interface{}{status, limit, offset}
	} else {
		query = baseQuery + ` ORDER BY submitted_at DESC LIMIT ? OFFSET ?`
		args = []interface{}{limit, offset}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobRows(rows, "jobs")
}

// ListJobsByStatuses returns jobs in any of the given statuses, ordered by
// submission time. Used by the scheduler to aggregate queued and active jobs.
func (s *Store) ListJobsByStatuses(statuses ...string) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE status IN (%s) ORDER BY submitted_at ASC`,
		StandardJobSelectColumns(), placeholders)

	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by statuses")
	}
	defer rows.Close()

	return scanJobRows(rows, "jobs by statuses")
}

// scanJobRows is a helper that scans multiple jobs from query rows
func scanJobRows(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// DeleteJob removes a terminal job and all of its tasks in one transaction.
// Returns ErrConflict if the job is still live.
func (s *Store) DeleteJob(id string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if !job.CanDelete() {
		return errors.NewConflictError("job %s is %s, only completed, failed or cancelled jobs can be deleted", id, job.Status)
	}

	return s.removeJob(id)
}

// DiscardJob removes a job and its tasks regardless of status. It backs out
// half-submitted jobs when partitioning fails; the public delete path is
// DeleteJob, which enforces the lifecycle guard.
func (s *Store) DiscardJob(id string) error {
	return s.removeJob(id)
}

func (s *Store) removeJob(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin delete transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks WHERE job_id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete job tasks")
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete job")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit delete transaction")
	}

	return nil
}

// CancelJob marks a job cancelled. In-flight tasks are left to finish and
// report; they are simply never re-dispatched. Returns ErrConflict when the
// job is already terminal.
func (s *Store) CancelJob(id string) (*Job, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !job.CanCancel() {
		return nil, errors.NewConflictError("job %s is %s, cannot cancel", id, job.Status)
	}

	if err := s.UpdateJobStatus(id, JobStatusCancelled, ""); err != nil {
		return nil, err
	}

	return s.GetJob(id)
}

// SuspendJob halts dispatch of a job's remaining tasks. Only queued and
// active jobs can be suspended; in-flight tasks run to completion.
func (s *Store) SuspendJob(id string) (*Job, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !job.CanSuspend() {
		return nil, errors.NewConflictError("job %s is %s, only queued or active jobs can be suspended", id, job.Status)
	}

	if err := s.UpdateJobStatus(id, JobStatusSuspended, ""); err != nil {
		return nil, err
	}

	return s.GetJob(id)
}

// ResumeJob returns a suspended job to queued. The next successful dispatch
// promotes it back to active.
func (s *Store) ResumeJob(id string) (*Job, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !job.CanResume() {
		return nil, errors.NewConflictError("job %s is %s, only suspended jobs can be resumed", id, job.Status)
	}

	if err := s.UpdateJobStatus(id, JobStatusQueued, ""); err != nil {
		return nil, err
	}

	return s.GetJob(id)
}

// RetryJob re-queues a failed job: every failed task is reset to pending
// with its assignment and failure details cleared, the failure counter is
// zeroed and the job goes back to queued.
func (s *Store) RetryJob(id string) (*Job, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !job.CanRetry() {
		return nil, errors.NewConflictError("job %s is %s, only failed jobs can be retried", id, job.Status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin retry transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE tasks
		SET status = ?, assigned_worker = NULL, error_message = NULL, exit_code = NULL
		WHERE job_id = ? AND status = ?
	`, TaskStatusPending, id, TaskStatusFailed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reset failed tasks")
	}

	_, err = tx.Exec(`
		UPDATE jobs
		SET status = ?, task_failed = 0, error_message = NULL, finished_at = NULL
		WHERE id = ?
	`, JobStatusQueued, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-queue job")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit retry transaction")
	}

	return s.GetJob(id)
}
