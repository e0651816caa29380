package queue

import (
	"database/sql"
	"strings"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
)

// CreateTask inserts a new task into the database
func (s *Store) CreateTask(task *Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin task insert")
	}
	defer tx.Rollback()

	if err := insertTask(tx, task); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit task insert")
	}

	return nil
}

// CreateTasks inserts a job's tasks and updates the job's task_total in a
// single transaction, so a partially-partitioned job is never observable.
func (s *Store) CreateTasks(jobID string, tasks []*Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin task batch insert")
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if err := insertTask(tx, task); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`UPDATE jobs SET task_total = ? WHERE id = ?`, len(tasks), jobID)
	if err != nil {
		return errors.Wrap(err, "failed to update job task_total")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit task batch insert")
	}

	return nil
}

// insertTask writes one task row inside an open transaction.
func insertTask(tx *sql.Tx, task *Task) error {
	command, err := marshalStringSlice(task.Command)
	if err != nil {
		return errors.Wrap(err, "failed to marshal command")
	}
	environment, err := marshalStringMap(task.Environment)
	if err != nil {
		return errors.Wrap(err, "failed to marshal environment")
	}
	metadata := marshalRawJSON(task.Metadata)

	query := `
		INSERT INTO tasks (
			id, job_id, idx, status, progress,
			command, working_dir, environment,
			frame_start, frame_end, metadata,
			assigned_worker, started_at, finished_at,
			exit_code, error_message, log_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	workingDir := sql.NullString{String: task.WorkingDir, Valid: task.WorkingDir != ""}
	assignedWorker := sql.NullString{String: task.AssignedWorker, Valid: task.AssignedWorker != ""}
	errorMessage := sql.NullString{String: task.ErrorMessage, Valid: task.ErrorMessage != ""}
	logPath := sql.NullString{String: task.LogPath, Valid: task.LogPath != ""}

	_, err = tx.Exec(query,
		task.ID,
		task.JobID,
		task.Index,
		task.Status,
		task.Progress,
		command,
		workingDir,
		environment,
		task.FrameStart,
		task.FrameEnd,
		metadata,
		assignedWorker,
		task.StartedAt,
		task.FinishedAt,
		task.ExitCode,
		errorMessage,
		logPath,
	)

	if err != nil {
		return errors.Wrapf(err, "failed to create task %s", task.ID)
	}

	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM tasks WHERE id = ?`

	var task Task
	args := GetTaskScanArgs()
	targets := GetTaskScanTargets(&task, args)

	err := s.db.QueryRow(query, id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}

	if err := ProcessTaskScanArgs(&task, args); err != nil {
		return nil, err
	}

	return &task, nil
}

// ListTasksByJob returns a job's tasks in index order
func (s *Store) ListTasksByJob(jobID string) ([]*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM tasks WHERE job_id = ? ORDER BY idx ASC`

	rows, err := s.db.Query(query, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	return scanTaskRows(rows, "job tasks")
}

// scanTaskRows is a helper that scans multiple tasks from query rows
func scanTaskRows(rows *sql.Rows, context string) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var task Task
		if err := ScanTaskFromRows(rows, &task); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return tasks, nil
}

// UpdateTask updates a task's execution columns. Command, working dir and
// environment are fixed at creation and never rewritten.
func (s *Store) UpdateTask(task *Task) error {
	query := `
		UPDATE tasks
		SET status = ?, progress = ?, assigned_worker = ?,
		    started_at = ?, finished_at = ?,
		    exit_code = ?, error_message = ?, log_path = ?
		WHERE id = ?
	`

	assignedWorker := sql.NullString{String: task.AssignedWorker, Valid: task.AssignedWorker != ""}
	errorMessage := sql.NullString{String: task.ErrorMessage, Valid: task.ErrorMessage != ""}
	logPath := sql.NullString{String: task.LogPath, Valid: task.LogPath != ""}

	result, err := s.db.Exec(query,
		task.Status,
		task.Progress,
		assignedWorker,
		task.StartedAt,
		task.FinishedAt,
		task.ExitCode,
		errorMessage,
		logPath,
		task.ID,
	)

	if err != nil {
		return errors.Wrap(err, "failed to update task")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("task %s", task.ID)
	}

	return nil
}

// TaskStatusUpdate carries the optional columns written alongside a task
// status transition. Nil fields keep the stored value.
type TaskStatusUpdate struct {
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ExitCode     *int
	ErrorMessage string
}

// UpdateTaskStatus transitions a task, preserving any execution column the
// update does not carry.
func (s *Store) UpdateTaskStatus(id, status string, update *TaskStatusUpdate) error {
	if !IsValidTaskStatus(status) {
		return errors.NewInvalidRequestError("unknown task status %q", status)
	}
	if update == nil {
		update = &TaskStatusUpdate{}
	}

	query := `
		UPDATE tasks
		SET status = ?,
		    started_at = COALESCE(?, started_at),
		    finished_at = COALESCE(?, finished_at),
		    exit_code = COALESCE(?, exit_code),
		    error_message = COALESCE(?, error_message)
		WHERE id = ?
	`

	errorMessage := sql.NullString{String: update.ErrorMessage, Valid: update.ErrorMessage != ""}

	result, err := s.db.Exec(query,
		status,
		update.StartedAt,
		update.FinishedAt,
		update.ExitCode,
		errorMessage,
		id,
	)

	if err != nil {
		return errors.Wrap(err, "failed to update task status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("task %s", id)
	}

	return nil
}

// TransitionTask is UpdateTaskStatus guarded by the task's current state:
// the write applies only while the stored status is one of from. A report
// arriving after the timeout sweep requeued the task, or after a cancel,
// matches nothing and comes back as a conflict instead of rewriting state
// the worker no longer owns.
func (s *Store) TransitionTask(id, status string, update *TaskStatusUpdate, from ...string) error {
	if !IsValidTaskStatus(status) {
		return errors.NewInvalidRequestError("unknown task status %q", status)
	}
	if len(from) == 0 {
		return errors.NewInvalidRequestError("task transition needs at least one source status")
	}
	if update == nil {
		update = &TaskStatusUpdate{}
	}

	query := `
		UPDATE tasks
		SET status = ?,
		    started_at = COALESCE(?, started_at),
		    finished_at = COALESCE(?, finished_at),
		    exit_code = COALESCE(?, exit_code),
		    error_message = COALESCE(?, error_message)
		WHERE id = ? AND status IN (?` + strings.Repeat(", ?", len(from)-1) + `)
	`

	errorMessage := sql.NullString{String: update.ErrorMessage, Valid: update.ErrorMessage != ""}

	args := []interface{}{
		status,
		update.StartedAt,
		update.FinishedAt,
		update.ExitCode,
		errorMessage,
		id,
	}
	for _, st := range from {
		args = append(args, st)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to transition task")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}

	// Zero rows is either a missing task or a stale report; look again to
	// tell the two apart.
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	return errors.NewConflictError("task %s is %s, expected %s", id, task.Status, strings.Join(from, " or "))
}

// UpdateTaskProgress records a task's progress percentage.
func (s *Store) UpdateTaskProgress(id string, progress float64) error {
	result, err := s.db.Exec(`UPDATE tasks SET progress = ? WHERE id = ?`, progress, id)
	if err != nil {
		return errors.Wrap(err, "failed to update task progress")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("task %s", id)
	}

	return nil
}

// SetTaskLogPath records where the task's log artifact was written.
func (s *Store) SetTaskLogPath(id, logPath string) error {
	_, err := s.db.Exec(`UPDATE tasks SET log_path = ? WHERE id = ?`, logPath, id)
	if err != nil {
		return errors.Wrap(err, "failed to set task log path")
	}

	return nil
}

// RequeueTask returns an in-flight task to pending with its assignment
// cleared, making it eligible for re-dispatch. Used by the heartbeat
// timeout sweep; accumulated progress is kept for display.
func (s *Store) RequeueTask(id string) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, assigned_worker = NULL WHERE id = ?`,
		TaskStatusPending, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to requeue task")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("task %s", id)
	}

	return nil
}

// RetryTask resets a failed task to pending with a clean execution record.
// Unlike the timeout sweep, retry clears progress and timestamps so the
// rerun starts from zero.
func (s *Store) RetryTask(id string) (*Task, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusFailed {
		return nil, errors.NewConflictError("task %s is %s, only failed tasks can be retried", id, task.Status)
	}

	_, err = s.db.Exec(`
		UPDATE tasks
		SET status = ?, progress = 0, assigned_worker = NULL,
		    started_at = NULL, finished_at = NULL,
		    exit_code = NULL, error_message = NULL
		WHERE id = ?
	`, TaskStatusPending, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to retry task")
	}

	return s.GetTask(id)
}

// CancelTask finalizes a live task as failed with a cancellation message and
// releases its worker if one was assigned.
func (s *Store) CancelTask(id string) (*Task, error) {
	return s.finalizeTask(id, "Cancelled by user",
		TaskStatusPending, TaskStatusAssigned, TaskStatusRunning)
}

// SuspendTask stops a running task, recording it as failed so it can be
// retried, and releases its worker.
func (s *Store) SuspendTask(id string) (*Task, error) {
	return s.finalizeTask(id, "Suspended by user", TaskStatusRunning)
}

// finalizeTask moves a task to failed with the given message, provided its
// current status is in allowed, and frees the assigned worker.
func (s *Store) finalizeTask(id, message string, allowed ...string) (*Task, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}

	ok := false
	for _, st := range allowed {
		if task.Status == st {
			ok = true
			break
		}
	}
	if !ok {
		return nil, errors.NewConflictError("task %s is %s, cannot stop", id, task.Status)
	}

	if task.AssignedWorker != "" {
		if err := s.ReleaseWorker(task.AssignedWorker); err != nil && !errors.IsNotFoundError(err) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	err = s.UpdateTaskStatus(id, TaskStatusFailed, &TaskStatusUpdate{
		FinishedAt:   &now,
		ErrorMessage: message,
	})
	if err != nil {
		return nil, err
	}

	return s.GetTask(id)
}
