package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
)

// candidateLimit bounds how many pending tasks one dispatch call inspects.
// Candidates blocked on dependencies are skipped, so the window has to be
// wider than one.
const candidateLimit = 50

// Dispatch is the result of a successful task assignment: the task to run
// and the job it belongs to, so workers can rebuild the command locally.
// JobPromoted reports whether this assignment moved the job from queued to
// active; it is not part of the wire form.
type Dispatch struct {
	Task *Task `json:"task"`
	Job  *Job  `json:"job"`

	JobPromoted bool `json:"-"`
}

// NextTaskForWorker atomically assigns the next eligible task to an idle
// worker. Candidates are pending tasks of queued or active jobs in one of
// the worker's pools, filtered by plugin capability, with every dependency
// completed, ordered by job priority (descending), submission time, then
// task index. The assignment (task pending to assigned, worker idle to
// busy, job promotion to active) happens in a single transaction guarded
// by a compare-and-set on the task status, so two concurrent pulls can
// never win the same task.
//
// Returns (nil, nil) when the worker is not idle or nothing is eligible.
func (s *Store) NextTaskForWorker(workerID string) (*Dispatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin dispatch transaction")
	}
	defer tx.Rollback()

	var worker Worker
	row := tx.QueryRow(`SELECT `+StandardWorkerSelectColumns()+` FROM workers WHERE id = ?`, workerID)
	if err := ScanWorkerFromRow(row, &worker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("worker %s", workerID)
		}
		return nil, errors.Wrap(err, "failed to load worker for dispatch")
	}

	if worker.Status != WorkerStatusIdle {
		return nil, nil
	}
	if len(worker.Pools) == 0 {
		return nil, nil
	}

	candidates, err := dispatchCandidates(tx, &worker)
	if err != nil {
		return nil, err
	}

	depsMet := make(map[string]bool)
	for _, c := range candidates {
		met, known := depsMet[c.jobID]
		if !known {
			met, err = dependenciesCompleted(tx, c.jobID)
			if err != nil {
				return nil, err
			}
			depsMet[c.jobID] = met
		}
		if !met {
			continue
		}

		result, err := tx.Exec(
			`UPDATE tasks SET status = ?, assigned_worker = ? WHERE id = ? AND status = ?`,
			TaskStatusAssigned, workerID, c.taskID, TaskStatusPending,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to assign task")
		}
		won, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if won == 0 {
			// another dispatch took it between our snapshot and now
			continue
		}

		_, err = tx.Exec(
			`UPDATE workers SET status = ?, current_task = ? WHERE id = ?`,
			WorkerStatusBusy, c.taskID, workerID,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to mark worker busy")
		}

		// first assignment promotes the job
		result, err = tx.Exec(
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			JobStatusActive, time.Now().UTC(), c.jobID, JobStatusQueued,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to promote job to active")
		}
		promoted, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}

		dispatch, err := loadDispatch(tx, c.taskID, c.jobID)
		if err != nil {
			return nil, err
		}
		dispatch.JobPromoted = promoted > 0

		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit dispatch")
		}

		return dispatch, nil
	}

	return nil, nil
}

type dispatchCandidate struct {
	taskID string
	jobID  string
}

// dispatchCandidates returns (task, job) id pairs eligible for the worker,
// in dispatch order, before dependency gating.
func dispatchCandidates(tx *sql.Tx, worker *Worker) ([]dispatchCandidate, error) {
	poolPlaceholders := strings.TrimRight(strings.Repeat("?,", len(worker.Pools)), ",")

	query := fmt.Sprintf(`
		SELECT t.id, t.job_id
		FROM tasks t
		JOIN jobs j ON t.job_id = j.id
		WHERE t.status = ?
		  AND j.status IN (?, ?)
		  AND j.pool IN (%s)
	`, poolPlaceholders)

	args := []interface{}{TaskStatusPending, JobStatusQueued, JobStatusActive}
	for _, pool := range worker.Pools {
		args = append(args, pool)
	}

	if len(worker.Capabilities) > 0 {
		capPlaceholders := strings.TrimRight(strings.Repeat("?,", len(worker.Capabilities)), ",")
		query += fmt.Sprintf(` AND j.plugin IN (%s)`, capPlaceholders)
		for _, c := range worker.Capabilities {
			args = append(args, c)
		}
	}

	query += ` ORDER BY j.priority DESC, j.submitted_at ASC, t.idx ASC LIMIT ?`
	args = append(args, candidateLimit)

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query dispatch candidates")
	}
	defer rows.Close()

	var candidates []dispatchCandidate
	for rows.Next() {
		var c dispatchCandidate
		if err := rows.Scan(&c.taskID, &c.jobID); err != nil {
			return nil, errors.Wrap(err, "failed to scan dispatch candidate")
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating dispatch candidates")
	}

	return candidates, nil
}

// dependenciesCompleted reports whether every job the given job depends on
// has reached completed. A dependency on a job id that does not exist never
// completes, so the candidate stays blocked.
func dependenciesCompleted(tx *sql.Tx, jobID string) (bool, error) {
	var dependentOn sql.NullString
	err := tx.QueryRow(`SELECT dependent_on FROM jobs WHERE id = ?`, jobID).Scan(&dependentOn)
	if err != nil {
		return false, errors.Wrap(err, "failed to load job dependencies")
	}

	if !dependentOn.Valid || dependentOn.String == "" {
		return true, nil
	}

	var deps []string
	if err := json.Unmarshal([]byte(dependentOn.String), &deps); err != nil {
		return false, errors.Wrapf(err, "failed to unmarshal dependencies for job %s", jobID)
	}
	if len(deps) == 0 {
		return true, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(deps)), ",")
	query := fmt.Sprintf(`SELECT COUNT(*) FROM jobs WHERE id IN (%s) AND status = ?`, placeholders)

	args := make([]interface{}, 0, len(deps)+1)
	for _, dep := range deps {
		args = append(args, dep)
	}
	args = append(args, JobStatusCompleted)

	var completed int
	if err := tx.QueryRow(query, args...).Scan(&completed); err != nil {
		return false, errors.Wrap(err, "failed to count completed dependencies")
	}

	return completed == len(deps), nil
}

// loadDispatch reads the assigned task and its job inside the dispatch
// transaction so the response reflects the post-assignment state.
func loadDispatch(tx *sql.Tx, taskID, jobID string) (*Dispatch, error) {
	var task Task
	row := tx.QueryRow(`SELECT `+StandardTaskSelectColumns()+` FROM tasks WHERE id = ?`, taskID)
	if err := ScanTaskFromRow(row, &task); err != nil {
		return nil, errors.Wrap(err, "failed to load dispatched task")
	}

	var job Job
	row = tx.QueryRow(`SELECT `+StandardJobSelectColumns()+` FROM jobs WHERE id = ?`, jobID)
	if err := ScanJobFromRow(row, &job); err != nil {
		return nil, errors.Wrap(err, "failed to load dispatched job")
	}

	return &Dispatch{Task: &task, Job: &job}, nil
}
