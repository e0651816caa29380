package queue

import (
	"database/sql"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
)

// execer abstracts *sql.DB and *sql.Tx for writes that run either
// standalone or inside a transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// UpsertWorker inserts a worker or refreshes an existing row.
func (s *Store) UpsertWorker(worker *Worker) error {
	return upsertWorker(s.db, worker)
}

// RegisterWorker records a worker (re)registration. If the store still
// shows the worker holding a task from a previous life, that task goes
// back to the pending pool in the same transaction: an agent announcing
// itself afresh cannot be running anything it was assigned before, and
// without the requeue the task would sit assigned to nobody forever.
// Returns the id of the requeued task, if any.
func (s *Store) RegisterWorker(worker *Worker) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", errors.Wrap(err, "failed to begin worker registration")
	}
	defer tx.Rollback()

	var currentTask sql.NullString
	err = tx.QueryRow(`SELECT current_task FROM workers WHERE id = ?`, worker.ID).Scan(&currentTask)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrap(err, "failed to load worker for registration")
	}

	var requeued string
	if currentTask.Valid && currentTask.String != "" {
		result, err := tx.Exec(`
			UPDATE tasks
			SET status = ?, assigned_worker = NULL
			WHERE id = ? AND assigned_worker = ? AND status IN (?, ?)
		`, TaskStatusPending, currentTask.String, worker.ID, TaskStatusAssigned, TaskStatusRunning)
		if err != nil {
			return "", errors.Wrap(err, "failed to requeue task of re-registering worker")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return "", errors.Wrap(err, "failed to get rows affected")
		}
		if rows > 0 {
			requeued = currentTask.String
		}
	}

	if err := upsertWorker(tx, worker); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit worker registration")
	}

	return requeued, nil
}

func upsertWorker(e execer, worker *Worker) error {
	pools, err := marshalStringSlice(worker.Pools)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pools")
	}
	capabilities, err := marshalStringSlice(worker.Capabilities)
	if err != nil {
		return errors.Wrap(err, "failed to marshal capabilities")
	}

	query := `
		INSERT INTO workers (
			id, name, hostname, ip_address, status, current_task,
			pools, capabilities, cpu_cores, cpu_usage,
			memory_total, memory_used, last_heartbeat, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			status = excluded.status,
			current_task = excluded.current_task,
			pools = excluded.pools,
			capabilities = excluded.capabilities,
			cpu_cores = excluded.cpu_cores,
			cpu_usage = excluded.cpu_usage,
			memory_total = excluded.memory_total,
			memory_used = excluded.memory_used,
			last_heartbeat = excluded.last_heartbeat,
			version = excluded.version
	`

	hostname := sql.NullString{String: worker.Hostname, Valid: worker.Hostname != ""}
	ipAddress := sql.NullString{String: worker.IPAddress, Valid: worker.IPAddress != ""}
	currentTask := sql.NullString{String: worker.CurrentTask, Valid: worker.CurrentTask != ""}
	version := sql.NullString{String: worker.Version, Valid: worker.Version != ""}

	_, err = e.Exec(query,
		worker.ID,
		worker.Name,
		hostname,
		ipAddress,
		worker.Status,
		currentTask,
		pools,
		capabilities,
		worker.CPUCores,
		worker.CPUUsage,
		worker.MemoryTotal,
		worker.MemoryUsed,
		worker.LastHeartbeat,
		version,
	)

	if err != nil {
		return errors.Wrap(err, "failed to upsert worker")
	}

	return nil
}

// GetWorker retrieves a worker by ID
func (s *Store) GetWorker(id string) (*Worker, error) {
	query := `SELECT ` + StandardWorkerSelectColumns() + ` FROM workers WHERE id = ?`

	var worker Worker
	args := GetWorkerScanArgs()
	targets := GetWorkerScanTargets(&worker, args)

	err := s.db.QueryRow(query, id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("worker %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get worker")
	}

	if err := ProcessWorkerScanArgs(&worker, args); err != nil {
		return nil, err
	}

	return &worker, nil
}

// ListWorkers returns all registered workers ordered by name
func (s *Store) ListWorkers() ([]*Worker, error) {
	query := `SELECT ` + StandardWorkerSelectColumns() + ` FROM workers ORDER BY name ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()

	return scanWorkerRows(rows, "workers")
}

// ListWorkersByStatus returns workers in the given status ordered by name
func (s *Store) ListWorkersByStatus(status string) ([]*Worker, error) {
	if !IsValidWorkerStatus(status) {
		return nil, errors.NewInvalidRequestError("unknown worker status %q", status)
	}

	query := `SELECT ` + StandardWorkerSelectColumns() + ` FROM workers WHERE status = ? ORDER BY name ASC`

	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers by status")
	}
	defer rows.Close()

	return scanWorkerRows(rows, "workers by status")
}

// scanWorkerRows is a helper that scans multiple workers from query rows
func scanWorkerRows(rows *sql.Rows, context string) ([]*Worker, error) {
	var workers []*Worker
	for rows.Next() {
		var worker Worker
		if err := ScanWorkerFromRows(rows, &worker); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		workers = append(workers, &worker)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return workers, nil
}

// WorkerHeartbeat is the telemetry a worker reports on each heartbeat.
type WorkerHeartbeat struct {
	Status      string  `json:"status"`
	CurrentTask string  `json:"current_task,omitempty"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsed  int64   `json:"memory_used"`
}

// UpdateWorkerHeartbeat refreshes a worker's telemetry and liveness
// timestamp, returning the stored row. The worker's own report of status
// and current task is not written back: assignment state changes only
// through dispatch and task reports, so the store stays authoritative.
// The one exception is an offline worker heartbeating again, which
// recovers to idle without re-registering.
func (s *Store) UpdateWorkerHeartbeat(id string, hb *WorkerHeartbeat) (*Worker, error) {
	worker, err := s.GetWorker(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if worker.Status == WorkerStatusOffline {
		_, err = s.db.Exec(`
			UPDATE workers
			SET status = ?, cpu_usage = ?, memory_used = ?, last_heartbeat = ?
			WHERE id = ?
		`, WorkerStatusIdle, hb.CPUUsage, hb.MemoryUsed, now, id)
	} else {
		_, err = s.db.Exec(`
			UPDATE workers
			SET cpu_usage = ?, memory_used = ?, last_heartbeat = ?
			WHERE id = ?
		`, hb.CPUUsage, hb.MemoryUsed, now, id)
	}

	if err != nil {
		return nil, errors.Wrap(err, "failed to update worker heartbeat")
	}

	return s.GetWorker(id)
}

// MarkWorkerOffline records a heartbeat timeout: the worker loses its
// current task reference and stops receiving dispatches.
func (s *Store) MarkWorkerOffline(id string) error {
	_, err := s.db.Exec(
		`UPDATE workers SET status = ?, current_task = NULL WHERE id = ?`,
		WorkerStatusOffline, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark worker offline")
	}

	return nil
}

// ReleaseWorker clears a worker's task assignment after the task finishes.
// A busy worker returns to idle; offline and disabled workers keep their
// status and only lose the task reference.
func (s *Store) ReleaseWorker(id string) error {
	result, err := s.db.Exec(`
		UPDATE workers
		SET status = CASE WHEN status = ? THEN ? ELSE status END,
		    current_task = NULL
		WHERE id = ?
	`, WorkerStatusBusy, WorkerStatusIdle, id)
	if err != nil {
		return errors.Wrap(err, "failed to release worker")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("worker %s", id)
	}

	return nil
}

// EnableWorker returns a disabled worker to dispatch rotation.
func (s *Store) EnableWorker(id string) (*Worker, error) {
	worker, err := s.GetWorker(id)
	if err != nil {
		return nil, err
	}
	if worker.Status != WorkerStatusDisabled {
		return nil, errors.NewConflictError("worker %s is %s, only disabled workers can be enabled", id, worker.Status)
	}

	_, err = s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, WorkerStatusIdle, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enable worker")
	}

	return s.GetWorker(id)
}

// DisableWorker removes a worker from dispatch rotation. A busy worker's
// in-flight task is left to finish and report.
func (s *Store) DisableWorker(id string) (*Worker, error) {
	worker, err := s.GetWorker(id)
	if err != nil {
		return nil, err
	}
	if worker.Status == WorkerStatusDisabled {
		return worker, nil
	}

	_, err = s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, WorkerStatusDisabled, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to disable worker")
	}

	return s.GetWorker(id)
}

// DeleteWorker removes a worker row. Only offline or disabled workers can
// be deleted; live workers must time out or be disabled first.
func (s *Store) DeleteWorker(id string) error {
	worker, err := s.GetWorker(id)
	if err != nil {
		return err
	}
	if !worker.CanDelete() {
		return errors.NewConflictError("worker %s is %s, only offline or disabled workers can be deleted", id, worker.Status)
	}

	_, err = s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete worker")
	}

	return nil
}
