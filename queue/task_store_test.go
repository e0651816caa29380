package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenxingM/RenderQ/errors"
	rqtest "github.com/ChenxingM/RenderQ/internal/testing"
)

func createJobWithStatus(t *testing.T, store *Store, status string) *Job {
	t.Helper()
	job := NewJob("render", "aftereffects")
	job.Status = status
	require.NoError(t, store.CreateJob(job))
	return job
}

// TestCreateTasksSetsTaskTotal tests the transactional batch insert used by
// the submission path
func TestCreateTasksSetsTaskTotal(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusPending)

	tasks := []*Task{NewTask(job.ID, 0), NewTask(job.ID, 1), NewTask(job.ID, 2)}
	require.NoError(t, store.CreateTasks(job.ID, tasks))

	loaded, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.TaskTotal)

	listed, err := store.ListTasksByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, task := range listed {
		assert.Equal(t, i, task.Index, "tasks come back in index order")
	}
}

// TestTaskRoundTrip tests that execution columns survive the store
func TestTaskRoundTrip(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusQueued)

	start, end := 26, 50
	task := NewTask(job.ID, 1)
	task.FrameStart = &start
	task.FrameEnd = &end
	task.Command = []string{"aerender", "-project", "/proj/shot.aep"}
	task.WorkingDir = "/proj"
	task.Environment = map[string]string{"AE_RENDER_THREADS": "8"}
	task.Metadata = json.RawMessage(`{"comp":"Main"}`)

	require.NoError(t, store.CreateTask(task))

	loaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.JobID)
	assert.Equal(t, 1, loaded.Index)
	assert.Equal(t, TaskStatusPending, loaded.Status)
	assert.Equal(t, []string{"aerender", "-project", "/proj/shot.aep"}, loaded.Command)
	assert.Equal(t, "/proj", loaded.WorkingDir)
	assert.Equal(t, "8", loaded.Environment["AE_RENDER_THREADS"])
	assert.JSONEq(t, `{"comp":"Main"}`, string(loaded.Metadata))

	s, e, ok := loaded.FrameRange()
	require.True(t, ok)
	assert.Equal(t, 26, s)
	assert.Equal(t, 50, e)

	assert.Nil(t, loaded.ExitCode)
	assert.Nil(t, loaded.StartedAt)
	assert.Empty(t, loaded.AssignedWorker)
}

// TestGetTaskNotFound tests the not-found sentinel
func TestGetTaskNotFound(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.GetTask("no-such-task")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

// TestUpdateTaskStatusPreservesColumns tests the keep-if-absent semantics
// of status updates: a completion report must not erase the start time
func TestUpdateTaskStatusPreservesColumns(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusActive)
	task := NewTask(job.ID, 0)
	require.NoError(t, store.CreateTask(task))

	started := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.UpdateTaskStatus(task.ID, TaskStatusRunning, &TaskStatusUpdate{
		StartedAt: &started,
	}))

	finished := time.Now().UTC()
	exitCode := 0
	require.NoError(t, store.UpdateTaskStatus(task.ID, TaskStatusCompleted, &TaskStatusUpdate{
		FinishedAt: &finished,
		ExitCode:   &exitCode,
	}))

	loaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, loaded.Status)
	require.NotNil(t, loaded.StartedAt, "completion must not erase started_at")
	assert.WithinDuration(t, started, *loaded.StartedAt, time.Second)
	require.NotNil(t, loaded.FinishedAt)
	require.NotNil(t, loaded.ExitCode)
	assert.Equal(t, 0, *loaded.ExitCode)

	err = store.UpdateTaskStatus(task.ID, "done", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

// TestTransitionTaskGuardsSource tests that a guarded status write only
// lands while the task is in one of the expected source states
func TestTransitionTaskGuardsSource(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusActive)
	task := NewTask(job.ID, 0)
	require.NoError(t, store.CreateTask(task))

	// not yet assigned: a start report is premature
	now := time.Now().UTC()
	err := store.TransitionTask(task.ID, TaskStatusRunning,
		&TaskStatusUpdate{StartedAt: &now}, TaskStatusAssigned)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, store.UpdateTaskStatus(task.ID, TaskStatusAssigned, nil))
	require.NoError(t, store.TransitionTask(task.ID, TaskStatusRunning,
		&TaskStatusUpdate{StartedAt: &now}, TaskStatusAssigned))

	loaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, loaded.Status)
	require.NotNil(t, loaded.StartedAt)

	// missing tasks are not conflicts
	err = store.TransitionTask("ghost", TaskStatusRunning, nil, TaskStatusAssigned)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

// TestTransitionTaskRejectsLateStartAfterRequeue tests that a dead worker's
// delayed start report cannot flip a requeued task back to running: the
// task would be running with no assigned worker and never dispatch again
func TestTransitionTaskRejectsLateStartAfterRequeue(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	queueTestJob(t, store, "shot_010", 50, 1)
	idleWorker(t, store, "w1", []string{"default"}, nil)

	dispatch, err := store.NextTaskForWorker("w1")
	require.NoError(t, err)
	require.NotNil(t, dispatch)

	// the heartbeat sweep gives up on w1 and reclaims the task
	require.NoError(t, store.RequeueTask(dispatch.Task.ID))

	now := time.Now().UTC()
	err = store.TransitionTask(dispatch.Task.ID, TaskStatusRunning,
		&TaskStatusUpdate{StartedAt: &now}, TaskStatusAssigned)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	loaded, err := store.GetTask(dispatch.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, loaded.Status)
	assert.Empty(t, loaded.AssignedWorker)
}

// TestUpdateTaskProgress tests progress writes and missing-task errors
func TestUpdateTaskProgress(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusActive)
	task := NewTask(job.ID, 0)
	require.NoError(t, store.CreateTask(task))

	require.NoError(t, store.UpdateTaskProgress(task.ID, 42.5))

	loaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, loaded.Progress, 0.001)

	err = store.UpdateTaskProgress("ghost", 10)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

// TestRequeueTaskKeepsProgress tests the timeout sweep reset: back to
// pending, assignment cleared, accumulated progress kept
func TestRequeueTaskKeepsProgress(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusActive)
	task := NewTask(job.ID, 0)
	task.Status = TaskStatusRunning
	task.AssignedWorker = "w1"
	task.Progress = 60
	require.NoError(t, store.CreateTask(task))

	require.NoError(t, store.RequeueTask(task.ID))

	loaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, loaded.Status)
	assert.Empty(t, loaded.AssignedWorker)
	assert.InDelta(t, 60, loaded.Progress, 0.001)
}

// TestRetryTaskResetsExecution tests the admin retry: a clean slate rerun
func TestRetryTaskResetsExecution(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusFailed)

	started := time.Now().UTC().Add(-time.Hour)
	finished := time.Now().UTC()
	exitCode := 1
	task := NewTask(job.ID, 0)
	task.Status = TaskStatusFailed
	task.Progress = 80
	task.AssignedWorker = "w1"
	task.StartedAt = &started
	task.FinishedAt = &finished
	task.ExitCode = &exitCode
	task.ErrorMessage = "aerender exited 1"
	require.NoError(t, store.CreateTask(task))

	retried, err := store.RetryTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, retried.Status)
	assert.Zero(t, retried.Progress)
	assert.Empty(t, retried.AssignedWorker)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.FinishedAt)
	assert.Nil(t, retried.ExitCode)
	assert.Empty(t, retried.ErrorMessage)

	// pending is not retryable
	_, err = store.RetryTask(task.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

// TestCancelTaskReleasesWorker tests that stopping a live task frees its worker
func TestCancelTaskReleasesWorker(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusActive)
	task := NewTask(job.ID, 0)
	task.Status = TaskStatusRunning
	task.AssignedWorker = "w1"
	require.NoError(t, store.CreateTask(task))

	worker := &Worker{ID: "w1", Name: "node-01", Status: WorkerStatusBusy, CurrentTask: task.ID}
	require.NoError(t, store.UpsertWorker(worker))

	cancelled, err := store.CancelTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, cancelled.Status)
	assert.Equal(t, "Cancelled by user", cancelled.ErrorMessage)
	assert.NotNil(t, cancelled.FinishedAt)

	freed, err := store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, freed.Status)
	assert.Empty(t, freed.CurrentTask)

	// terminal tasks cannot be cancelled again
	_, err = store.CancelTask(task.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

// TestSuspendTaskOnlyRunning tests the suspend gate
func TestSuspendTaskOnlyRunning(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := createJobWithStatus(t, store, JobStatusActive)
	task := NewTask(job.ID, 0)
	require.NoError(t, store.CreateTask(task))

	_, err := store.SuspendTask(task.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err), "pending tasks cannot be suspended")

	require.NoError(t, store.UpdateTaskStatus(task.ID, TaskStatusRunning, nil))

	suspended, err := store.SuspendTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, suspended.Status)
	assert.Equal(t, "Suspended by user", suspended.ErrorMessage)
}
