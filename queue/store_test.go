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

// TestCreateAndGetJob tests that a job round-trips through the store with
// its JSON-valued columns intact
func TestCreateAndGetJob(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("shot_010_render", "aftereffects")
	job.Priority = 75
	job.Pool = "gpu-nodes"
	job.PluginData = json.RawMessage(`{"project":"/proj/shot_010.aep","comp":"Main","frame_start":1,"frame_end":100}`)
	job.DependentOn = []string{"job-upstream"}
	job.Metadata = json.RawMessage(`{"shot":"010"}`)
	job.SubmittedBy = "chenxing"

	require.NoError(t, store.CreateJob(job))

	loaded, err := store.GetJob(job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, "shot_010_render", loaded.Name)
	assert.Equal(t, "aftereffects", loaded.Plugin)
	assert.Equal(t, 75, loaded.Priority)
	assert.Equal(t, "gpu-nodes", loaded.Pool)
	assert.Equal(t, JobStatusPending, loaded.Status)
	assert.JSONEq(t, string(job.PluginData), string(loaded.PluginData), "the parameter blob survives verbatim")
	assert.Equal(t, []string{"job-upstream"}, loaded.DependentOn)
	assert.JSONEq(t, `{"shot":"010"}`, string(loaded.Metadata))
	assert.Equal(t, "chenxing", loaded.SubmittedBy)
	assert.WithinDuration(t, job.SubmittedAt, loaded.SubmittedAt, time.Second)
	assert.Nil(t, loaded.StartedAt)
	assert.Nil(t, loaded.FinishedAt)
}

// TestGetJobNotFound tests the not-found sentinel on missing lookups
func TestGetJobNotFound(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.GetJob("no-such-job")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

// TestListJobsFilterAndPagination tests status filtering with limit/offset
func TestListJobsFilterAndPagination(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	for i := 0; i < 3; i++ {
		job := NewJob("queued", "ffmpeg")
		job.Status = JobStatusQueued
		job.SubmittedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateJob(job))
	}
	done := NewJob("done", "ffmpeg")
	done.Status = JobStatusCompleted
	require.NoError(t, store.CreateJob(done))

	queued, err := store.ListJobs(JobStatusQueued, 10, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 3)

	all, err := store.ListJobs("", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := store.ListJobs(JobStatusQueued, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := store.ListJobs(JobStatusQueued, 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	_, err = store.ListJobs("rendering", 10, 0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

// TestUpdateJobStatusSideEffects tests that transitions stamp timestamps
// and record failure messages
func TestUpdateJobStatusSideEffects(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("render", "aftereffects")
	job.Status = JobStatusQueued
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, store.UpdateJobStatus(job.ID, JobStatusActive, ""))
	active, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusActive, active.Status)
	require.NotNil(t, active.StartedAt)
	assert.Nil(t, active.FinishedAt)

	require.NoError(t, store.UpdateJobStatus(job.ID, JobStatusFailed, "2 tasks failed"))
	failed, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, failed.Status)
	require.NotNil(t, failed.FinishedAt)
	assert.Equal(t, "2 tasks failed", failed.ErrorMessage)

	err = store.UpdateJobStatus(job.ID, "rendering", "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

// TestSetJobPriorityBounds tests the 0-100 priority range on updates
func TestSetJobPriorityBounds(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("render", "ffmpeg")
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, store.SetJobPriority(job.ID, 0))
	require.NoError(t, store.SetJobPriority(job.ID, 100))

	loaded, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, loaded.Priority)

	err = store.SetJobPriority(job.ID, 101)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = store.SetJobPriority(job.ID, -1)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

// TestCancelJob tests cancel from live states and rejection from terminal ones
func TestCancelJob(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("render", "aftereffects")
	job.Status = JobStatusQueued
	require.NoError(t, store.CreateJob(job))

	cancelled, err := store.CancelJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)

	// already terminal
	_, err = store.CancelJob(job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

// TestSuspendAndResume tests the suspend gate and that resume always
// returns the job to queued
func TestSuspendAndResume(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	pending := NewJob("not-partitioned", "ffmpeg")
	require.NoError(t, store.CreateJob(pending))
	_, err := store.SuspendJob(pending.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err), "pending jobs cannot be suspended")

	job := NewJob("render", "aftereffects")
	job.Status = JobStatusActive
	require.NoError(t, store.CreateJob(job))

	suspended, err := store.SuspendJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSuspended, suspended.Status)

	_, err = store.ResumeJob(pending.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err), "only suspended jobs resume")

	resumed, err := store.ResumeJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, resumed.Status, "resume re-queues; next dispatch promotes to active")
}

// TestRetryJobResetsFailedTasks tests that retry reopens exactly the failed
// tasks and re-queues the job without changing the task id set
func TestRetryJobResetsFailedTasks(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("render", "aftereffects")
	require.NoError(t, store.CreateJob(job))

	good := NewTask(job.ID, 0)
	good.Status = TaskStatusCompleted
	good.Progress = 100

	exitCode := 1
	bad := NewTask(job.ID, 1)
	bad.Status = TaskStatusFailed
	bad.AssignedWorker = "w1"
	bad.ExitCode = &exitCode
	bad.ErrorMessage = "aerender crashed"

	require.NoError(t, store.CreateTasks(job.ID, []*Task{good, bad}))
	require.NoError(t, store.UpdateJobStatus(job.ID, JobStatusFailed, "1 tasks failed"))
	require.NoError(t, store.UpdateJobAggregates(job.ID, 50, 1, 1))

	retried, err := store.RetryJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, retried.Status)
	assert.Equal(t, 0, retried.TaskFailed)
	assert.Empty(t, retried.ErrorMessage)
	assert.Nil(t, retried.FinishedAt)

	tasks, err := store.ListTasksByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2, "retry must not change the task id set")

	assert.Equal(t, good.ID, tasks[0].ID)
	assert.Equal(t, TaskStatusCompleted, tasks[0].Status, "completed tasks stay completed")

	assert.Equal(t, bad.ID, tasks[1].ID)
	assert.Equal(t, TaskStatusPending, tasks[1].Status)
	assert.Empty(t, tasks[1].AssignedWorker)
	assert.Nil(t, tasks[1].ExitCode)
	assert.Empty(t, tasks[1].ErrorMessage)

	// only failed jobs can be retried
	_, err = store.RetryJob(job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

// TestDeleteJobCascadesTasks tests terminal-only deletion and the task cascade
func TestDeleteJobCascadesTasks(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("render", "ffmpeg")
	job.Status = JobStatusActive
	require.NoError(t, store.CreateJob(job))
	require.NoError(t, store.CreateTasks(job.ID, []*Task{NewTask(job.ID, 0), NewTask(job.ID, 1)}))

	err := store.DeleteJob(job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err), "live jobs cannot be deleted")

	_, err = store.CancelJob(job.ID)
	require.NoError(t, err)
	require.NoError(t, store.DeleteJob(job.ID))

	_, err = store.GetJob(job.ID)
	assert.True(t, errors.IsNotFoundError(err))

	tasks, err := store.ListTasksByJob(job.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks, "deleting a job removes its tasks")
}

// TestFinalizeJobExactlyOnce tests that the terminal aggregation transition
// only fires while the job is still live
func TestFinalizeJobExactlyOnce(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("render", "ffmpeg")
	job.Status = JobStatusActive
	require.NoError(t, store.CreateJob(job))

	won, err := store.FinalizeJob(job.ID, JobStatusCompleted, "")
	require.NoError(t, err)
	assert.True(t, won, "first finalize performs the transition")

	won, err = store.FinalizeJob(job.ID, JobStatusCompleted, "")
	require.NoError(t, err)
	assert.False(t, won, "second finalize is a no-op")

	loaded, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, loaded.Status)
	assert.NotNil(t, loaded.FinishedAt)

	_, err = store.FinalizeJob(job.ID, JobStatusQueued, "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

// TestFinalizeJobRecordsFailure tests the failed branch's error message
func TestFinalizeJobRecordsFailure(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := NewJob("render", "ffmpeg")
	job.Status = JobStatusQueued
	require.NoError(t, store.CreateJob(job))

	won, err := store.FinalizeJob(job.ID, JobStatusFailed, "3 tasks failed")
	require.NoError(t, err)
	require.True(t, won)

	loaded, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, loaded.Status)
	assert.Equal(t, "3 tasks failed", loaded.ErrorMessage)
}
