package server

// End to end flows through the HTTP surface: submission, dispatch,
// worker reports, timeout recovery, dependencies, and follow-up jobs.
// Everything drives the same handler the real coordinator serves.

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/queue"
)

func startTask(t *testing.T, srv *Server, taskID string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func reportProgress(t *testing.T, srv *Server, taskID string, progress float64) {
	t.Helper()
	path := fmt.Sprintf("/api/tasks/%s/progress?progress=%.1f", taskID, progress)
	rec := doJSON(t, srv, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func completeTask(t *testing.T, srv *Server, taskID string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRenderJobFullFlow(t *testing.T) {
	srv, store := newTestServer(t)
	events := recordEvents(srv.bus)

	job := submitJob(t, srv, renderSubmission("shot_010", 0, 1, 10, 0, "png"))
	require.Equal(t, 1, job.TaskTotal)

	registerWorker(t, srv, "w1", "render-01", []string{"default"}, []string{"aftereffects", "ffmpeg"})

	dispatch := pullTask(t, srv, "w1")
	require.NotNil(t, dispatch)
	assert.Equal(t, job.ID, dispatch.Job.ID)
	assert.Equal(t, 0, dispatch.Task.Index)
	assert.Equal(t, "w1", dispatch.Task.AssignedWorker)

	// the first assignment promotes the job
	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusActive, stored.Status)

	startTask(t, srv, dispatch.Task.ID)
	reportProgress(t, srv, dispatch.Task.ID, 30)
	reportProgress(t, srv, dispatch.Task.ID, 80)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+dispatch.Task.ID+"/log", map[string]interface{}{
		"log": "PROGRESS: rendering\n",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	completeTask(t, srv, dispatch.Task.ID)

	stored, err = store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, stored.Status)
	assert.InDelta(t, 100.0, stored.Progress, 0.01)
	assert.Equal(t, 1, stored.TaskCompleted)
	require.NotNil(t, stored.FinishedAt)

	worker, err := store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, queue.WorkerStatusIdle, worker.Status)

	var types []event.Type
	for _, evt := range *events {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []event.Type{
		event.JobSubmitted,
		event.WorkerConnected,
		event.TaskAssigned,
		event.JobStarted,
		event.TaskStarted,
		event.TaskProgress,
		event.TaskProgress,
		event.TaskCompleted,
		event.JobCompleted,
	}, types)
}

func TestChunkedJobAcrossWorkers(t *testing.T) {
	srv, store := newTestServer(t)

	job := submitJob(t, srv, renderSubmission("shot_020", 0, 1, 100, 25, "png"))
	require.Equal(t, 4, job.TaskTotal)

	registerWorker(t, srv, "w1", "render-01", []string{"default"}, nil)
	registerWorker(t, srv, "w2", "render-02", []string{"default"}, nil)

	first := pullTask(t, srv, "w1")
	second := pullTask(t, srv, "w2")
	require.NotNil(t, first)
	require.NotNil(t, second)

	// concurrent pulls never share a task
	assert.NotEqual(t, first.Task.ID, second.Task.ID)
	assert.Equal(t, 0, first.Task.Index)
	assert.Equal(t, 1, second.Task.Index)

	// a busy worker gets nothing more until it reports
	assert.Nil(t, pullTask(t, srv, "w1"))

	completeTask(t, srv, first.Task.ID)
	third := pullTask(t, srv, "w1")
	require.NotNil(t, third)
	assert.Equal(t, 2, third.Task.Index)

	completeTask(t, srv, second.Task.ID)
	fourth := pullTask(t, srv, "w2")
	require.NotNil(t, fourth)
	assert.Equal(t, 3, fourth.Task.Index)

	completeTask(t, srv, third.Task.ID)
	completeTask(t, srv, fourth.Task.ID)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, stored.Status)
	assert.Equal(t, 4, stored.TaskCompleted)
	assert.InDelta(t, 100.0, stored.Progress, 0.01)
}

func TestPriorityOrdering(t *testing.T) {
	srv, store := newTestServer(t)

	low := submitJob(t, srv, renderSubmission("daily_comp", 10, 1, 100, 25, "png"))
	high := submitJob(t, srv, renderSubmission("urgent_fix", 90, 1, 50, 25, "png"))
	require.Equal(t, 4, low.TaskTotal)
	require.Equal(t, 2, high.TaskTotal)

	registerWorker(t, srv, "w1", "render-01", []string{"default"}, nil)

	// the high priority job drains first even though it arrived later
	for idx := 0; idx < 2; idx++ {
		dispatch := pullTask(t, srv, "w1")
		require.NotNil(t, dispatch)
		assert.Equal(t, high.ID, dispatch.Task.JobID)
		assert.Equal(t, idx, dispatch.Task.Index)
		completeTask(t, srv, dispatch.Task.ID)
	}

	stored, err := store.GetJob(high.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, stored.Status)

	dispatch := pullTask(t, srv, "w1")
	require.NotNil(t, dispatch)
	assert.Equal(t, low.ID, dispatch.Task.JobID)
	assert.Equal(t, 0, dispatch.Task.Index)
}

func TestWorkerTimeoutReassignment(t *testing.T) {
	srv, store := newTestServer(t)

	job := submitJob(t, srv, renderSubmission("shot_030", 0, 1, 10, 0, "png"))
	registerWorker(t, srv, "w1", "render-01", []string{"default"}, nil)

	dispatch := pullTask(t, srv, "w1")
	require.NotNil(t, dispatch)
	startTask(t, srv, dispatch.Task.ID)
	reportProgress(t, srv, dispatch.Task.ID, 40)

	// silence the worker past the heartbeat timeout
	worker, err := store.GetWorker("w1")
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-2 * time.Minute)
	worker.LastHeartbeat = &stale
	require.NoError(t, store.UpsertWorker(worker))

	require.NoError(t, srv.sched.Tick(time.Now()))

	worker, err = store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, queue.WorkerStatusOffline, worker.Status)
	assert.Empty(t, worker.CurrentTask)

	task, err := store.GetTask(dispatch.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusPending, task.Status)
	assert.Empty(t, task.AssignedWorker)
	assert.InDelta(t, 40.0, task.Progress, 0.01)

	// a healthy worker picks the same task back up
	registerWorker(t, srv, "w2", "render-02", []string{"default"}, nil)
	second := pullTask(t, srv, "w2")
	require.NotNil(t, second)
	assert.Equal(t, dispatch.Task.ID, second.Task.ID)
	assert.Equal(t, "w2", second.Task.AssignedWorker)

	completeTask(t, srv, second.Task.ID)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, stored.Status)
}

func TestDependencyGatingAndFollowUps(t *testing.T) {
	srv, store := newTestServer(t)

	t.Run("dependent job waits for its parent", func(t *testing.T) {
		parent := submitJob(t, srv, renderSubmission("comp_a", 50, 1, 10, 0, "png"))

		child := renderSubmission("comp_b", 90, 1, 10, 0, "png")
		child["dependent_on"] = []string{parent.ID}
		dependent := submitJob(t, srv, child)

		registerWorker(t, srv, "w1", "render-01", []string{"default"}, nil)

		// the gated job outranks its parent but cannot run yet
		dispatch := pullTask(t, srv, "w1")
		require.NotNil(t, dispatch)
		assert.Equal(t, parent.ID, dispatch.Task.JobID)

		completeTask(t, srv, dispatch.Task.ID)

		dispatch = pullTask(t, srv, "w1")
		require.NotNil(t, dispatch)
		assert.Equal(t, dependent.ID, dispatch.Task.JobID)
		completeTask(t, srv, dispatch.Task.ID)
	})

	t.Run("completed render queues its encodes", func(t *testing.T) {
		render := submitJob(t, srv, renderSubmission("shot_040", 0, 1, 10, 0, "prores4444,mp4"))
		registerWorker(t, srv, "w2", "render-02", []string{"default"}, nil)

		dispatch := pullTask(t, srv, "w2")
		require.NotNil(t, dispatch)
		require.Equal(t, render.ID, dispatch.Task.JobID)
		completeTask(t, srv, dispatch.Task.ID)

		stored, err := store.GetJob(render.ID)
		require.NoError(t, err)
		require.Equal(t, queue.JobStatusCompleted, stored.Status)

		encodes, err := store.ListJobs(queue.JobStatusQueued, 0, 0)
		require.NoError(t, err)
		require.Len(t, encodes, 2)

		var names []string
		for _, encode := range encodes {
			names = append(names, encode.Name)
			assert.Equal(t, "ffmpeg", encode.Plugin)
			assert.Equal(t, []string{render.ID}, encode.DependentOn)
			assert.Equal(t, 1, encode.TaskTotal)
		}
		assert.ElementsMatch(t, []string{"shot_040 - ProRes 4444", "shot_040 - MP4"}, names)

		// the parent is complete, so both encodes dispatch immediately
		seen := map[string]bool{}
		for i := 0; i < 2; i++ {
			encode := pullTask(t, srv, "w2")
			require.NotNil(t, encode)
			assert.Equal(t, "ffmpeg", encode.Job.Plugin)
			seen[encode.Job.Name] = true
			completeTask(t, srv, encode.Task.ID)
		}
		assert.True(t, seen["shot_040 - ProRes 4444"])
		assert.True(t, seen["shot_040 - MP4"])
	})
}

func TestCancelThenDelete(t *testing.T) {
	srv, store := newTestServer(t)

	job := submitJob(t, srv, renderSubmission("shot_050", 0, 1, 100, 50, "png"))
	require.Equal(t, 2, job.TaskTotal)

	registerWorker(t, srv, "w1", "render-01", []string{"default"}, nil)
	dispatch := pullTask(t, srv, "w1")
	require.NotNil(t, dispatch)

	// active jobs cannot be deleted
	rec := doJSON(t, srv, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "only completed, failed or cancelled")

	rec = doJSON(t, srv, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// the in-flight task still reports; its result is recorded but the
	// job stays cancelled
	completeTask(t, srv, dispatch.Task.ID)

	task, err := store.GetTask(dispatch.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusCompleted, task.Status)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCancelled, stored.Status)

	// the remaining pending task is never dispatched
	assert.Nil(t, pullTask(t, srv, "w1"))

	rec = doJSON(t, srv, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// tasks are removed with their job
	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/"+dispatch.Task.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
