package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenxingM/RenderQ/errors"
	rqtest "github.com/ChenxingM/RenderQ/internal/testing"
)

func registerTestWorker(t *testing.T, store *Store, id string) *Worker {
	t.Helper()
	now := time.Now().UTC()
	worker := &Worker{
		ID:            id,
		Name:          "node-" + id,
		Hostname:      id + ".farm.local",
		IPAddress:     "10.0.0.7",
		Status:        WorkerStatusIdle,
		Pools:         []string{"default"},
		Capabilities:  []string{"aftereffects", "ffmpeg"},
		CPUCores:      16,
		MemoryTotal:   64 << 30,
		LastHeartbeat: &now,
		Version:       "1.2.0",
	}
	require.NoError(t, store.UpsertWorker(worker))
	return worker
}

// TestUpsertWorkerIdempotent tests that re-registration updates the same row
// instead of creating a second worker
func TestUpsertWorkerIdempotent(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	worker := registerTestWorker(t, store, "w1")

	worker.Name = "node-w1-renamed"
	worker.Pools = []string{"default", "gpu"}
	require.NoError(t, store.UpsertWorker(worker))

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1, "same id registers once")

	loaded := workers[0]
	assert.Equal(t, "node-w1-renamed", loaded.Name)
	assert.Equal(t, []string{"default", "gpu"}, loaded.Pools)
	assert.Equal(t, []string{"aftereffects", "ffmpeg"}, loaded.Capabilities)
	assert.Equal(t, 16, loaded.CPUCores)
	assert.Equal(t, int64(64<<30), loaded.MemoryTotal)
	require.NotNil(t, loaded.LastHeartbeat)
}

// TestRegisterWorkerReclaimsInFlightTask tests that a worker registering
// again while the store still shows it holding a task returns that task to
// the pending pool, so a crashed-and-restarted agent never strands work
func TestRegisterWorkerReclaimsInFlightTask(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	job := queueTestJob(t, store, "shot_010", 50, 1)
	worker := registerTestWorker(t, store, "w1")

	dispatch, err := store.NextTaskForWorker("w1")
	require.NoError(t, err)
	require.NotNil(t, dispatch)
	require.NoError(t, store.UpdateTaskStatus(dispatch.Task.ID, TaskStatusRunning, nil))

	// the agent restarts and announces itself as a fresh idle worker
	worker.Status = WorkerStatusIdle
	worker.CurrentTask = ""
	requeued, err := store.RegisterWorker(worker)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Task.ID, requeued)

	task, err := store.GetTask(dispatch.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Empty(t, task.AssignedWorker)

	loaded, err := store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, loaded.Status)
	assert.Empty(t, loaded.CurrentTask)

	// the reclaimed task goes back into rotation
	again, err := store.NextTaskForWorker("w1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, dispatch.Task.ID, again.Task.ID)
	assert.Equal(t, job.ID, again.Job.ID)
}

// TestRegisterWorkerFreshID tests that a first registration has nothing to
// reclaim
func TestRegisterWorkerFreshID(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	now := time.Now().UTC()
	requeued, err := store.RegisterWorker(&Worker{
		ID:            "w1",
		Name:          "node-w1",
		Status:        WorkerStatusIdle,
		Pools:         []string{"default"},
		LastHeartbeat: &now,
	})
	require.NoError(t, err)
	assert.Empty(t, requeued)

	_, err = store.GetWorker("w1")
	require.NoError(t, err)
}

// TestHeartbeatDoesNotOverrideAssignment tests that a worker's self-report
// never changes the store's view of its status or current task
func TestHeartbeatDoesNotOverrideAssignment(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	worker := registerTestWorker(t, store, "w1")
	worker.Status = WorkerStatusBusy
	worker.CurrentTask = "task-42"
	require.NoError(t, store.UpsertWorker(worker))

	// the worker thinks it is idle; the store knows better
	updated, err := store.UpdateWorkerHeartbeat("w1", &WorkerHeartbeat{
		Status:     WorkerStatusIdle,
		CPUUsage:   87.5,
		MemoryUsed: 12 << 30,
	})
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusBusy, updated.Status)
	assert.Equal(t, "task-42", updated.CurrentTask)
	assert.InDelta(t, 87.5, updated.CPUUsage, 0.001)
	assert.Equal(t, int64(12<<30), updated.MemoryUsed)
	require.NotNil(t, updated.LastHeartbeat)
	assert.WithinDuration(t, time.Now().UTC(), *updated.LastHeartbeat, 5*time.Second)
}

// TestHeartbeatRecoversOfflineWorker tests liveness recovery without
// re-registration
func TestHeartbeatRecoversOfflineWorker(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	registerTestWorker(t, store, "w1")
	require.NoError(t, store.MarkWorkerOffline("w1"))

	updated, err := store.UpdateWorkerHeartbeat("w1", &WorkerHeartbeat{Status: WorkerStatusIdle})
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, updated.Status)

	_, err = store.UpdateWorkerHeartbeat("ghost", &WorkerHeartbeat{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

// TestReleaseWorker tests that release frees busy workers but preserves
// offline and disabled status
func TestReleaseWorker(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	worker := registerTestWorker(t, store, "w1")
	worker.Status = WorkerStatusBusy
	worker.CurrentTask = "task-1"
	require.NoError(t, store.UpsertWorker(worker))

	require.NoError(t, store.ReleaseWorker("w1"))
	freed, err := store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, freed.Status)
	assert.Empty(t, freed.CurrentTask)

	// a disabled worker finishing its last task stays disabled
	disabled, err := store.DisableWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusDisabled, disabled.Status)

	require.NoError(t, store.ReleaseWorker("w1"))
	still, err := store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusDisabled, still.Status)
}

// TestEnableDisableWorker tests the admin dispatch gate
func TestEnableDisableWorker(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	registerTestWorker(t, store, "w1")

	_, err := store.EnableWorker("w1")
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err), "only disabled workers can be enabled")

	disabled, err := store.DisableWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusDisabled, disabled.Status)

	enabled, err := store.EnableWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusIdle, enabled.Status)
}

// TestDeleteWorkerGuard tests that only offline or disabled workers can be
// deleted
func TestDeleteWorkerGuard(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	registerTestWorker(t, store, "w1")

	err := store.DeleteWorker("w1")
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, store.MarkWorkerOffline("w1"))
	require.NoError(t, store.DeleteWorker("w1"))

	_, err = store.GetWorker("w1")
	assert.True(t, errors.IsNotFoundError(err))
}

// TestListWorkersByStatus tests the status index used by the dashboard
func TestListWorkersByStatus(t *testing.T) {
	db := rqtest.CreateTestDB(t)
	store := NewStore(db)

	registerTestWorker(t, store, "w1")
	registerTestWorker(t, store, "w2")
	require.NoError(t, store.MarkWorkerOffline("w2"))

	idle, err := store.ListWorkersByStatus(WorkerStatusIdle)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "w1", idle[0].ID)

	offline, err := store.ListWorkersByStatus(WorkerStatusOffline)
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "w2", offline[0].ID)

	_, err = store.ListWorkersByStatus("sleeping")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}
