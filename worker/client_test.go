package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenxingM/RenderQ/queue"
)

func TestClientRegister(t *testing.T) {
	var got Registration
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/workers/register", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "worker_id": got.ID})
	}))
	defer ts.Close()

	client := NewClient(ts.URL + "/")
	err := client.Register(context.Background(), Registration{
		ID:       "w1",
		Name:     "render-01",
		Pools:    []string{"default"},
		CPUCores: 16,
	})
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ID)
	assert.Equal(t, "render-01", got.Name)
	assert.Equal(t, []string{"default"}, got.Pools)
}

func TestClientRequestTask(t *testing.T) {
	task := queue.NewTask("job-1", 0)
	job := queue.NewJob("shot_010", "aftereffects")

	empty := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workers/w1/request-task", r.URL.Path)
		if empty {
			json.NewEncoder(w).Encode(nil)
			return
		}
		json.NewEncoder(w).Encode(&queue.Dispatch{Task: task, Job: job})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	dispatch, err := client.RequestTask(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, dispatch)

	empty = false
	dispatch, err = client.RequestTask(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, dispatch)
	assert.Equal(t, task.ID, dispatch.Task.ID)
	assert.Equal(t, job.ID, dispatch.Job.ID)
}

func TestClientTaskReports(t *testing.T) {
	type call struct {
		path  string
		query map[string]string
		body  map[string]interface{}
	}
	var calls []call
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{path: r.URL.Path, query: map[string]string{}}
		for key := range r.URL.Query() {
			c.query[key] = r.URL.Query().Get(key)
		}
		if r.Header.Get("Content-Type") == "application/json" {
			json.NewDecoder(r.Body).Decode(&c.body)
		}
		calls = append(calls, c)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	ctx := context.Background()

	require.NoError(t, client.StartTask(ctx, "t1"))
	require.NoError(t, client.ReportProgress(ctx, "t1", 42.5))
	require.NoError(t, client.UploadLog(ctx, "t1", "rendering\n", true))
	require.NoError(t, client.CompleteTask(ctx, "t1", 0))
	require.NoError(t, client.FailTask(ctx, "t2", 9, "aerender crashed"))

	require.Len(t, calls, 5)
	assert.Equal(t, "/api/tasks/t1/start", calls[0].path)

	assert.Equal(t, "/api/tasks/t1/progress", calls[1].path)
	assert.Equal(t, "42.5", calls[1].query["progress"])

	assert.Equal(t, "/api/tasks/t1/log", calls[2].path)
	assert.Equal(t, "rendering\n", calls[2].body["log"])
	assert.Equal(t, true, calls[2].body["append"])

	assert.Equal(t, "/api/tasks/t1/complete", calls[3].path)
	assert.Equal(t, "0", calls[3].query["exit_code"])

	assert.Equal(t, "/api/tasks/t2/fail", calls[4].path)
	assert.Equal(t, "9", calls[4].query["exit_code"])
	assert.Equal(t, "aerender crashed", calls[4].query["error_message"])
}

func TestClientAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Worker not found, please re-register"})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	err := client.Heartbeat(context.Background(), "ghost", &queue.WorkerHeartbeat{Status: "idle"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Worker not found, please re-register", apiErr.Message)
	assert.True(t, IsNotRegistered(err))
}

func TestClientAPIErrorWithoutBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	err := client.StartTask(context.Background(), "t1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.NotEmpty(t, apiErr.Message)
	assert.False(t, IsNotRegistered(err))
}
