package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

// ServerURL is bound to the global --server flag. When empty, the client
// falls back to $RENDERQ_SERVER, then to the local default.
var ServerURL string

const defaultServerURL = "http://localhost:8000"

// api is a thin client over the coordinator's HTTP API for CLI commands.
// Commands talk to a running coordinator rather than opening the database
// directly, so queue mutations flow through the same code paths and event
// broadcasts as every other submitter.
type api struct {
	base string
	http *http.Client
}

func newAPI() *api {
	base := ServerURL
	if base == "" {
		base = os.Getenv("RENDERQ_SERVER")
	}
	if base == "" {
		base = defaultServerURL
	}
	return &api{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// do issues a request and decodes the JSON response into out (when non-nil).
// Coordinator errors arrive as {"error": "..."} bodies and are surfaced as
// plain errors.
func (a *api) do(method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.base+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "cannot reach coordinator at %s (is 'renderq server' running?)", a.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return errors.Newf("%s", apiErr.Error)
		}
		return errors.Newf("coordinator returned %s", resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode response")
		}
	}
	return nil
}

// submitRequest mirrors the POST /api/jobs body. Plugin data and metadata
// are encoded to raw JSON at this edge; the coordinator carries them opaque.
type submitRequest struct {
	Name        string          `json:"name"`
	Plugin      string          `json:"plugin"`
	Priority    *int            `json:"priority,omitempty"`
	Pool        string          `json:"pool,omitempty"`
	PluginData  json.RawMessage `json:"plugin_data,omitempty"`
	DependentOn []string        `json:"dependent_on,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
}

func (a *api) submitJob(req submitRequest) (*queue.Job, error) {
	var job queue.Job
	if err := a.do(http.MethodPost, "/api/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (a *api) listJobs(status string, limit int) ([]*queue.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var jobs []*queue.Job
	if err := a.do(http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (a *api) getJob(id string) (*queue.Job, error) {
	var job queue.Job
	if err := a.do(http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (a *api) jobTasks(id string) ([]*queue.Task, error) {
	var tasks []*queue.Task
	if err := a.do(http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// jobAction posts a verb like suspend, resume, cancel, or retry.
func (a *api) jobAction(id, action string) error {
	return a.do(http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (a *api) deleteJob(id string) error {
	return a.do(http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

func (a *api) setJobPriority(id string, priority int) error {
	path := fmt.Sprintf("/api/jobs/%s/priority?priority=%d", url.PathEscape(id), priority)
	return a.do(http.MethodPut, path, nil, nil)
}

func (a *api) getTask(id string) (*queue.Task, error) {
	var task queue.Task
	if err := a.do(http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (a *api) taskAction(id, action string) error {
	return a.do(http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (a *api) taskLog(id string) (string, error) {
	var resp struct {
		Log string `json:"log"`
	}
	if err := a.do(http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/log", nil, &resp); err != nil {
		return "", err
	}
	return resp.Log, nil
}

func (a *api) listWorkers() ([]*queue.Worker, error) {
	var workers []*queue.Worker
	if err := a.do(http.MethodGet, "/api/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

func (a *api) workerAction(id, action string) error {
	return a.do(http.MethodPost, "/api/workers/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (a *api) deleteWorker(id string) error {
	return a.do(http.MethodDelete, "/api/workers/"+url.PathEscape(id), nil, nil)
}

func (a *api) workerLog(id string) (string, string, error) {
	var resp struct {
		Log         string `json:"log"`
		CurrentTask string `json:"current_task"`
	}
	if err := a.do(http.MethodGet, "/api/workers/"+url.PathEscape(id)+"/log", nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Log, resp.CurrentTask, nil
}

func (a *api) listPlugins() ([]plugin.Info, error) {
	var infos []plugin.Info
	if err := a.do(http.MethodGet, "/api/plugins", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (a *api) getPlugin(name string) (*plugin.Info, error) {
	var info plugin.Info
	if err := a.do(http.MethodGet, "/api/plugins/"+url.PathEscape(name), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// statsPayload is the GET /api/stats response.
type statsPayload struct {
	queue.Stats
	Scheduler map[string]interface{} `json:"scheduler"`
}

func (a *api) stats() (*statsPayload, error) {
	var stats statsPayload
	if err := a.do(http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
