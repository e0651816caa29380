package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/queue"
)

// Client is the agent's typed view of the coordinator REST API. Non-2xx
// responses come back as *APIError so callers can branch on the
// coordinator's verdict.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the coordinator at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a coordinator response with a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// IsNotRegistered reports whether the coordinator rejected a call because
// it does not know this worker, meaning the agent must register again.
func IsNotRegistered(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Registration is the payload announcing a worker to the coordinator.
type Registration struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Hostname     string   `json:"hostname,omitempty"`
	IPAddress    string   `json:"ip_address,omitempty"`
	Pools        []string `json:"pools,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CPUCores     int      `json:"cpu_cores,omitempty"`
	MemoryTotal  int64    `json:"memory_total,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// Register announces the worker. Registering an existing id updates the
// stored row, so the call is safe to repeat.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	return c.do(ctx, http.MethodPost, "/api/workers/register", nil, reg, nil)
}

// Heartbeat reports liveness and load.
func (c *Client) Heartbeat(ctx context.Context, workerID string, hb *queue.WorkerHeartbeat) error {
	return c.do(ctx, http.MethodPost, "/api/workers/"+workerID+"/heartbeat", nil, hb, nil)
}

// RequestTask asks the dispatcher for work. A nil dispatch with nil error
// means nothing is eligible right now.
func (c *Client) RequestTask(ctx context.Context, workerID string) (*queue.Dispatch, error) {
	var dispatch *queue.Dispatch
	err := c.do(ctx, http.MethodPost, "/api/workers/"+workerID+"/request-task", nil, nil, &dispatch)
	if err != nil {
		return nil, err
	}
	return dispatch, nil
}

// StartTask reports the renderer process launching.
func (c *Client) StartTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/start", nil, nil, nil)
}

// ReportProgress posts a 0-100 progress value.
func (c *Client) ReportProgress(ctx context.Context, taskID string, progress float64) error {
	query := url.Values{"progress": {strconv.FormatFloat(progress, 'f', -1, 64)}}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/progress", query, nil, nil)
}

// UploadLog ships captured renderer output. With appendLog the upload
// extends the stored log; otherwise it replaces it.
func (c *Client) UploadLog(ctx context.Context, taskID, content string, appendLog bool) error {
	body := map[string]interface{}{"log": content, "append": appendLog}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/log", nil, body, nil)
}

// CompleteTask reports a zero-exit render.
func (c *Client) CompleteTask(ctx context.Context, taskID string, exitCode int) error {
	query := url.Values{"exit_code": {strconv.Itoa(exitCode)}}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/complete", query, nil, nil)
}

// FailTask reports a failed render with its exit code and reason.
func (c *Client) FailTask(ctx context.Context, taskID string, exitCode int, message string) error {
	query := url.Values{
		"exit_code":     {strconv.Itoa(exitCode)},
		"error_message": {message},
	}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/fail", query, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var remote struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&remote)
		if remote.Error == "" {
			remote.Error = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: remote.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "failed to decode %s response", path)
		}
	}
	return nil
}
