package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

const (
	// logBatchLines flushes the upload buffer once this many lines pile
	// up even if the flush window has not elapsed.
	logBatchLines = 50
	// terminateGrace is how long a cancelled renderer gets after SIGTERM
	// before it is killed.
	terminateGrace = 10 * time.Second
)

// executeTask runs one assignment end to end: rebuild the command against
// local installs, launch it, stream output, and report the verdict. Local
// failures before launch report as task failures with exit code -1, the
// same shape a renderer crash produces.
func (a *Agent) executeTask(ctx context.Context, dispatch *queue.Dispatch) {
	task := dispatch.Task
	if task == nil {
		a.logger.Errorw("Assignment carried no task")
		return
	}
	a.setCurrentTask(task.ID)
	defer a.setCurrentTask("")

	job := dispatch.Job
	if job == nil {
		a.reportFailure(ctx, task.ID, -1, "assignment carried no job")
		return
	}

	a.logger.Infow("Executing task",
		"task_id", task.ID,
		"job_id", job.ID,
		"job", job.Name,
		"index", task.Index)

	p, ok := a.registry.Get(job.Plugin)
	if !ok {
		a.reportFailure(ctx, task.ID, -1, fmt.Sprintf("unknown plugin: %s", job.Plugin))
		return
	}

	command, err := p.BuildCommand(task, job)
	if err != nil {
		a.reportFailure(ctx, task.ID, -1, fmt.Sprintf("failed to build command: %v", err))
		return
	}
	if len(command) == 0 {
		a.reportFailure(ctx, task.ID, -1, "empty command")
		return
	}
	a.logger.Infow("Built command", "task_id", task.ID, "argv", command)

	if err := a.client.StartTask(ctx, task.ID); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// The coordinator no longer considers this task ours, most
			// likely the heartbeat sweep reclaimed it. Render nothing.
			a.logger.Warnw("Coordinator rejected task start, dropping assignment",
				"task_id", task.ID, "error", err)
			return
		}
		a.logger.Warnw("Failed to report task start", "task_id", task.ID, "error", err)
	}
	header := fmt.Sprintf("=== Task started at %s ===\n", time.Now().Format(time.RFC3339))
	if err := a.client.UploadLog(ctx, task.ID, header, false); err != nil {
		a.logger.Debugw("Failed to reset task log", "task_id", task.ID, "error", err)
	}

	exitCode, runErr := a.runCommand(ctx, task, p, command)
	if ctx.Err() != nil {
		// Shutdown killed the renderer. Nothing is reported; the
		// coordinator's heartbeat sweep returns the task to the queue.
		a.logger.Infow("Render interrupted by shutdown", "task_id", task.ID)
		return
	}
	if runErr != nil {
		a.reportFailure(ctx, task.ID, -1, runErr.Error())
		return
	}

	if exitCode != 0 {
		a.reportFailure(ctx, task.ID, exitCode, fmt.Sprintf("process exited with code %d", exitCode))
		return
	}
	if err := a.client.CompleteTask(ctx, task.ID, 0); err != nil {
		a.logger.Errorw("Failed to report completion", "task_id", task.ID, "error", err)
		return
	}
	a.logger.Infow("Task completed", "task_id", task.ID)
}

func (a *Agent) reportFailure(ctx context.Context, taskID string, exitCode int, message string) {
	a.logger.Errorw("Task failed", "task_id", taskID, "exit_code", exitCode, "error", message)
	if err := a.client.FailTask(ctx, taskID, exitCode, message); err != nil {
		a.logger.Errorw("Failed to report task failure", "task_id", taskID, "error", err)
	}
}

// runCommand launches the renderer and pumps its merged stdout/stderr
// through progress parsing and log shipping. The returned exit code is
// meaningful only when err is nil.
func (a *Agent) runCommand(ctx context.Context, task *queue.Task, p plugin.Plugin, argv []string) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = task.WorkingDir
	if len(task.Environment) > 0 {
		env := os.Environ()
		for key, value := range task.Environment {
			env = append(env, key+"="+value)
		}
		cmd.Env = env
	}
	// Give a cancelled renderer a chance to flush frames before the kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, errors.Wrap(err, "failed to open stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, errors.Wrapf(err, "failed to launch %s", argv[0])
	}

	a.streamOutput(ctx, task, p, stdout)

	err = cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return -1, errors.Wrap(err, "renderer did not run")
		}
	}
	return cmd.ProcessState.ExitCode(), nil
}

// streamOutput reads renderer lines until EOF, mirroring them into the
// local log file, converting them to progress reports (at most one per
// second), and shipping them to the coordinator in batches of at most
// logBatchLines or one flush window, whichever comes first.
func (a *Agent) streamOutput(ctx context.Context, task *queue.Task, p plugin.Plugin, r io.Reader) {
	logPath := filepath.Join(a.cfg.LogDir, task.ID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		a.logger.Warnw("Failed to create local log", "path", logPath, "error", err)
	} else {
		defer logFile.Close()
	}

	progressGate := rate.NewLimiter(rate.Every(time.Second), 1)
	flushGate := rate.NewLimiter(rate.Every(2*time.Second), 1)

	var buf bytes.Buffer
	buffered := 0
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		if err := a.client.UploadLog(ctx, task.ID, buf.String(), true); err != nil {
			// Keep the buffer; the next flush retries with it.
			a.logger.Debugw("Log upload failed", "task_id", task.ID, "error", err)
			return
		}
		buf.Reset()
		buffered = 0
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		buffered++

		if progress, ok := p.ParseProgress(line, task); ok && progressGate.Allow() {
			if err := a.client.ReportProgress(ctx, task.ID, progress); err != nil {
				a.logger.Debugw("Progress report failed", "task_id", task.ID, "error", err)
			}
		}
		if buffered >= logBatchLines || flushGate.Allow() {
			flush()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.logger.Warnw("Renderer output read error", "task_id", task.ID, "error", err)
	}
	flush()
}
