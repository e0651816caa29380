package scheduler

import (
	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

// SubmitJob runs the submission path for a pending job: resolve the
// plugin, validate the parameters, persist the job, partition it into
// tasks, and queue it. On partition failure the job row is removed again,
// so a rejected submission leaves no orphan state behind.
//
// Unknown plugins and validation failures return invalid-request errors
// before anything is written.
func (s *Scheduler) SubmitJob(job *queue.Job) error {
	p, ok := s.registry.Get(job.Plugin)
	if !ok {
		return errors.NewInvalidRequestError("unknown plugin: %s", job.Plugin)
	}
	if err := p.Validate(job.PluginData); err != nil {
		return errors.WrapInvalidRequest(err, "validation failed")
	}

	if err := s.store.CreateJob(job); err != nil {
		return err
	}

	tasks, err := p.CreateTasks(job)
	if err == nil && len(tasks) == 0 {
		err = errors.Newf("plugin %s produced no tasks", job.Plugin)
	}
	if err != nil {
		s.discardJob(job.ID)
		return errors.Wrapf(err, "failed to partition job %s", job.ID)
	}

	if err := s.store.CreateTasks(job.ID, tasks); err != nil {
		s.discardJob(job.ID)
		return err
	}
	if err := s.store.UpdateJobStatus(job.ID, queue.JobStatusQueued, ""); err != nil {
		return err
	}
	job.Status = queue.JobStatusQueued
	job.TaskTotal = len(tasks)

	s.logger.Infow("Job submitted",
		"job_id", job.ID,
		"name", job.Name,
		"plugin", job.Plugin,
		"priority", job.Priority,
		"pool", job.Pool,
		"tasks", len(tasks))
	s.bus.Emit(event.NewJobSubmitted(job.ID, job.Name))
	return nil
}

// discardJob removes a half-submitted job after a partition failure.
func (s *Scheduler) discardJob(jobID string) {
	if err := s.store.DiscardJob(jobID); err != nil {
		s.logger.Errorw("Failed to remove job after partition failure",
			"job_id", jobID, "error", err)
	}
}

// createFollowUps materializes and submits the plugin's follow-up jobs for
// a freshly completed job. Failures are logged per descriptor; a broken
// follow-up never blocks the parent's completion.
func (s *Scheduler) createFollowUps(parent *queue.Job) {
	p, ok := s.registry.Get(parent.Plugin)
	if !ok {
		return
	}

	specs, err := p.FollowUpJobs(parent)
	if err != nil {
		s.logger.Errorw("Failed to collect follow-up jobs",
			"job_id", parent.ID, "plugin", parent.Plugin, "error", err)
		return
	}

	for _, spec := range specs {
		follow := followUpJob(parent, spec)
		if err := s.SubmitJob(follow); err != nil {
			s.logger.Errorw("Failed to create follow-up job",
				"job_id", parent.ID, "name", follow.Name, "error", err)
			continue
		}
		s.logger.Infow("Created follow-up job",
			"job_id", follow.ID,
			"name", follow.Name,
			"depends_on", parent.ID)
	}
}

// followUpJob materializes a descriptor, inheriting the parent's priority
// and pool when the descriptor leaves them unset and defaulting the
// dependency to the parent itself.
func followUpJob(parent *queue.Job, spec plugin.JobSpec) *queue.Job {
	name := spec.Name
	if name == "" {
		name = parent.Name + " - Encode"
	}
	pluginName := spec.Plugin
	if pluginName == "" {
		pluginName = "ffmpeg"
	}

	follow := queue.NewJob(name, pluginName)
	follow.Priority = parent.Priority
	if spec.Priority > 0 {
		follow.Priority = spec.Priority
	}
	follow.Pool = parent.Pool
	if spec.Pool != "" {
		follow.Pool = spec.Pool
	}
	follow.PluginData = spec.PluginData
	follow.Metadata = spec.Metadata
	follow.DependentOn = spec.DependentOn
	if len(follow.DependentOn) == 0 {
		follow.DependentOn = []string{parent.ID}
	}
	follow.SubmittedBy = parent.SubmittedBy
	return follow
}
