// Package aftereffects renders Adobe After Effects projects through the
// aerender command line renderer.
//
// Two modes are supported: render_queue renders items already queued inside
// the project, custom renders a named comp to a PNG sequence in frame
// chunks and can fan out ffmpeg encode jobs for the finished sequence.
package aftereffects

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

const (
	pluginName    = "aftereffects"
	pluginVersion = "2.0.0"

	// Output module template for PNG sequences. Must exist in the
	// worker's After Effects installation.
	pngOutputModule = "PNG Sequence"

	// Custom mode chunks default to at most this many frames per task.
	defaultChunkSize = 50
)

// Default aerender install locations, newest release first.
var defaultAerenderPaths = []string{
	`C:\Program Files\Adobe\Adobe After Effects 2025\Support Files\aerender.exe`,
	`C:\Program Files\Adobe\Adobe After Effects 2024\Support Files\aerender.exe`,
	`C:\Program Files\Adobe\Adobe After Effects 2023\Support Files\aerender.exe`,
	`C:\Program Files\Adobe\Adobe After Effects CC 2022\Support Files\aerender.exe`,
	"/Applications/Adobe After Effects 2025/aerender",
	"/Applications/Adobe After Effects 2024/aerender",
	"/Applications/Adobe After Effects 2023/aerender",
}

// Comp names become file names; strip characters that are invalid on any
// supported platform.
var unsafePathChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// aerender progress lines look like
// "PROGRESS:  0:00:01:15 (101): 0 Seconds" with the current frame in
// parentheses.
var progressRe = regexp.MustCompile(`PROGRESS:.*\((\d+)\)`)

// Plugin renders After Effects projects with aerender.
type Plugin struct {
	plugin.BaseCommandPlugin
}

// New returns the After Effects plugin.
func New() *Plugin {
	return &Plugin{
		BaseCommandPlugin: plugin.BaseCommandPlugin{
			ExecutableName: "aerender",
			DefaultPaths:   defaultAerenderPaths,
		},
	}
}

func (p *Plugin) Name() string        { return pluginName }
func (p *Plugin) DisplayName() string { return "Adobe After Effects" }
func (p *Plugin) Version() string     { return pluginVersion }

func (p *Plugin) Description() string {
	return "Render After Effects projects with aerender, from the project's render queue or a named comp."
}

func (p *Plugin) Parameters() map[string]plugin.Param {
	return map[string]plugin.Param{
		"mode": {
			Type:        plugin.ParamChoice,
			Label:       "Render mode",
			Required:    true,
			Default:     "custom",
			Choices:     []string{"render_queue", "custom"},
			Description: "render_queue renders the project's queued items, custom renders a named comp",
		},
		"project_path": {
			Type:        plugin.ParamPath,
			Label:       "Project file",
			Required:    true,
			Description: "After Effects project path (.aep)",
			Filter:      "After Effects Project (*.aep)",
		},
		"rq_indices": {
			Type:        plugin.ParamString,
			Label:       "Render queue indices",
			Description: "Queue item indices to render, comma separated (render_queue mode)",
		},
		"comp_name": {
			Type:        plugin.ParamString,
			Label:       "Comp name",
			Description: "Comp to render (custom mode)",
		},
		"output_path": {
			Type:        plugin.ParamPath,
			Label:       "Output directory",
			Description: "Directory the PNG sequence and encodes are written under",
			Save:        true,
		},
		"output_formats": {
			Type:        plugin.ParamString,
			Label:       "Output formats",
			Default:     "png",
			Description: "Comma separated output formats: png, prores4444, mp4",
		},
		"frame_start": {
			Type:        plugin.ParamInt,
			Label:       "Start frame",
			Description: "First frame to render",
		},
		"frame_end": {
			Type:        plugin.ParamInt,
			Label:       "End frame",
			Description: "Last frame to render",
		},
		"width": {
			Type:        plugin.ParamInt,
			Label:       "Width",
			Description: "Output width",
		},
		"height": {
			Type:        plugin.ParamInt,
			Label:       "Height",
			Description: "Output height",
		},
		"frame_rate": {
			Type:        plugin.ParamFloat,
			Label:       "Frame rate",
			Description: "Output frame rate",
		},
		"chunk_size": {
			Type:        plugin.ParamInt,
			Label:       "Chunk size",
			Default:     0,
			Description: "Frames per task, 0 picks an automatic chunk size",
		},
		"aerender_path": {
			Type:        plugin.ParamPath,
			Label:       "aerender path",
			Description: "Custom aerender executable path",
		},
	}
}

func (p *Plugin) Validate(raw json.RawMessage) error {
	data, err := plugin.Params(raw)
	if err != nil {
		return err
	}
	if err := plugin.RequireParams(p.Parameters(), data, "project_path"); err != nil {
		return err
	}

	switch mode := plugin.StringValue(data, "mode", "custom"); mode {
	case "render_queue":
		if len(rqItems(data)) == 0 && len(plugin.StringSliceValue(data, "rq_indices")) == 0 {
			return errors.New("no render queue items selected")
		}
	case "custom":
		if err := plugin.RequireParams(p.Parameters(), data, "comp_name", "output_path"); err != nil {
			return err
		}
		if plugin.HasValue(data, "frame_start") && plugin.HasValue(data, "frame_end") {
			start := plugin.IntValue(data, "frame_start", 0)
			end := plugin.IntValue(data, "frame_end", 0)
			if start > end {
				return errors.Newf("start frame %d is after end frame %d", start, end)
			}
		}
	default:
		return errors.Newf("unknown render mode: %s", mode)
	}
	return nil
}

func (p *Plugin) CreateTasks(job *queue.Job) ([]*queue.Task, error) {
	data, err := plugin.Params(job.PluginData)
	if err != nil {
		return nil, err
	}
	if plugin.StringValue(data, "mode", "custom") == "render_queue" {
		return p.renderQueueTasks(job, data)
	}
	return p.customTasks(job, data)
}

// renderQueueTasks makes one task per selected queue item. Submissions may
// carry rq_items (maps with per item frame information) or just rq_indices.
func (p *Plugin) renderQueueTasks(job *queue.Job, data map[string]interface{}) ([]*queue.Task, error) {
	items := rqItems(data)
	if len(items) > 0 {
		tasks := make([]*queue.Task, 0, len(items))
		for idx, item := range items {
			task := queue.NewTask(job.ID, idx)
			task.FrameStart = optionalInt(item, "frame_start")
			task.FrameEnd = optionalInt(item, "frame_end")
			meta, err := plugin.EncodeParams(map[string]interface{}{
				"rq_index":     item["index"],
				"comp_name":    item["comp_name"],
				"total_frames": item["total_frames"],
				"frame_rate":   item["frame_rate"],
				"output_path":  item["output_path"],
			})
			if err != nil {
				return nil, err
			}
			task.Metadata = meta
			tasks = append(tasks, task)
		}
		return tasks, nil
	}

	indices := plugin.StringSliceValue(data, "rq_indices")
	tasks := make([]*queue.Task, 0, len(indices))
	for idx, rqIndex := range indices {
		task := queue.NewTask(job.ID, idx)
		meta, err := plugin.EncodeParams(map[string]interface{}{"rq_index": rqIndex})
		if err != nil {
			return nil, err
		}
		task.Metadata = meta
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// customTasks splits the frame range into chunks, one PNG render task each.
func (p *Plugin) customTasks(job *queue.Job, data map[string]interface{}) ([]*queue.Task, error) {
	frameStart := plugin.IntValue(data, "frame_start", 0)
	frameEnd := plugin.IntValue(data, "frame_end", 100)
	chunkSize := plugin.IntValue(data, "chunk_size", 0)

	totalFrames := frameEnd - frameStart + 1
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
		if totalFrames < chunkSize {
			chunkSize = totalFrames
		}
	}

	var tasks []*queue.Task
	for start := frameStart; start <= frameEnd; start += chunkSize {
		end := start + chunkSize - 1
		if end > frameEnd {
			end = frameEnd
		}
		task := queue.NewTask(job.ID, len(tasks))
		task.FrameStart = intPtr(start)
		task.FrameEnd = intPtr(end)
		meta, err := plugin.EncodeParams(map[string]interface{}{"task_type": "render_png"})
		if err != nil {
			return nil, err
		}
		task.Metadata = meta
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (p *Plugin) BuildCommand(task *queue.Task, job *queue.Job) ([]string, error) {
	data, err := plugin.Params(job.PluginData)
	if err != nil {
		return nil, err
	}

	aerender, err := p.FindExecutable(plugin.StringValue(data, "aerender_path", ""))
	if err != nil {
		return nil, err
	}

	if plugin.StringValue(data, "mode", "custom") == "render_queue" {
		return p.renderQueueCommand(aerender, task, data)
	}
	return p.customCommand(aerender, task, data), nil
}

func (p *Plugin) renderQueueCommand(aerender string, task *queue.Task, data map[string]interface{}) ([]string, error) {
	meta, err := plugin.Params(task.Metadata)
	if err != nil {
		return nil, err
	}
	rqIndex := 1
	if v, ok := meta["rq_index"]; ok && v != nil {
		rqIndex = cast.ToInt(v)
	}

	return []string{
		aerender,
		"-project", plugin.StringValue(data, "project_path", ""),
		"-rqindex", strconv.Itoa(rqIndex),
		"-v", "ERRORS_AND_PROGRESS",
		"-sound", "OFF",
		"-mp",
	}, nil
}

func (p *Plugin) customCommand(aerender string, task *queue.Task, data map[string]interface{}) []string {
	compName := plugin.StringValue(data, "comp_name", "")
	safeName := unsafePathChars.ReplaceAllString(compName, "_")

	pngDir := filepath.Join(plugin.StringValue(data, "output_path", ""), "png")
	outputFile := filepath.Join(pngDir, safeName+"_[#####].png")

	cmd := []string{
		aerender,
		"-project", plugin.StringValue(data, "project_path", ""),
		"-comp", compName,
		"-output", outputFile,
		"-v", "ERRORS_AND_PROGRESS",
		"-sound", "OFF",
		"-mp",
		"-OMtemplate", pngOutputModule,
		"-RStemplate", "Best Settings",
	}

	if task.FrameStart != nil {
		cmd = append(cmd, "-s", strconv.Itoa(*task.FrameStart))
	}
	if task.FrameEnd != nil {
		cmd = append(cmd, "-e", strconv.Itoa(*task.FrameEnd))
	}
	return cmd
}

func (p *Plugin) ParseProgress(line string, task *queue.Task) (float64, bool) {
	if m := progressRe.FindStringSubmatch(line); m != nil {
		frame, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		start, end, ok := task.FrameRange()
		if !ok {
			return 0, false
		}
		total := end - start + 1
		if total <= 0 {
			return 0, false
		}
		progress := float64(frame-start+1) / float64(total) * 100
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		return progress, true
	}

	if strings.Contains(line, "PROGRESS: Total Time Elapsed") {
		return 100, true
	}
	return 0, false
}

// FollowUpJobs emits one ffmpeg encode job per requested output format once
// the PNG sequence is rendered. Only custom mode produces follow-ups.
func (p *Plugin) FollowUpJobs(job *queue.Job) ([]plugin.JobSpec, error) {
	data, err := plugin.Params(job.PluginData)
	if err != nil {
		return nil, err
	}
	if plugin.StringValue(data, "mode", "custom") != "custom" {
		return nil, nil
	}

	outputDir := plugin.StringValue(data, "output_path", "")
	safeName := unsafePathChars.ReplaceAllString(plugin.StringValue(data, "comp_name", ""), "_")
	pngPattern := filepath.Join(outputDir, "png", safeName+"_%05d.png")

	frameStart := plugin.IntValue(data, "frame_start", 0)
	frameRate := plugin.FloatValue(data, "frame_rate", 24)

	var specs []plugin.JobSpec
	for _, format := range plugin.StringSliceValue(data, "output_formats") {
		switch strings.ToLower(strings.TrimSpace(format)) {
		case "png":
			// Already rendered by the tasks themselves.

		case "prores4444":
			params, err := plugin.EncodeParams(map[string]interface{}{
				"input_pattern": pngPattern,
				"output_file":   filepath.Join(outputDir, "prores", safeName+".mov"),
				"codec":         "prores_ks",
				"profile":       "4444",
				"frame_rate":    frameRate,
				"start_number":  frameStart,
				"pix_fmt":       "yuva444p10le",
			})
			if err != nil {
				return nil, err
			}
			specs = append(specs, plugin.JobSpec{
				Name:        job.Name + " - ProRes 4444",
				Plugin:      "ffmpeg",
				Priority:    job.Priority,
				DependentOn: []string{job.ID},
				PluginData:  params,
			})

		case "mp4":
			params, err := plugin.EncodeParams(map[string]interface{}{
				"input_pattern": pngPattern,
				"output_file":   filepath.Join(outputDir, "mp4", safeName+".mp4"),
				"codec":         "libx264",
				"crf":           18,
				"preset":        "medium",
				"frame_rate":    frameRate,
				"start_number":  frameStart,
				"pix_fmt":       "yuv420p",
			})
			if err != nil {
				return nil, err
			}
			specs = append(specs, plugin.JobSpec{
				Name:        job.Name + " - MP4",
				Plugin:      "ffmpeg",
				Priority:    job.Priority,
				DependentOn: []string{job.ID},
				PluginData:  params,
			})
		}
	}
	return specs, nil
}

// rqItems reads the rq_items parameter, a list of maps describing selected
// render queue entries.
func rqItems(data map[string]interface{}) []map[string]interface{} {
	switch raw := data["rq_items"].(type) {
	case []map[string]interface{}:
		return raw
	case []interface{}:
		items := make([]map[string]interface{}, 0, len(raw))
		for _, e := range raw {
			if m, ok := e.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}
		return items
	default:
		return nil
	}
}

func optionalInt(m map[string]interface{}, key string) *int {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	return intPtr(cast.ToInt(v))
}

func intPtr(v int) *int { return &v }
