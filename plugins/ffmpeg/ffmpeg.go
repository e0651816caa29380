// Package ffmpeg encodes rendered image sequences into video files with
// FFmpeg. It is the encode half of a render pipeline: After Effects jobs
// fan out to it for ProRes and MP4 deliverables, and it can be submitted
// directly for ad hoc encodes.
package ffmpeg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

const (
	pluginName    = "ffmpeg"
	pluginVersion = "1.0.0"
)

var defaultFFmpegPaths = []string{
	`C:\ffmpeg\bin\ffmpeg.exe`,
	`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
	"/usr/local/bin/ffmpeg",
	"/usr/bin/ffmpeg",
}

// prores_ks numeric profiles by name.
var proresProfiles = map[string]int{
	"proxy":    0,
	"lt":       1,
	"standard": 2,
	"hq":       3,
	"4444":     4,
	"4444xq":   5,
}

// Plugin encodes image sequences with FFmpeg as a single task per job.
type Plugin struct {
	plugin.BaseCommandPlugin
}

// New returns the FFmpeg plugin.
func New() *Plugin {
	return &Plugin{
		BaseCommandPlugin: plugin.BaseCommandPlugin{
			ExecutableName: "ffmpeg",
			DefaultPaths:   defaultFFmpegPaths,
		},
	}
}

func (p *Plugin) Name() string        { return pluginName }
func (p *Plugin) DisplayName() string { return "FFmpeg Encoder" }
func (p *Plugin) Version() string     { return pluginVersion }

func (p *Plugin) Description() string {
	return "Encode image sequences into video files with FFmpeg."
}

func (p *Plugin) Parameters() map[string]plugin.Param {
	return map[string]plugin.Param{
		"input_pattern": {
			Type:        plugin.ParamPath,
			Label:       "Input pattern",
			Required:    true,
			Description: "Input sequence pattern, for example /renders/frame_%05d.png",
		},
		"output_file": {
			Type:        plugin.ParamPath,
			Label:       "Output file",
			Required:    true,
			Description: "Output video file path",
			Save:        true,
		},
		"codec": {
			Type:        plugin.ParamChoice,
			Label:       "Codec",
			Required:    true,
			Default:     "libx264",
			Choices:     []string{"libx264", "libx265", "prores_ks", "dnxhd", "copy"},
			Description: "Video encoder",
		},
		"profile": {
			Type:        plugin.ParamChoice,
			Label:       "ProRes profile",
			Choices:     []string{"proxy", "lt", "standard", "hq", "4444", "4444xq"},
			Description: "ProRes encode profile (prores_ks only)",
		},
		"crf": {
			Type:        plugin.ParamInt,
			Label:       "CRF quality",
			Default:     18,
			Description: "Quality factor 0-51, lower is better (x264/x265 only)",
		},
		"preset": {
			Type:        plugin.ParamChoice,
			Label:       "Encode speed",
			Default:     "medium",
			Choices:     []string{"ultrafast", "superfast", "veryfast", "faster", "fast", "medium", "slow", "slower", "veryslow"},
			Description: "Encode speed preset (x264/x265 only)",
		},
		"frame_rate": {
			Type:        plugin.ParamFloat,
			Label:       "Frame rate",
			Default:     24.0,
			Description: "Output frame rate",
		},
		"start_number": {
			Type:        plugin.ParamInt,
			Label:       "Start number",
			Default:     0,
			Description: "First frame number of the input sequence",
		},
		"pix_fmt": {
			Type:        plugin.ParamString,
			Label:       "Pixel format",
			Default:     "yuv420p",
			Description: "Output pixel format",
		},
		"audio_file": {
			Type:        plugin.ParamPath,
			Label:       "Audio file",
			Description: "Optional audio track to mux in",
		},
		"ffmpeg_path": {
			Type:        plugin.ParamPath,
			Label:       "FFmpeg path",
			Description: "Custom ffmpeg executable path",
		},
		"extra_args": {
			Type:        plugin.ParamString,
			Label:       "Extra arguments",
			Description: "Additional FFmpeg arguments, shell quoting respected",
		},
	}
}

func (p *Plugin) Validate(raw json.RawMessage) error {
	data, err := plugin.Params(raw)
	if err != nil {
		return err
	}
	if err := plugin.RequireParams(p.Parameters(), data, "input_pattern", "output_file"); err != nil {
		return err
	}
	if plugin.StringValue(data, "codec", "libx264") == "prores_ks" {
		if plugin.StringValue(data, "profile", "") == "" {
			return errors.New("prores_ks encodes need a profile")
		}
	}
	return nil
}

// CreateTasks returns a single encode task; FFmpeg consumes the whole
// sequence in one pass.
func (p *Plugin) CreateTasks(job *queue.Job) ([]*queue.Task, error) {
	return []*queue.Task{queue.NewTask(job.ID, 0)}, nil
}

func (p *Plugin) BuildCommand(task *queue.Task, job *queue.Job) ([]string, error) {
	data, err := plugin.Params(job.PluginData)
	if err != nil {
		return nil, err
	}

	ffmpeg, err := p.FindExecutable(plugin.StringValue(data, "ffmpeg_path", ""))
	if err != nil {
		return nil, err
	}

	inputPattern := plugin.StringValue(data, "input_pattern", "")
	outputFile := plugin.StringValue(data, "output_file", "")
	codec := plugin.StringValue(data, "codec", "libx264")
	frameRate := plugin.FloatValue(data, "frame_rate", 24)
	startNumber := plugin.IntValue(data, "start_number", 0)

	if dir := filepath.Dir(outputFile); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create output directory %s", dir)
		}
	}

	cmd := []string{
		ffmpeg,
		"-y",
		"-framerate", strconv.FormatFloat(frameRate, 'f', -1, 64),
		"-start_number", strconv.Itoa(startNumber),
		"-i", inputPattern,
	}

	audioFile := plugin.StringValue(data, "audio_file", "")
	hasAudio := audioFile != "" && fileExists(audioFile)
	if hasAudio {
		cmd = append(cmd, "-i", audioFile)
	}

	cmd = append(cmd, "-c:v", codec)

	switch codec {
	case "prores_ks":
		profile := plugin.StringValue(data, "profile", "hq")
		num, ok := proresProfiles[profile]
		if !ok {
			num = proresProfiles["hq"]
		}
		cmd = append(cmd, "-profile:v", strconv.Itoa(num))

		// 4444 profiles carry alpha; everything else encodes 4:2:2.
		if profile == "4444" || profile == "4444xq" {
			cmd = append(cmd, "-pix_fmt", plugin.StringValue(data, "pix_fmt", "yuva444p10le"))
		} else {
			cmd = append(cmd, "-pix_fmt", "yuv422p10le")
		}

	case "libx264", "libx265":
		cmd = append(cmd,
			"-crf", strconv.Itoa(plugin.IntValue(data, "crf", 18)),
			"-preset", plugin.StringValue(data, "preset", "medium"),
			"-pix_fmt", plugin.StringValue(data, "pix_fmt", "yuv420p"),
		)
		if codec == "libx264" {
			cmd = append(cmd, "-movflags", "+faststart")
		}
	}

	if hasAudio {
		cmd = append(cmd, "-c:a", "aac", "-b:a", "192k")
	} else {
		cmd = append(cmd, "-an")
	}

	if extra := plugin.StringValue(data, "extra_args", ""); extra != "" {
		args, err := shellquote.Split(extra)
		if err != nil {
			return nil, errors.Wrap(err, "invalid extra_args")
		}
		cmd = append(cmd, args...)
	}

	return append(cmd, outputFile), nil
}

// ParseProgress only recognises the final mux summary. FFmpeg's periodic
// frame= lines carry no total, so there is no denominator to report
// against for a single pass encode.
func (p *Plugin) ParseProgress(line string, task *queue.Task) (float64, bool) {
	if strings.Contains(line, "video:") && strings.Contains(line, "audio:") {
		return 100, true
	}
	return 0, false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
