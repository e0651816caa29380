package ffmpeg

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

var _ plugin.Plugin = (*Plugin)(nil)

func rawParams(t *testing.T, data map[string]interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return raw
}

func encodeJob(t *testing.T, data map[string]interface{}) (*queue.Job, *queue.Task) {
	t.Helper()
	job := queue.NewJob("encode", pluginName)
	job.PluginData = rawParams(t, data)

	p := New()
	tasks, err := p.CreateTasks(job)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return job, tasks[0]
}

func localFFmpeg(p *Plugin) {
	// Resolve a binary that exists on every test machine.
	p.DefaultPaths = nil
	p.ExecutableName = "sh"
}

func TestValidate(t *testing.T) {
	p := New()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr string
	}{
		{
			name:    "missing input pattern",
			data:    map[string]interface{}{"output_file": "/out/a.mp4"},
			wantErr: "Input pattern",
		},
		{
			name:    "missing output file",
			data:    map[string]interface{}{"input_pattern": "/in/f_%05d.png"},
			wantErr: "Output file",
		},
		{
			name: "prores without profile",
			data: map[string]interface{}{
				"input_pattern": "/in/f_%05d.png",
				"output_file":   "/out/a.mov",
				"codec":         "prores_ks",
			},
			wantErr: "profile",
		},
		{
			name: "prores with profile",
			data: map[string]interface{}{
				"input_pattern": "/in/f_%05d.png",
				"output_file":   "/out/a.mov",
				"codec":         "prores_ks",
				"profile":       "4444",
			},
		},
		{
			name: "default codec needs no profile",
			data: map[string]interface{}{
				"input_pattern": "/in/f_%05d.png",
				"output_file":   "/out/a.mp4",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(rawParams(t, tt.data))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateTasksSingle(t *testing.T) {
	_, task := encodeJob(t, map[string]interface{}{
		"input_pattern": "/in/f_%05d.png",
		"output_file":   "/out/a.mp4",
	})
	assert.Equal(t, 0, task.Index)
	assert.Equal(t, queue.TaskStatusPending, task.Status)
}

func TestBuildCommandProRes(t *testing.T) {
	dir := t.TempDir()
	job, task := encodeJob(t, map[string]interface{}{
		"input_pattern": "/in/Shot_010_%05d.png",
		"output_file":   filepath.Join(dir, "prores", "Shot_010.mov"),
		"codec":         "prores_ks",
		"profile":       "4444",
		"frame_rate":    23.976,
		"start_number":  float64(1),
		"pix_fmt":       "yuva444p10le",
	})

	p := New()
	localFFmpeg(p)

	cmd, err := p.BuildCommand(task, job)
	require.NoError(t, err)

	assert.Contains(t, cmd, "-y")
	assert.Contains(t, cmd, "-framerate")
	assert.Contains(t, cmd, "23.976")
	assert.Contains(t, cmd, "-start_number")
	assert.Contains(t, cmd, "1")
	assert.Contains(t, cmd, "prores_ks")
	assert.Contains(t, cmd, "-profile:v")
	assert.Contains(t, cmd, "4")
	assert.Contains(t, cmd, "yuva444p10le")
	assert.Contains(t, cmd, "-an")
	assert.Equal(t, filepath.Join(dir, "prores", "Shot_010.mov"), cmd[len(cmd)-1])

	// The output directory is created so ffmpeg can write into it.
	assert.DirExists(t, filepath.Join(dir, "prores"))
}

func TestBuildCommandProResProfiles(t *testing.T) {
	dir := t.TempDir()
	p := New()
	localFFmpeg(p)

	tests := []struct {
		profile    string
		wantNumber string
		wantPixFmt string
	}{
		{"proxy", "0", "yuv422p10le"},
		{"hq", "3", "yuv422p10le"},
		{"4444xq", "5", "yuva444p10le"},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			job, task := encodeJob(t, map[string]interface{}{
				"input_pattern": "/in/f_%05d.png",
				"output_file":   filepath.Join(dir, tt.profile+".mov"),
				"codec":         "prores_ks",
				"profile":       tt.profile,
			})
			cmd, err := p.BuildCommand(task, job)
			require.NoError(t, err)

			idx := indexOf(cmd, "-profile:v")
			require.GreaterOrEqual(t, idx, 0)
			assert.Equal(t, tt.wantNumber, cmd[idx+1])

			idx = indexOf(cmd, "-pix_fmt")
			require.GreaterOrEqual(t, idx, 0)
			assert.Equal(t, tt.wantPixFmt, cmd[idx+1])
		})
	}
}

func TestBuildCommandH264(t *testing.T) {
	dir := t.TempDir()
	job, task := encodeJob(t, map[string]interface{}{
		"input_pattern": "/in/f_%05d.png",
		"output_file":   filepath.Join(dir, "out.mp4"),
		"codec":         "libx264",
		"crf":           float64(20),
		"preset":        "fast",
	})

	p := New()
	localFFmpeg(p)

	cmd, err := p.BuildCommand(task, job)
	require.NoError(t, err)

	assert.Contains(t, cmd, "-crf")
	assert.Contains(t, cmd, "20")
	assert.Contains(t, cmd, "-preset")
	assert.Contains(t, cmd, "fast")
	assert.Contains(t, cmd, "yuv420p")
	assert.Contains(t, cmd, "-movflags")
	assert.Contains(t, cmd, "+faststart")
}

func TestBuildCommandH265NoFaststart(t *testing.T) {
	dir := t.TempDir()
	job, task := encodeJob(t, map[string]interface{}{
		"input_pattern": "/in/f_%05d.png",
		"output_file":   filepath.Join(dir, "out.mov"),
		"codec":         "libx265",
	})

	p := New()
	localFFmpeg(p)

	cmd, err := p.BuildCommand(task, job)
	require.NoError(t, err)
	assert.NotContains(t, cmd, "-movflags")
}

func TestBuildCommandExtraArgs(t *testing.T) {
	dir := t.TempDir()
	job, task := encodeJob(t, map[string]interface{}{
		"input_pattern": "/in/f_%05d.png",
		"output_file":   filepath.Join(dir, "out.mp4"),
		"extra_args":    `-metadata title="Shot 010" -threads 4`,
	})

	p := New()
	localFFmpeg(p)

	cmd, err := p.BuildCommand(task, job)
	require.NoError(t, err)

	idx := indexOf(cmd, "-metadata")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "title=Shot 010", cmd[idx+1])
	assert.Contains(t, cmd, "-threads")
}

func TestBuildCommandBadExtraArgs(t *testing.T) {
	dir := t.TempDir()
	job, task := encodeJob(t, map[string]interface{}{
		"input_pattern": "/in/f_%05d.png",
		"output_file":   filepath.Join(dir, "out.mp4"),
		"extra_args":    `-metadata "unterminated`,
	})

	p := New()
	localFFmpeg(p)

	_, err := p.BuildCommand(task, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extra_args")
}

func TestBuildCommandMissingAudioFileSkipsAudio(t *testing.T) {
	dir := t.TempDir()
	job, task := encodeJob(t, map[string]interface{}{
		"input_pattern": "/in/f_%05d.png",
		"output_file":   filepath.Join(dir, "out.mp4"),
		"audio_file":    filepath.Join(dir, "missing.wav"),
	})

	p := New()
	localFFmpeg(p)

	cmd, err := p.BuildCommand(task, job)
	require.NoError(t, err)
	assert.Contains(t, cmd, "-an")
	assert.NotContains(t, cmd, "-c:a")
}

func TestParseProgress(t *testing.T) {
	p := New()
	task := queue.NewTask("job", 0)

	progress, ok := p.ParseProgress("video:10240kB audio:512kB subtitle:0kB other streams:0kB", task)
	require.True(t, ok)
	assert.Equal(t, 100.0, progress)

	_, ok = p.ParseProgress("frame=  100 fps= 25 q=28.0 size=1024kB time=00:00:04.00", task)
	assert.False(t, ok)

	_, ok = p.ParseProgress("Press [q] to stop", task)
	assert.False(t, ok)
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}
