package plugin

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenxingM/RenderQ/queue"
)

type fakePlugin struct {
	BaseCommandPlugin
	name    string
	version string
}

func newFakePlugin(name, version string) *fakePlugin {
	return &fakePlugin{name: name, version: version}
}

func (f *fakePlugin) Name() string                 { return f.name }
func (f *fakePlugin) DisplayName() string          { return "Fake " + f.name }
func (f *fakePlugin) Version() string              { return f.version }
func (f *fakePlugin) Description() string          { return fmt.Sprintf("fake %s renderer", f.name) }
func (f *fakePlugin) Parameters() map[string]Param { return map[string]Param{} }

func (f *fakePlugin) Validate(json.RawMessage) error { return nil }

func (f *fakePlugin) CreateTasks(job *queue.Job) ([]*queue.Task, error) {
	return []*queue.Task{queue.NewTask(job.ID, 0)}, nil
}

func (f *fakePlugin) BuildCommand(*queue.Task, *queue.Job) ([]string, error) {
	return []string{"true"}, nil
}

func (f *fakePlugin) ParseProgress(string, *queue.Task) (float64, bool) {
	return 0, false
}

// Verify fakePlugin satisfies the full contract.
var _ Plugin = (*fakePlugin)(nil)

func TestRegistryRegister(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(newFakePlugin("blender", "1.2.3")))

		p, ok := r.Get("blender")
		require.True(t, ok)
		assert.Equal(t, "blender", p.Name())
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(newFakePlugin("blender", "1.0.0")))

		err := r.Register(newFakePlugin("blender", "2.0.0"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("empty name rejected", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register(newFakePlugin("", "1.0.0")))
	})

	t.Run("invalid semver rejected", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register(newFakePlugin("blender", "latest"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid version")
	})
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	p, ok := r.Get("nope")
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakePlugin("nuke", "1.0.0")))
	require.NoError(t, r.Register(newFakePlugin("aftereffects", "2.0.0")))
	require.NoError(t, r.Register(newFakePlugin("ffmpeg", "1.0.0")))

	assert.Equal(t, []string{"aftereffects", "ffmpeg", "nuke"}, r.List())
}

func TestRegistryInfos(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakePlugin("ffmpeg", "1.0.0")))
	require.NoError(t, r.Register(newFakePlugin("aftereffects", "2.0.0")))

	infos := r.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "aftereffects", infos[0].Name)
	assert.Equal(t, "Fake aftereffects", infos[0].DisplayName)
	assert.Equal(t, "ffmpeg", infos[1].Name)
	assert.Equal(t, "1.0.0", infos[1].Version)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakePlugin("ffmpeg", "1.0.0")))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := r.Get("ffmpeg")
			assert.True(t, ok)
			_ = r.List()
		}()
	}
	wg.Wait()
}

func TestHooksDefaults(t *testing.T) {
	p := newFakePlugin("ffmpeg", "1.0.0")
	job := queue.NewJob("encode", "ffmpeg")
	task := queue.NewTask(job.ID, 0)

	specs, err := p.FollowUpJobs(job)
	require.NoError(t, err)
	assert.Empty(t, specs)

	// No-op hooks must be callable without side effects.
	p.OnTaskStart(task, job)
	p.OnTaskComplete(task, job)
	p.OnTaskFail(task, job, "boom")
	p.OnJobComplete(job)
}
