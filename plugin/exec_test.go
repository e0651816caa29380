package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenxingM/RenderQ/errors"
)

func TestFindExecutable(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "renderer")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))

	t.Run("custom path wins", func(t *testing.T) {
		b := &BaseCommandPlugin{DefaultPaths: []string{"/does/not/exist"}}
		path, err := b.FindExecutable(binary)
		require.NoError(t, err)
		assert.Equal(t, binary, path)
	})

	t.Run("missing custom path falls through to defaults", func(t *testing.T) {
		b := &BaseCommandPlugin{DefaultPaths: []string{binary}}
		path, err := b.FindExecutable(filepath.Join(dir, "gone"))
		require.NoError(t, err)
		assert.Equal(t, binary, path)
	})

	t.Run("path lookup as last resort", func(t *testing.T) {
		b := &BaseCommandPlugin{ExecutableName: "sh"}
		path, err := b.FindExecutable("")
		require.NoError(t, err)
		assert.NotEmpty(t, path)
	})

	t.Run("nothing found", func(t *testing.T) {
		b := &BaseCommandPlugin{
			ExecutableName: "renderq-no-such-binary",
			DefaultPaths:   []string{"/does/not/exist"},
		}
		_, err := b.FindExecutable("")
		assert.Error(t, err)
	})
}

func TestParams(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		raw, err := EncodeParams(map[string]interface{}{
			"comp_name":   "Shot_010",
			"frame_start": 1,
		})
		require.NoError(t, err)

		data, err := Params(raw)
		require.NoError(t, err)
		assert.Equal(t, "Shot_010", data["comp_name"])
		assert.Equal(t, float64(1), data["frame_start"])
	})

	t.Run("empty blob decodes to an empty map", func(t *testing.T) {
		data, err := Params(nil)
		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Empty(t, data)
	})

	t.Run("non-object blob is an invalid request", func(t *testing.T) {
		_, err := Params(json.RawMessage(`[1, 2]`))
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("empty params encode to no blob", func(t *testing.T) {
		raw, err := EncodeParams(nil)
		require.NoError(t, err)
		assert.Nil(t, raw)
	})
}

func TestRequireParams(t *testing.T) {
	schema := map[string]Param{
		"project_path": {Type: ParamPath, Label: "Project file", Required: true},
	}

	err := RequireParams(schema, map[string]interface{}{}, "project_path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Project file")

	err = RequireParams(schema, map[string]interface{}{"project_path": "  "}, "project_path")
	assert.Error(t, err)

	err = RequireParams(schema, map[string]interface{}{"project_path": "/tmp/shot.aep"}, "project_path")
	assert.NoError(t, err)
}

func TestValueHelpers(t *testing.T) {
	// Mirrors what json.Unmarshal produces for plugin_data: numbers come
	// through as float64, lists as []interface{}.
	data := map[string]interface{}{
		"comp_name":   "Shot_010",
		"frame_start": float64(1),
		"frame_rate":  23.976,
		"multi":       true,
		"formats":     []interface{}{"prores4444", "mp4"},
		"empty":       "",
	}

	assert.Equal(t, "Shot_010", StringValue(data, "comp_name", "x"))
	assert.Equal(t, "x", StringValue(data, "missing", "x"))
	assert.Equal(t, "x", StringValue(data, "empty", "x"))

	assert.Equal(t, 1, IntValue(data, "frame_start", 0))
	assert.Equal(t, 100, IntValue(data, "missing", 100))

	assert.InDelta(t, 23.976, FloatValue(data, "frame_rate", 24), 1e-9)
	assert.True(t, BoolValue(data, "multi", false))

	assert.True(t, HasValue(data, "comp_name"))
	assert.False(t, HasValue(data, "missing"))

	assert.Equal(t, []string{"prores4444", "mp4"}, StringSliceValue(data, "formats"))
	assert.Nil(t, StringSliceValue(data, "missing"))
}

func TestStringSliceValueFromCommaString(t *testing.T) {
	data := map[string]interface{}{"formats": "png, prores4444 ,mp4"}
	assert.Equal(t, []string{"png", "prores4444", "mp4"}, StringSliceValue(data, "formats"))
}
