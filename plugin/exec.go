package plugin

import (
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cast"

	"github.com/ChenxingM/RenderQ/errors"
)

// Params decodes an opaque plugin_data or metadata blob into the key-value
// mapping the parameter helpers below operate on. The blob travels through
// the coordinator and store untouched; plugins decode it at their method
// boundaries. An empty blob decodes to an empty map.
func Params(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.WrapInvalidRequest(err, "plugin data is not a JSON object")
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}

// EncodeParams is the inverse of Params, used when a plugin builds a blob
// itself: follow-up job parameters, per-task metadata.
func EncodeParams(values map[string]interface{}) (json.RawMessage, error) {
	if len(values) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode plugin data")
	}
	return raw, nil
}

// BaseCommandPlugin is the shared base for plugins wrapping a command line
// renderer. It carries the executable search list and embeds Hooks, so a
// concrete plugin only implements the methods specific to its renderer.
type BaseCommandPlugin struct {
	Hooks

	// ExecutableName is the bare binary name resolved via PATH as a last
	// resort, for example "ffmpeg".
	ExecutableName string

	// DefaultPaths are absolute install locations probed in order.
	DefaultPaths []string
}

// FindExecutable resolves the renderer binary. An existing custom path wins;
// otherwise the default install locations are probed in order, then PATH.
func (b *BaseCommandPlugin) FindExecutable(customPath string) (string, error) {
	if customPath != "" {
		if _, err := os.Stat(customPath); err == nil {
			return customPath, nil
		}
	}
	for _, path := range b.DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if b.ExecutableName != "" {
		if path, err := exec.LookPath(b.ExecutableName); err == nil {
			return path, nil
		}
	}
	return "", errors.Newf("%s executable not found, install it or configure an explicit path", b.ExecutableName)
}

// RequireParams verifies that each named parameter is present and non-empty
// in data, reporting the schema label in the error message.
func RequireParams(schema map[string]Param, data map[string]interface{}, names ...string) error {
	for _, name := range names {
		v, ok := data[name]
		if ok && v != nil && strings.TrimSpace(cast.ToString(v)) != "" {
			continue
		}
		label := name
		if p, ok := schema[name]; ok && p.Label != "" {
			label = p.Label
		}
		return errors.Newf("missing required parameter: %s", label)
	}
	return nil
}

// StringValue reads a string parameter, falling back when absent or empty.
func StringValue(data map[string]interface{}, key, fallback string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback
	}
	if s := cast.ToString(v); s != "" {
		return s
	}
	return fallback
}

// IntValue reads an integer parameter, tolerating the float64 values JSON
// decoding produces.
func IntValue(data map[string]interface{}, key string, fallback int) int {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback
	}
	return cast.ToInt(v)
}

// FloatValue reads a float parameter.
func FloatValue(data map[string]interface{}, key string, fallback float64) float64 {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback
	}
	return cast.ToFloat64(v)
}

// BoolValue reads a bool parameter.
func BoolValue(data map[string]interface{}, key string, fallback bool) bool {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback
	}
	return cast.ToBool(v)
}

// HasValue reports whether the parameter is present with a non-nil value.
func HasValue(data map[string]interface{}, key string) bool {
	v, ok := data[key]
	return ok && v != nil
}

// StringSliceValue reads a parameter that may arrive as a JSON array or as
// a comma separated string.
func StringSliceValue(data map[string]interface{}, key string) []string {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := strings.TrimSpace(cast.ToString(e)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		var out []string
		for _, part := range strings.Split(cast.ToString(v), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
}
