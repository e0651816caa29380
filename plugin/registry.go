package plugin

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/ChenxingM/RenderQ/errors"
)

// Registry holds the render plugins available to a coordinator. Plugins are
// registered once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
	}
}

// Register adds a plugin to the registry.
// Returns an error on a duplicate name or a version that does not parse as
// a semantic version.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return errors.New("plugin name must not be empty")
	}
	if _, exists := r.plugins[name]; exists {
		return errors.Newf("plugin already registered: %s", name)
	}
	if _, err := semver.NewVersion(p.Version()); err != nil {
		return errors.Wrapf(err, "invalid version %q for plugin %s", p.Version(), name)
	}

	r.plugins[name] = p
	return nil
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// List returns all registered plugin names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the wire description of every registered plugin, sorted by
// name. Served by the plugin listing endpoint.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.plugins))
	for _, p := range r.plugins {
		infos = append(infos, Describe(p))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
