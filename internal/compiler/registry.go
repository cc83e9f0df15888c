package compiler

import (
	"fmt"
	"slices"
	"sync"

	"github.com/conneroisu/pagecache/internal/build"
)

// Factory creates a fresh plugin instance.
type Factory func() Transform

// Registry resolves build configurations to plugin lists. The CSS-framework
// plugin runs first, then extra plugins in configured order.
type Registry struct {
	mu        sync.RWMutex
	framework Factory
	extras    map[string]Factory
}

var _ build.PluginResolver = (*Registry)(nil)

// NewRegistry returns a registry with the built-in plugins.
func NewRegistry() *Registry {
	r := &Registry{
		framework: func() Transform { return NewTailwindPlugin() },
		extras:    make(map[string]Factory),
	}
	r.Register("banner", func() Transform { return NewBannerPlugin() })
	return r
}

// Register makes an extra plugin available under name, replacing any
// previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extras[name] = factory
}

// SetFramework replaces the CSS-framework plugin.
func (r *Registry) SetFramework(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framework = factory
}

// Names lists the registered extra plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Resolve implements build.PluginResolver. Unknown extra plugin names are an
// error.
func (r *Registry) Resolve(cfg build.Config) ([]build.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]build.Plugin, 0, len(cfg.ExtraPlugins)+1)
	if cfg.CSSFramework && r.framework != nil {
		plugins = append(plugins, r.framework())
	}
	for _, name := range cfg.ExtraPlugins {
		factory, ok := r.extras[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q (available: %v)", name, r.namesLocked())
		}
		plugins = append(plugins, factory())
	}
	return plugins, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.extras))
	for name := range r.extras {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
