// Package dispatch runs task executions on plugin backends. The dispatcher
// consumes dispatch events, enforces the engine-wide concurrency ceiling,
// keeps an idempotency record per execution, and reconciles plugin
// callbacks into task update events for the orchestrator.
package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/radflow"
)

// Registry maps plugin type names to their backends. It is populated at
// startup from configuration; there is no dynamic plugin discovery.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]radflow.Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]radflow.Plugin)}
}

// Register adds a plugin under a type name.
func (r *Registry) Register(pluginType string, plugin radflow.Plugin) error {
	if pluginType == "" {
		return fmt.Errorf("plugin type is required: %w", radflow.ErrValidationFailed)
	}
	if plugin == nil {
		return fmt.Errorf("plugin %q is nil: %w", pluginType, radflow.ErrValidationFailed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[pluginType]; exists {
		return fmt.Errorf("plugin %q already registered: %w", pluginType, radflow.ErrValidationFailed)
	}
	r.plugins[pluginType] = plugin
	return nil
}

// Get returns the plugin for a type name.
func (r *Registry) Get(pluginType string) (radflow.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugin, ok := r.plugins[pluginType]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", pluginType, radflow.ErrPluginNotFound)
	}
	return plugin, nil
}

// Types returns the registered plugin type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.plugins))
	for pluginType := range r.plugins {
		types = append(types, pluginType)
	}
	sort.Strings(types)
	return types
}
