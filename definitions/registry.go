package definitions

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/slogger"
)

// Registry is an in-memory workflow definition store keyed by definition
// id. It satisfies radflow.WorkflowRepository and can keep itself current
// by watching a directory for definition changes.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*radflow.WorkflowDefinition
	logger    slogger.Logger
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger slogger.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Registry{
		workflows: make(map[string]*radflow.WorkflowDefinition),
		logger:    logger,
	}
}

// Register validates a definition and adds it, replacing any previous
// definition with the same id.
func (r *Registry) Register(def *radflow.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[def.ID] = def
	return nil
}

// Get returns the definition with the given id.
func (r *Registry) Get(id string) (*radflow.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[id]
	return def, ok
}

// All returns every registered definition, ordered by id.
func (r *Registry) All() []*radflow.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*radflow.WorkflowDefinition, 0, len(r.workflows))
	for _, def := range r.workflows {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// GetWorkflowsByIDs returns the definitions for the given ids. Any missing
// id fails the whole lookup with ErrNotFound.
func (r *Registry) GetWorkflowsByIDs(ctx context.Context, ids []string) ([]*radflow.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*radflow.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, ok := r.workflows[id]
		if !ok {
			return nil, fmt.Errorf("workflow %q: %w", id, radflow.ErrNotFound)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// GetWorkflowsByAETitle returns every definition whose informatics gateway
// AE title matches one of the given titles. Matching is case-insensitive.
func (r *Registry) GetWorkflowsByAETitle(ctx context.Context, aeTitles []string) ([]*radflow.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []*radflow.WorkflowDefinition
	for _, def := range r.workflows {
		for _, title := range aeTitles {
			if strings.EqualFold(def.InformaticsGateway.AETitle, title) {
				defs = append(defs, def)
				break
			}
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// LoadDirectory loads every definition under dir into the registry and
// returns how many were registered.
func (r *Registry) LoadDirectory(dir string) (int, error) {
	defs, err := LoadDirectory(dir)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		r.mu.Lock()
		r.workflows[def.ID] = def
		r.mu.Unlock()
	}
	return len(defs), nil
}

// Watch reloads definitions as files under dir change, until ctx is done.
// An invalid file logs a warning and leaves the previous definition in
// place. New subdirectories created while watching are picked up.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create definitions watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchTree(watcher, dir); err != nil {
		return err
	}
	r.logger.Info("watching workflow definitions", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 && isDirectory(event.Name) {
				if err := addWatchTree(watcher, event.Name); err != nil {
					r.logger.Warn("failed to watch new directory",
						"dir", event.Name, "error", err)
				}
				continue
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			def, err := LoadFile(event.Name)
			if err != nil {
				r.logger.Warn("ignoring invalid workflow definition",
					"path", event.Name, "error", err)
				continue
			}
			r.mu.Lock()
			r.workflows[def.ID] = def
			r.mu.Unlock()
			r.logger.Info("workflow definition reloaded",
				"workflow_id", def.ID, "name", def.Name, "version", def.Version)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("definitions watcher error", "error", err)
		}
	}
}

func addWatchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
