package appdef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Registry holds loaded integration definitions indexed by app ID.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Duplicate app IDs are rejected.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("definition already registered: %s", def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition for the given app ID.
func (r *Registry) Get(appID string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[appID]
	return def, ok
}

// List returns all registered app IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	return ids
}

// LoadDir parses and registers every *.json definition in dir.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		def, err := Parse(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
