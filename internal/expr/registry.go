package expr

import (
	"fmt"
	"sync"
)

// =============================================================================
// USER FUNCTION REGISTRY
// Functions declared in an integration definition. Bodies are expressions in
// the template language, so they cannot reach the network, the filesystem or
// shared state; evaluation depth and wall clock are bounded by the Evaluator.
// =============================================================================

// Function is one registered user function.
type Function struct {
	Name string
	Args []string
	body node
}

// Registry holds user functions indexed by name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*Function
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]*Function)}
}

// Register parses and adds a function. Names shadowing a builtin or an
// already-registered function are rejected.
func (r *Registry) Register(name string, args []string, body string) error {
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	if _, ok := builtins[name]; ok {
		return fmt.Errorf("function %q shadows a builtin", name)
	}
	parsed, err := parseExpression(body)
	if err != nil {
		return fmt.Errorf("parse function %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("function %q already registered", name)
	}
	r.funcs[name] = &Function{Name: name, Args: args, body: parsed}
	return nil
}

// Get returns the function with the given name.
func (r *Registry) Get(name string) (*Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// List returns all registered function names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}
