package expr

// =============================================================================
// SCOPE
// Layered variable bindings. Each With call produces a child layer, so scope
// construction never mutates an existing scope and evaluations stay
// read-only. Undefined names resolve to null.
// =============================================================================

// Scope is the named-variable environment an expression evaluates against.
type Scope struct {
	vars   map[string]Value
	parent *Scope
}

// NewScope creates an empty root scope.
func NewScope() *Scope {
	return &Scope{vars: map[string]Value{}}
}

// With returns a child scope with one additional binding.
func (s *Scope) With(name string, v Value) *Scope {
	return &Scope{vars: map[string]Value{name: v}, parent: s}
}

// WithAll returns a child scope with all given bindings.
func (s *Scope) WithAll(vars map[string]Value) *Scope {
	copied := make(map[string]Value, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &Scope{vars: copied, parent: s}
}

// Lookup resolves a name through the layers, innermost first.
func (s *Scope) Lookup(name string) (Value, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return Null, false
}
