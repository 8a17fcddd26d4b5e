package expr

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nucleus/app-core/internal/core"
)

// =============================================================================
// EVALUATOR
// =============================================================================

const (
	// DefaultMaxCallDepth bounds user-function recursion.
	DefaultMaxCallDepth = 32

	// DefaultBudget bounds the wall clock of one top-level evaluation,
	// covering user functions in particular.
	DefaultBudget = 2 * time.Second
)

// Evaluator evaluates parsed templates against scopes. Safe for concurrent
// use; parsed templates are cached per source string.
type Evaluator struct {
	registry     *Registry
	maxCallDepth int
	budget       time.Duration

	mu    sync.RWMutex
	cache map[string]*Template
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMaxCallDepth overrides the user-function recursion bound.
func WithMaxCallDepth(depth int) Option {
	return func(e *Evaluator) { e.maxCallDepth = depth }
}

// WithBudget overrides the per-evaluation wall clock budget.
func WithBudget(budget time.Duration) Option {
	return func(e *Evaluator) { e.budget = budget }
}

// New creates an Evaluator backed by the given user function registry.
// A nil registry means no user functions are available.
func New(registry *Registry, opts ...Option) *Evaluator {
	e := &Evaluator{
		registry:     registry,
		maxCallDepth: DefaultMaxCallDepth,
		budget:       DefaultBudget,
		cache:        make(map[string]*Template),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves any JSON template value against the scope. Strings are
// interpolated; objects and arrays are walked recursively; everything else
// passes through unchanged.
func (e *Evaluator) Evaluate(tmpl any, scope *Scope) (Value, error) {
	ctx := &evalCtx{ev: e, deadline: time.Now().Add(e.budget)}
	return ctx.evalAny(tmpl, scope, "")
}

// EvaluateString resolves a single template string against the scope.
func (e *Evaluator) EvaluateString(src string, scope *Scope) (Value, error) {
	ctx := &evalCtx{ev: e, deadline: time.Now().Add(e.budget)}
	return ctx.evalString(src, scope, "")
}

// EvaluateCondition resolves a condition template to a boolean. An empty
// template yields the given default.
func (e *Evaluator) EvaluateCondition(src string, scope *Scope, def bool) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return def, nil
	}
	v, err := e.EvaluateString(src, scope)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func (e *Evaluator) parse(src string) (*Template, error) {
	e.mu.RLock()
	t, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := ParseTemplate(src)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[src] = t
	e.mu.Unlock()
	return t, nil
}

// =============================================================================
// EVALUATION CONTEXT
// =============================================================================

type evalCtx struct {
	ev       *Evaluator
	deadline time.Time
	depth    int
}

func (c *evalCtx) evalAny(tmpl any, scope *Scope, path string) (Value, error) {
	switch t := tmpl.(type) {
	case string:
		return c.evalString(t, scope, path)
	case map[string]any:
		return c.evalObject(t, scope, path)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := c.evalAny(item, scope, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return Null, err
			}
			items[i] = v
		}
		return List(items), nil
	default:
		return FromGo(tmpl), nil
	}
}

// evalObject walks an object template. A SpliceKey entry evaluates to a map
// that is merged into the enclosing object before explicit keys, so explicit
// keys win on collision.
func (c *evalCtx) evalObject(tmpl map[string]any, scope *Scope, path string) (Value, error) {
	out := make(map[string]Value, len(tmpl))

	if spliced, ok := tmpl[SpliceKey]; ok {
		v, err := c.evalAny(spliced, scope, joinPath(path, SpliceKey))
		if err != nil {
			return Null, err
		}
		if !v.IsNull() {
			if v.Kind() != KindMap {
				return Null, &core.EvaluationError{
					Path:    joinPath(path, SpliceKey),
					Message: fmt.Sprintf("splice directive must produce a map, got %s", v.Kind()),
				}
			}
			for k, item := range v.Fields() {
				out[k] = item
			}
		}
	}

	for k, item := range tmpl {
		if k == SpliceKey {
			continue
		}
		v, err := c.evalAny(item, scope, joinPath(path, k))
		if err != nil {
			return Null, err
		}
		out[k] = v
	}
	return Map(out), nil
}

func (c *evalCtx) evalString(src string, scope *Scope, path string) (Value, error) {
	t, err := c.ev.parse(src)
	if err != nil {
		return Null, &core.EvaluationError{Path: path, Err: err}
	}

	// Identity fast path: no markers means the string is itself the value.
	if t.IsLiteral() {
		return String(src), nil
	}

	// A single-expression template yields the raw value.
	if len(t.segments) == 1 && t.segments[0].expr != nil {
		v, err := c.evalNode(t.segments[0].expr, scope)
		if err != nil {
			return Null, wrapEvalError(err, path)
		}
		return v, nil
	}

	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.expr == nil {
			sb.WriteString(seg.literal)
			continue
		}
		v, err := c.evalNode(seg.expr, scope)
		if err != nil {
			return Null, wrapEvalError(err, path)
		}
		sb.WriteString(v.Text())
	}
	return String(sb.String()), nil
}

func (c *evalCtx) evalNode(n node, scope *Scope) (Value, error) {
	switch t := n.(type) {
	case *literalNode:
		return t.v, nil

	case *varNode:
		v, _ := scope.Lookup(t.name) // undefined resolves to null
		return v, nil

	case *propNode:
		target, err := c.evalNode(t.target, scope)
		if err != nil {
			return Null, err
		}
		return target.Get(t.name), nil

	case *indexNode:
		target, err := c.evalNode(t.target, scope)
		if err != nil {
			return Null, err
		}
		idx, err := c.evalNode(t.index, scope)
		if err != nil {
			return Null, err
		}
		return target.Index(idx), nil

	case *listNode:
		items := make([]Value, len(t.items))
		for i, itemNode := range t.items {
			v, err := c.evalNode(itemNode, scope)
			if err != nil {
				return Null, err
			}
			items[i] = v
		}
		return List(items), nil

	case *unaryNode:
		x, err := c.evalNode(t.x, scope)
		if err != nil {
			return Null, err
		}
		switch t.op {
		case "!":
			return Boolean(!x.Truthy()), nil
		case "-":
			n, ok := x.AsNumber()
			if !ok {
				return Null, evalErrorf("cannot negate %s", x.Kind())
			}
			return Number(-n), nil
		}
		return Null, evalErrorf("unknown unary operator %q", t.op)

	case *binaryNode:
		return c.evalBinary(t, scope)

	case *callNode:
		return c.evalCall(t, scope)

	default:
		return Null, evalErrorf("unknown expression node")
	}
}

func (c *evalCtx) evalBinary(n *binaryNode, scope *Scope) (Value, error) {
	// Short-circuit boolean operators.
	if n.op == "&&" || n.op == "||" {
		l, err := c.evalNode(n.l, scope)
		if err != nil {
			return Null, err
		}
		if n.op == "&&" && !l.Truthy() {
			return Boolean(false), nil
		}
		if n.op == "||" && l.Truthy() {
			return Boolean(true), nil
		}
		r, err := c.evalNode(n.r, scope)
		if err != nil {
			return Null, err
		}
		return Boolean(r.Truthy()), nil
	}

	l, err := c.evalNode(n.l, scope)
	if err != nil {
		return Null, err
	}
	r, err := c.evalNode(n.r, scope)
	if err != nil {
		return Null, err
	}

	switch n.op {
	case "==":
		return Boolean(l.Equal(r)), nil
	case "!=":
		return Boolean(!l.Equal(r)), nil

	case "+":
		// String on either side means concatenation of rendered text.
		if l.Kind() == KindString || r.Kind() == KindString {
			return String(l.Text() + r.Text()), nil
		}
		a, okA := l.AsNumber()
		b, okB := r.AsNumber()
		if !okA || !okB {
			return Null, evalErrorf("cannot add %s and %s", l.Kind(), r.Kind())
		}
		return Number(a + b), nil

	case "-", "*", "/", "%":
		a, okA := l.AsNumber()
		b, okB := r.AsNumber()
		if !okA || !okB {
			return Null, evalErrorf("cannot apply %q to %s and %s", n.op, l.Kind(), r.Kind())
		}
		switch n.op {
		case "-":
			return Number(a - b), nil
		case "*":
			return Number(a * b), nil
		case "/":
			if b == 0 {
				return Null, evalErrorf("division by zero")
			}
			return Number(a / b), nil
		case "%":
			if b == 0 {
				return Null, evalErrorf("division by zero")
			}
			return Number(float64(int64(a) % int64(b))), nil
		}

	case "<", "<=", ">", ">=":
		if l.Kind() == KindString && r.Kind() == KindString {
			return Boolean(compareOrdered(strings.Compare(l.Str(), r.Str()), n.op)), nil
		}
		a, okA := l.AsNumber()
		b, okB := r.AsNumber()
		if !okA || !okB {
			return Null, evalErrorf("cannot compare %s and %s", l.Kind(), r.Kind())
		}
		switch {
		case a < b:
			return Boolean(compareOrdered(-1, n.op)), nil
		case a > b:
			return Boolean(compareOrdered(1, n.op)), nil
		default:
			return Boolean(compareOrdered(0, n.op)), nil
		}
	}
	return Null, evalErrorf("unknown operator %q", n.op)
}

func compareOrdered(cmp int, op string) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func (c *evalCtx) evalCall(n *callNode, scope *Scope) (Value, error) {
	if time.Now().After(c.deadline) {
		return Null, &core.EvaluationError{Function: n.name, Message: "evaluation budget exceeded"}
	}

	args := make([]Value, len(n.args))
	for i, argNode := range n.args {
		v, err := c.evalNode(argNode, scope)
		if err != nil {
			return Null, err
		}
		args[i] = v
	}

	if fn, ok := builtins[n.name]; ok {
		v, err := fn(args)
		if err != nil {
			return Null, &core.EvaluationError{Function: n.name, Err: err}
		}
		return v, nil
	}

	if c.ev.registry != nil {
		if fn, ok := c.ev.registry.Get(n.name); ok {
			return c.callUserFunction(fn, args)
		}
	}

	return Null, &core.EvaluationError{Function: n.name, Message: "unknown function"}
}

// callUserFunction evaluates a user function body with only its arguments in
// scope. The language has no IO, so user functions are side-effect free by
// construction; depth and wall clock bound runaway recursion.
func (c *evalCtx) callUserFunction(fn *Function, args []Value) (Value, error) {
	if c.depth >= c.ev.maxCallDepth {
		return Null, &core.EvaluationError{Function: fn.Name, Message: "call depth limit exceeded"}
	}

	local := NewScope()
	for i, argName := range fn.Args {
		if i < len(args) {
			local = local.With(argName, args[i])
		} else {
			local = local.With(argName, Null)
		}
	}
	local = local.With("arguments", List(args))

	c.depth++
	defer func() { c.depth-- }()

	v, err := c.evalNode(fn.body, local)
	if err != nil {
		return Null, wrapFunctionError(err, fn.Name)
	}
	return v, nil
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func evalErrorf(format string, args ...any) error {
	return &core.EvaluationError{Message: fmt.Sprintf(format, args...)}
}

func wrapEvalError(err error, path string) error {
	if ee, ok := err.(*core.EvaluationError); ok {
		if ee.Path == "" {
			ee.Path = path
		}
		return ee
	}
	return &core.EvaluationError{Path: path, Err: err}
}

func wrapFunctionError(err error, fnName string) error {
	if ee, ok := err.(*core.EvaluationError); ok {
		if ee.Function == "" {
			ee.Function = fnName
		}
		return ee
	}
	return &core.EvaluationError{Function: fnName, Err: err}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
