// Package registry holds the name-keyed lookup tables for operations,
// parsers, and validations. A Registry is an explicit object passed into the
// compiler and evaluator rather than ambient global state; it is populated
// with built-ins at engine initialization and accepts user registrations any
// time before the first successful compile, after which it is sealed so a
// compiled plan's references stay stable.
package registry

import (
	"context"
	"fmt"
	"sync"

	"refinery/internal/config"
)

// Cardinality describes an operation's effect on row counts.
type Cardinality int

const (
	// OneToOne operations produce exactly one output value per input row.
	OneToOne Cardinality = iota
	// Expanding operations may replace one input row with zero or more
	// output rows (explode, join).
	Expanding
)

// OperationFunc computes an output value from the resolved input values and
// the operation's parameter bag. Implementations must be pure functions of
// their inputs; the engine gives no guarantee on call count or ordering
// beyond "once per row".
type OperationFunc func(ctx context.Context, args []any, params config.Options) (any, error)

// ParserFunc decodes a semi-structured text value into the structural value
// model (map[string]any / []any / scalars).
type ParserFunc func(text string) (any, error)

// ValidationFunc evaluates a predicate against a field value. Built-in
// predicates read their thresholds from params; registered custom predicates
// may ignore it.
type ValidationFunc func(value any, params config.Options) (bool, error)

// Operation is a registered operation implementation. Structural operations
// (join, parse_json, parse_and_flatten) are dispatched by the evaluator,
// which needs row scopes and table access; their Fn is nil. All other
// operations run through Fn.
type Operation struct {
	Name        string
	Cardinality Cardinality
	Structural  bool
	Builtin     bool
	Fn          OperationFunc
}

// DuplicateRegistrationError reports a second registration of a name without
// the override flag.
type DuplicateRegistrationError struct {
	Kind string // "operation" | "parser" | "validation"
	Name string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("registry: %s %q already registered (pass override to replace)", e.Kind, e.Name)
}

// UnknownOperationError reports an unresolved operation reference.
type UnknownOperationError struct{ Name string }

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("registry: unknown operation %q", e.Name)
}

// UnknownParserError reports an unresolved parser reference.
type UnknownParserError struct{ Name string }

func (e *UnknownParserError) Error() string {
	return fmt.Sprintf("registry: unknown parser %q", e.Name)
}

// UnknownValidationError reports an unresolved validation reference.
type UnknownValidationError struct{ Name string }

func (e *UnknownValidationError) Error() string {
	return fmt.Sprintf("registry: unknown validation %q", e.Name)
}

// SealedError reports a registration attempted after the first successful
// compile.
type SealedError struct{ Kind, Name string }

func (e *SealedError) Error() string {
	return fmt.Sprintf("registry: sealed; cannot register %s %q after first compile", e.Kind, e.Name)
}

// validation pairs the predicate with its origin so the evaluator can apply
// invocation timeouts to user code only.
type validation struct {
	fn      ValidationFunc
	builtin bool
}

type parser struct {
	fn      ParserFunc
	builtin bool
}

// Registry is safe for concurrent use. It is read-heavy after startup:
// registrations happen during initialization, lookups happen on every
// compile and evaluation.
type Registry struct {
	mu          sync.RWMutex
	sealed      bool
	ops         map[string]Operation
	parsers     map[string]parser
	validations map[string]validation
}

// New returns an empty registry. Most callers want engine.NewRegistry, which
// also installs the built-ins.
func New() *Registry {
	return &Registry{
		ops:         map[string]Operation{},
		parsers:     map[string]parser{},
		validations: map[string]validation{},
	}
}

// RegisterOperation registers a custom 1:1 operation. Custom operations must
// not change row cardinality; expansion is reserved for built-ins so fan-out
// reasoning stays tractable.
func (r *Registry) RegisterOperation(name string, fn OperationFunc, override bool) error {
	return r.install(Operation{Name: name, Cardinality: OneToOne, Fn: fn}, override)
}

// Install registers a fully specified operation. It is used by the engine to
// install built-ins and is exported for tests; external extensions should use
// RegisterOperation.
func (r *Registry) Install(op Operation, override bool) error {
	return r.install(op, override)
}

func (r *Registry) install(op Operation, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return &SealedError{Kind: "operation", Name: op.Name}
	}
	if _, exists := r.ops[op.Name]; exists && !override {
		return &DuplicateRegistrationError{Kind: "operation", Name: op.Name}
	}
	r.ops[op.Name] = op
	return nil
}

// RegisterParser registers a text decoder under name.
func (r *Registry) RegisterParser(name string, fn ParserFunc, override bool) error {
	return r.registerParser(name, fn, override, false)
}

func (r *Registry) registerParser(name string, fn ParserFunc, override, builtin bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return &SealedError{Kind: "parser", Name: name}
	}
	if _, exists := r.parsers[name]; exists && !override {
		return &DuplicateRegistrationError{Kind: "parser", Name: name}
	}
	r.parsers[name] = parser{fn: fn, builtin: builtin}
	return nil
}

// InstallParser registers a built-in parser (exempt from invocation timeouts).
func (r *Registry) InstallParser(name string, fn ParserFunc, override bool) error {
	return r.registerParser(name, fn, override, true)
}

// RegisterValidation registers a predicate under name.
func (r *Registry) RegisterValidation(name string, fn ValidationFunc, override bool) error {
	return r.registerValidation(name, fn, override, false)
}

func (r *Registry) registerValidation(name string, fn ValidationFunc, override, builtin bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return &SealedError{Kind: "validation", Name: name}
	}
	if _, exists := r.validations[name]; exists && !override {
		return &DuplicateRegistrationError{Kind: "validation", Name: name}
	}
	r.validations[name] = validation{fn: fn, builtin: builtin}
	return nil
}

// InstallValidation registers a built-in predicate.
func (r *Registry) InstallValidation(name string, fn ValidationFunc, override bool) error {
	return r.registerValidation(name, fn, override, true)
}

// Operation resolves name or returns UnknownOperationError.
func (r *Registry) Operation(name string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return Operation{}, &UnknownOperationError{Name: name}
	}
	return op, nil
}

// Parser resolves name or returns UnknownParserError. The second result
// reports whether the parser is a built-in (trusted, no invocation timeout).
func (r *Registry) Parser(name string) (ParserFunc, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[name]
	if !ok {
		return nil, false, &UnknownParserError{Name: name}
	}
	return p.fn, p.builtin, nil
}

// Validation resolves name or returns UnknownValidationError. The second
// result reports whether the predicate is a built-in.
func (r *Registry) Validation(name string) (ValidationFunc, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validations[name]
	if !ok {
		return nil, false, &UnknownValidationError{Name: name}
	}
	return v.fn, v.builtin, nil
}

// Seal freezes the registry. Registration after sealing fails with a
// SealedError; sealing twice is harmless. The engine seals on the first
// successful compile.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the registry has been sealed.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
