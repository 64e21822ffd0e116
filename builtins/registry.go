// Package builtins implements the built-in function registry (spec
// §4.3.5, §6.1 add_extension) in the teacher's decorator-registry idiom
// (runtime/decorators/registry.go): a name-keyed map guarded by a
// mutex, filled once per registry at construction and never unregistered. Extension
// functions installed by a host via add_extension share the same
// registry and dispatch path as the built-in set.
package builtins

import (
	"fmt"
	"sync"

	"github.com/ironleaf/polyrule/value"
)

// Func is the shape every builtin and host extension implements.
// strict controls whether a type/argument error is returned to the
// caller or swallowed to Undefined (spec §4.3.5 strict-builtin-errors
// flag).
type Func func(strict bool, args []value.Value) (value.Value, error)

// Registry holds the builtin/extension function set for one compiled
// policy. NewRegistry registers the standard builtins once per registry;
// extensions are added per-policy via AddExtension and are never
// removable, matching the teacher's "registered once" design note.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
	arity map[string]int // -1 means variadic / not arity-checked
}

// NewRegistry returns a registry seeded with the standard builtin set.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}, arity: map[string]int{}}
	registerStandard(r)
	return r
}

// Register installs fn under name with a fixed arity (-1 to skip the
// check). Re-registering an existing name overwrites it — used both by
// registerStandard and by AddExtension.
func (r *Registry) Register(name string, arity int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
	r.arity[name] = arity
}

// Get looks up a builtin or extension by fully-qualified name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Arity returns the declared arity for name, or -1 if unknown/variadic.
func (r *Registry) Arity(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.arity[name]
	if !ok {
		return -1
	}
	return a
}

// Call invokes a registered function by name, checking arity first.
func (r *Registry) Call(name string, strict bool, args []value.Value) (value.Value, error) {
	fn, ok := r.Get(name)
	if !ok {
		return value.Undefined, fmt.Errorf("unknown function %q", name)
	}
	if a := r.Arity(name); a >= 0 && len(args) != a {
		return value.Undefined, fmt.Errorf("%s: expected %d argument(s), got %d", name, a, len(args))
	}
	return fn(strict, args)
}
