// Package operation models the unit of work the fan-out core applies to a
// target: either a captured Go closure (local-only) or a symbolic
// module/name/args triple that can be serialized and applied on a remote
// node.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dreamware/meshfanout/internal/outcome"
)

// LocalFunc is a captured, non-serializable operation body.
type LocalFunc func(ctx context.Context, target outcome.Target) (any, error)

// Operation is either a captured Local function or a symbolic Module/Name
// call with Args. A captured Local operation must never be routed to a
// remote target — the caller is responsible for checking IsLocalOnly
// before crossing a node boundary; fanout.Core enforces this.
type Operation struct {
	Local  LocalFunc `json:"-"`
	Module string    `json:"module,omitempty"`
	Name   string    `json:"name,omitempty"`
	Args   []any     `json:"args,omitempty"`
}

// IsLocalOnly reports whether this operation cannot be serialized across
// nodes.
func (o Operation) IsLocalOnly() bool { return o.Local != nil }

// Symbolic builds a wire-safe operation from a module/name/args triple.
func Symbolic(module, name string, args ...any) Operation {
	return Operation{Module: module, Name: name, Args: args}
}

// Wire is the JSON-serializable form of a symbolic Operation, sent between
// nodes inside an invoke request.
type Wire struct {
	Module string `json:"module"`
	Name   string `json:"name"`
	Args   []any  `json:"args"`
}

// ToWire converts a symbolic operation to its wire form. Returns an error
// if called on a captured local operation.
func (o Operation) ToWire() (Wire, error) {
	if o.IsLocalOnly() {
		return Wire{}, fmt.Errorf("operation: captured local operation is not serializable")
	}
	return Wire{Module: o.Module, Name: o.Name, Args: o.Args}, nil
}

// FromWire rebuilds a symbolic Operation from its wire form.
func FromWire(w Wire) Operation {
	return Operation{Module: w.Module, Name: w.Name, Args: w.Args}
}

// Func is the signature every symbolic operation is registered under.
type Func func(ctx context.Context, target outcome.Target, args []any) (any, error)

// Registry maps module.name to its implementation. The same registrations
// must exist on every node in the cluster — a symbolic operation is only
// as callable as the set of nodes that know its name, exactly like an
// Erlang apply(M,F,A) requiring the callee module to be loaded everywhere.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces the implementation for module.name.
func (r *Registry) Register(module, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[key(module, name)] = fn
}

// Apply runs op against target, resolving captured local operations
// directly and symbolic operations through the registry.
func (r *Registry) Apply(ctx context.Context, op Operation, target outcome.Target) (any, error) {
	if op.Local != nil {
		return op.Local(ctx, target)
	}
	r.mu.RLock()
	fn, ok := r.funcs[key(op.Module, op.Name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("operation: no registration for %s.%s", op.Module, op.Name)
	}
	return fn(ctx, target, op.Args)
}

func key(module, name string) string { return module + "." + name }

// MarshalArgs and UnmarshalArgs round-trip Args through JSON, the same
// encoding Args get inside Wire when an operation crosses the wire. The
// fan-out and transport paths do not call them; they encode Wire directly.
func MarshalArgs(args []any) (json.RawMessage, error) { return json.Marshal(args) }

func UnmarshalArgs(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}
