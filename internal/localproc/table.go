// Package localproc tracks the processes that live on this node: a small
// in-memory table standing in for the process table the surrounding
// runtime would otherwise provide. It backs two things the core needs
// locally: applying operations to local targets, and the native liveness
// subscription optimization in the distributed monitor registry when
// watcher and watched share a node.
package localproc

import (
	"fmt"
	"sync"

	"github.com/dreamware/meshfanout/internal/outcome"
)

// Entry is one locally-registered process: an opaque value plus a done
// channel that is closed exactly once, on termination.
type Entry struct {
	Value any

	mu   sync.Mutex
	done chan struct{}
	dead bool
}

func newEntry(value any) *Entry {
	return &Entry{Value: value, done: make(chan struct{})}
}

// Terminate marks the entry dead and closes its done channel, waking every
// watcher. Safe to call more than once.
func (e *Entry) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.dead = true
	close(e.done)
}

// Table is the set of processes registered on this node, keyed by local
// target ID. All methods are safe for concurrent use.
type Table struct {
	node string

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty table for node.
func New(node string) *Table {
	return &Table{node: node, entries: make(map[string]*Entry)}
}

// Node returns this table's home node identifier.
func (t *Table) Node() string { return t.node }

// Register creates a local target with the given ID and initial value,
// returning its Target handle. Registering an existing ID replaces it
// (the previous entry is left to terminate independently).
func (t *Table) Register(id string, value any) outcome.Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = newEntry(value)
	return outcome.Target{ID: id, Node: t.node}
}

// Lookup returns the entry for a local target, or false if it does not
// exist or has already terminated.
func (t *Table) Lookup(target outcome.Target) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[target.ID]
	if !ok {
		return nil, false
	}
	select {
	case <-e.done:
		return nil, false
	default:
		return e, true
	}
}

// IsLocal reports whether target lives on this table's node.
func (t *Table) IsLocal(target outcome.Target) bool {
	return target.Node == t.node
}

// Watch returns a channel that closes when target terminates, the native
// process liveness subscription used for local targets. Returns an error
// if target is not local or does not exist.
func (t *Table) Watch(target outcome.Target) (<-chan struct{}, error) {
	if !t.IsLocal(target) {
		return nil, fmt.Errorf("localproc: %s is not local to %s", target, t.node)
	}
	e, ok := t.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("localproc: unknown target %s", target)
	}
	return e.done, nil
}

// Terminate kills the local target with the given ID, closing its done
// channel and waking every watcher. A no-op if the ID is unknown.
func (t *Table) Terminate(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if ok {
		e.Terminate()
	}
}
