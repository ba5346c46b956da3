// Package pool manages the fixed-size set of delegate workers registered
// on one node. Workers are created once at node boot under
// deterministic names prefix+0 .. prefix+(size-1); there is no dynamic
// creation or teardown during normal operation.
package pool

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/dreamware/meshfanout/internal/delegate"
)

// Pool is the set of delegate workers for one name prefix on one node.
type Pool struct {
	node    string
	prefix  string
	workers []*delegate.Worker

	mu sync.RWMutex
}

// New starts size delegate workers on node under prefix, each backed by
// registry for resolving symbolic operations. size must be positive.
func New(node, prefix string, size int, registry delegate.OperationApplier) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	workers := make([]*delegate.Worker, size)
	for i := range workers {
		name := prefix + strconv.Itoa(i)
		workers[i] = delegate.NewWorker(node, name, registry)
	}
	return &Pool{node: node, prefix: prefix, workers: workers}, nil
}

// Count returns this pool's size, used by routing.PoolSizer.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Prefix returns the name prefix this pool's workers are registered under.
func (p *Pool) Prefix() string { return p.prefix }

// Worker returns the delegate registered under name, or false if name does
// not belong to this pool.
func (p *Pool) Worker(name string) (*delegate.Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.Name() == name {
			return w, true
		}
	}
	return nil, false
}

// Stop shuts down every worker in the pool.
func (p *Pool) Stop() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		w.Stop()
	}
}

// Sizer adapts a map of known pools (one per prefix, on this node) to a
// routing.PoolSizer-compatible lookup. It only knows local pools;
// internal/station uses its answer for every peer node as well, since pool
// size is taken to be cluster-uniform.
type Sizer struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewSizer builds an empty pool registry for this node.
func NewSizer() *Sizer { return &Sizer{pools: make(map[string]*Pool)} }

// Add registers a pool so PoolSize can answer queries for its prefix.
func (s *Sizer) Add(p *Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.Prefix()] = p
}

// PoolSize reports the local pool size for prefix.
func (s *Sizer) PoolSize(prefix string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[prefix]
	if !ok {
		return 0, false
	}
	return p.Count(), true
}
