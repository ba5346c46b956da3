// Package routing implements the delegate-name routing function: a
// deterministic, per-caller-memoized mapping from (caller, name prefix,
// peer node set) to a single delegate name used on every peer node.
// Pinning every invocation from one caller to the same
// delegate index is what lets the fan-out core rely on the transport's
// per-endpoint FIFO guarantee to preserve caller→target ordering.
package routing

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// PoolSizer reports the delegate pool size a node exposes for a given name
// prefix. internal/station supplies one backed by internal/pool.Sizer; the
// router queries it through this caller-supplied lookup so it never has to
// know how peer pool sizes are discovered.
type PoolSizer func(node, prefix string) (size int, ok bool)

// CallerID identifies the process on whose behalf invocations are routed.
// Using the caller's identity (not the target's) is the entire point of
// the pinning scheme: it is the reason FIFO ordering between a caller and
// a target survives across several invocations and several delegates.
type CallerID string

// Router computes and memoizes delegate names per caller.
//
// Not safe to share a single memo entry across goroutines issuing
// invocations under different CallerIDs — each CallerID gets its own
// cache slot, protected by the router's mutex.
type Router struct {
	poolSize PoolSizer

	mu   sync.Mutex
	memo map[memoKey]string
}

type memoKey struct {
	caller CallerID
	prefix string
}

// New builds a Router backed by poolSize for resolving peer pool sizes.
func New(poolSize PoolSizer) *Router {
	return &Router{poolSize: poolSize, memo: make(map[memoKey]string)}
}

// DelegateFor returns the delegate name to use for caller's invocations
// against peers, for the given name prefix. The first call for a given
// (caller, prefix) computes and memoizes the name; every subsequent call
// returns the memoized name unchanged, even if peerNodes differs — this
// is deliberate: the pin must outlive any single peer set.
func (r *Router) DelegateFor(caller CallerID, prefix string, peerNodes []string) string {
	k := memoKey{caller: caller, prefix: prefix}

	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.memo[k]; ok {
		return name
	}

	size := r.commonPoolSize(peerNodes, prefix)
	if size <= 0 {
		size = 1
	}
	idx := int(StableHash(string(caller)) % uint32(size))
	name := delegateName(prefix, idx)
	r.memo[k] = name
	return name
}

// Forget drops the memoized route for caller across all prefixes, called
// when the caller terminates.
func (r *Router) Forget(caller CallerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.memo {
		if k.caller == caller {
			delete(r.memo, k)
		}
	}
}

// commonPoolSize resolves the pool size visible across peerNodes for
// prefix. Pool size is expected to be cluster-uniform; if peers disagree
// this logs a warning and defensively uses the minimum rather than
// picking arbitrarily.
func (r *Router) commonPoolSize(peerNodes []string, prefix string) int {
	sizes := make([]int, 0, len(peerNodes))
	for _, node := range peerNodes {
		if size, ok := r.poolSize(node, prefix); ok {
			sizes = append(sizes, size)
		}
	}
	if len(sizes) == 0 {
		return 0
	}
	sort.Ints(sizes)
	if sizes[0] != sizes[len(sizes)-1] {
		log.WithFields(log.Fields{"prefix": prefix, "sizes": sizes}).
			Warn("routing: peers report differing pool sizes, using minimum")
	}
	return sizes[0]
}

func delegateName(prefix string, idx int) string {
	return prefix + strconv.Itoa(idx)
}

// StableHash is the non-cryptographic, deterministic-within-process hash
// used to distribute caller identities over [0, N). Consistency across
// calls matters here, cryptographic strength does not.
func StableHash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
