package transport

import (
	"context"
	"errors"
)

// ErrNodeDown is returned (wrapped) whenever a peer node cannot be reached:
// no connection exists, or the connection failed mid-call. A call whose
// context is done returns the context's error instead. The fan-out core treats
// any error from Call/MultiCall as grounds to synthesize node-down
// failures for that node's targets.
var ErrNodeDown = errors.New("transport: node unreachable")

// Dispatcher handles one inbound message and, for message kinds that
// expect a reply, returns the reply payload. Kinds that do not expect a
// reply (casts) may still return an error; it is only surfaced as a log,
// never sent back, matching the fire-and-forget contract.
type Dispatcher func(msg Message) (reply []byte, err error)

// Facade is the message substrate the fan-out core, delegate pool and
// monitor registry depend on: unicast request/reply with an infinite
// timeout, one coalesced multi-endpoint request, best-effort broadcast
// cast, and node-down detection.
type Facade interface {
	// SetDispatcher registers the callback invoked for every inbound
	// message on every connection this node holds.
	SetDispatcher(d Dispatcher)

	// Serve starts accepting inbound peer connections on addr.
	Serve(addr string) error

	// Dial establishes the outbound connection to node at addr. Calling
	// Dial again for a node that is already connected is a no-op.
	Dial(node, addr string) error

	// Call sends payload to endpoint `to` on node and blocks until a
	// reply arrives, the connection is declared down, or ctx is done.
	// There is no caller-side timeout beyond ctx: the fan-out core's
	// general path requires an infinite timeout here.
	Call(ctx context.Context, node, to, kind string, payload []byte) ([]byte, error)

	// MultiCall performs the same call against every node in nodes,
	// concurrently, and partitions results into replies and unreachable.
	MultiCall(ctx context.Context, nodes []string, to, kind string, payload []byte) (replies map[string][]byte, unreachable []string)

	// Cast sends payload to endpoint `to` on node without waiting for a
	// reply. Errors indicate the message could not be sent at all (no
	// connection); they are never raised to the caller of invoke-no-result
	// higher up the stack.
	Cast(node, to, kind string, payload []byte) error

	// BroadcastCast is Cast fanned out to every node in nodes, best
	// effort; unreachable nodes are silently skipped.
	BroadcastCast(nodes []string, to, kind string, payload []byte)

	// WatchNode returns a channel that closes when node is declared
	// unreachable, and a cancel function. If node has no connection yet
	// the returned channel is already closed.
	WatchNode(node string) (down <-chan struct{}, cancel func())

	// Close tears down every connection and the inbound listener.
	Close() error
}
