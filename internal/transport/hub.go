package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// wireEndpoint is the HTTP path of the websocket handshake. A dialing peer
// announces its own node identifier in the "node" query parameter of this
// URL, so the accepting side knows who just connected.
const wireEndpoint = "/mesh/ws"

// Hub is the websocket-backed Facade implementation: one persistent,
// full-duplex connection per peer node, a single writer per connection to
// keep writes ordered, and a single reader demultiplexing replies to
// pending calls by correlation ID.
type Hub struct {
	node      string
	upgrader  websocket.Upgrader
	listener  net.Listener
	server    *http.Server
	idCounter uint64

	mu   sync.RWMutex
	peers map[string]*peerConn

	dispatchMu sync.RWMutex
	dispatch   Dispatcher
}

// NewHub creates a transport hub identifying itself as node to every peer
// it dials or accepts a connection from.
func NewHub(node string) *Hub {
	return &Hub{
		node:     node,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		peers:    make(map[string]*peerConn),
	}
}

type peerConn struct {
	node string
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message

	down     chan struct{}
	downOnce sync.Once
}

func newPeerConn(node string, conn *websocket.Conn) *peerConn {
	return &peerConn{
		node:    node,
		conn:    conn,
		pending: make(map[string]chan Message),
		down:    make(chan struct{}),
	}
}

func (pc *peerConn) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return pc.conn.WriteMessage(websocket.TextMessage, data)
}

func (pc *peerConn) markDown() {
	pc.downOnce.Do(func() { close(pc.down) })
}

// SetDispatcher registers the inbound message handler.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	h.dispatch = d
}

// Serve starts accepting peer connections on addr in the background.
func (h *Hub) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	router := mux.NewRouter()
	router.HandleFunc(wireEndpoint, h.handleUpgrade)
	h.listener = ln
	h.server = &http.Server{Handler: router}
	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithField("node", h.node).Error("transport: server stopped")
		}
	}()
	return nil
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerNode := r.URL.Query().Get("node")
	if peerNode == "" {
		http.Error(w, "missing node query parameter", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("transport: upgrade failed")
		return
	}
	pc := newPeerConn(peerNode, conn)
	h.mu.Lock()
	h.peers[peerNode] = pc
	h.mu.Unlock()
	go h.readLoop(pc)
}

// Dial establishes the outbound connection to node at addr. Re-dialing an
// already-connected node is a no-op.
func (h *Hub) Dial(node, addr string) error {
	if _, ok := h.peer(node); ok {
		return nil
	}
	url := fmt.Sprintf("ws://%s%s?node=%s", addr, wireEndpoint, h.node)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNodeDown, node, err)
	}
	pc := newPeerConn(node, conn)
	h.mu.Lock()
	h.peers[node] = pc
	h.mu.Unlock()
	go h.readLoop(pc)
	return nil
}

func (h *Hub) peer(node string) (*peerConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pc, ok := h.peers[node]
	return pc, ok
}

func (h *Hub) readLoop(pc *peerConn) {
	defer func() {
		pc.markDown()
		h.mu.Lock()
		if h.peers[pc.node] == pc {
			delete(h.peers, pc.node)
		}
		h.mu.Unlock()
		_ = pc.conn.Close()
	}()
	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("transport: dropping malformed frame")
			continue
		}
		h.handleInbound(pc, msg)
	}
}

// handleInbound routes one decoded frame. Replies to our own pending calls
// are delivered inline since that's just a map lookup and a channel send.
// Everything else — a request that runs a delegate's operation queue, which
// can block for as long as that delegate takes — is handed off to its own
// goroutine so the connection's single reader never blocks on anything but
// the next read. Without this, one slow delegate-bound call would stall
// every other in-flight exchange on the same peer connection, including
// replies already sitting ready for this node's own outstanding calls.
func (h *Hub) handleInbound(pc *peerConn, msg Message) {
	if msg.Kind == "reply" || msg.Kind == KindError {
		pc.pendingMu.Lock()
		ch, ok := pc.pending[msg.ID]
		if ok {
			delete(pc.pending, msg.ID)
		}
		pc.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	go h.dispatchInbound(pc, msg)
}

func (h *Hub) dispatchInbound(pc *peerConn, msg Message) {
	h.dispatchMu.RLock()
	dispatch := h.dispatch
	h.dispatchMu.RUnlock()

	var reply []byte
	var err error
	if dispatch != nil {
		reply, err = dispatch(msg)
	}
	if !expectsReply(msg.Kind) {
		if err != nil {
			log.WithError(err).WithField("kind", msg.Kind).Warn("transport: inbound cast failed")
		}
		return
	}
	out := Message{ID: msg.ID, From: h.node, To: msg.From, Kind: "reply", Payload: reply}
	if err != nil {
		out.Kind = KindError
		out.Payload, _ = json.Marshal(err.Error())
	}
	if sendErr := pc.send(out); sendErr != nil {
		log.WithError(sendErr).Warn("transport: failed to deliver reply")
	}
}

func expectsReply(kind string) bool { return kind == KindInvokeCall }

// Call implements Facade.Call.
func (h *Hub) Call(ctx context.Context, node, to, kind string, payload []byte) ([]byte, error) {
	pc, ok := h.peer(node)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeDown, node)
	}

	id := h.newID()
	respCh := make(chan Message, 1)
	pc.pendingMu.Lock()
	pc.pending[id] = respCh
	pc.pendingMu.Unlock()
	defer func() {
		pc.pendingMu.Lock()
		delete(pc.pending, id)
		pc.pendingMu.Unlock()
	}()

	msg := Message{ID: id, From: h.node, To: to, Kind: kind, Payload: payload}
	if err := pc.send(msg); err != nil {
		pc.markDown()
		return nil, fmt.Errorf("%w: %s", ErrNodeDown, node)
	}

	select {
	case resp := <-respCh:
		if resp.Kind == KindError {
			var reason string
			_ = json.Unmarshal(resp.Payload, &reason)
			return nil, fmt.Errorf("transport: remote error: %s", reason)
		}
		return resp.Payload, nil
	case <-pc.down:
		return nil, fmt.Errorf("%w: %s", ErrNodeDown, node)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MultiCall implements Facade.MultiCall: one Call per node, concurrently,
// merged into (replies, unreachable). This is the coalesced multi-endpoint
// request the fan-out core relies on — one round trip per remote node,
// never one per target.
func (h *Hub) MultiCall(ctx context.Context, nodes []string, to, kind string, payload []byte) (map[string][]byte, []string) {
	replies := make(map[string][]byte, len(nodes))
	var unreachable []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			data, err := h.Call(ctx, node, to, kind, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				unreachable = append(unreachable, node)
				return
			}
			replies[node] = data
		}(node)
	}
	wg.Wait()
	return replies, unreachable
}

// Cast implements Facade.Cast.
func (h *Hub) Cast(node, to, kind string, payload []byte) error {
	pc, ok := h.peer(node)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeDown, node)
	}
	return pc.send(Message{ID: h.newID(), From: h.node, To: to, Kind: kind, Payload: payload})
}

// BroadcastCast implements Facade.BroadcastCast.
func (h *Hub) BroadcastCast(nodes []string, to, kind string, payload []byte) {
	for _, node := range nodes {
		if err := h.Cast(node, to, kind, payload); err != nil {
			log.WithError(err).WithField("node", node).Debug("transport: broadcast cast skipped unreachable node")
		}
	}
}

// WatchNode implements Facade.WatchNode.
func (h *Hub) WatchNode(node string) (<-chan struct{}, func()) {
	pc, ok := h.peer(node)
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}
	// Cancel is a no-op: the down channel is shared by every watcher and
	// closed exactly once when the connection actually drops, so there is
	// no per-watcher resource to release.
	return pc.down, func() {}
}

// Close implements Facade.Close.
func (h *Hub) Close() error {
	if h.server != nil {
		_ = h.server.Close()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pc := range h.peers {
		_ = pc.conn.Close()
	}
	h.peers = make(map[string]*peerConn)
	return nil
}

func (h *Hub) newID() string {
	return h.node + "-" + strconv.FormatUint(atomic.AddUint64(&h.idCounter, 1), 10)
}

var _ Facade = (*Hub)(nil)
