// Package main implements a mesh node: it runs a delegate pool and the
// websocket transport substrate, joins a coordinator to discover peers,
// dials every peer it learns about, and exposes a small HTTP demo API for
// driving the fan-out core (invoke, cast, monitor) from outside the
// process.
//
// Configuration:
//   - NODE_ID: unique node identifier (required)
//   - NODE_MESH_LISTEN: websocket listen address (default ":9090")
//   - NODE_MESH_ADDR: public host:port peers dial (default "127.0.0.1:9090")
//   - NODE_CONTROL_LISTEN: HTTP control-plane listen address (default ":8090")
//   - NODE_CONTROL_ADDR: public control-plane base URL (default "http://127.0.0.1:8090")
//   - COORDINATOR_ADDR: coordinator base URL (required)
//   - POOL_SIZE: delegate pool size (default 4)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/meshfanout/internal/fanout"
	"github.com/dreamware/meshfanout/internal/membership"
	"github.com/dreamware/meshfanout/internal/operation"
	"github.com/dreamware/meshfanout/internal/outcome"
	"github.com/dreamware/meshfanout/internal/routing"
	"github.com/dreamware/meshfanout/internal/station"
	"github.com/dreamware/meshfanout/internal/storage"
	"github.com/dreamware/meshfanout/internal/transport"
)

func main() {
	nodeID := mustGetenv("NODE_ID")
	meshListen := getenv("NODE_MESH_LISTEN", ":9090")
	meshAddr := getenv("NODE_MESH_ADDR", "127.0.0.1:9090")
	controlListen := getenv("NODE_CONTROL_LISTEN", ":8090")
	controlAddr := getenv("NODE_CONTROL_ADDR", "http://127.0.0.1:8090")
	coordAddr := mustGetenv("COORDINATOR_ADDR")
	poolSize := getenvInt("POOL_SIZE", 4)

	hub := transport.NewHub(nodeID)
	st := station.New(nodeID, hub)

	registerDemoOperations(st)

	if err := hub.Serve(meshListen); err != nil {
		log.WithError(err).Fatal("node: failed to start mesh listener")
	}
	if err := st.StartPool(poolSize); err != nil {
		log.WithError(err).Fatal("node: failed to start delegate pool")
	}

	ctx := context.Background()
	self := membership.NodeInfo{ID: nodeID, MeshAddr: meshAddr, ControlURL: controlAddr}
	peers, err := membership.Join(ctx, coordAddr, self)
	if err != nil {
		log.WithError(err).Fatal("node: failed to join mesh")
	}
	for _, peer := range peers {
		if peer.ID == nodeID {
			continue
		}
		if err := hub.Dial(peer.ID, peer.MeshAddr); err != nil {
			log.WithError(err).WithField("peer", peer.ID).Warn("node: failed to dial peer")
		}
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	api := newDemoAPI(st, nodeID)
	router.HandleFunc("/invoke", api.handleInvoke).Methods(http.MethodPost)
	router.HandleFunc("/cast", api.handleCast).Methods(http.MethodPost)
	router.HandleFunc("/monitor", api.handleMonitor).Methods(http.MethodPost)
	router.HandleFunc("/peers", api.handlePeers(coordAddr)).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:              controlListen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithFields(log.Fields{"node": nodeID, "control": controlListen, "mesh": meshListen}).Info("node: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("node: control plane listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	st.Stop()
	_ = hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("node: shutdown error")
	}
	log.WithField("node", nodeID).Info("node: stopped")
}

// registerDemoOperations installs the symbolic operations fanout.Call and
// fanout.Cast dispatch to, plus two illustrative ones of our own, and
// seeds the local targets they operate against. A real deployment would
// register whatever operation set its application needs instead.
func registerDemoOperations(st *station.Station) {
	st.Local().Register("inbox", newMailbox())
	st.Local().Register("counter", newCounter())

	send := func(_ context.Context, target outcome.Target, args []any) (any, error) {
		entry, ok := st.Local().Lookup(target)
		if !ok {
			return nil, fmt.Errorf("node: no mailbox registered as %s", target)
		}
		mb, ok := entry.Value.(*mailbox)
		if !ok {
			return nil, fmt.Errorf("node: target %s is not a mailbox", target)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("node: send requires a message argument")
		}
		if err := mb.append(args[0]); err != nil {
			return nil, err
		}
		return "ok", nil
	}
	st.RegisterOperation(fanout.SendModule, fanout.SendSync, send)
	st.RegisterOperation(fanout.SendModule, fanout.SendAsync, send)

	st.RegisterOperation("demo", "echo", func(_ context.Context, _ outcome.Target, args []any) (any, error) {
		return args, nil
	})
	st.RegisterOperation("demo", "bump", func(_ context.Context, target outcome.Target, args []any) (any, error) {
		entry, ok := st.Local().Lookup(target)
		if !ok {
			return nil, fmt.Errorf("node: no counter registered as %s", target)
		}
		c, ok := entry.Value.(*counter)
		if !ok {
			return nil, fmt.Errorf("node: target %s is not a counter", target)
		}
		return c.bump()
	})
}

// mailbox is the demo local process "mesh.send_sync"/"mesh.send_async"
// deliver into. Each received message is JSON-encoded and appended to a
// storage.MemoryStore under its own sequence key.
type mailbox struct {
	store *storage.MemoryStore
	seq   uint64
}

func newMailbox() *mailbox { return &mailbox{store: storage.NewMemoryStore()} }

func (m *mailbox) append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("node: encode message: %w", err)
	}
	key := strconv.FormatUint(atomic.AddUint64(&m.seq, 1), 10)
	return m.store.Put(key, data)
}

// counter is the demo local process "demo.bump" increments, keeping its
// value in a storage.MemoryStore under a single key.
type counter struct {
	store *storage.MemoryStore
}

func newCounter() *counter { return &counter{store: storage.NewMemoryStore()} }

const counterKey = "value"

func (c *counter) bump() (int, error) {
	n := 0
	raw, err := c.store.Get(counterKey)
	switch {
	case err == nil:
		n, err = strconv.Atoi(string(raw))
		if err != nil {
			return 0, fmt.Errorf("node: corrupt counter value: %w", err)
		}
	case err == storage.ErrKeyNotFound:
		// first bump, start from zero
	default:
		return 0, err
	}
	n++
	if err := c.store.Put(counterKey, []byte(strconv.Itoa(n))); err != nil {
		return 0, err
	}
	return n, nil
}

// demoAPI exposes the fan-out core over HTTP so the invoke/cast/monitor
// operations can be exercised with curl instead of writing a Go caller.
type demoAPI struct {
	station *station.Station
	node    string
}

func newDemoAPI(st *station.Station, node string) *demoAPI {
	return &demoAPI{station: st, node: node}
}

type targetSpec struct {
	ID   string `json:"id"`
	Node string `json:"node"`
}

func (t targetSpec) target() outcome.Target { return outcome.Target{ID: t.ID, Node: t.Node} }

type outcomeView struct {
	Target  outcome.Target   `json:"target"`
	OK      bool             `json:"ok"`
	Value   any              `json:"value,omitempty"`
	Failure *outcome.Failure `json:"failure,omitempty"`
}

func newOutcomeView(o outcome.Outcome) outcomeView {
	return outcomeView{Target: o.Target, OK: o.OK(), Value: o.Value, Failure: o.Failure}
}

type invokeRequest struct {
	Module  string       `json:"module"`
	Name    string       `json:"name"`
	Args    []any        `json:"args"`
	Targets []targetSpec `json:"targets"`
}

func (a *demoAPI) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	targets := make([]outcome.Target, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, t.target())
	}
	caller := routing.CallerID(r.RemoteAddr)
	op := operation.Symbolic(req.Module, req.Name, req.Args...)

	successes, failures, err := a.station.Core().Invoke(r.Context(), caller, targets, op)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	views := make([]outcomeView, 0, len(successes)+len(failures))
	for _, o := range successes {
		views = append(views, newOutcomeView(o))
	}
	for _, o := range failures {
		views = append(views, newOutcomeView(o))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Outcomes []outcomeView `json:"outcomes"`
	}{Outcomes: views})
}

func (a *demoAPI) handleCast(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	targets := make([]outcome.Target, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, t.target())
	}
	caller := routing.CallerID(r.RemoteAddr)
	op := operation.Symbolic(req.Module, req.Name, req.Args...)
	a.station.Core().InvokeNoResult(r.Context(), caller, targets, op)
	w.WriteHeader(http.StatusAccepted)
}

type monitorRequest struct {
	Observer targetSpec `json:"observer"`
	Watched  targetSpec `json:"watched"`
}

func (a *demoAPI) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	_, down, err := a.station.Monitors().Monitor(req.Observer.target(), req.Watched.target())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	go func() {
		notification := <-down
		log.WithFields(log.Fields{
			"observer": req.Observer.target(),
			"watched":  notification.Watched,
			"info":     notification.Info,
		}).Info("node: down notification delivered")
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (a *demoAPI) handlePeers(coordAddr string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers, err := membership.Peers(r.Context(), coordAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Peers []membership.NodeInfo `json:"peers"`
		}{Peers: peers})
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithError(err).WithField("var", k).Warn("node: ignoring malformed integer env var")
		return def
	}
	return n
}

func mustGetenv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("node: missing required env var %s", k)
	}
	return v
}
