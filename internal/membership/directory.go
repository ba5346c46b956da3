package membership

import (
	"cmp"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Directory is the coordinator-side registry of every node that has joined
// the mesh and has not been removed since. It is safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{nodes: make(map[string]NodeInfo)}
}

// Register adds or replaces a node's entry.
func (d *Directory) Register(info NodeInfo) {
	info.Status = "healthy"
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[info.ID] = info
}

// Remove drops a node from the directory, e.g. once it has been declared
// unhealthy for too long.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}

// SetStatus updates the status field of a registered node, if present.
func (d *Directory) SetStatus(id, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Status = status
		d.nodes[id] = n
	}
}

// All returns a snapshot of every registered node, sorted by ID so a peer
// list diffed across two calls reads consistently.
func (d *Directory) All() []NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]NodeInfo, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Get returns one node's info by ID.
func (d *Directory) Get(id string) (NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n, ok
}

// RegisterRoutes wires the directory's HTTP endpoints into router:
//
//	POST /membership/register  — join the mesh, get the current peer list back
//	GET  /membership/nodes     — list every known node
func (d *Directory) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/membership/register", d.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/membership/nodes", d.handleList).Methods(http.MethodGet)
}

func (d *Directory) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.MeshAddr == "" {
		http.Error(w, "node id and mesh_addr are required", http.StatusBadRequest)
		return
	}
	d.Register(req.Node)
	log.WithField("node", req.Node.ID).Info("membership: node registered")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RegisterResponse{Peers: d.All()})
}

func (d *Directory) handleList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Nodes []NodeInfo `json:"nodes"`
	}{Nodes: d.All()})
}
