package membership

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*httptest.Server, *Directory) {
	t.Helper()
	dir := NewDirectory()
	router := mux.NewRouter()
	dir.RegisterRoutes(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, dir
}

func TestDirectoryRegisterAndList(t *testing.T) {
	dir := NewDirectory()
	dir.Register(NodeInfo{ID: "node-b", MeshAddr: "127.0.0.1:9091"})
	dir.Register(NodeInfo{ID: "node-a", MeshAddr: "127.0.0.1:9090"})

	all := dir.All()
	require.Len(t, all, 2)
	assert.Equal(t, "node-a", all[0].ID, "All should sort by node ID")
	assert.Equal(t, "node-b", all[1].ID)

	n, ok := dir.Get("node-a")
	require.True(t, ok)
	assert.Equal(t, "healthy", n.Status)
}

func TestDirectoryRemove(t *testing.T) {
	dir := NewDirectory()
	dir.Register(NodeInfo{ID: "node-a", MeshAddr: "127.0.0.1:9090"})
	dir.Remove("node-a")
	_, ok := dir.Get("node-a")
	assert.False(t, ok)
}

func TestJoinReturnsCurrentPeerList(t *testing.T) {
	srv, dir := newTestCoordinator(t)
	dir.Register(NodeInfo{ID: "node-a", MeshAddr: "127.0.0.1:9090", ControlURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peers, err := Join(ctx, srv.URL, NodeInfo{ID: "node-b", MeshAddr: "127.0.0.1:9091", ControlURL: srv.URL})
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, p := range peers {
		ids[p.ID] = true
	}
	assert.True(t, ids["node-a"])
	assert.True(t, ids["node-b"], "the joining node itself should be in the returned roster")
}

func TestPeersListsRegisteredNodes(t *testing.T) {
	srv, dir := newTestCoordinator(t)
	dir.Register(NodeInfo{ID: "node-a", MeshAddr: "127.0.0.1:9090"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peers, err := Peers(ctx, srv.URL)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].ID)
}

func TestHealthMonitorEvictsUnresponsiveNode(t *testing.T) {
	dir := NewDirectory()

	unhealthySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthySrv.Close()

	dir.Register(NodeInfo{ID: "node-bad", MeshAddr: "127.0.0.1:9092", ControlURL: unhealthySrv.URL})

	monitor := NewHealthMonitor(20 * time.Millisecond)
	evicted := make(chan string, 1)
	monitor.SetOnUnhealthy(func(id string) { evicted <- id })
	monitor.Start(dir)
	defer monitor.Stop()

	select {
	case id := <-evicted:
		assert.Equal(t, "node-bad", id)
	case <-time.After(2 * time.Second):
		t.Fatal("health monitor never evicted the unresponsive node")
	}
}

func TestHealthMonitorKeepsHealthyNode(t *testing.T) {
	dir := NewDirectory()
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer okSrv.Close()

	dir.Register(NodeInfo{ID: "node-good", MeshAddr: "127.0.0.1:9093", ControlURL: okSrv.URL})

	monitor := NewHealthMonitor(20 * time.Millisecond)
	evicted := make(chan string, 1)
	monitor.SetOnUnhealthy(func(id string) { evicted <- id })
	monitor.Start(dir)
	defer monitor.Stop()

	select {
	case <-evicted:
		t.Fatal("healthy node should not be evicted")
	case <-time.After(200 * time.Millisecond):
	}

	_, ok := dir.Get("node-good")
	assert.True(t, ok)
}
