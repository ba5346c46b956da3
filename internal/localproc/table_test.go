package localproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshfanout/internal/outcome"
)

func TestRegisterAndLookup(t *testing.T) {
	tbl := New("node-a")
	target := tbl.Register("inbox", 42)
	assert.Equal(t, "inbox", target.ID)
	assert.Equal(t, "node-a", target.Node)

	entry, ok := tbl.Lookup(target)
	require.True(t, ok)
	assert.Equal(t, 42, entry.Value)
}

func TestLookupUnknownFails(t *testing.T) {
	tbl := New("node-a")
	_, ok := tbl.Lookup(outcome.Target{ID: "missing", Node: "node-a"})
	assert.False(t, ok)
}

func TestIsLocalChecksNode(t *testing.T) {
	tbl := New("node-a")
	assert.True(t, tbl.IsLocal(outcome.Target{ID: "x", Node: "node-a"}))
	assert.False(t, tbl.IsLocal(outcome.Target{ID: "x", Node: "node-b"}))
}

func TestTerminateClosesWatchChannel(t *testing.T) {
	tbl := New("node-a")
	target := tbl.Register("inbox", nil)

	done, err := tbl.Watch(target)
	require.NoError(t, err)

	tbl.Terminate(target.ID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch channel did not close on terminate")
	}

	_, ok := tbl.Lookup(target)
	assert.False(t, ok, "terminated target should no longer resolve")
}

func TestWatchRejectsRemoteTarget(t *testing.T) {
	tbl := New("node-a")
	_, err := tbl.Watch(outcome.Target{ID: "x", Node: "node-b"})
	assert.Error(t, err)
}

func TestWatchRejectsUnknownTarget(t *testing.T) {
	tbl := New("node-a")
	_, err := tbl.Watch(outcome.Target{ID: "missing", Node: "node-a"})
	assert.Error(t, err)
}

func TestTerminateUnknownIDIsNoop(t *testing.T) {
	tbl := New("node-a")
	assert.NotPanics(t, func() { tbl.Terminate("missing") })
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	tbl := New("node-a")
	tbl.Register("inbox", 1)
	target := tbl.Register("inbox", 2)

	entry, ok := tbl.Lookup(target)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Value)
}
