package station

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshfanout/internal/operation"
	"github.com/dreamware/meshfanout/internal/outcome"
	"github.com/dreamware/meshfanout/internal/routing"
	"github.com/dreamware/meshfanout/internal/transport"
)

func newConnectedPair(t *testing.T, addrA, addrB string) (*Station, *Station) {
	t.Helper()
	hubA := transport.NewHub("node-a")
	hubB := transport.NewHub("node-b")
	t.Cleanup(func() { hubA.Close(); hubB.Close() })

	a := New("node-a", hubA)
	b := New("node-b", hubB)

	require.NoError(t, hubA.Serve(addrA))
	require.NoError(t, hubB.Serve(addrB))

	require.NoError(t, a.StartPool(1))
	require.NoError(t, b.StartPool(1))
	t.Cleanup(func() { a.Stop(); b.Stop() })

	require.Eventually(t, func() bool { return hubA.Dial("node-b", addrB) == nil }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hubB.Dial("node-a", addrA) == nil }, 2*time.Second, 10*time.Millisecond)

	return a, b
}

func TestStationInvokeAcrossNodes(t *testing.T) {
	a, b := newConnectedPair(t, "127.0.0.1:19301", "127.0.0.1:19302")

	target := b.Local().Register("inbox", "seed")
	b.RegisterOperation("demo", "echo", func(_ context.Context, tgt outcome.Target, args []any) (any, error) {
		return tgt.ID, nil
	})

	successes, failures, err := a.Core().Invoke(context.Background(), routing.CallerID("caller-1"), []outcome.Target{target}, operation.Symbolic("demo", "echo"))
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Len(t, successes, 1)
	assert.Equal(t, "inbox", successes[0].Value)
}

func TestStationMonitorAcrossNodesDeliversDownNotification(t *testing.T) {
	a, b := newConnectedPair(t, "127.0.0.1:19303", "127.0.0.1:19304")

	watched := b.Local().Register("watched-proc", nil)
	observer := a.Local().Register("observer-proc", nil)

	_, down, err := a.Monitors().Monitor(observer, watched)
	require.NoError(t, err)

	b.Local().Terminate(watched.ID)

	select {
	case n := <-down:
		assert.Equal(t, watched, n.Watched)
	case <-time.After(2 * time.Second):
		t.Fatal("cross-node down notification never arrived")
	}
}
