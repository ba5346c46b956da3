package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshfanout/internal/localproc"
	"github.com/dreamware/meshfanout/internal/outcome"
	"github.com/dreamware/meshfanout/internal/routing"
	"github.com/dreamware/meshfanout/internal/transport"
)

// stubFacade records Cast calls and answers everything else with zero
// values; the monitor registry only ever calls Cast.
type stubFacade struct {
	casts []castCall
}

type castCall struct {
	node, to, kind string
	payload        []byte
}

func (f *stubFacade) SetDispatcher(transport.Dispatcher) {}
func (f *stubFacade) Serve(string) error                 { return nil }
func (f *stubFacade) Dial(string, string) error          { return nil }

func (f *stubFacade) Cast(node, to, kind string, payload []byte) error {
	f.casts = append(f.casts, castCall{node: node, to: to, kind: kind, payload: payload})
	return nil
}

func (f *stubFacade) Call(context.Context, string, string, string, []byte) ([]byte, error) {
	return nil, nil
}

func (f *stubFacade) MultiCall(context.Context, []string, string, string, []byte) (map[string][]byte, []string) {
	return nil, nil
}

func (f *stubFacade) BroadcastCast([]string, string, string, []byte) {}

func (f *stubFacade) WatchNode(string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	return ch, func() {}
}

func (f *stubFacade) Close() error { return nil }

var _ transport.Facade = (*stubFacade)(nil)

func fixedPoolSize(size int) routing.PoolSizer {
	return func(_, _ string) (int, bool) { return size, true }
}

func TestMonitorLocalTargetDeliversOnTermination(t *testing.T) {
	local := localproc.New("node-a")
	target := local.Register("watched", nil)

	reg := New("delegate-", routing.New(fixedPoolSize(1)), &stubFacade{}, local)
	observer := outcome.Target{ID: "observer", Node: "node-a"}

	_, down, err := reg.Monitor(observer, target)
	require.NoError(t, err)

	local.Terminate(target.ID)

	select {
	case n := <-down:
		assert.Equal(t, target, n.Watched)
		assert.Equal(t, "noproc", n.Info)
	case <-time.After(time.Second):
		t.Fatal("local monitor never fired")
	}
}

func TestMonitorRemoteTargetSendsWireRequest(t *testing.T) {
	local := localproc.New("node-a")
	facade := &stubFacade{}
	reg := New("delegate-", routing.New(fixedPoolSize(2)), facade, local)

	observer := outcome.Target{ID: "observer", Node: "node-a"}
	watched := outcome.Target{ID: "watched", Node: "node-b"}

	handle, _, err := reg.Monitor(observer, watched)
	require.NoError(t, err)
	require.IsType(t, remoteHandle{}, handle)

	require.Len(t, facade.casts, 1)
	call := facade.casts[0]
	assert.Equal(t, "node-b", call.node)
	assert.Equal(t, transport.KindMonitor, call.kind)

	gotObserver, gotWatched, err := DecodeRequest(call.payload)
	require.NoError(t, err)
	assert.Equal(t, observer, gotObserver)
	assert.Equal(t, watched, gotWatched)
}

func TestMonitorTwoObserversOfSameWatchedRouteToSameDelegate(t *testing.T) {
	local := localproc.New("node-a")
	facade := &stubFacade{}
	reg := New("delegate-", routing.New(fixedPoolSize(2)), facade, local)

	watched := outcome.Target{ID: "watched", Node: "node-b"}
	observerOne := outcome.Target{ID: "observer-1", Node: "node-a"}
	observerTwo := outcome.Target{ID: "observer-2", Node: "node-a"}

	handleOne, downOne, err := reg.Monitor(observerOne, watched)
	require.NoError(t, err)
	handleTwo, downTwo, err := reg.Monitor(observerTwo, watched)
	require.NoError(t, err)

	require.Len(t, facade.casts, 2, "each observer still sends its own monitor request")
	assert.Equal(t, facade.casts[0].to, facade.casts[1].to, "both observers of the same watched target must route to the same delegate")
	assert.Equal(t, handleOne.(remoteHandle).delegate, handleTwo.(remoteHandle).delegate)

	require.True(t, reg.DeliverNotify(observerOne, watched, "noproc"))
	require.True(t, reg.DeliverNotify(observerTwo, watched, "noproc"))

	select {
	case n := <-downOne:
		assert.Equal(t, watched, n.Watched)
	case <-time.After(time.Second):
		t.Fatal("first observer never received its down notification")
	}
	select {
	case n := <-downTwo:
		assert.Equal(t, watched, n.Watched)
	case <-time.After(time.Second):
		t.Fatal("second observer never received its down notification")
	}
}

func TestDemonitorRemoteSendsDemonitorWireRequest(t *testing.T) {
	local := localproc.New("node-a")
	facade := &stubFacade{}
	reg := New("delegate-", routing.New(fixedPoolSize(2)), facade, local)

	observer := outcome.Target{ID: "observer", Node: "node-a"}
	watched := outcome.Target{ID: "watched", Node: "node-b"}

	handle, _, err := reg.Monitor(observer, watched)
	require.NoError(t, err)

	require.NoError(t, reg.Demonitor(observer, handle))
	require.Len(t, facade.casts, 2)
	assert.Equal(t, transport.KindDemonitor, facade.casts[1].kind)
}

func TestDeliverNotifyDeliversOnceAndReportsDuplicate(t *testing.T) {
	local := localproc.New("node-a")
	facade := &stubFacade{}
	reg := New("delegate-", routing.New(fixedPoolSize(2)), facade, local)

	observer := outcome.Target{ID: "observer", Node: "node-a"}
	watched := outcome.Target{ID: "watched", Node: "node-b"}
	_, _, err := reg.Monitor(observer, watched)
	require.NoError(t, err)

	assert.True(t, reg.DeliverNotify(observer, watched, "noproc"))
	assert.False(t, reg.DeliverNotify(observer, watched, "noproc"), "second delivery should find no pending mailbox")
}

func TestEncodeDecodeNotifyRoundTrip(t *testing.T) {
	observer := outcome.Target{ID: "observer", Node: "node-a"}
	watched := outcome.Target{ID: "watched", Node: "node-b"}
	payload, err := EncodeNotify(observer, watched, "noproc")
	require.NoError(t, err)

	gotObserver, gotWatched, info, err := DecodeNotify(payload)
	require.NoError(t, err)
	assert.Equal(t, observer, gotObserver)
	assert.Equal(t, watched, gotWatched)
	assert.Equal(t, "noproc", info)
}

func TestDecodeRequestRejectsMalformedPayload(t *testing.T) {
	_, _, err := DecodeRequest([]byte("not json"))
	assert.Error(t, err)
}
