package operation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshfanout/internal/outcome"
)

func TestSymbolicIsNotLocalOnly(t *testing.T) {
	op := Symbolic("demo", "echo", "hello")
	assert.False(t, op.IsLocalOnly())
}

func TestCapturedOperationIsLocalOnly(t *testing.T) {
	op := Operation{Local: func(ctx context.Context, target outcome.Target) (any, error) { return nil, nil }}
	assert.True(t, op.IsLocalOnly())
}

func TestToWireRejectsCapturedOperation(t *testing.T) {
	op := Operation{Local: func(ctx context.Context, target outcome.Target) (any, error) { return nil, nil }}
	_, err := op.ToWire()
	assert.Error(t, err)
}

func TestWireRoundTrip(t *testing.T) {
	op := Symbolic("mesh", "send_sync", "hi", 7)
	wire, err := op.ToWire()
	require.NoError(t, err)
	restored := FromWire(wire)
	assert.Equal(t, op.Module, restored.Module)
	assert.Equal(t, op.Name, restored.Name)
	assert.Equal(t, op.Args, restored.Args)
}

func TestRegistryApplySymbolic(t *testing.T) {
	r := NewRegistry()
	r.Register("demo", "echo", func(_ context.Context, _ outcome.Target, args []any) (any, error) {
		return args[0], nil
	})
	val, err := r.Apply(context.Background(), Symbolic("demo", "echo", "hi"), outcome.Target{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "hi", val)
}

func TestRegistryApplyUnregisteredErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Apply(context.Background(), Symbolic("demo", "missing"), outcome.Target{ID: "x"})
	assert.Error(t, err)
}

func TestRegistryApplyCapturedLocal(t *testing.T) {
	r := NewRegistry()
	called := false
	op := Operation{Local: func(ctx context.Context, target outcome.Target) (any, error) {
		called = true
		return "local", nil
	}}
	val, err := r.Apply(context.Background(), op, outcome.Target{ID: "x"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "local", val)
}

func TestMarshalUnmarshalArgsRoundTrip(t *testing.T) {
	raw, err := MarshalArgs([]any{"a", float64(2), true})
	require.NoError(t, err)
	args, err := UnmarshalArgs(raw)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", float64(2), true}, args)
}

func TestUnmarshalArgsEmpty(t *testing.T) {
	args, err := UnmarshalArgs(nil)
	require.NoError(t, err)
	assert.Nil(t, args)
}
