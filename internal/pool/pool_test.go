package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshfanout/internal/operation"
	"github.com/dreamware/meshfanout/internal/outcome"
)

type stubRegistry struct{}

func (stubRegistry) Apply(_ context.Context, _ operation.Operation, target outcome.Target) (any, error) {
	return target.ID, nil
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	_, err := New("node-a", "delegate-", 0, stubRegistry{})
	assert.Error(t, err)
}

func TestNewCreatesNamedWorkers(t *testing.T) {
	p, err := New("node-a", "delegate-", 3, stubRegistry{})
	require.NoError(t, err)
	defer p.Stop()

	assert.Equal(t, 3, p.Count())
	for i := 0; i < 3; i++ {
		w, ok := p.Worker("delegate-" + string(rune('0'+i)))
		require.True(t, ok)
		assert.Equal(t, "node-a", w.Node())
	}
	_, ok := p.Worker("delegate-missing")
	assert.False(t, ok)
}

func TestSizerReportsLocalPoolSize(t *testing.T) {
	p, err := New("node-a", "delegate-", 5, stubRegistry{})
	require.NoError(t, err)
	defer p.Stop()

	sizer := NewSizer()
	sizer.Add(p)

	size, ok := sizer.PoolSize("delegate-")
	require.True(t, ok)
	assert.Equal(t, 5, size)

	_, ok = sizer.PoolSize("unknown-")
	assert.False(t, ok)
}
