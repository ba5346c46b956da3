package outcome

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetString(t *testing.T) {
	tgt := Target{ID: "inbox", Node: "node-a"}
	assert.Equal(t, "inbox@node-a", tgt.String())
}

func TestSuccessIsOK(t *testing.T) {
	o := Success(Target{ID: "x"}, 42)
	assert.True(t, o.OK())
	assert.Equal(t, 42, o.Value)
	assert.Nil(t, o.Failure)
}

func TestFailIsNotOK(t *testing.T) {
	o := Fail(Target{ID: "x"}, "error", "boom", "")
	assert.False(t, o.OK())
	require.NotNil(t, o.Failure)
	assert.Equal(t, "error: boom", o.Failure.Error())
}

func TestNilFailureErrorIsEmpty(t *testing.T) {
	var f *Failure
	assert.Equal(t, "", f.Error())
}

func TestFromErrorClassifiesAsError(t *testing.T) {
	o := FromError(Target{ID: "x"}, errors.New("disk full"))
	require.False(t, o.OK())
	assert.Equal(t, "error", o.Failure.Class)
	assert.Equal(t, "disk full", o.Failure.Reason)
}

func TestNodeDownClassifiesAsExit(t *testing.T) {
	o := NodeDown(Target{ID: "x"}, "node-b")
	require.False(t, o.OK())
	assert.Equal(t, "exit", o.Failure.Class)
	assert.Contains(t, o.Failure.Reason, "node-b")
}

func TestPanicCarriesStack(t *testing.T) {
	o := Panic(Target{ID: "x"}, "kaboom", "stack trace here")
	require.False(t, o.OK())
	assert.Equal(t, "panic", o.Failure.Class)
	assert.Equal(t, "kaboom", o.Failure.Reason)
	assert.Equal(t, "stack trace here", o.Failure.Stack)
}

func TestSafelyReturnsSuccess(t *testing.T) {
	o := Safely(Target{ID: "x"}, func() (any, error) { return "ok", nil })
	assert.True(t, o.OK())
	assert.Equal(t, "ok", o.Value)
}

func TestSafelyReturnsFailureOnError(t *testing.T) {
	o := Safely(Target{ID: "x"}, func() (any, error) { return nil, errors.New("nope") })
	assert.False(t, o.OK())
	assert.Equal(t, "error", o.Failure.Class)
}

func TestSafelyRecoversPanic(t *testing.T) {
	o := Safely(Target{ID: "x"}, func() (any, error) {
		panic("unexpected")
	})
	require.False(t, o.OK())
	assert.Equal(t, "panic", o.Failure.Class)
	assert.Equal(t, "unexpected", o.Failure.Reason)
	assert.NotEmpty(t, o.Failure.Stack)
}

func TestSplitPartitionsSuccessesAndFailures(t *testing.T) {
	outcomes := []Outcome{
		Success(Target{ID: "a"}, 1),
		Fail(Target{ID: "b"}, "error", "bad", ""),
		Success(Target{ID: "c"}, 3),
	}
	successes, failures := Split(outcomes)
	require.Len(t, successes, 2)
	require.Len(t, failures, 1)
	assert.Equal(t, "b", failures[0].Target.ID)
}
