package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayFilterAcceptsMonotonicCounters(t *testing.T) {
	var f replayFilter
	for i := uint64(0); i < 10; i++ {
		require.True(t, f.Accept(i))
	}
}

func TestReplayFilterRejectsDuplicate(t *testing.T) {
	var f replayFilter
	require.True(t, f.Accept(5))
	require.False(t, f.Accept(5))
}

func TestReplayFilterRejectsStaleBeyondWindow(t *testing.T) {
	var f replayFilter
	require.True(t, f.Accept(replayWindowSize*2))
	require.False(t, f.Accept(0))
}

func TestReplayFilterAcceptsReorderedWithinWindow(t *testing.T) {
	var f replayFilter
	require.True(t, f.Accept(100))
	require.True(t, f.Accept(98))
	require.True(t, f.Accept(99))
	require.False(t, f.Accept(98))
}

func TestReplayFilterHandlesLargeForwardJump(t *testing.T) {
	var f replayFilter
	require.True(t, f.Accept(1))
	require.True(t, f.Accept(1+replayWindowSize*3))
	require.True(t, f.Accept(1+replayWindowSize*3-1))
}
