package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
)

func TestThinkingStateTransitions(t *testing.T) {
	next, err := Normal.transition(openThinkTag)
	require.NoError(t, err)
	require.Equal(t, Thinking, next)

	next, err = Thinking.transition(closeThinkTag)
	require.NoError(t, err)
	require.Equal(t, Finished, next)
}

func TestThinkingStateNestedOpenIsMalformed(t *testing.T) {
	_, err := Thinking.transition(openThinkTag)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.MalformedStream, ge.Kind)
}

func TestThinkingStateCloseBeforeOpenIsMalformed(t *testing.T) {
	_, err := Normal.transition(closeThinkTag)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.MalformedStream, ge.Kind)
}

func TestThinkingStateCloseAfterFinishedIsMalformed(t *testing.T) {
	_, err := Finished.transition(closeThinkTag)
	require.Error(t, err)
}

func TestTextChunkIDPerState(t *testing.T) {
	require.Equal(t, "0", Normal.textChunkID())
	require.Equal(t, "1", Thinking.textChunkID())
	require.Equal(t, "2", Finished.textChunkID())
}
