package lib

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStopChannelContext(t *testing.T) {
	ch := make(chan struct{})

	ctx := &StopChannelContext{StopCh: ch}
	require.NoError(t, ctx.Err())

	select {
	case <-ctx.Done():
		require.FailNow(t, "StopChannelContext should not be done yet")
	default:
	}

	close(ch)

	select {
	case <-ctx.Done():
	default:
		require.FailNow(t, "StopChannelContext should be done")
	}

	require.Equal(t, context.Canceled, ctx.Err())
	require.Equal(t, context.Canceled, ctx.Err())
}
