package webrtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/transport/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopRunsCallbacksInOrder(t *testing.T) {
	lim := test.TimeOut(5 * time.Second)
	defer lim.Stop()

	loop := NewEventLoop(nil)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.True(t, loop.Post(func() { order = append(order, i) }))
	}
	loop.Post(func() {
		// Posting from a callback must not block.
		loop.Post(func() {
			order = append(order, 3)
			loop.Quit()
		})
	})

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.False(t, loop.Post(func() {}))
}

func TestEventLoopTimeoutAdd(t *testing.T) {
	lim := test.TimeOut(5 * time.Second)
	defer lim.Stop()

	loop := NewEventLoop(nil)
	fired := false
	cancel := loop.TimeoutAdd(10*time.Millisecond, func() { t.Error("cancelled timeout fired") })
	cancel()
	loop.TimeoutAdd(30*time.Millisecond, func() {
		fired = true
		loop.Quit()
	})

	require.NoError(t, loop.Run(context.Background()))
	assert.True(t, fired)
}

func TestEventLoopFail(t *testing.T) {
	loop := NewEventLoop(nil)
	errBoom := errors.New("boom")

	loop.Post(func() { loop.Fail(errBoom) })
	loop.Post(func() { t.Error("callback ran after failure") })

	assert.ErrorIs(t, loop.Run(context.Background()), errBoom)
	loop.Fail(errors.New("second"))
	assert.ErrorIs(t, loop.Run(context.Background()), errBoom)
}

func TestEventLoopContext(t *testing.T) {
	loop := NewEventLoop(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.NoError(t, loop.Run(ctx))
	select {
	case <-loop.Done():
	default:
		t.Fatal("loop not stopped")
	}
}
